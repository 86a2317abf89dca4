// Package container binds one logical connection to its socket and
// timers: it owns the decision of which local interface address a
// connection is pinned to, drops datagrams arriving with the wrong
// interface or matching the artificial-drop-rate hook, and drives the
// connection's tick/heartbeat/RTO/liveness timers.
//
// The source runs every one of these callbacks (socket receive, timer
// fire, user API call) cooperatively on one thread. Go's socket reader
// and timer host each run their own goroutine, so rather than thread a
// channel-and-select loop through every timer fire, Container serializes
// all of it — inbound datagrams and timer callbacks alike — behind a
// single mutex. The effect on ordering is the same as the cooperative
// original: only one callback body executes at a time. The exceptions are
// the connection-lost and connection-regained callbacks, which take no
// lock of their own.
package container

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aetherflow/quantum/internal/quantum/connection"
	"github.com/aetherflow/quantum/internal/quantum/conntimer"
	"github.com/aetherflow/quantum/internal/quantum/fec"
	"github.com/aetherflow/quantum/internal/quantum/iodgram"
	"github.com/aetherflow/quantum/internal/quantum/metrics"
	"github.com/aetherflow/quantum/internal/quantum/natpunch"
	"github.com/aetherflow/quantum/internal/quantum/protocol"
	"github.com/aetherflow/quantum/internal/quantum/rtt"
	"github.com/aetherflow/quantum/internal/quantum/sendqueue"
	"github.com/aetherflow/quantum/internal/quantum/timerhost"
	"github.com/aetherflow/quantum/pkg/guuid"
)

// P2PState reports how a connection's NAT punch-through is progressing.
// Containers that were never handed a natpunch object (server-side
// connections, and client connections with no mediator in play) are
// always NotEstablishing.
type P2PState int

const (
	NotEstablishing P2PState = iota
	Establishing
	Established
	Failed
)

// Config holds the per-connection tunables a container needs beyond
// what connection.Config already covers.
type Config struct {
	Connection               connection.Config
	ConnectionTimeout        time.Duration
	InitialConnectionTimeout time.Duration
	ConnectionWarningTimeout time.Duration
	HeartbeatFrequency       time.Duration
	FabricatedPacketDropRate float64
	// Metrics is optional; a nil bundle disables instrumentation.
	Metrics *metrics.Metrics
	// Logger is optional; a nil logger disables container logging.
	Logger *zap.Logger
	// FEC is optional; a nil config sends every datagram unprotected.
	// When set, both ends of the connection must agree on the shard
	// counts, since a Reed-Solomon group only reconstructs against the
	// counts it was built with.
	FEC *fec.Config
}

// Container binds a logical connection to a socket and a timer set for
// exactly one peer.
type Container struct {
	mu sync.Mutex

	id     guuid.GUUID
	cfg    Config
	socket iodgram.DatagramSocket
	timers *conntimer.Set
	conn   *connection.Connection
	rtt    *rtt.Estimator
	logger *zap.Logger

	fecProt *fec.Protector

	observer connection.Observer

	localAddr  *net.UDPAddr
	remoteAddr *net.UDPAddr
	isServer   bool

	nextRTTReqSeq uint16
	dropSource    func() float64

	lastRecvPktSN uint16
	haveRecvPktSN bool
	sentSizes     map[uint16]int
	sentOrder     []uint16

	p2pState     P2PState
	natpunch     *natpunch.Punchthrough
	mediatorAddr *net.UDPAddr
	cookie       []byte
	ourInitialSN uint64
	punchTimeout time.Duration
	rawPktSeq    uint16

	closed bool
}

// sentHistoryLimit bounds the outstanding-packet-size tracking kept for
// congestion feedback: an ack that never arrives (a dropped reply, a dead
// peer) must not leak memory forever.
const sentHistoryLimit = 256

// NewServer creates a container for a connection accepted server-side:
// the SYN-RST handshake reply is sent unreliably and immediately, and the
// container is open from the moment it exists.
func NewServer(socket iodgram.DatagramSocket, remoteAddr *net.UDPAddr, observer connection.Observer, cfg Config, host timerhost.TimerHost, ourInitialSN, peerInitialSN uint64) *Container {
	c := newContainer(socket, remoteAddr, observer, cfg, host, true)
	conn := connection.New(cfg.Connection, observer, connection.RoleServer, ourInitialSN)
	c.conn = conn
	datagram := conn.OpenAsServer(peerInitialSN)
	c.sendDatagram(c.wrapMessage(datagram))
	c.armLiveness()
	if cfg.Metrics != nil {
		cfg.Metrics.RecordConnectionOpened()
	}
	c.logger.Info("accepted connection", zap.Stringer("remote", remoteAddr))
	return c
}

// NewClient creates a container for a connection actively opened toward
// remoteAddr: the handshake SYN is sent reliably and the container stays
// in the "opening" stage until a SYN-RST arrives or the initial-connect
// timeout expires.
func NewClient(socket iodgram.DatagramSocket, remoteAddr *net.UDPAddr, observer connection.Observer, cfg Config, host timerhost.TimerHost, ourInitialSN uint64, now time.Time) (*Container, error) {
	c := newContainer(socket, remoteAddr, observer, cfg, host, false)
	conn := connection.New(cfg.Connection, observer, connection.RoleClientOrP2P, ourInitialSN)
	c.conn = conn
	if err := conn.OpenAsClient(now); err != nil {
		return nil, err
	}
	c.timers.ArmInitialConnectTimeout(cfg.InitialConnectionTimeout)
	c.armTick(now)
	if cfg.Metrics != nil {
		cfg.Metrics.RecordConnectionOpened()
	}
	c.logger.Info("dialing connection", zap.Stringer("remote", remoteAddr))
	return c, nil
}

// NewP2P creates a container that rendezvouses through a mediator and
// attempts direct NAT punch-through before any logical connection exists.
// The container starts in the Establishing state, exchanging PRX control
// messages with the mediator and then, once it learns the peer's
// endpoints, directly with the peer, until punch-through commits to an
// address and the real connection opens, or the punch timeout elapses and
// the container tears itself down with NATPunchthroughFailed.
func NewP2P(socket iodgram.DatagramSocket, mediatorAddr *net.UDPAddr, cookie []byte, observer connection.Observer, cfg Config, host timerhost.TimerHost, ourInitialSN uint64, punchTimeout time.Duration) *Container {
	c := newContainer(socket, mediatorAddr, observer, cfg, host, false)
	c.ourInitialSN = ourInitialSN
	c.cookie = append([]byte(nil), cookie...)
	c.mediatorAddr = mediatorAddr
	c.punchTimeout = punchTimeout
	c.p2pState = Establishing
	c.sendCookieSyn()
	c.timers.ArmTick(rtt.Tick)
	c.logger.Info("p2p: rendezvous started", zap.Stringer("mediator", mediatorAddr))
	return c
}

// sendDatagram writes datagram to the peer and, when instrumented, counts
// it.
func (c *Container) sendDatagram(datagram []byte) {
	if c.fecProt == nil {
		_ = c.socket.Send(c.localAddr, c.remoteAddr, datagram)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.PacketsSent.Inc()
		}
		return
	}

	frames := c.fecProt.ProtectOutbound(datagram)
	for _, frame := range frames {
		_ = c.socket.Send(c.localAddr, c.remoteAddr, frame)
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.PacketsSent.Inc()
		c.cfg.Metrics.FECShardsEncoded.Add(float64(len(frames)))
	}
}

func newContainer(socket iodgram.DatagramSocket, remoteAddr *net.UDPAddr, observer connection.Observer, cfg Config, host timerhost.TimerHost, isServer bool) *Container {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id, err := guuid.New()
	if err != nil {
		id = guuid.Zero()
	}
	c := &Container{
		id:         id,
		cfg:        cfg,
		socket:     socket,
		remoteAddr: remoteAddr,
		observer:   observer,
		rtt:        rtt.New(),
		isServer:   isServer,
		dropSource: rand.Float64,
		logger:     logger.With(zap.Stringer("conn", id)),
	}
	if cfg.FEC != nil {
		prot, err := fec.NewProtector(cfg.FEC)
		if err != nil {
			c.logger.Warn("FEC disabled: invalid shard configuration", zap.Error(err))
		} else {
			c.fecProt = prot
		}
	}
	c.timers = conntimer.New(host, conntimer.Callbacks{
		Tick:               c.onTickFire,
		RTO:                c.onRTOFire,
		Heartbeat:          c.onHeartbeatFire,
		ConnectionLost:     c.onConnectionLost,
		ConnectionRegained: c.onConnectionRegained,
		ConnectionTimedOut: c.onConnectionTimedOut,
	})
	return c
}

func (c *Container) armLiveness() {
	c.timers.ArmConnectionTimeout(c.cfg.ConnectionWarningTimeout, c.cfg.ConnectionTimeout)
}

// HandleDatagram processes one inbound datagram addressed to this
// container's connection. It is safe to call from the socket's reader
// goroutine.
func (c *Container) HandleDatagram(dg iodgram.Datagram) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	shard := c.fecProt != nil && fec.IsShardFrame(dg.Data)

	if c.localAddr == nil {
		// Only pin to the first inbound datagram that actually carries a
		// packet-level sequence number (or an FEC shard frame, which
		// carries one once unwrapped): an out-of-band or malformed
		// datagram arriving first must not fix the interface before the
		// real traffic has even been seen.
		if !shard && !carriesSequenceNumber(dg.Data) {
			c.countDrop("unpinned-first-packet")
			return
		}
		c.localAddr = dg.InboundAddr
	} else if c.localAddr.String() != dg.InboundAddr.String() {
		// A handshake mid-probe can see traffic arrive on an interface
		// other than the one first recorded; drop rather than confuse the
		// single localAddress invariant.
		c.countDrop("interface-mismatch")
		return
	}

	if c.cfg.FabricatedPacketDropRate > 0 && c.dropSource() < c.cfg.FabricatedPacketDropRate {
		c.countDrop("artificial")
		return
	}

	if c.conn == nil {
		c.handleP2PDatagram(dg)
		return
	}

	if shard {
		c.handleShardFrame(dg)
		return
	}

	c.handlePlainDatagram(dg.Data, dg.ReceivedAt)
}

// carriesSequenceNumber reports whether data's packet header advertises a
// sequence number, without fully parsing it.
func carriesSequenceNumber(data []byte) bool {
	if len(data) < 1 {
		return false
	}
	return protocol.PacketFlags(data[0]).Has(protocol.PacketFlagSequenceNumber)
}

// handleShardFrame unwraps one FEC shard frame, recovering the original
// datagram directly when the shard carried it and via Reed-Solomon
// reconstruction when enough of the group's other shards have arrived.
// Every recovered datagram is replayed through handlePlainDatagram exactly
// as if it had been received unprotected. Callers must already hold c.mu.
func (c *Container) handleShardFrame(dg iodgram.Datagram) {
	_, _, isParity, _, err := fec.UnmarshalShard(dg.Data)
	if err != nil {
		c.countDrop("malformed")
		return
	}

	datagrams, err := c.fecProt.HandleShardFrame(dg.Data)
	if err != nil {
		c.countDrop("malformed")
		return
	}

	directlyCarried := 0
	if !isParity {
		directlyCarried = 1
	}
	if repaired := len(datagrams) - directlyCarried; repaired > 0 && c.cfg.Metrics != nil {
		c.cfg.Metrics.FECShardsRepaired.Add(float64(repaired))
	}

	for _, datagram := range datagrams {
		c.handlePlainDatagram(datagram, dg.ReceivedAt)
	}
}

// handlePlainDatagram parses and dispatches one protocol-framed datagram,
// whether it arrived directly off the socket or was recovered by FEC.
// Callers must already hold c.mu.
func (c *Container) handlePlainDatagram(data []byte, receivedAt time.Time) {
	ph, n, err := protocol.UnmarshalPacketHeader(data)
	if err != nil {
		c.countDrop("malformed")
		return
	}
	now := receivedAt
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.PacketsReceived.Inc()
	}

	c.rtt.GotPacket()
	if c.timers != nil {
		c.timers.ResetOnInbound(c.cfg.ConnectionWarningTimeout, c.cfg.ConnectionTimeout)
		c.timers.ArmTick(rtt.Tick)
	}

	if ph.Flags.Has(protocol.PacketFlagSequenceNumber) {
		c.lastRecvPktSN = ph.SequenceNumber
		c.haveRecvPktSN = true
	}
	if ph.Flags.Has(protocol.PacketFlagAck) {
		length, known := c.sentSizes[ph.AckSequenceNumber]
		if known {
			delete(c.sentSizes, ph.AckSequenceNumber)
		}
		c.conn.Congestion().OnPacketAcked(now, uint64(ph.AckSequenceNumber), length)
	}
	if ph.Flags.Has(protocol.PacketFlagRTTRequest) {
		c.sendRTTResponse(now, ph.RTTRequestSequenceNumber)
	}
	if ph.Flags.Has(protocol.PacketFlagRTTResponse) {
		c.rtt.ResolveRTT(now, ph.RTTResponseSequenceNumber, ph.RTTResponseDelay)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordRTTSample(c.rtt.SRTT())
		}
	}

	body := data[n:]
	for len(body) > 0 {
		mh, err := protocol.UnmarshalMessageHeader(body)
		if err != nil {
			return
		}
		body = body[protocol.MessageHeaderSize:]
		if int(mh.Length) > len(body) {
			return
		}
		payload := body[:mh.Length]
		body = body[mh.Length:]

		if mh.Flags.IsControl() {
			closed, reply := c.conn.HandleInboundControl(now, mh, payload)
			if reply != nil {
				c.sendDatagram(c.wrapMessage(reply))
			}
			if closed {
				// A control message only forces closure from a peer-sent RST
				// (or a SYN-RST-ACK close confirmation); either way the
				// connection itself has already recorded the precise reason
				// via ForceClose.
				c.teardown(connection.OtherHostClosed)
				return
			}
			continue
		}
		ch, ok := protocol.ChannelFromQualifier(mh.ChannelQualifier)
		if !ok {
			continue
		}
		_ = c.conn.HandleInboundData(ch, mh, payload)
	}
}

func (c *Container) countDrop(reason string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.PacketsDropped.WithLabelValues(reason).Inc()
	}
}

func (c *Container) sendRTTResponse(now time.Time, reqSeq uint16) {
	pktSeq := c.conn.NextPacketSN()
	datagram := protocolRTTResponse(pktSeq, reqSeq, 0)
	c.trackSent(pktSeq, len(datagram), now)
	c.sendDatagram(datagram)
}

func (c *Container) armTick(now time.Time) {
	c.timers.ArmTick(rtt.Tick)
}

// wrapMessage prepends a fresh packet header carrying the connection's
// next packet-level sequence number to a bare message the connection
// built outside the normal Tick/send-queue path: the immediate server
// SYN-RST, a close confirmation, or the final close RST. Callers must
// already hold c.mu and have a non-nil c.conn.
func (c *Container) wrapMessage(msg []byte) []byte {
	ph := &protocol.PacketHeader{Flags: protocol.PacketFlagSequenceNumber, SequenceNumber: c.conn.NextPacketSN()}
	return append(ph.Marshal(), msg...)
}

// trackSent feeds the congestion controller a packet-sent event and
// remembers the datagram's size, bounded to sentHistoryLimit entries, so
// a later PacketFlagAck for pktSeq can report the right length to
// OnPacketAcked. Callers must already hold c.mu and have a non-nil c.conn.
func (c *Container) trackSent(pktSeq uint16, length int, now time.Time) {
	c.conn.Congestion().OnPacketSent(now, uint64(pktSeq), length)
	if c.sentSizes == nil {
		c.sentSizes = make(map[uint16]int)
	}
	c.sentSizes[pktSeq] = length
	c.sentOrder = append(c.sentOrder, pktSeq)
	if len(c.sentOrder) > sentHistoryLimit {
		delete(c.sentSizes, c.sentOrder[0])
		c.sentOrder = c.sentOrder[1:]
	}
}

func (c *Container) onTickFire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.conn == nil {
		c.tickP2P(time.Now())
		return
	}
	now := time.Now()
	pktSeq := c.conn.NextPacketSN()
	var ack *sendqueue.AckInfo
	if c.haveRecvPktSN {
		ack = &sendqueue.AckInfo{AckSequenceNumber: c.lastRecvPktSN}
	}
	datagram, sent := c.conn.Tick(now, c.rtt.RTO(), pktSeq, ack)
	if sent {
		c.trackSent(pktSeq, len(datagram), now)
		c.sendDatagram(datagram)
		c.timers.ResetHeartbeat(c.cfg.HeartbeatFrequency)
	}
	if !c.conn.SenderBuffer().Empty() {
		c.timers.ArmRTO(c.rtt.RTO())
		c.timers.ArmTick(rtt.Tick)
	}
	if c.conn.ReadyToFinalizeClose() {
		h, err := c.conn.CloseMessage(now)
		if err == nil {
			c.sendDatagram(c.wrapMessage(h.Marshal()))
		}
	}
}

func (c *Container) onRTOFire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return
	}
	if c.conn.SenderBuffer().Empty() {
		return
	}
	c.rtt.OnRTOTimeout()
	c.conn.Congestion().OnRTO()
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Retransmits.WithLabelValues("reliable").Inc()
	}
	c.timers.ArmRTO(c.rtt.RTO())
	c.timers.ArmTick(rtt.Tick)
}

func (c *Container) onHeartbeatFire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return
	}
	pktSeq := c.conn.NextPacketSN()
	datagram := heartbeatDatagram(pktSeq)
	c.trackSent(pktSeq, len(datagram), time.Now())
	c.sendDatagram(datagram)
	c.timers.ResetHeartbeat(c.cfg.HeartbeatFrequency)
}

func (c *Container) onConnectionLost() {
	c.logger.Warn("connection liveness lost")
	if c.observer != nil {
		c.observer.OnConnectionLost()
	}
}

func (c *Container) onConnectionRegained() {
	c.logger.Info("connection liveness regained")
	if c.observer != nil {
		c.observer.OnConnectionRegained()
	}
}

func (c *Container) onConnectionTimedOut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return
	}
	c.conn.ForceClose(connection.ConnectionTimedOut)
	c.teardownLocked(connection.ConnectionTimedOut)
}

// Send frames data onto ch for delivery to the peer.
func (c *Container) Send(now time.Time, data []byte, ch protocol.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return connection.ErrClosed
	}
	if err := c.conn.Send(now, data, ch); err != nil {
		return err
	}
	c.timers.ArmTick(rtt.Tick)
	return nil
}

// Close initiates a graceful close; ForceClose short-circuits straight to
// teardown.
func (c *Container) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	c.conn.InitiateClose()
	c.timers.ArmTick(rtt.Tick)
}

// ForceClose tears the container and its connection down immediately.
func (c *Container) ForceClose(reason connection.DisconnectReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.ForceClose(reason)
	}
	c.teardownLocked(reason)
}

func (c *Container) teardown(reason connection.DisconnectReason) { c.teardownLocked(reason) }

func (c *Container) teardownLocked(reason connection.DisconnectReason) {
	if c.closed {
		return
	}
	c.closed = true
	c.timers.Close()
	if !c.isServer && c.socket != nil {
		_ = c.socket.Close()
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordConnectionClosed(reason.String())
	}
	c.logger.Info("connection closed", zap.Stringer("reason", reason))
}

// P2PState reports the current NAT punch-through progress.
func (c *Container) P2PState() P2PState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.p2pState
}

// RemoteAddr returns the address the container currently sends to.
func (c *Container) RemoteAddr() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteAddr
}

// SetRemoteAddr replaces the peer address outbound datagrams are sent to.
func (c *Container) SetRemoteAddr(addr *net.UDPAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteAddr = addr
}

// handleP2PDatagram dispatches one inbound datagram while no logical
// connection yet exists: every message exchanged before punch-through
// commits is PRX-flagged, whether it came from the mediator or, once the
// peer's endpoints are known, directly from the peer. Callers must
// already hold c.mu.
func (c *Container) handleP2PDatagram(dg iodgram.Datagram) {
	_, n, err := protocol.UnmarshalPacketHeader(dg.Data)
	if err != nil {
		c.countDrop("malformed")
		return
	}
	body := dg.Data[n:]
	mh, err := protocol.UnmarshalMessageHeader(body)
	if err != nil {
		c.countDrop("malformed")
		return
	}
	body = body[protocol.MessageHeaderSize:]
	if int(mh.Length) > len(body) {
		c.countDrop("malformed")
		return
	}
	if !mh.Flags.Has(protocol.FlagPRX) {
		c.countDrop("unexpected-p2p-message")
		return
	}
	c.handlePRXMessage(dg.ReceivedAt, dg.RemoteAddr, mh, body[:mh.Length])
}

// handlePRXMessage dispatches one PRX-flagged control message arriving
// during the Establishing state. Callers must already hold c.mu.
func (c *Container) handlePRXMessage(now time.Time, source *net.UDPAddr, mh *protocol.MessageHeader, payload []byte) {
	flags := mh.Flags
	switch {
	case flags.Has(protocol.FlagSYN) && flags.Has(protocol.FlagRST):
		// The mediator's endpoint-pair notification: both peers' inner
		// addresses are now known, so probing can begin.
		if c.natpunch != nil {
			return
		}
		inner, outer, err := protocol.DecodeEndpointPair(payload)
		if err != nil {
			c.countDrop("malformed")
			return
		}
		c.natpunch = natpunch.New(natpunch.Endpoint{Inner: inner, Outer: outer}, now, c.punchTimeout)
		for _, target := range c.natpunch.ProbeTargets() {
			c.sendPRXSynTo(target)
		}

	case flags.Has(protocol.FlagRST) && flags.Has(protocol.FlagACK):
		// The mediator confirming our teardown; nothing further to do.

	case flags.Has(protocol.FlagSYN) && flags.Has(protocol.FlagACK):
		// The peer's probe ack: source is reachable.
		if c.natpunch == nil {
			return
		}
		c.natpunch.OnSynAck(source)

	case flags.Has(protocol.FlagSYN):
		// The peer's probe SYN: answer so it can commit to this path too.
		if c.natpunch == nil {
			return
		}
		c.sendPRXSynAckTo(source)

	default:
		// A bare PRX is the mediator's ack of our cookie SYN; answer with
		// our inner address so it can notice once both sides are known.
		c.sendInnerAddrAck()
	}
}

// tickP2P drives punch-through progress once per tick while no logical
// connection exists yet: it checks for timeout, re-sends probes to every
// still-live candidate, and completes the handshake once an endpoint has
// committed. Callers must already hold c.mu.
func (c *Container) tickP2P(now time.Time) {
	if c.natpunch == nil {
		c.timers.ArmTick(rtt.Tick)
		return
	}
	if c.natpunch.CheckTimeout(now) {
		c.p2pState = Failed
		if c.observer != nil {
			c.observer.OnDisconnect(connection.NATPunchthroughFailed)
		}
		c.teardownLocked(connection.NATPunchthroughFailed)
		return
	}
	for _, target := range c.natpunch.ProbeTargets() {
		c.sendPRXSynTo(target)
	}
	if committed, ok := c.natpunch.Commit(); ok {
		c.completeP2P(now, committed)
		return
	}
	c.timers.ArmTick(rtt.Tick)
}

// completeP2P finalizes a successful punch-through: it tears the
// rendezvous down with the mediator, points the container straight at
// the committed peer address, and opens the real connection exactly as
// NewClient would have. Callers must already hold c.mu.
func (c *Container) completeP2P(now time.Time, committed *net.UDPAddr) {
	c.sendPRXTeardown()
	c.natpunch = nil
	c.p2pState = Established
	c.remoteAddr = committed

	conn := connection.New(c.cfg.Connection, c.observer, connection.RoleClientOrP2P, c.ourInitialSN)
	c.conn = conn
	if err := conn.OpenAsClient(now); err != nil {
		c.logger.Warn("p2p: failed to open connection after punch-through", zap.Error(err))
		return
	}
	c.timers.ArmInitialConnectTimeout(c.cfg.InitialConnectionTimeout)
	c.timers.ArmTick(rtt.Tick)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordConnectionOpened()
	}
	c.logger.Info("p2p: punch-through committed", zap.Stringer("remote", committed))
}

// sendCookieSyn sends the mediator-issued rendezvous cookie to start
// punch-through. Callers must already hold c.mu.
func (c *Container) sendCookieSyn() {
	h := protocol.MessageHeader{Flags: protocol.FlagSYN, ChannelQualifier: protocol.ControlQualifier, Length: uint16(len(c.cookie))}
	datagram := append(c.wrapRaw(h.Marshal()), c.cookie...)
	c.sendDatagram(datagram)
}

// sendInnerAddrAck answers the mediator's PRX ack with our own locally
// bound address, so the mediator can notify each side once both inner
// addresses are known. Callers must already hold c.mu.
func (c *Container) sendInnerAddrAck() {
	payload := protocol.EncodeAddr(c.localAddr)
	h := protocol.MessageHeader{Flags: protocol.FlagPRX | protocol.FlagACK, ChannelQualifier: protocol.ControlQualifier, Length: uint16(len(payload))}
	datagram := append(c.wrapRaw(h.Marshal()), payload...)
	c.sendDatagram(datagram)
}

// sendPRXTeardown tells the mediator this rendezvous is done. Callers
// must already hold c.mu.
func (c *Container) sendPRXTeardown() {
	h := protocol.MessageHeader{Flags: protocol.FlagPRX | protocol.FlagRST, ChannelQualifier: protocol.ControlQualifier}
	c.sendDatagram(c.wrapRaw(h.Marshal()))
}

// sendPRXSynTo probes dest directly, bypassing the mediator. Callers must
// already hold c.mu.
func (c *Container) sendPRXSynTo(dest *net.UDPAddr) {
	h := protocol.MessageHeader{Flags: protocol.FlagPRX | protocol.FlagSYN, ChannelQualifier: protocol.ControlQualifier}
	_ = c.socket.Send(c.localAddr, dest, c.wrapRaw(h.Marshal()))
}

// sendPRXSynAckTo answers a peer's direct probe so it can commit to this
// path too. Callers must already hold c.mu.
func (c *Container) sendPRXSynAckTo(dest *net.UDPAddr) {
	h := protocol.MessageHeader{Flags: protocol.FlagPRX | protocol.FlagSYN | protocol.FlagACK, ChannelQualifier: protocol.ControlQualifier}
	_ = c.socket.Send(c.localAddr, dest, c.wrapRaw(h.Marshal()))
}

// wrapRaw prepends a packet header stamped with the pre-connection raw
// sequence counter: used only before a logical connection exists, since
// c.conn.NextPacketSN isn't available yet. Callers must already hold c.mu.
func (c *Container) wrapRaw(msg []byte) []byte {
	sn := c.rawPktSeq
	c.rawPktSeq++
	ph := &protocol.PacketHeader{Flags: protocol.PacketFlagSequenceNumber, SequenceNumber: sn}
	return append(ph.Marshal(), msg...)
}

func heartbeatDatagram(pktSeq uint16) []byte {
	h := &protocol.PacketHeader{Flags: protocol.PacketFlagSequenceNumber, SequenceNumber: pktSeq}
	return h.Marshal()
}

func protocolRTTResponse(pktSeq, reqSeq uint16, delayMicros uint32) []byte {
	h := &protocol.PacketHeader{
		Flags:                     protocol.PacketFlagSequenceNumber | protocol.PacketFlagRTTResponse,
		SequenceNumber:            pktSeq,
		RTTResponseSequenceNumber: reqSeq,
		RTTResponseDelay:          delayMicros,
	}
	return h.Marshal()
}
