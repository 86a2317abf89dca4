// Package connection implements the logical connection: handshake, close,
// the reliable/unreliable send path, and inbound message dispatch. It
// owns the sender and receiver buffers and the outbound send queue for
// exactly one peer; it does not touch a socket or a timer directly — the
// container drives it from inbound datagrams and timer fires and is
// responsible for the actual I/O.
package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/aetherflow/quantum/internal/quantum/congestion"
	"github.com/aetherflow/quantum/internal/quantum/protocol"
	"github.com/aetherflow/quantum/internal/quantum/reliability"
	"github.com/aetherflow/quantum/internal/quantum/sendqueue"
)

// DisconnectReason classifies why a connection ended.
type DisconnectReason int

const (
	NoError DisconnectReason = iota
	ThisHostClosed
	OtherHostClosed
	ConnectionTimedOut
	NATPunchthroughFailed
)

func (r DisconnectReason) String() string {
	switch r {
	case NoError:
		return "no-error"
	case ThisHostClosed:
		return "this-host-closed"
	case OtherHostClosed:
		return "other-host-closed"
	case ConnectionTimedOut:
		return "connection-timed-out"
	case NATPunchthroughFailed:
		return "nat-punchthrough-failed"
	default:
		return "unknown"
	}
}

var (
	ErrClosed             = errors.New("connection: closed")
	ErrEmptyMessage       = errors.New("connection: empty message")
	ErrSendBufferOverflow = reliability.ErrSendBufferOverflow
)

// Role distinguishes which side performed the handshake's active part.
type Role int

const (
	RoleServer Role = iota
	RoleClientOrP2P
)

// Observer receives the user-facing events a logical connection raises.
// connectionLost and connectionRegained are kept as two distinct methods
// (rather than folded into one "liveness changed" callback) because a
// caller that only cares about the transition from healthy to degraded —
// logging an outage, say — would otherwise have to inspect a boolean on
// every regained call too.
type Observer interface {
	OnMessage(ch protocol.Channel, data []byte)
	OnPacketLoss(ch protocol.Channel, packetsLost uint64)
	OnConnectionLost()
	OnConnectionRegained()
	OnDisconnect(reason DisconnectReason)
	OnConnectionOpened(err error)
}

// Config holds the immutable-after-construction tunables a connection
// needs from the wider configuration surface.
type Config struct {
	MTU              int
	SenderBufferSize int64
	ReceiverWindow   uint64
	MaxMessageLen    int
}

// Connection is the logical connection for one peer. All mutation happens
// on the caller's single dispatch goroutine; there is no internal
// locking beyond what the buffers and send queue already provide.
type Connection struct {
	cfg      Config
	observer Observer
	role     Role

	sendQ      *sendqueue.Queue
	senderBuf  *reliability.SenderBuffer
	recvBuf    *reliability.ReceiverBuffer
	congestion *congestion.Controller

	opening bool
	open    bool
	closing bool
	closed  bool

	initialSN      uint64
	otherInitialSN uint64
	nextPacketSN   uint16

	sequenceMemo            map[int32]uint64
	reliableSequencedBuffer map[int32]uint64

	handshakeOutstanding bool
	handshakeSN          uint64
}

// New constructs a connection in the "created" state; call OpenAsServer or
// OpenAsClient to move it to "opening".
func New(cfg Config, observer Observer, role Role, initialSN uint64) *Connection {
	cc := congestion.New()
	return &Connection{
		cfg:                     cfg,
		observer:                observer,
		role:                    role,
		sendQ:                   sendqueue.New(cfg.MTU, cc),
		senderBuf:               reliability.NewSenderBuffer(cfg.SenderBufferSize),
		recvBuf:                 reliability.NewReceiverBuffer(cfg.ReceiverWindow),
		congestion:              cc,
		initialSN:               initialSN,
		sequenceMemo:            make(map[int32]uint64),
		reliableSequencedBuffer: make(map[int32]uint64),
	}
}

// Congestion exposes the controller so the container can feed it packet
// send/ack events observed at the datagram level.
func (c *Connection) Congestion() *congestion.Controller { return c.congestion }

// SenderBuffer exposes the reliable-message retransmit buffer so the
// container can schedule the RTO timer from its earliest deadline.
func (c *Connection) SenderBuffer() *reliability.SenderBuffer { return c.senderBuf }

// IsOpen, IsOpening, IsClosed report the connection's lifecycle stage.
func (c *Connection) IsOpen() bool    { return c.open && !c.closed }
func (c *Connection) IsOpening() bool { return c.opening && !c.open }
func (c *Connection) IsClosed() bool  { return c.closed }

// OpenAsServer sends an unreliable SYN-RST immediately and transitions
// straight to open: the server side never waits on a handshake round
// trip, since the inbound SYN that triggered its creation is itself the
// handshake's proof of liveness.
func (c *Connection) OpenAsServer(otherInitialSN uint64) []byte {
	c.role = RoleServer
	c.otherInitialSN = otherInitialSN
	c.opening = true
	c.open = true

	h := protocol.MessageHeader{
		Flags:            protocol.FlagSYN | protocol.FlagRST,
		ChannelQualifier: protocol.ControlQualifier,
		SequenceNumber:   uint16(c.initialSN),
	}
	if c.observer != nil {
		c.observer.OnConnectionOpened(nil)
	}
	return h.Marshal()
}

// OpenAsClient begins the client/P2P handshake: a single reliable SYN,
// retried by the sender buffer's normal RTO machinery until a SYN-RST
// arrives. Only one handshake message is ever outstanding at a time.
func (c *Connection) OpenAsClient(now time.Time) error {
	c.role = RoleClientOrP2P
	c.opening = true
	c.handshakeOutstanding = true
	c.handshakeSN = c.initialSN

	h := protocol.MessageHeader{
		Flags:            protocol.FlagSYN,
		ChannelQualifier: protocol.ControlQualifier,
		SequenceNumber:   uint16(c.initialSN),
	}
	return c.senderBuf.RegisterReliableMessage(
		protocol.Channel{Type: protocol.ChannelReliableOrdered, Index: 0},
		c.initialSN, h, nil, now,
	)
}

// HandleInboundControl dispatches one control message (a message whose
// flags classify it as SYN/RST/ACK/SACK/PRX), returns true if the
// connection was force-closed as a result, and, when the caller must send
// something back immediately (outside the normal Tick/send-queue path),
// returns the bare message to transmit.
func (c *Connection) HandleInboundControl(now time.Time, header *protocol.MessageHeader, payload []byte) (closed bool, reply []byte) {
	flags := header.Flags

	switch {
	case flags.Has(protocol.FlagSYN) && flags.Has(protocol.FlagRST) && flags.Has(protocol.FlagACK):
		// The peer's close confirmation: a distinct message from the plain
		// handshake SYN-RST, so it must be checked first.
		return c.onSynRstAck(), nil

	case flags.Has(protocol.FlagSYN) && flags.Has(protocol.FlagRST):
		return c.onSynRst(now, header), nil

	case flags.Has(protocol.FlagSYN):
		// Peer is opening toward us: nothing further to do here, the
		// container is expected to have already created this connection
		// in response to the SYN and to call OpenAsServer itself.
		return false, nil

	case flags.Has(protocol.FlagRST):
		c.ForceClose(OtherHostClosed)
		return true, c.closeConfirmation(header.SequenceNumber)

	case flags.Has(protocol.FlagACK) || flags.Has(protocol.FlagSACK):
		c.onAck(header, payload)
		return false, nil
	}
	return false, nil
}

// onSynRst completes an outstanding client/P2P handshake. It no longer
// inspects c.closing: a peer's plain RST is handled separately, and its
// close confirmation carries the ACK flag that routes to onSynRstAck
// instead of here.
func (c *Connection) onSynRst(now time.Time, header *protocol.MessageHeader) bool {
	if c.role == RoleClientOrP2P && c.handshakeOutstanding {
		c.otherInitialSN = uint64(header.SequenceNumber)
		c.senderBuf.DeregisterReliableMessages(
			protocol.Channel{Type: protocol.ChannelReliableOrdered, Index: 0}, c.handshakeSN)
		c.handshakeOutstanding = false
		c.open = true
		if c.observer != nil {
			c.observer.OnConnectionOpened(nil)
		}
	}
	return false
}

// onSynRstAck handles the peer's SYN-RST-ACK close confirmation: the
// other side saw our RST (or raced us with its own) and is tearing down
// too, so exactly one disconnect reason fires on each side regardless of
// who initiated.
func (c *Connection) onSynRstAck() bool {
	if c.closing {
		c.ForceClose(ThisHostClosed)
	} else {
		c.ForceClose(OtherHostClosed)
	}
	return true
}

// closeConfirmation builds the SYN-RST-ACK sent back immediately on
// receiving a peer's plain RST, so the peer's own close is confirmed
// without waiting on a reliable round trip.
func (c *Connection) closeConfirmation(peerSN uint16) []byte {
	h := protocol.MessageHeader{
		Flags:            protocol.FlagSYN | protocol.FlagRST | protocol.FlagACK,
		ChannelQualifier: protocol.ControlQualifier,
		SequenceNumber:   peerSN,
	}
	return h.Marshal()
}

func (c *Connection) onAck(header *protocol.MessageHeader, payload []byte) {
	ch, ok := protocol.ChannelFromQualifier(header.ChannelQualifier)
	if !ok {
		return
	}
	body, err := protocol.UnmarshalAckBody(payload)
	if err != nil {
		return
	}
	ackSN := protocol.GuessNonWrapping(c.sequenceMemo[ch.Qualifier()], body.AckSequenceNumber)
	c.senderBuf.DeregisterReliableMessages(ch, ackSN)
}

// Send frames data for transmission on ch, splitting it across the
// configured maximum message length, registering reliable channels in
// the sender buffer and handing unreliable ones straight to the send
// queue. It implements the seven-step send algorithm: reject when
// closed/closing or empty, compute the split, admit/register, and
// advance the per-channel sequence memo.
func (c *Connection) Send(now time.Time, data []byte, ch protocol.Channel) error {
	if c.closed || c.closing {
		return ErrClosed
	}
	if len(data) == 0 {
		return ErrEmptyMessage
	}

	maxLen := c.cfg.MaxMessageLen
	if maxLen <= 0 {
		maxLen = 1200
	}
	numMessages := (len(data) + maxLen - 1) / maxLen

	q := ch.Qualifier()
	prevSN := c.sequenceMemo[q]

	if ch.Type.Reliable() {
		if !c.senderBuf.FitsIntoBuffer(len(data), numMessages) {
			return ErrSendBufferOverflow
		}
	}

	for i := 0; i < numMessages; i++ {
		start := i * maxLen
		end := start + maxLen
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]

		var flags protocol.MessageFlags
		if numMessages > 1 {
			if i > 0 {
				flags |= protocol.FlagSplitNotFirst
			}
			if i < numMessages-1 {
				flags |= protocol.FlagSplitNotLast
			}
		}
		sn := prevSN + uint64(i)
		h := protocol.MessageHeader{
			Flags:            flags,
			ChannelQualifier: q,
			SequenceNumber:   uint16(sn),
			Length:           uint16(len(chunk)),
		}

		if ch.Type.Reliable() {
			if err := c.senderBuf.RegisterReliableMessage(ch, sn, h, chunk, now); err != nil {
				return err
			}
		} else {
			c.sendQ.EnqueueMessage(h, chunk)
		}
	}

	c.sequenceMemo[q] = prevSN + uint64(numMessages)

	if ch.Type == protocol.ChannelReliableSequenced && numMessages > 0 {
		upTo := prevSN + uint64(numMessages) - 1
		if upTo > 0 {
			c.senderBuf.DeregisterReliableMessages(ch, upTo-1)
		}
		c.reliableSequencedBuffer[q] = upTo
	}
	return nil
}

// HandleInboundData admits channel data (a non-control message) into the
// receiver buffer and delivers every message it completes to the
// observer, in order.
func (c *Connection) HandleInboundData(ch protocol.Channel, header *protocol.MessageHeader, payload []byte) error {
	delivered, _, err := c.recvBuf.AddMessage(ch, header, payload)
	if err != nil {
		return err
	}
	if lost := c.recvBuf.ConsumeLoss(ch); lost > 0 && c.observer != nil {
		c.observer.OnPacketLoss(ch, lost)
	}
	for _, msg := range delivered {
		if c.observer != nil {
			c.observer.OnMessage(ch, msg)
		}
	}
	return nil
}

// BuildAck returns a control message acknowledging everything currently
// known about ch, suitable for enqueueing on the send queue, or ok=false
// if nothing has been received on that channel yet.
func (c *Connection) BuildAck(ch protocol.Channel) (header protocol.MessageHeader, payload []byte, ok bool) {
	if !c.recvBuf.Initialized(ch) {
		return header, nil, false
	}
	ackSN, blocks := c.recvBuf.GenerateSACK(ch)
	body := protocol.AckBody{AckSequenceNumber: ackSN, SACKBlocks: blocks}
	flags := protocol.FlagACK
	if len(blocks) > 0 {
		flags |= protocol.FlagSACK
	}
	header = protocol.MessageHeader{
		Flags:            flags,
		ChannelQualifier: ch.Qualifier(),
		SequenceNumber:   ackSN,
	}
	payload = body.Marshal()
	header.Length = uint16(len(payload))
	return header, payload, true
}

// InitiateClose begins a graceful close: further sends are rejected, and
// once the sender buffer has fully drained the container sends a reliable
// RST (built via CloseMessage). The connection is torn down when the
// peer's SYN-RST-ACK confirmation arrives through HandleInboundControl.
func (c *Connection) InitiateClose() {
	if c.closed || c.closing {
		return
	}
	c.closing = true
	c.handshakeOutstanding = false
}

// ReadyToFinalizeClose reports whether a graceful close may now send its
// final RST: a close has begun and the sender buffer is empty. Once the
// RST itself is registered the buffer is no longer empty, so this reports
// false until that RST is acknowledged.
func (c *Connection) ReadyToFinalizeClose() bool {
	return c.closing && c.senderBuf.Empty()
}

// CloseMessage builds the reliable RST that finalizes a graceful close.
func (c *Connection) CloseMessage(now time.Time) (protocol.MessageHeader, error) {
	sn := c.sequenceMemo[protocol.ControlQualifier]
	h := protocol.MessageHeader{
		Flags:            protocol.FlagRST,
		ChannelQualifier: protocol.ControlQualifier,
		SequenceNumber:   uint16(sn),
	}
	ch := protocol.Channel{Type: protocol.ChannelReliableOrdered, Index: 0}
	if err := c.senderBuf.RegisterReliableMessage(ch, sn, h, nil, now); err != nil {
		return h, err
	}
	c.sequenceMemo[protocol.ControlQualifier] = sn + 1
	return h, nil
}

// ForceClose tears the connection down immediately and idempotently. The
// connection is marked closed before the observer is notified, so a
// disconnect callback that re-enters Send sees ErrClosed, and one that
// re-enters ForceClose returns without running the teardown twice.
func (c *Connection) ForceClose(reason DisconnectReason) {
	if c.closed {
		return
	}
	c.closed = true
	c.open = false
	c.closing = false
	if c.observer != nil {
		c.observer.OnDisconnect(reason)
	}
}

// Tick asks the send queue to flush one datagram's worth of queued
// messages, retransmitting anything the sender buffer considers due
// first. pktSeq is the next packet-level sequence number to stamp on the
// datagram.
func (c *Connection) Tick(now time.Time, rto time.Duration, pktSeq uint16, ack *sendqueue.AckInfo) ([]byte, bool) {
	for _, ch := range c.recvBuf.Channels() {
		if h, payload, ok := c.BuildAck(ch); ok {
			c.sendQ.EnqueueMessage(h, payload)
		}
	}
	c.senderBuf.EachCurrentMessage(now, rto, func(ch protocol.Channel, h protocol.MessageHeader, payload []byte) {
		c.sendQ.EnqueueMessage(h, payload)
	})
	return c.sendQ.Tick(pktSeq, ack)
}

// NextPacketSN returns and advances the packet-level sequence counter
// used to stamp outbound datagrams.
func (c *Connection) NextPacketSN() uint16 {
	sn := c.nextPacketSN
	c.nextPacketSN++
	return sn
}

func (c *Connection) String() string {
	return fmt.Sprintf("connection{role=%v open=%v closing=%v closed=%v}", c.role, c.open, c.closing, c.closed)
}
