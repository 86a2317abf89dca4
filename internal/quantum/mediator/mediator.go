// Package mediator implements the rendezvous broker two NAT-bound peers
// use to discover each other's endpoints before attempting direct
// punch-through: it issues complementary cookie pairs, tracks one pair
// of peer endpoints per rendezvous, and forwards the handful of control
// messages that need to cross from one peer to the other.
package mediator

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aetherflow/quantum/internal/quantum/cryptohost"
	"github.com/aetherflow/quantum/internal/quantum/iodgram"
	"github.com/aetherflow/quantum/internal/quantum/metrics"
	"github.com/aetherflow/quantum/internal/quantum/protocol"
	"github.com/aetherflow/quantum/pkg/guuid"
)

// Config holds the mediator's immutable-after-construction tunables.
type Config struct {
	CookieSecret   []byte
	RateLimit      rate.Limit
	RateBurst      int
	PairIdleExpiry time.Duration
	// Metrics is optional; a nil bundle disables instrumentation.
	Metrics *metrics.Metrics
}

type peerEndpoint struct {
	addr      *net.UDPAddr
	innerAddr *net.UDPAddr
}

type pairState struct {
	// id correlates log lines for this rendezvous; it is never sent on
	// the wire.
	id              guuid.GUUID
	random          [randomSize]byte
	firstComplement bool
	first           peerEndpoint
	other           peerEndpoint
	haveOther       bool
	limiter         *rate.Limiter
	lastActive      time.Time
	notifiedBoth    bool
}

func newPairID() guuid.GUUID {
	id, err := guuid.New()
	if err != nil {
		return guuid.Zero()
	}
	return id
}

// counterpart returns the peer on the opposite side of source, or nil if
// source matches neither recorded peer or the other side hasn't joined
// yet.
func (p *pairState) counterpart(source *net.UDPAddr) *net.UDPAddr {
	switch {
	case p.first.addr.String() == source.String():
		if p.haveOther {
			return p.other.addr
		}
		return nil
	case p.haveOther && p.other.addr.String() == source.String():
		return p.first.addr
	default:
		return nil
	}
}

// Mediator brokers rendezvous between peer pairs over one shared socket.
type Mediator struct {
	mu sync.Mutex

	cfg    Config
	crypto cryptohost.CryptoHost
	socket iodgram.DatagramSocket
	logger *zap.Logger

	pairs map[[randomSize]byte]*pairState
	// bySourceAddr lets an orphaned RST (no pair known) be distinguished
	// from a stale retransmit of one the mediator already forwarded.
	bySourceAddr map[string][randomSize]byte
}

// New creates a mediator bound to socket. logger may be nil, in which
// case a no-op logger is used.
func New(socket iodgram.DatagramSocket, crypto cryptohost.CryptoHost, cfg Config, logger *zap.Logger) *Mediator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mediator{
		cfg:          cfg,
		crypto:       crypto,
		socket:       socket,
		logger:       logger,
		pairs:        make(map[[randomSize]byte]*pairState),
		bySourceAddr: make(map[string][randomSize]byte),
	}
}

// HandleDatagram dispatches one inbound rendezvous message.
func (m *Mediator) HandleDatagram(dg iodgram.Datagram) {
	ph, n, err := protocol.UnmarshalPacketHeader(dg.Data)
	if err != nil {
		return
	}
	now := dg.ReceivedAt
	body := dg.Data[n:]
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
		m.handleMessage(now, dg.RemoteAddr, mh, payload)
	}
	_ = ph
}

func (m *Mediator) handleMessage(now time.Time, source *net.UDPAddr, h *protocol.MessageHeader, payload []byte) {
	switch {
	case h.Flags.Has(protocol.FlagSYN) && !h.Flags.Has(protocol.FlagRST):
		m.onSYN(now, source, payload)
	case h.Flags.Has(protocol.FlagPRX) && h.Flags.Has(protocol.FlagACK):
		m.onPRXAck(now, source, payload)
	case h.Flags.Has(protocol.FlagPRX) && h.Flags.Has(protocol.FlagRST):
		m.onPRXRst(source)
	case h.Flags.Has(protocol.FlagRST) && h.Flags.Has(protocol.FlagSYN) && h.Flags.Has(protocol.FlagACK):
		m.onRstSynAck(source, h, payload)
	case h.Flags.Has(protocol.FlagRST):
		m.onRST(source, h, payload)
	default:
		m.blindForward(source, h, payload)
	}
}

func (m *Mediator) onSYN(now time.Time, source *net.UDPAddr, cookie []byte) {
	random, complement, ok := verifyCookie(m.crypto, m.cfg.CookieSecret, cookie, now)
	if !ok {
		m.logger.Debug("mediator: rejected SYN with invalid cookie", zap.Stringer("source", source))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.pairs[random]
	if !exists {
		p = &pairState{
			id:              newPairID(),
			random:          random,
			firstComplement: complement,
			first:           peerEndpoint{addr: source},
			limiter:         rate.NewLimiter(m.cfg.RateLimit, m.cfg.RateBurst),
			lastActive:      now,
		}
		m.pairs[random] = p
		m.bySourceAddr[source.String()] = random
		m.sendPRX(source, uint16(0))
		m.reportPairCountLocked()
		m.logger.Debug("mediator: new rendezvous pair", zap.Stringer("pair", p.id), zap.Stringer("source", source))
		return
	}

	if complement == p.firstComplement && p.first.addr.String() == source.String() {
		// Retransmit of the same peer's SYN: re-ack, no state change.
		m.sendPRX(source, uint16(0))
		return
	}
	if complement == p.firstComplement {
		// Same identity, new address: a mismatched SYN discards the
		// stale pair and starts fresh, per the source's own handling of
		// a peer that reconnects from a new initial sequence number.
		delete(m.pairs, p.random)
		delete(m.bySourceAddr, p.first.addr.String())
		np := &pairState{id: newPairID(), random: random, firstComplement: complement, first: peerEndpoint{addr: source}, limiter: rate.NewLimiter(m.cfg.RateLimit, m.cfg.RateBurst), lastActive: now}
		m.pairs[random] = np
		m.bySourceAddr[source.String()] = random
		m.sendPRX(source, uint16(0))
		m.reportPairCountLocked()
		m.logger.Debug("mediator: rendezvous pair replaced by mismatched SYN", zap.Stringer("old_pair", p.id), zap.Stringer("new_pair", np.id))
		return
	}

	p.other = peerEndpoint{addr: source}
	p.haveOther = true
	p.lastActive = now
	m.bySourceAddr[source.String()] = random
	m.sendPRX(source, uint16(0))
}

func (m *Mediator) sendPRX(dest *net.UDPAddr, pktSeq uint16) {
	h := protocol.MessageHeader{Flags: protocol.FlagPRX, ChannelQualifier: protocol.ControlQualifier}
	ph := &protocol.PacketHeader{Flags: protocol.PacketFlagSequenceNumber, SequenceNumber: pktSeq}
	datagram := append(ph.Marshal(), h.Marshal()...)
	_ = m.socket.Send(nil, dest, datagram)
}

func (m *Mediator) onPRXAck(now time.Time, source *net.UDPAddr, payload []byte) {
	innerAddr, _, err := protocol.DecodeAddr(payload)
	if err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	random, ok := m.bySourceAddr[source.String()]
	if !ok {
		return
	}
	p, ok := m.pairs[random]
	if !ok {
		return
	}
	if p.first.addr.String() == source.String() {
		p.first.innerAddr = innerAddr
	} else if p.haveOther && p.other.addr.String() == source.String() {
		p.other.innerAddr = innerAddr
	} else {
		return
	}
	p.lastActive = now

	if p.first.innerAddr != nil && p.haveOther && p.other.innerAddr != nil && !p.notifiedBoth {
		p.notifiedBoth = true
		m.sendEndpointPair(p.first.addr, p.other.addr, p.other.innerAddr)
		m.sendEndpointPair(p.other.addr, p.first.addr, p.first.innerAddr)
	}
}

// sendEndpointPair tells dest about peer's endpoints once both sides'
// inner addresses are known.
func (m *Mediator) sendEndpointPair(dest, peer, peerInner *net.UDPAddr) {
	payload := protocol.EncodeEndpointPair(peerInner, peer)
	h := protocol.MessageHeader{
		Flags:            protocol.FlagPRX | protocol.FlagSYN | protocol.FlagRST,
		ChannelQualifier: protocol.ControlQualifier,
		Length:           uint16(len(payload)),
	}
	ph := &protocol.PacketHeader{Flags: protocol.PacketFlagSequenceNumber}
	datagram := append(ph.Marshal(), h.Marshal()...)
	datagram = append(datagram, payload...)
	_ = m.socket.Send(nil, dest, datagram)
}

func (m *Mediator) onRST(source *net.UDPAddr, h *protocol.MessageHeader, payload []byte) {
	m.mu.Lock()
	random, ok := m.bySourceAddr[source.String()]
	var p *pairState
	if ok {
		p, ok = m.pairs[random]
	}
	m.mu.Unlock()

	if !ok {
		m.synthesizeOrphanSynRstAck(source)
		return
	}
	dest := p.counterpart(source)
	if dest == nil {
		m.synthesizeOrphanSynRstAck(source)
		return
	}
	m.forward(dest, h, payload)
}

func (m *Mediator) synthesizeOrphanSynRstAck(dest *net.UDPAddr) {
	h := protocol.MessageHeader{Flags: protocol.FlagSYN | protocol.FlagRST | protocol.FlagACK, ChannelQualifier: protocol.ControlQualifier}
	ph := &protocol.PacketHeader{Flags: protocol.PacketFlagSequenceNumber}
	datagram := append(ph.Marshal(), h.Marshal()...)
	_ = m.socket.Send(nil, dest, datagram)
}

func (m *Mediator) onRstSynAck(source *net.UDPAddr, h *protocol.MessageHeader, payload []byte) {
	m.mu.Lock()
	random, ok := m.bySourceAddr[source.String()]
	var p *pairState
	if ok {
		p, ok = m.pairs[random]
	}
	if ok {
		delete(m.pairs, random)
		delete(m.bySourceAddr, p.first.addr.String())
		if p.haveOther {
			delete(m.bySourceAddr, p.other.addr.String())
		}
		m.reportPairCountLocked()
	}
	m.mu.Unlock()

	if ok {
		if dest := p.counterpart(source); dest != nil {
			m.forward(dest, h, payload)
		}
	}
}

func (m *Mediator) onPRXRst(source *net.UDPAddr) {
	m.mu.Lock()
	random, ok := m.bySourceAddr[source.String()]
	var p *pairState
	if ok {
		p, ok = m.pairs[random]
	}
	if ok {
		delete(m.pairs, random)
		delete(m.bySourceAddr, p.first.addr.String())
		if p.haveOther {
			delete(m.bySourceAddr, p.other.addr.String())
		}
		m.reportPairCountLocked()
	}
	m.mu.Unlock()

	h := protocol.MessageHeader{Flags: protocol.FlagPRX | protocol.FlagRST | protocol.FlagACK, ChannelQualifier: protocol.ControlQualifier}
	ph := &protocol.PacketHeader{Flags: protocol.PacketFlagSequenceNumber}
	datagram := append(ph.Marshal(), h.Marshal()...)
	_ = m.socket.Send(nil, source, datagram)
}

func (m *Mediator) blindForward(source *net.UDPAddr, h *protocol.MessageHeader, payload []byte) {
	m.mu.Lock()
	random, ok := m.bySourceAddr[source.String()]
	var p *pairState
	var limiter *rate.Limiter
	if ok {
		p, ok = m.pairs[random]
		if ok {
			limiter = p.limiter
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if limiter != nil && !limiter.Allow() {
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.MediatorRateLimited.WithLabelValues(source.String()).Inc()
		}
		return
	}
	dest := p.counterpart(source)
	if dest == nil {
		return
	}
	m.forward(dest, h, payload)
}

func (m *Mediator) forward(dest *net.UDPAddr, h *protocol.MessageHeader, payload []byte) {
	ph := &protocol.PacketHeader{Flags: protocol.PacketFlagSequenceNumber}
	datagram := append(ph.Marshal(), h.Marshal()...)
	datagram = append(datagram, payload...)
	_ = m.socket.Send(nil, dest, datagram)
}

// PairCount reports how many rendezvous pairs are currently tracked, for
// metrics.
func (m *Mediator) PairCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pairs)
}

// reportPairCountLocked refreshes the pairs gauge. Callers must already
// hold m.mu.
func (m *Mediator) reportPairCountLocked() {
	if m.cfg.Metrics == nil {
		return
	}
	m.cfg.Metrics.MediatorPairs.Set(float64(len(m.pairs)))
}

// ExpireIdlePairs drops any rendezvous pair that has seen no traffic
// since before the configured idle expiry and returns how many were
// removed. The mediator has no liveness signal of its own for a pair —
// unlike a container, it never learns when a peer simply vanishes — so
// the hosting binary is expected to call this on a ticker.
func (m *Mediator) ExpireIdlePairs(now time.Time) int {
	if m.cfg.PairIdleExpiry <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for random, p := range m.pairs {
		if now.Sub(p.lastActive) < m.cfg.PairIdleExpiry {
			continue
		}
		delete(m.pairs, random)
		delete(m.bySourceAddr, p.first.addr.String())
		if p.haveOther {
			delete(m.bySourceAddr, p.other.addr.String())
		}
		removed++
	}
	if removed > 0 {
		m.reportPairCountLocked()
		m.logger.Debug("mediator: expired idle rendezvous pairs", zap.Int("count", removed))
	}
	return removed
}

// IssueCookies produces a complementary cookie pair for a new rendezvous,
// for use by whatever out-of-band channel introduces two peers to the
// mediator (typically returned from an application's matchmaking step).
func (m *Mediator) IssueCookies(now time.Time) (a, b []byte, err error) {
	a, b, err = issueCookiePair(m.crypto, m.cfg.CookieSecret, now)
	if err == nil && m.cfg.Metrics != nil {
		m.cfg.Metrics.MediatorCookiesIssued.Inc()
	}
	return a, b, err
}
