package mediator

import (
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/aetherflow/quantum/internal/quantum/cryptohost"
	"github.com/aetherflow/quantum/internal/quantum/iodgram"
	"github.com/aetherflow/quantum/internal/quantum/protocol"
)

type fakeSocket struct {
	mu   sync.Mutex
	sent []sentDatagram
	out  chan iodgram.Datagram
}

type sentDatagram struct {
	dest *net.UDPAddr
	data []byte
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{out: make(chan iodgram.Datagram, 16)}
}

func (s *fakeSocket) Send(localAddr, remoteAddr *net.UDPAddr, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), data...)
	s.sent = append(s.sent, sentDatagram{dest: remoteAddr, data: cp})
	return nil
}
func (s *fakeSocket) Datagrams() <-chan iodgram.Datagram { return s.out }
func (s *fakeSocket) LocalPort() int                     { return 7000 }
func (s *fakeSocket) LocalAddr() *net.UDPAddr            { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7000} }
func (s *fakeSocket) Close() error                        { return nil }

func (s *fakeSocket) sentTo(addr *net.UDPAddr) []sentDatagram {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentDatagram
	for _, d := range s.sent {
		if d.dest.String() == addr.String() {
			out = append(out, d)
		}
	}
	return out
}

func (s *fakeSocket) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func testConfig() Config {
	return Config{
		CookieSecret:   []byte("mediator-test-secret"),
		RateLimit:      rate.Limit(100),
		RateBurst:      10,
		PairIdleExpiry: time.Minute,
	}
}

func peerA() *net.UDPAddr { return &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 11000} }
func peerB() *net.UDPAddr { return &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 12000} }

func datagramFor(source *net.UDPAddr, h protocol.MessageHeader, payload []byte, now time.Time) iodgram.Datagram {
	h.Length = uint16(len(payload))
	ph := &protocol.PacketHeader{Flags: protocol.PacketFlagSequenceNumber}
	data := append(ph.Marshal(), h.Marshal()...)
	data = append(data, payload...)
	return iodgram.Datagram{RemoteAddr: source, Data: data, ReceivedAt: now}
}

func messageHeaderOf(t *testing.T, datagram []byte) *protocol.MessageHeader {
	t.Helper()
	_, n, err := protocol.UnmarshalPacketHeader(datagram)
	if err != nil {
		t.Fatalf("UnmarshalPacketHeader: %v", err)
	}
	h, err := protocol.UnmarshalMessageHeader(datagram[n:])
	if err != nil {
		t.Fatalf("UnmarshalMessageHeader: %v", err)
	}
	return h
}

func synMessage() protocol.MessageHeader {
	return protocol.MessageHeader{Flags: protocol.FlagSYN, ChannelQualifier: protocol.ControlQualifier}
}

func TestSYNFromUnknownCookieCreatesPairAndAcks(t *testing.T) {
	crypto := cryptohost.New()
	cfg := testConfig()
	sock := newFakeSocket()
	m := New(sock, crypto, cfg, nil)

	now := time.Unix(1_700_000_000, 0)
	a, _, err := m.IssueCookies(now)
	if err != nil {
		t.Fatalf("IssueCookies: %v", err)
	}

	m.HandleDatagram(datagramFor(peerA(), synMessage(), a, now))

	if m.PairCount() != 1 {
		t.Fatalf("PairCount = %d, want 1", m.PairCount())
	}
	sent := sock.sentTo(peerA())
	if len(sent) != 1 {
		t.Fatalf("expected one PRX ack sent to peerA, got %d", len(sent))
	}
}

func TestSecondPeerSYNAttachesToSamePair(t *testing.T) {
	crypto := cryptohost.New()
	cfg := testConfig()
	sock := newFakeSocket()
	m := New(sock, crypto, cfg, nil)

	now := time.Unix(1_700_000_000, 0)
	a, b, err := m.IssueCookies(now)
	if err != nil {
		t.Fatalf("IssueCookies: %v", err)
	}

	m.HandleDatagram(datagramFor(peerA(), synMessage(), a, now))
	m.HandleDatagram(datagramFor(peerB(), synMessage(), b, now))

	if m.PairCount() != 1 {
		t.Fatalf("PairCount = %d, want 1 (both peers share one pair)", m.PairCount())
	}
}

func TestRetransmittedSYNFromSameSourceReAcksWithoutNewPair(t *testing.T) {
	crypto := cryptohost.New()
	cfg := testConfig()
	sock := newFakeSocket()
	m := New(sock, crypto, cfg, nil)

	now := time.Unix(1_700_000_000, 0)
	a, _, _ := m.IssueCookies(now)

	m.HandleDatagram(datagramFor(peerA(), synMessage(), a, now))
	m.HandleDatagram(datagramFor(peerA(), synMessage(), a, now))

	if m.PairCount() != 1 {
		t.Fatalf("PairCount = %d, want 1", m.PairCount())
	}
	if len(sock.sentTo(peerA())) != 2 {
		t.Fatalf("expected two PRX acks (one per SYN) sent to peerA")
	}
}

func TestMismatchedSourceForSameIdentityStartsFreshPair(t *testing.T) {
	crypto := cryptohost.New()
	cfg := testConfig()
	sock := newFakeSocket()
	m := New(sock, crypto, cfg, nil)

	now := time.Unix(1_700_000_000, 0)
	a, _, _ := m.IssueCookies(now)

	m.HandleDatagram(datagramFor(peerA(), synMessage(), a, now))
	newSource := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 13000}
	m.HandleDatagram(datagramFor(newSource, synMessage(), a, now))

	if m.PairCount() != 1 {
		t.Fatalf("PairCount = %d, want 1 (stale pair discarded, fresh one started)", m.PairCount())
	}
	if len(m.bySourceAddr) != 1 {
		t.Fatalf("bySourceAddr has %d entries, want 1 (old source forgotten)", len(m.bySourceAddr))
	}
	if _, ok := m.bySourceAddr[peerA().String()]; ok {
		t.Fatal("expected the stale source mapping to be dropped")
	}
}

func TestPRXAckFromBothSidesSendsEndpointPairOnce(t *testing.T) {
	crypto := cryptohost.New()
	cfg := testConfig()
	sock := newFakeSocket()
	m := New(sock, crypto, cfg, nil)

	now := time.Unix(1_700_000_000, 0)
	a, b, _ := m.IssueCookies(now)
	m.HandleDatagram(datagramFor(peerA(), synMessage(), a, now))
	m.HandleDatagram(datagramFor(peerB(), synMessage(), b, now))

	innerA := protocol.EncodeAddr(&net.UDPAddr{IP: net.IPv4(192, 168, 0, 1), Port: 4000})
	innerB := protocol.EncodeAddr(&net.UDPAddr{IP: net.IPv4(192, 168, 0, 2), Port: 5000})
	prxAck := protocol.MessageHeader{Flags: protocol.FlagPRX | protocol.FlagACK, ChannelQualifier: protocol.ControlQualifier}

	baseline := sock.count()
	m.HandleDatagram(datagramFor(peerA(), prxAck, innerA, now))
	if sock.count() != baseline {
		t.Fatal("expected no endpoint-pair notification before both sides have acked")
	}
	m.HandleDatagram(datagramFor(peerB(), prxAck, innerB, now))
	if got := sock.count() - baseline; got != 2 {
		t.Fatalf("expected exactly 2 endpoint-pair sends (one per peer) once both acked, got %d", got)
	}

	// A repeated PRX-ACK must not trigger another round of notifications.
	m.HandleDatagram(datagramFor(peerA(), prxAck, innerA, now))
	if got := sock.count() - baseline; got != 2 {
		t.Fatalf("expected notifiedBoth to suppress duplicate sends, got %d new sends", got)
	}
}

func TestOrphanRSTGetsSynthesizedSynRstAck(t *testing.T) {
	crypto := cryptohost.New()
	cfg := testConfig()
	sock := newFakeSocket()
	m := New(sock, crypto, cfg, nil)

	rst := protocol.MessageHeader{Flags: protocol.FlagRST, ChannelQualifier: protocol.ControlQualifier}
	m.HandleDatagram(datagramFor(peerA(), rst, nil, time.Unix(0, 0)))

	sent := sock.sentTo(peerA())
	if len(sent) != 1 {
		t.Fatalf("expected one synthesized reply, got %d", len(sent))
	}
	h := messageHeaderOf(t, sent[0].data)
	want := protocol.FlagSYN | protocol.FlagRST | protocol.FlagACK
	if h.Flags != want {
		t.Fatalf("flags = %v, want %v", h.Flags, want)
	}
}

func TestKnownRSTForwardsToCounterpart(t *testing.T) {
	crypto := cryptohost.New()
	cfg := testConfig()
	sock := newFakeSocket()
	m := New(sock, crypto, cfg, nil)

	now := time.Unix(1_700_000_000, 0)
	a, b, _ := m.IssueCookies(now)
	m.HandleDatagram(datagramFor(peerA(), synMessage(), a, now))
	m.HandleDatagram(datagramFor(peerB(), synMessage(), b, now))

	rst := protocol.MessageHeader{Flags: protocol.FlagRST, ChannelQualifier: protocol.ControlQualifier}
	payload := []byte("teardown")
	baseline := len(sock.sentTo(peerB())) // peerB's PRX ack for its own SYN
	m.HandleDatagram(datagramFor(peerA(), rst, payload, now))

	sent := sock.sentTo(peerB())
	if len(sent)-baseline != 1 {
		t.Fatalf("expected the RST forwarded to peerB, got %d sends", len(sent)-baseline)
	}
}

func TestRstSynAckForwardsThenDropsPair(t *testing.T) {
	crypto := cryptohost.New()
	cfg := testConfig()
	sock := newFakeSocket()
	m := New(sock, crypto, cfg, nil)

	now := time.Unix(1_700_000_000, 0)
	a, b, _ := m.IssueCookies(now)
	m.HandleDatagram(datagramFor(peerA(), synMessage(), a, now))
	m.HandleDatagram(datagramFor(peerB(), synMessage(), b, now))

	rstSynAck := protocol.MessageHeader{Flags: protocol.FlagRST | protocol.FlagSYN | protocol.FlagACK, ChannelQualifier: protocol.ControlQualifier}
	baseline := len(sock.sentTo(peerB())) // peerB's PRX ack for its own SYN
	m.HandleDatagram(datagramFor(peerA(), rstSynAck, nil, now))

	if len(sock.sentTo(peerB()))-baseline != 1 {
		t.Fatal("expected the RST-SYN-ACK forwarded to peerB")
	}
	if m.PairCount() != 0 {
		t.Fatalf("PairCount = %d, want 0 after RST-SYN-ACK teardown", m.PairCount())
	}
}

func TestPRXRstDropsPairAndAcksSource(t *testing.T) {
	crypto := cryptohost.New()
	cfg := testConfig()
	sock := newFakeSocket()
	m := New(sock, crypto, cfg, nil)

	now := time.Unix(1_700_000_000, 0)
	a, _, _ := m.IssueCookies(now)
	m.HandleDatagram(datagramFor(peerA(), synMessage(), a, now))

	prxRst := protocol.MessageHeader{Flags: protocol.FlagPRX | protocol.FlagRST, ChannelQualifier: protocol.ControlQualifier}
	m.HandleDatagram(datagramFor(peerA(), prxRst, nil, now))

	if m.PairCount() != 0 {
		t.Fatalf("PairCount = %d, want 0", m.PairCount())
	}
	sent := sock.sentTo(peerA())
	if len(sent) == 0 {
		t.Fatal("expected a PRX-RST-ACK reply to source")
	}
	h := messageHeaderOf(t, sent[len(sent)-1].data)
	want := protocol.FlagPRX | protocol.FlagRST | protocol.FlagACK
	if h.Flags != want {
		t.Fatalf("flags = %v, want %v", h.Flags, want)
	}
}

func TestBlindForwardRespectsPairRateLimit(t *testing.T) {
	crypto := cryptohost.New()
	cfg := testConfig()
	cfg.RateLimit = rate.Limit(1)
	cfg.RateBurst = 1
	sock := newFakeSocket()
	m := New(sock, crypto, cfg, nil)

	now := time.Unix(1_700_000_000, 0)
	a, b, _ := m.IssueCookies(now)
	m.HandleDatagram(datagramFor(peerA(), synMessage(), a, now))
	m.HandleDatagram(datagramFor(peerB(), synMessage(), b, now))

	data := protocol.MessageHeader{Flags: 0, ChannelQualifier: 1}
	baseline := sock.count()
	m.HandleDatagram(datagramFor(peerA(), data, []byte("x"), now))
	m.HandleDatagram(datagramFor(peerA(), data, []byte("y"), now))

	if got := sock.count() - baseline; got != 1 {
		t.Fatalf("expected only the first blind-forward within the burst to go through, got %d", got)
	}
}

func TestBlindForwardFromUnknownSourceIsDropped(t *testing.T) {
	crypto := cryptohost.New()
	cfg := testConfig()
	sock := newFakeSocket()
	m := New(sock, crypto, cfg, nil)

	data := protocol.MessageHeader{Flags: 0, ChannelQualifier: 1}
	m.HandleDatagram(datagramFor(peerA(), data, []byte("x"), time.Unix(0, 0)))

	if sock.count() != 0 {
		t.Fatalf("expected no forward for a source with no known pair, got %d sends", sock.count())
	}
}

func TestExpireIdlePairsDropsOnlyStalePairs(t *testing.T) {
	crypto := cryptohost.New()
	cfg := testConfig()
	cfg.PairIdleExpiry = time.Minute
	sock := newFakeSocket()
	m := New(sock, crypto, cfg, nil)

	start := time.Unix(1_700_000_000, 0)
	a, _, _ := m.IssueCookies(start)
	m.HandleDatagram(datagramFor(peerA(), synMessage(), a, start))
	if got := m.PairCount(); got != 1 {
		t.Fatalf("PairCount = %d, want 1", got)
	}

	if removed := m.ExpireIdlePairs(start.Add(30 * time.Second)); removed != 0 {
		t.Fatalf("ExpireIdlePairs removed %d pairs before expiry elapsed, want 0", removed)
	}
	if got := m.PairCount(); got != 1 {
		t.Fatalf("PairCount = %d after a too-early sweep, want 1", got)
	}

	if removed := m.ExpireIdlePairs(start.Add(2 * time.Minute)); removed != 1 {
		t.Fatalf("ExpireIdlePairs removed %d pairs, want 1", removed)
	}
	if got := m.PairCount(); got != 0 {
		t.Fatalf("PairCount = %d after expiry, want 0", got)
	}
}

func TestExpireIdlePairsDisabledByZeroExpiry(t *testing.T) {
	crypto := cryptohost.New()
	cfg := testConfig()
	cfg.PairIdleExpiry = 0
	sock := newFakeSocket()
	m := New(sock, crypto, cfg, nil)

	start := time.Unix(1_700_000_000, 0)
	a, _, _ := m.IssueCookies(start)
	m.HandleDatagram(datagramFor(peerA(), synMessage(), a, start))

	if removed := m.ExpireIdlePairs(start.Add(24 * time.Hour)); removed != 0 {
		t.Fatalf("a zero PairIdleExpiry should disable expiry, but %d pairs were removed", removed)
	}
}
