package sendqueue

import (
	"testing"
	"time"

	"github.com/aetherflow/quantum/internal/quantum/congestion"
	"github.com/aetherflow/quantum/internal/quantum/protocol"
)

func dataMessage(sn uint16, n int) (protocol.MessageHeader, []byte) {
	payload := make([]byte, n)
	ch := protocol.Channel{Type: protocol.ChannelReliableOrdered, Index: 0}
	h := protocol.MessageHeader{
		ChannelQualifier: ch.Qualifier(),
		SequenceNumber:   sn,
		Length:           uint16(n),
	}
	return h, payload
}

func controlMessage(sn uint16) (protocol.MessageHeader, []byte) {
	h := protocol.MessageHeader{
		Flags:            protocol.FlagSYN,
		ChannelQualifier: protocol.ControlQualifier,
		SequenceNumber:   sn,
	}
	return h, nil
}

func TestTickReturnsFalseWhenEmpty(t *testing.T) {
	q := New(512, congestion.New())
	_, sent := q.Tick(1, nil)
	if sent {
		t.Fatal("expected no datagram when nothing queued and no ack due")
	}
}

func TestControlMessagesPrecedeData(t *testing.T) {
	q := New(512, congestion.New())
	dh, dp := dataMessage(1, 10)
	ch, cp := controlMessage(1)
	if !q.EnqueueMessage(dh, dp) {
		t.Fatal("data message should be admitted")
	}
	if !q.EnqueueMessage(ch, cp) {
		t.Fatal("control message should be admitted")
	}

	datagram, sent := q.Tick(1, nil)
	if !sent {
		t.Fatal("expected a datagram")
	}
	ph, n, err := protocol.UnmarshalPacketHeader(datagram)
	if err != nil {
		t.Fatalf("unmarshal packet header: %v", err)
	}
	body := datagram[n:]
	mh, err := protocol.UnmarshalMessageHeader(body)
	if err != nil {
		t.Fatalf("unmarshal first message header: %v", err)
	}
	if mh.ChannelQualifier != protocol.ControlQualifier {
		t.Errorf("first message qualifier = %d, want control (-1)", mh.ChannelQualifier)
	}
	_ = ph
}

func TestMessagesExceedingMTUAreHeldForNextTick(t *testing.T) {
	q := New(40, congestion.New())
	h1, p1 := dataMessage(1, 20)
	h2, p2 := dataMessage(2, 20)
	q.EnqueueMessage(h1, p1)
	q.EnqueueMessage(h2, p2)

	datagram, sent := q.Tick(1, nil)
	if !sent {
		t.Fatal("expected a datagram")
	}
	if len(datagram) > 40 {
		t.Errorf("datagram length %d exceeds mtu 40", len(datagram))
	}
	if !q.Pending() {
		t.Fatal("expected the second message to remain queued for the next tick")
	}
}

func TestAckOnlyFlushesWithNoQueuedMessages(t *testing.T) {
	q := New(512, congestion.New())
	ack := &AckInfo{AckSequenceNumber: 7}
	datagram, sent := q.Tick(1, ack)
	if !sent {
		t.Fatal("expected an ack-only datagram")
	}
	ph, _, err := protocol.UnmarshalPacketHeader(datagram)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !ph.Flags.Has(protocol.PacketFlagAck) || ph.AckSequenceNumber != 7 {
		t.Errorf("ack fields not carried through: %+v", ph)
	}
}

func TestCongestionRefusalDropsDataMessage(t *testing.T) {
	cc := congestion.New()
	// Exhaust the window so CanSend refuses further data admission.
	cc.OnPacketSent(time.Unix(0, 0), 1, int(cc.Window()))

	q := New(512, cc)
	h, p := dataMessage(1, 100)
	if q.EnqueueMessage(h, p) {
		t.Fatal("expected congestion controller to refuse admission")
	}
	if q.Pending() {
		t.Fatal("refused message should not remain queued")
	}
}

func TestControlMessageBypassesCongestion(t *testing.T) {
	cc := congestion.New()
	cc.OnPacketSent(time.Unix(0, 0), 1, int(cc.Window()))

	q := New(512, cc)
	h, p := controlMessage(1)
	if !q.EnqueueMessage(h, p) {
		t.Fatal("control message must bypass congestion admission")
	}
}

func TestHeartbeatCarriesOnlySequenceNumber(t *testing.T) {
	datagram := Heartbeat(5)
	ph, n, err := protocol.UnmarshalPacketHeader(datagram)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ph.SequenceNumber != 5 || ph.Flags != protocol.PacketFlagSequenceNumber {
		t.Errorf("unexpected heartbeat header: %+v", ph)
	}
	if n != len(datagram) {
		t.Errorf("heartbeat datagram carries unexpected trailing bytes")
	}
}
