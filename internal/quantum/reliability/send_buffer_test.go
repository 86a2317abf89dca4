package reliability

import (
	"testing"
	"time"

	"github.com/aetherflow/quantum/internal/quantum/protocol"
)

func TestSenderBufferOverflowRejected(t *testing.T) {
	sb := NewSenderBuffer(2048)
	ch := protocol.Channel{Type: protocol.ChannelReliableOrdered, Index: 0}
	now := time.Now()

	a := make([]byte, 1024-protocol.MessageHeaderSize)
	b := make([]byte, 1024-protocol.MessageHeaderSize)
	if !sb.FitsIntoBuffer(len(a), 1) {
		t.Fatal("first 1024-byte message should fit in an empty 2048-byte buffer")
	}
	if err := sb.RegisterReliableMessage(ch, 1, protocol.MessageHeader{}, a, now); err != nil {
		t.Fatalf("unexpected error registering first message: %v", err)
	}
	if err := sb.RegisterReliableMessage(ch, 2, protocol.MessageHeader{}, b, now); err != nil {
		t.Fatalf("unexpected error registering second message: %v", err)
	}
	if sb.FitsIntoBuffer(1, 1) {
		t.Fatal("buffer at capacity should reject one more byte")
	}
	if err := sb.RegisterReliableMessage(ch, 3, protocol.MessageHeader{}, []byte{0}, now); err != ErrSendBufferOverflow {
		t.Errorf("expected ErrSendBufferOverflow, got %v", err)
	}
}

func TestDeregisterDropsUpToSN(t *testing.T) {
	sb := NewSenderBuffer(1 << 20)
	ch := protocol.Channel{Type: protocol.ChannelReliableOrdered, Index: 0}
	now := time.Now()

	for sn := uint64(1); sn <= 3; sn++ {
		if err := sb.RegisterReliableMessage(ch, sn, protocol.MessageHeader{}, []byte{byte(sn)}, now); err != nil {
			t.Fatalf("register sn %d: %v", sn, err)
		}
	}
	sb.DeregisterReliableMessages(ch, 2)
	if sb.Empty() {
		t.Fatal("sn 3 should still be outstanding")
	}
	sb.DeregisterReliableMessages(ch, 3)
	if !sb.Empty() {
		t.Fatal("all entries should be cleared after deregistering up to sn 3")
	}
}

func TestEachCurrentMessageRetransmitsAfterRTO(t *testing.T) {
	sb := NewSenderBuffer(1 << 20)
	ch := protocol.Channel{Type: protocol.ChannelReliableOrdered, Index: 0}
	now := time.Now()
	sb.RegisterReliableMessage(ch, 1, protocol.MessageHeader{}, []byte{1}, now)

	var calls int
	sb.EachCurrentMessage(now, time.Second, func(protocol.Channel, protocol.MessageHeader, []byte) { calls++ })
	if calls != 0 {
		t.Fatalf("message registered now should not be retransmitted immediately, got %d calls", calls)
	}

	sb.EachCurrentMessage(now.Add(2*time.Second), time.Second, func(protocol.Channel, protocol.MessageHeader, []byte) { calls++ })
	if calls != 1 {
		t.Fatalf("message should retransmit once RTO has elapsed, got %d calls", calls)
	}
	if sb.Empty() {
		t.Fatal("retransmitted entry should remain buffered until acknowledged")
	}
}
