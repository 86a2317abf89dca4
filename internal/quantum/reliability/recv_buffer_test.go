package reliability

import (
	"testing"

	"github.com/aetherflow/quantum/internal/quantum/protocol"
)

func msg(sn uint16, flags protocol.MessageFlags, payload []byte) *protocol.MessageHeader {
	return &protocol.MessageHeader{Flags: flags, SequenceNumber: sn, Length: uint16(len(payload))}
}

func TestReceiverBufferInOrderDelivery(t *testing.T) {
	rb := NewReceiverBuffer(256)
	ch := protocol.Channel{Type: protocol.ChannelReliableOrdered, Index: 0}

	for i := uint16(0); i < 5; i++ {
		delivered, dup, err := rb.AddMessage(ch, msg(i, 0, []byte{byte(i)}), []byte{byte(i)})
		if err != nil {
			t.Fatalf("unexpected error on sn %d: %v", i, err)
		}
		if dup {
			t.Errorf("sn %d should not be duplicate", i)
		}
		if len(delivered) != 1 || delivered[0][0] != byte(i) {
			t.Errorf("sn %d: expected immediate delivery, got %v", i, delivered)
		}
	}
}

func TestReceiverBufferOutOfOrderReorders(t *testing.T) {
	rb := NewReceiverBuffer(256)
	ch := protocol.Channel{Type: protocol.ChannelReliableOrdered, Index: 0}

	delivered, _, _ := rb.AddMessage(ch, msg(0, 0, []byte{0}), []byte{0})
	if len(delivered) != 1 {
		t.Fatalf("sn 0 should deliver immediately")
	}
	delivered, _, _ = rb.AddMessage(ch, msg(2, 0, []byte{2}), []byte{2})
	if len(delivered) != 0 {
		t.Fatalf("sn 2 should buffer, not deliver, got %v", delivered)
	}
	delivered, _, _ = rb.AddMessage(ch, msg(1, 0, []byte{1}), []byte{1})
	if len(delivered) != 2 {
		t.Fatalf("sn 1 should drain sn 1 and sn 2, got %d messages", len(delivered))
	}
	if delivered[0][0] != 1 || delivered[1][0] != 2 {
		t.Errorf("delivered out of order: %v", delivered)
	}
}

func TestReceiverBufferDuplicateDropped(t *testing.T) {
	rb := NewReceiverBuffer(256)
	ch := protocol.Channel{Type: protocol.ChannelReliableOrdered, Index: 0}

	rb.AddMessage(ch, msg(0, 0, []byte{0}), []byte{0})
	delivered, dup, err := rb.AddMessage(ch, msg(0, 0, []byte{0}), []byte{0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dup || len(delivered) != 0 {
		t.Errorf("re-delivering sn 0 should be a no-op duplicate, got delivered=%v dup=%v", delivered, dup)
	}
}

func TestReceiverBufferSplitReassembly(t *testing.T) {
	rb := NewReceiverBuffer(256)
	ch := protocol.Channel{Type: protocol.ChannelReliableOrdered, Index: 0}

	rb.AddMessage(ch, msg(0, protocol.FlagSplitNotLast, []byte("ab")), []byte("ab"))
	delivered, _, _ := rb.AddMessage(ch, msg(1, protocol.FlagSplitNotFirst, []byte("cd")), []byte("cd"))
	if len(delivered) != 1 || string(delivered[0]) != "abcd" {
		t.Errorf("expected reassembled \"abcd\", got %v", delivered)
	}
}

func TestReceiverBufferSequencedNewestWins(t *testing.T) {
	rb := NewReceiverBuffer(256)
	ch := protocol.Channel{Type: protocol.ChannelReliableSequenced, Index: 0}

	rb.AddMessage(ch, msg(5, 0, []byte("old")), []byte("old"))
	delivered, dup, _ := rb.AddMessage(ch, msg(3, 0, []byte("stale")), []byte("stale"))
	if !dup || len(delivered) != 0 {
		t.Errorf("stale arrival on sequenced channel should be dropped as duplicate")
	}
	delivered, dup, _ = rb.AddMessage(ch, msg(9, 0, []byte("new")), []byte("new"))
	if dup || len(delivered) != 1 || string(delivered[0]) != "new" {
		t.Errorf("newer arrival should deliver immediately, got delivered=%v dup=%v", delivered, dup)
	}
}

func TestReceiverBufferWindowExceeded(t *testing.T) {
	rb := NewReceiverBuffer(4)
	ch := protocol.Channel{Type: protocol.ChannelReliableOrdered, Index: 0}

	rb.AddMessage(ch, msg(0, 0, []byte{0}), []byte{0})
	_, _, err := rb.AddMessage(ch, msg(10, 0, []byte{1}), []byte{1})
	if err != ErrWindowExceeded {
		t.Errorf("expected ErrWindowExceeded, got %v", err)
	}
}

func TestGenerateSACKCoalescesBlocks(t *testing.T) {
	rb := NewReceiverBuffer(256)
	ch := protocol.Channel{Type: protocol.ChannelReliableOrdered, Index: 0}

	rb.AddMessage(ch, msg(0, 0, []byte{0}), []byte{0})
	rb.AddMessage(ch, msg(2, 0, []byte{2}), []byte{2})
	rb.AddMessage(ch, msg(3, 0, []byte{3}), []byte{3})
	rb.AddMessage(ch, msg(6, 0, []byte{6}), []byte{6})

	ack, blocks := rb.GenerateSACK(ch)
	if ack != 0 {
		t.Errorf("cumulative ack = %d, want 0 (sn 1 still missing)", ack)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 coalesced SACK blocks, got %d: %v", len(blocks), blocks)
	}
	if blocks[0].Start != 2 || blocks[0].End != 4 {
		t.Errorf("first block = %+v, want {2,4}", blocks[0])
	}
	if blocks[1].Start != 6 || blocks[1].End != 7 {
		t.Errorf("second block = %+v, want {6,7}", blocks[1])
	}
}

func TestDeliveredPayloadIsolatedFromCallerSlice(t *testing.T) {
	rb := NewReceiverBuffer(256)
	ch := protocol.Channel{Type: protocol.ChannelReliableOrdered, Index: 0}
	payload := []byte{9}
	delivered, _, _ := rb.AddMessage(ch, msg(0, 0, payload), payload)
	payload[0] = 255
	if delivered[0][0] != 9 {
		t.Errorf("delivered payload aliases caller slice")
	}
}
