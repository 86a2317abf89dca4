package reliability

import (
	"errors"
	"sort"
	"sync"

	"github.com/aetherflow/quantum/internal/quantum/protocol"
)

// ErrWindowExceeded is returned when an arrival falls too far beyond the
// next expected sequence number to buffer; the caller drops the packet
// without closing the connection (spec malformed-input policy).
var ErrWindowExceeded = errors.New("reliability: receive window exceeded")

type fragment struct {
	flags   protocol.MessageFlags
	payload []byte
}

// channelState is the per-channel bookkeeping the receiver buffer keeps.
type channelState struct {
	chType       protocol.ChannelType
	initialized  bool
	nextExpected uint64 // ordered/unreliable: next contiguous SN to deliver
	lastDelivered uint64 // sequenced: highest SN ever delivered
	highestSeen  uint64
	pending      map[uint64]fragment

	// lost accumulates every sequence number skipped by a newly-observed
	// highestSeen since the last ConsumeLoss call.
	lost uint64
}

// ReceiverBuffer reassembles split messages, enforces per-channel
// ordering semantics, and produces the data needed to build ACK/SACK
// control messages.
type ReceiverBuffer struct {
	mu         sync.Mutex
	window     uint64 // max span beyond nextExpected/highestSeen to buffer
	channels   map[int32]*channelState

	totalReceived uint64
	duplicates    uint64
	delivered     uint64
}

func NewReceiverBuffer(window uint64) *ReceiverBuffer {
	return &ReceiverBuffer{
		window:   window,
		channels: make(map[int32]*channelState),
	}
}

func (rb *ReceiverBuffer) stateFor(ch protocol.Channel) *channelState {
	q := ch.Qualifier()
	cs, ok := rb.channels[q]
	if !ok {
		cs = &channelState{chType: ch.Type, pending: make(map[uint64]fragment)}
		rb.channels[q] = cs
	}
	return cs
}

// AddMessage admits one arrived message header+payload on ch. It returns
// the list of fully reassembled message bodies now ready for delivery (in
// delivery order), whether the arrival was a duplicate/stale repeat, and
// an error only when the arrival falls outside the receive window (the
// caller should drop the datagram without closing the connection).
func (rb *ReceiverBuffer) AddMessage(ch protocol.Channel, header *protocol.MessageHeader, payload []byte) (delivered [][]byte, duplicate bool, err error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	cs := rb.stateFor(ch)
	firstMessage := !cs.initialized
	var sn uint64
	if firstMessage {
		sn = uint64(header.SequenceNumber)
		cs.nextExpected = sn
		cs.highestSeen = sn
		cs.initialized = true
	} else {
		sn = protocol.GuessNonWrapping(cs.highestSeen, header.SequenceNumber)
		if sn > cs.highestSeen+1 {
			cs.lost += sn - cs.highestSeen - 1
		}
		if sn > cs.highestSeen {
			cs.highestSeen = sn
		}
	}
	rb.totalReceived++

	if ch.Type.Sequenced() {
		if !firstMessage && sn <= cs.lastDelivered {
			rb.duplicates++
			return nil, true, nil
		}
		cs.lastDelivered = sn
		cs.nextExpected = sn + 1
		return [][]byte{append([]byte(nil), payload...)}, false, nil
	}

	if sn < cs.nextExpected {
		rb.duplicates++
		return nil, true, nil
	}
	if _, exists := cs.pending[sn]; exists {
		rb.duplicates++
		return nil, true, nil
	}
	if sn >= cs.nextExpected+rb.window {
		return nil, false, ErrWindowExceeded
	}
	cs.pending[sn] = fragment{flags: header.Flags, payload: append([]byte(nil), payload...)}

	var accum []byte
	for {
		frag, ok := cs.pending[cs.nextExpected]
		if !ok {
			break
		}
		if accum == nil {
			// A split message is consumed only once every fragment up to
			// its last one has arrived; until then it stays pending.
			end := cs.nextExpected
			for cs.pending[end].flags.Has(protocol.FlagSplitNotLast) {
				end++
			}
			if _, ok := cs.pending[end]; !ok {
				break
			}
		}
		delete(cs.pending, cs.nextExpected)
		accum = append(accum, frag.payload...)
		cs.nextExpected++
		if !frag.flags.Has(protocol.FlagSplitNotLast) {
			delivered = append(delivered, accum)
			accum = nil
			rb.delivered++
		}
	}
	return delivered, false, nil
}

// GenerateSACK returns the cumulative ack (wire-truncated) and the
// coalesced SACK blocks describing out-of-order arrivals buffered on ch.
func (rb *ReceiverBuffer) GenerateSACK(ch protocol.Channel) (ackSN uint16, blocks []protocol.SACKBlock) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	cs, ok := rb.channels[ch.Qualifier()]
	if !ok {
		return 0, nil
	}
	if ch.Type.Sequenced() {
		return uint16(cs.lastDelivered & protocol.SNMask), nil
	}
	ackSN = uint16((cs.nextExpected - 1) & protocol.SNMask)
	if len(cs.pending) == 0 {
		return ackSN, nil
	}
	sns := make([]uint64, 0, len(cs.pending))
	for sn := range cs.pending {
		sns = append(sns, sn)
	}
	sort.Slice(sns, func(i, j int) bool { return sns[i] < sns[j] })

	var cur *protocol.SACKBlock
	for _, sn := range sns {
		w := uint16(sn & protocol.SNMask)
		if cur != nil && w == cur.End {
			cur.End = w + 1
			continue
		}
		if cur != nil {
			blocks = append(blocks, *cur)
			if len(blocks) >= protocol.MaxSACKBlocks {
				cur = nil
				break
			}
		}
		cur = &protocol.SACKBlock{Start: w, End: w + 1}
	}
	if cur != nil && len(blocks) < protocol.MaxSACKBlocks {
		blocks = append(blocks, *cur)
	}
	return ackSN, blocks
}

// ConsumeLoss returns the sequence-number gaps ch has newly exposed since
// the last call and resets the counter, for the connection to forward to
// its observer as a packet-loss report.
func (rb *ReceiverBuffer) ConsumeLoss(ch protocol.Channel) uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	cs, ok := rb.channels[ch.Qualifier()]
	if !ok {
		return 0
	}
	n := cs.lost
	cs.lost = 0
	return n
}

// Channels returns every channel that has received at least one message,
// for the connection to iterate when building per-channel acks.
func (rb *ReceiverBuffer) Channels() []protocol.Channel {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	chs := make([]protocol.Channel, 0, len(rb.channels))
	for q, cs := range rb.channels {
		if !cs.initialized {
			continue
		}
		if ch, ok := protocol.ChannelFromQualifier(q); ok {
			chs = append(chs, ch)
		}
	}
	return chs
}

// Initialized reports whether any message has ever arrived on ch.
func (rb *ReceiverBuffer) Initialized(ch protocol.Channel) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	cs, ok := rb.channels[ch.Qualifier()]
	return ok && cs.initialized
}

// NextExpected returns the non-wrapping SN the channel is waiting on.
func (rb *ReceiverBuffer) NextExpected(ch protocol.Channel) uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if cs, ok := rb.channels[ch.Qualifier()]; ok {
		return cs.nextExpected
	}
	return 0
}

// BufferedCount returns the number of out-of-order fragments currently
// buffered on ch.
func (rb *ReceiverBuffer) BufferedCount(ch protocol.Channel) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if cs, ok := rb.channels[ch.Qualifier()]; ok {
		return len(cs.pending)
	}
	return 0
}

func (rb *ReceiverBuffer) Statistics() map[string]uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return map[string]uint64{
		"total_received": rb.totalReceived,
		"duplicates":     rb.duplicates,
		"delivered":      rb.delivered,
		"channels":       uint64(len(rb.channels)),
	}
}

// Reset discards all per-channel state.
func (rb *ReceiverBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.channels = make(map[int32]*channelState)
}
