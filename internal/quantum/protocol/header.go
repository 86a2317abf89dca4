// Package protocol implements the on-wire framing: the per-datagram packet
// header, the per-message header packed inside a datagram's payload, and
// the sequence-number wrap reconstruction used to turn 16-bit wire values
// into monotonically increasing internal counters.
package protocol

import (
	"encoding/binary"
	"errors"
)

// SNMask is the mask applied to a non-wrapping sequence number to obtain
// its 16-bit wire form.
const SNMask = 0xFFFF

// wrapModulus is one past SNMask: the point at which a wire sequence
// number wraps back to zero.
const wrapModulus = uint64(SNMask) + 1

const MaxSACKBlocks = 16

var (
	ErrTruncated = errors.New("protocol: truncated header")
	ErrMalformed = errors.New("protocol: malformed header")
)

// PacketFlags marks which optional fields follow the fixed portion of a
// PacketHeader.
type PacketFlags uint8

const (
	PacketFlagSequenceNumber PacketFlags = 1 << iota
	PacketFlagAck
	PacketFlagNak
	PacketFlagRTTRequest
	PacketFlagRTTResponse
)

func (f PacketFlags) Has(flag PacketFlags) bool { return f&flag != 0 }

// PacketHeader is the per-datagram header. Every field beyond Flags is
// optional and present only when its flag bit is set.
type PacketHeader struct {
	Flags                     PacketFlags
	SequenceNumber            uint16
	AckSequenceNumber         uint16
	NakSequenceNumber         uint16
	RTTRequestSequenceNumber  uint16
	RTTResponseSequenceNumber uint16
	RTTResponseDelay          uint32 // microseconds
}

// Size returns the marshaled size in bytes.
func (h *PacketHeader) Size() int {
	n := 1
	if h.Flags.Has(PacketFlagSequenceNumber) {
		n += 2
	}
	if h.Flags.Has(PacketFlagAck) {
		n += 2
	}
	if h.Flags.Has(PacketFlagNak) {
		n += 2
	}
	if h.Flags.Has(PacketFlagRTTRequest) {
		n += 2
	}
	if h.Flags.Has(PacketFlagRTTResponse) {
		n += 2 + 4
	}
	return n
}

func (h *PacketHeader) Marshal() []byte {
	buf := make([]byte, h.Size())
	buf[0] = byte(h.Flags)
	off := 1
	if h.Flags.Has(PacketFlagSequenceNumber) {
		binary.BigEndian.PutUint16(buf[off:], h.SequenceNumber)
		off += 2
	}
	if h.Flags.Has(PacketFlagAck) {
		binary.BigEndian.PutUint16(buf[off:], h.AckSequenceNumber)
		off += 2
	}
	if h.Flags.Has(PacketFlagNak) {
		binary.BigEndian.PutUint16(buf[off:], h.NakSequenceNumber)
		off += 2
	}
	if h.Flags.Has(PacketFlagRTTRequest) {
		binary.BigEndian.PutUint16(buf[off:], h.RTTRequestSequenceNumber)
		off += 2
	}
	if h.Flags.Has(PacketFlagRTTResponse) {
		binary.BigEndian.PutUint16(buf[off:], h.RTTResponseSequenceNumber)
		off += 2
		binary.BigEndian.PutUint32(buf[off:], h.RTTResponseDelay)
		off += 4
	}
	return buf
}

// UnmarshalPacketHeader parses a PacketHeader from the front of data and
// returns the number of bytes consumed.
func UnmarshalPacketHeader(data []byte) (*PacketHeader, int, error) {
	if len(data) < 1 {
		return nil, 0, ErrTruncated
	}
	h := &PacketHeader{Flags: PacketFlags(data[0])}
	off := 1
	need := func(n int) error {
		if len(data) < off+n {
			return ErrTruncated
		}
		return nil
	}
	if h.Flags.Has(PacketFlagSequenceNumber) {
		if err := need(2); err != nil {
			return nil, 0, err
		}
		h.SequenceNumber = binary.BigEndian.Uint16(data[off:])
		off += 2
	}
	if h.Flags.Has(PacketFlagAck) {
		if err := need(2); err != nil {
			return nil, 0, err
		}
		h.AckSequenceNumber = binary.BigEndian.Uint16(data[off:])
		off += 2
	}
	if h.Flags.Has(PacketFlagNak) {
		if err := need(2); err != nil {
			return nil, 0, err
		}
		h.NakSequenceNumber = binary.BigEndian.Uint16(data[off:])
		off += 2
	}
	if h.Flags.Has(PacketFlagRTTRequest) {
		if err := need(2); err != nil {
			return nil, 0, err
		}
		h.RTTRequestSequenceNumber = binary.BigEndian.Uint16(data[off:])
		off += 2
	}
	if h.Flags.Has(PacketFlagRTTResponse) {
		if err := need(6); err != nil {
			return nil, 0, err
		}
		h.RTTResponseSequenceNumber = binary.BigEndian.Uint16(data[off:])
		off += 2
		h.RTTResponseDelay = binary.BigEndian.Uint32(data[off:])
		off += 4
	}
	return h, off, nil
}

// MessageFlags classifies one message packed into a datagram's payload.
type MessageFlags uint16

const (
	FlagSYN MessageFlags = 1 << iota
	FlagRST
	FlagACK
	FlagSACK
	FlagPRX
	FlagSplitNotFirst
	FlagSplitNotLast
)

// ControlFlagsMask isolates the flags that make a message a control
// message rather than plain channel data.
const ControlFlagsMask = FlagPRX | FlagRST | FlagSYN | FlagACK | FlagSACK

func (f MessageFlags) Has(flag MessageFlags) bool { return f&flag != 0 }

// IsControl reports whether any control-classifying bit is set.
func (f MessageFlags) IsControl() bool { return f&ControlFlagsMask != 0 }

// ControlQualifier is the reserved channel qualifier carried by control
// messages; it is never a valid data channel.
const ControlQualifier int32 = -1

// ChannelType distinguishes the four delivery semantics a channel may have.
type ChannelType uint8

const (
	ChannelUnreliable ChannelType = iota
	ChannelUnreliableSequenced
	ChannelReliableSequenced
	ChannelReliableOrdered
)

func (t ChannelType) String() string {
	switch t {
	case ChannelUnreliable:
		return "unreliable"
	case ChannelUnreliableSequenced:
		return "unreliable-sequenced"
	case ChannelReliableSequenced:
		return "reliable-sequenced"
	case ChannelReliableOrdered:
		return "reliable-ordered"
	default:
		return "unknown"
	}
}

// Reliable reports whether messages on a channel of this type are tracked
// in the sender buffer and retransmitted until acknowledged.
func (t ChannelType) Reliable() bool {
	return t == ChannelReliableSequenced || t == ChannelReliableOrdered
}

// Sequenced reports whether only the newest arrival is ever delivered
// (stale arrivals are discarded rather than reassembled or reordered).
func (t ChannelType) Sequenced() bool {
	return t == ChannelUnreliableSequenced || t == ChannelReliableSequenced
}

// Channel is a composite (type, index) identifier for a logical stream.
type Channel struct {
	Type  ChannelType
	Index uint32
}

// Qualifier packs the channel into the 32-bit wire value carried as a
// message header's channel qualifier. The top byte carries the type, the
// low 24 bits the index.
func (c Channel) Qualifier() int32 {
	return int32(uint32(c.Type)<<24 | (c.Index & 0x00FFFFFF))
}

// ChannelFromQualifier decodes a channel qualifier, returning ok=false for
// the reserved control qualifier.
func ChannelFromQualifier(q int32) (Channel, bool) {
	if q == ControlQualifier {
		return Channel{}, false
	}
	u := uint32(q)
	return Channel{Type: ChannelType(u >> 24), Index: u & 0x00FFFFFF}, true
}

const MessageHeaderSize = 2 + 4 + 2 + 2

// MessageHeader precedes each message packed into a datagram's payload.
type MessageHeader struct {
	Flags            MessageFlags
	ChannelQualifier int32
	SequenceNumber   uint16
	Length           uint16
}

func (h *MessageHeader) Marshal() []byte {
	buf := make([]byte, MessageHeaderSize)
	binary.BigEndian.PutUint16(buf[0:], uint16(h.Flags))
	binary.BigEndian.PutUint32(buf[2:], uint32(h.ChannelQualifier))
	binary.BigEndian.PutUint16(buf[6:], h.SequenceNumber)
	binary.BigEndian.PutUint16(buf[8:], h.Length)
	return buf
}

func UnmarshalMessageHeader(data []byte) (*MessageHeader, error) {
	if len(data) < MessageHeaderSize {
		return nil, ErrTruncated
	}
	return &MessageHeader{
		Flags:            MessageFlags(binary.BigEndian.Uint16(data[0:])),
		ChannelQualifier: int32(binary.BigEndian.Uint32(data[2:])),
		SequenceNumber:   binary.BigEndian.Uint16(data[6:]),
		Length:           binary.BigEndian.Uint16(data[8:]),
	}, nil
}

// SACKBlock is a half-open range [Start, End) of wire sequence numbers
// known to have arrived.
type SACKBlock struct {
	Start, End uint16
}

// AckBody is the payload of an ACK/SACK-flagged control message: a
// cumulative ack, an optional NAK, and zero or more SACK blocks.
type AckBody struct {
	AckSequenceNumber uint16
	HasNak            bool
	NakSequenceNumber uint16
	SACKBlocks        []SACKBlock
}

func (b *AckBody) Marshal() []byte {
	n := len(b.SACKBlocks)
	if n > MaxSACKBlocks {
		n = MaxSACKBlocks
	}
	buf := make([]byte, 2+1+2+1+n*4)
	binary.BigEndian.PutUint16(buf[0:], b.AckSequenceNumber)
	off := 2
	if b.HasNak {
		buf[off] = 1
	}
	off++
	binary.BigEndian.PutUint16(buf[off:], b.NakSequenceNumber)
	off += 2
	buf[off] = byte(n)
	off++
	for i := 0; i < n; i++ {
		binary.BigEndian.PutUint16(buf[off:], b.SACKBlocks[i].Start)
		binary.BigEndian.PutUint16(buf[off+2:], b.SACKBlocks[i].End)
		off += 4
	}
	return buf
}

func UnmarshalAckBody(data []byte) (*AckBody, error) {
	if len(data) < 6 {
		return nil, ErrTruncated
	}
	b := &AckBody{AckSequenceNumber: binary.BigEndian.Uint16(data[0:])}
	b.HasNak = data[2] != 0
	b.NakSequenceNumber = binary.BigEndian.Uint16(data[3:])
	n := int(data[5])
	if n > MaxSACKBlocks {
		return nil, ErrMalformed
	}
	off := 6
	if len(data) < off+n*4 {
		return nil, ErrTruncated
	}
	b.SACKBlocks = make([]SACKBlock, n)
	for i := 0; i < n; i++ {
		b.SACKBlocks[i] = SACKBlock{
			Start: binary.BigEndian.Uint16(data[off:]),
			End:   binary.BigEndian.Uint16(data[off+2:]),
		}
		off += 4
	}
	return b, nil
}

// GuessNonWrapping reconstructs a non-wrapping 64-bit sequence number from
// an observed 16-bit wire value, given the most recently assigned
// non-wrapping value on the same channel as a reference. If the observed
// low bits are numerically greater than the reference's low bits, the
// observed value is taken to predate the reference by one wrap.
func GuessNonWrapping(reference uint64, observed uint16) uint64 {
	high := reference &^ (wrapModulus - 1)
	result := high + uint64(observed)
	half := wrapModulus / 2
	switch {
	case result > reference+half:
		result -= wrapModulus
	case result+half < reference:
		result += wrapModulus
	}
	return result
}
