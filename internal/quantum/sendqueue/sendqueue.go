// Package sendqueue accumulates outgoing messages for a connection's next
// datagram and flushes them behind a single packet header, bounded by the
// MTU and gated per-message by the congestion controller. Control messages
// (qualifier -1) always go out ahead of ordinary channel data so a
// congested data path never starves a handshake or close.
package sendqueue

import (
	"time"

	"github.com/aetherflow/quantum/internal/quantum/congestion"
	"github.com/aetherflow/quantum/internal/quantum/protocol"
)

// outMessage is one message awaiting a datagram, already framed with its
// MessageHeader.
type outMessage struct {
	header  protocol.MessageHeader
	payload []byte
}

func (m outMessage) size() int { return protocol.MessageHeaderSize + len(m.payload) }

// AckInfo carries the optional ACK/NAK/RTT fields a tick may want to
// piggyback onto the packet header it builds. A nil AckInfo means "no
// acknowledgment due this tick".
type AckInfo struct {
	AckSequenceNumber uint16
	HasNak            bool
	NakSequenceNumber uint16
	HasRTTRequest     bool
	RTTRequestSeq     uint16
	HasRTTResponse    bool
	RTTResponseSeq    uint16
	RTTResponseDelay  uint32 // microseconds
}

// Queue holds a connection's pending outbound traffic between ticks.
type Queue struct {
	mtu        int
	congestion *congestion.Controller

	control []outMessage
	data    []outMessage
}

// New creates a queue that will never build a datagram larger than mtu
// bytes, and that consults cc before admitting a data message.
func New(mtu int, cc *congestion.Controller) *Queue {
	return &Queue{mtu: mtu, congestion: cc}
}

// EnqueueMessage appends a framed message to the appropriate priority
// class. Control messages bypass congestion admission entirely; data
// messages that the congestion controller refuses are dropped here and
// rely on the sender buffer's own retransmission to resend them later.
// EnqueueMessage reports whether the message was accepted.
func (q *Queue) EnqueueMessage(header protocol.MessageHeader, payload []byte) bool {
	msg := outMessage{header: header, payload: payload}
	if header.Flags.IsControl() {
		q.control = append(q.control, msg)
		return true
	}
	if q.congestion != nil && !q.congestion.CanSend(msg.size(), false) {
		return false
	}
	q.data = append(q.data, msg)
	return true
}

// Pending reports whether anything is queued for the next tick.
func (q *Queue) Pending() bool {
	return len(q.control) > 0 || len(q.data) > 0
}

// Tick builds and drains one datagram's worth of queued messages behind a
// single packet header carrying pktSeq and, if ack is non-nil, the
// acknowledgment fields it names. It reports nil, false when there is
// nothing to send this tick (no queued messages and no ack due).
func (q *Queue) Tick(pktSeq uint16, ack *AckInfo) ([]byte, bool) {
	if !q.Pending() && ack == nil {
		return nil, false
	}

	header := q.buildHeader(pktSeq, ack)
	budget := q.mtu - header.Size()
	if budget < 0 {
		budget = 0
	}

	var body []byte
	body, q.control = drain(body, q.control, &budget)
	body, q.data = drain(body, q.data, &budget)

	if len(body) == 0 && ack == nil {
		return nil, false
	}
	return append(header.Marshal(), body...), true
}

func (q *Queue) buildHeader(pktSeq uint16, ack *AckInfo) *protocol.PacketHeader {
	h := &protocol.PacketHeader{
		Flags:          protocol.PacketFlagSequenceNumber,
		SequenceNumber: pktSeq,
	}
	if ack == nil {
		return h
	}
	h.Flags |= protocol.PacketFlagAck
	h.AckSequenceNumber = ack.AckSequenceNumber
	if ack.HasNak {
		h.Flags |= protocol.PacketFlagNak
		h.NakSequenceNumber = ack.NakSequenceNumber
	}
	if ack.HasRTTRequest {
		h.Flags |= protocol.PacketFlagRTTRequest
		h.RTTRequestSequenceNumber = ack.RTTRequestSeq
	}
	if ack.HasRTTResponse {
		h.Flags |= protocol.PacketFlagRTTResponse
		h.RTTResponseSequenceNumber = ack.RTTResponseSeq
		h.RTTResponseDelay = ack.RTTResponseDelay
	}
	return h
}

// drain appends as many queued messages as fit within budget, in order,
// stopping at the first that doesn't fit, and returns the unconsumed tail.
func drain(body []byte, queue []outMessage, budget *int) ([]byte, []outMessage) {
	i := 0
	for ; i < len(queue); i++ {
		need := queue[i].size()
		if need > *budget {
			break
		}
		body = append(body, queue[i].header.Marshal()...)
		body = append(body, queue[i].payload...)
		*budget -= need
	}
	return body, queue[i:]
}

// Heartbeat builds a bare datagram carrying only a packet header, used to
// keep a connection alive when nothing else is queued.
func Heartbeat(pktSeq uint16) []byte {
	h := &protocol.PacketHeader{Flags: protocol.PacketFlagSequenceNumber, SequenceNumber: pktSeq}
	return h.Marshal()
}

// AckOnly builds a datagram carrying a packet header with only
// acknowledgment fields set, for use when a tick has nothing else to send
// but an ack is due.
func AckOnly(pktSeq uint16, ack AckInfo) []byte {
	q := &Queue{mtu: protocol.MessageHeaderSize + 64}
	h := q.buildHeader(pktSeq, &ack)
	return h.Marshal()
}

// RTTRequest builds a bare datagram requesting an RTT sample.
func RTTRequest(pktSeq, rttReqSeq uint16) []byte {
	h := &protocol.PacketHeader{
		Flags:                    protocol.PacketFlagSequenceNumber | protocol.PacketFlagRTTRequest,
		SequenceNumber:           pktSeq,
		RTTRequestSequenceNumber: rttReqSeq,
	}
	return h.Marshal()
}

// RTTResponse builds a bare datagram answering an RTT request observed
// delaySince earlier in the same tick loop.
func RTTResponse(pktSeq, rttReqSeq uint16, delaySince time.Duration) []byte {
	h := &protocol.PacketHeader{
		Flags:                     protocol.PacketFlagSequenceNumber | protocol.PacketFlagRTTResponse,
		SequenceNumber:            pktSeq,
		RTTResponseSequenceNumber: rttReqSeq,
		RTTResponseDelay:          uint32(delaySince.Microseconds()),
	}
	return h.Marshal()
}
