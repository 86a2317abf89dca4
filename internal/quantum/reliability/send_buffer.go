// Package reliability implements the reliable delivery buffers: the
// sender buffer (retains reliable messages until acknowledged, enforces a
// byte capacity) and the receiver buffer (reassembles split messages,
// orders per channel, generates ACK/SACK).
package reliability

import (
	"errors"
	"sync"
	"time"

	"github.com/aetherflow/quantum/internal/quantum/protocol"
)

// ErrSendBufferOverflow is returned when registering a reliable message
// would push the sender buffer over its configured capacity.
var ErrSendBufferOverflow = errors.New("reliability: send buffer overflow")

// entryKey identifies one buffered reliable message.
type entryKey struct {
	Channel int32
	SN      uint64
}

// SenderEntry is one reliable message retained until acknowledged.
type SenderEntry struct {
	Channel      protocol.Channel
	SN           uint64
	Header       protocol.MessageHeader
	Payload      []byte
	RegisteredAt time.Time
}

func (e *SenderEntry) size() int64 {
	return int64(protocol.MessageHeaderSize + len(e.Payload))
}

// SenderBuffer retains reliable messages, indexed by (channel, SN), until
// they are acknowledged. Total buffered bytes never exceed capacity.
type SenderBuffer struct {
	mu       sync.RWMutex
	capacity int64
	total    int64
	entries  map[entryKey]*SenderEntry

	registered  uint64
	retransmits uint64
}

func NewSenderBuffer(capacity int64) *SenderBuffer {
	return &SenderBuffer{
		capacity: capacity,
		entries:  make(map[entryKey]*SenderEntry),
	}
}

// FitsIntoBuffer is the authoritative admission check: would registering
// numMessages more reliable messages whose combined serialized size is
// dataLen bytes keep the buffer within capacity?
func (sb *SenderBuffer) FitsIntoBuffer(dataLen int, numMessages int) bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	projected := sb.total + int64(dataLen) + int64(numMessages*protocol.MessageHeaderSize)
	return projected <= sb.capacity
}

// RegisterReliableMessage stores a reliable message for retransmission
// until it is deregistered by an acknowledgment. It refuses admission
// (without mutating state) if doing so would exceed capacity.
func (sb *SenderBuffer) RegisterReliableMessage(ch protocol.Channel, sn uint64, header protocol.MessageHeader, payload []byte, now time.Time) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	entry := &SenderEntry{Channel: ch, SN: sn, Header: header, Payload: payload, RegisteredAt: now}
	if sb.total+entry.size() > sb.capacity {
		return ErrSendBufferOverflow
	}
	key := entryKey{Channel: ch.Qualifier(), SN: sn}
	if old, exists := sb.entries[key]; exists {
		sb.total -= old.size()
	}
	sb.entries[key] = entry
	sb.total += entry.size()
	sb.registered++
	return nil
}

// DeregisterReliableMessages drops every entry on ch with SN <= sn.
func (sb *SenderBuffer) DeregisterReliableMessages(ch protocol.Channel, sn uint64) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	q := ch.Qualifier()
	for key, entry := range sb.entries {
		if key.Channel == q && entry.SN <= sn {
			sb.total -= entry.size()
			delete(sb.entries, key)
		}
	}
}

// EachCurrentMessage re-hands every entry whose registration time plus
// rtoAtSchedule has elapsed to sink, as a retransmit. Entries remain in
// the buffer — only an acknowledgment removes them — but their
// registration time is advanced to now so the same entry is not handed
// back again before another full RTO elapses.
func (sb *SenderBuffer) EachCurrentMessage(now time.Time, rtoAtSchedule time.Duration, sink func(ch protocol.Channel, header protocol.MessageHeader, payload []byte)) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for _, entry := range sb.entries {
		if now.Sub(entry.RegisteredAt) >= rtoAtSchedule {
			sink(entry.Channel, entry.Header, entry.Payload)
			entry.RegisteredAt = now
			sb.retransmits++
		}
	}
}

// TotalBytes returns the currently buffered byte total (invariant: this
// never exceeds the configured capacity).
func (sb *SenderBuffer) TotalBytes() int64 {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.total
}

// Empty reports whether no reliable messages are currently outstanding.
func (sb *SenderBuffer) Empty() bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return len(sb.entries) == 0
}

// EarliestDeadline returns the RegisteredAt of the oldest outstanding
// entry, used to schedule the RTO timer; ok is false when the buffer is
// empty.
func (sb *SenderBuffer) EarliestDeadline() (t time.Time, ok bool) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	for _, entry := range sb.entries {
		if !ok || entry.RegisteredAt.Before(t) {
			t = entry.RegisteredAt
			ok = true
		}
	}
	return t, ok
}

// Statistics returns a counters snapshot for metrics/logging.
func (sb *SenderBuffer) Statistics() map[string]uint64 {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return map[string]uint64{
		"registered":   sb.registered,
		"retransmits":  sb.retransmits,
		"outstanding":  uint64(len(sb.entries)),
		"total_bytes":  uint64(sb.total),
		"capacity":     uint64(sb.capacity),
	}
}

// Reset clears the buffer, discarding all outstanding entries.
func (sb *SenderBuffer) Reset() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.entries = make(map[entryKey]*SenderEntry)
	sb.total = 0
}
