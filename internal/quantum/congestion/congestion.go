// Package congestion implements the connection's congestion-control
// hook: a black box that tracks inflight bytes against a window, halves
// its effective rate on RTO, and never gates control messages.
//
// The teacher's BBR implementation models a far richer bandwidth-probing
// state machine (STARTUP/DRAIN/PROBE_BW/PROBE_RTT) than this protocol
// asks for; this controller drops the phase machine, since nothing here
// needs bandwidth probing beyond a working admission gate. The window
// grows by a fixed 2% per acknowledgment; bandwidth samples are smoothed
// and reported in Statistics but do not set the window.
package congestion

import (
	"sync"
	"time"
)

const (
	initialWindow = 16 * 1024 // bytes
	minWindow     = 2 * 1024
	maxWindow     = 4 << 20
)

// Controller is the pluggable congestion-control black box described by
// the connection's send queue: it observes packets sent and acknowledged,
// reacts to RTO firings, and gates admission of new datagrams.
type Controller struct {
	mu sync.Mutex

	window   float64 // congestion window, bytes
	inflight int64

	lastAckedSN uint64
	bandwidth   float64 // bytes/sec, smoothed sample

	lastSampleTime time.Time
	lastSampleSN   uint64
}

func New() *Controller {
	return &Controller{window: initialWindow}
}

// OnPacketSent records bytes placed on the wire against the inflight
// budget.
func (c *Controller) OnPacketSent(now time.Time, sn uint64, length int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight += int64(length)
	if c.lastSampleTime.IsZero() {
		c.lastSampleTime = now
		c.lastSampleSN = sn
	}
}

// OnPacketAcked observes an inbound acknowledgment. A later SN than any
// previously observed advances the bandwidth reference sample.
func (c *Controller) OnPacketAcked(now time.Time, ackedSN uint64, length int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight -= int64(length)
	if c.inflight < 0 {
		c.inflight = 0
	}
	if ackedSN <= c.lastAckedSN && c.lastAckedSN != 0 {
		return
	}
	c.lastAckedSN = ackedSN

	if !c.lastSampleTime.IsZero() && now.After(c.lastSampleTime) {
		elapsed := now.Sub(c.lastSampleTime).Seconds()
		if elapsed > 0 {
			sample := float64(length) / elapsed
			if c.bandwidth == 0 {
				c.bandwidth = sample
			} else {
				c.bandwidth = 0.9*c.bandwidth + 0.1*sample
			}
			c.window = clamp(c.window*1.02, minWindow, maxWindow)
		}
	}
	c.lastSampleTime = now
	c.lastSampleSN = ackedSN
}

// OnRTO applies the standard multiplicative decrease: the effective rate
// (congestion window) is halved.
func (c *Controller) OnRTO() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = clamp(c.window/2, minWindow, maxWindow)
}

// CanSend reports whether a datagram of length bytes may be admitted.
// Control messages (isControl) always bypass the check so they are never
// starved by a congested data path.
func (c *Controller) CanSend(length int, isControl bool) bool {
	if isControl {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.inflight+int64(length)) <= c.window
}

// Window returns the current congestion window in bytes.
func (c *Controller) Window() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(c.window)
}

// Inflight returns the currently unacknowledged byte total.
func (c *Controller) Inflight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

func (c *Controller) Statistics() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]uint64{
		"window":    uint64(c.window),
		"inflight":  uint64(c.inflight),
		"bandwidth": uint64(c.bandwidth),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
