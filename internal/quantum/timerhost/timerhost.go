// Package timerhost defines the TimerHost capability the connection
// timers depend on (makeTimer/scheduleTimer/freeTimer), plus a real
// implementation backed by time.Timer and a fake for deterministic tests.
package timerhost

import (
	"sync"
	"time"
)

// Timer is an opaque handle returned by MakeTimer. It is freed exactly
// once, and freeing an already-fired one-shot timer is a no-op.
type Timer interface {
	// id identifies the timer stably across reschedules, so a container can
	// drop a stale fire if the timer it names has already been freed.
	id() uint64
}

// Callback is invoked on the host's firing goroutine when a scheduled
// timer elapses; userData is opaque, passed through unchanged.
type Callback func(userData interface{})

// TimerHost is the external capability the connection's timers are
// layered on. The source threads raw back-pointers from timer callbacks
// into containers that may already be destroyed; this capability instead
// hands callers a stable handle so a fire after Free is simply a no-op.
type TimerHost interface {
	MakeTimer() Timer
	ScheduleTimer(t Timer, cb Callback, userData interface{}, delay time.Duration, repeating bool)
	FreeTimer(t Timer)
}

// realTimer implements Timer for the real, time.Timer-backed host.
type realTimer struct {
	tid    uint64
	host   *RealHost
}

func (t *realTimer) id() uint64 { return t.tid }

// RealHost is the production TimerHost, backed by time.Timer/time.Ticker.
type RealHost struct {
	mu     sync.Mutex
	nextID uint64
	timers map[uint64]*scheduled
}

type scheduled struct {
	timer     *time.Timer
	ticker    *time.Ticker
	stop      chan struct{}
	freed     bool
}

func NewRealHost() *RealHost {
	return &RealHost{timers: make(map[uint64]*scheduled)}
}

func (h *RealHost) MakeTimer() Timer {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	t := &realTimer{tid: h.nextID, host: h}
	h.timers[t.tid] = &scheduled{}
	return t
}

func (h *RealHost) ScheduleTimer(t Timer, cb Callback, userData interface{}, delay time.Duration, repeating bool) {
	rt, ok := t.(*realTimer)
	if !ok {
		return
	}
	h.mu.Lock()
	entry, exists := h.timers[rt.tid]
	if !exists || entry.freed {
		h.mu.Unlock()
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	if entry.ticker != nil {
		entry.ticker.Stop()
		close(entry.stop)
	}
	if repeating {
		ticker := time.NewTicker(delay)
		stop := make(chan struct{})
		entry.ticker = ticker
		entry.timer = nil
		entry.stop = stop
		h.mu.Unlock()
		go func() {
			for {
				select {
				case <-ticker.C:
					cb(userData)
				case <-stop:
					return
				}
			}
		}()
		return
	}
	timer := time.AfterFunc(delay, func() {
		h.mu.Lock()
		e, ok := h.timers[rt.tid]
		freed := !ok || e.freed
		h.mu.Unlock()
		if freed {
			return
		}
		cb(userData)
	})
	entry.timer = timer
	entry.ticker = nil
	h.mu.Unlock()
}

func (h *RealHost) FreeTimer(t Timer) {
	rt, ok := t.(*realTimer)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, exists := h.timers[rt.tid]
	if !exists || entry.freed {
		return
	}
	entry.freed = true
	if entry.timer != nil {
		entry.timer.Stop()
	}
	if entry.ticker != nil {
		entry.ticker.Stop()
		close(entry.stop)
	}
	delete(h.timers, rt.tid)
}
