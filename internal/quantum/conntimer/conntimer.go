// Package conntimer layers a connection's five timers (tick, RTO,
// heartbeat, connection-warning/timeout, and the shorter pre-open
// initial-connect variant) on top of the timerhost capability.
//
// None of these timers are ever truly "cancelled" mid-flight: a handle is
// freed only once, at teardown. To stand down a timer early (the RTO
// timer once the sender buffer drains, say) the caller simply does not
// reschedule it and is expected to treat the eventual fire as stale by
// re-checking the condition that armed it — the same pattern the
// timerhost handle already uses to drop fires after a container is gone.
package conntimer

import (
	"time"

	"github.com/aetherflow/quantum/internal/quantum/timerhost"
)

// Callbacks are invoked on the host's firing goroutine. All are optional;
// a nil callback is simply not invoked.
type Callbacks struct {
	Tick               func()
	RTO                func()
	Heartbeat          func()
	ConnectionLost     func()
	ConnectionRegained func()
	ConnectionTimedOut func()
}

// Set bundles the timers one logical connection needs.
type Set struct {
	host timerhost.TimerHost
	cb   Callbacks

	tick      timerhost.Timer
	rto       timerhost.Timer
	heartbeat timerhost.Timer
	warning   timerhost.Timer
	timeout   timerhost.Timer

	warningArmed bool
	lost         bool
	closed       bool
}

// New allocates (but does not arm) the full set of timers for one
// connection.
func New(host timerhost.TimerHost, cb Callbacks) *Set {
	return &Set{
		host:      host,
		cb:        cb,
		tick:      host.MakeTimer(),
		rto:       host.MakeTimer(),
		heartbeat: host.MakeTimer(),
		warning:   host.MakeTimer(),
		timeout:   host.MakeTimer(),
	}
}

// Close frees every timer. It is idempotent and must be called exactly
// once, as the connection's destruction step, after which no callback in
// Callbacks will fire again.
func (s *Set) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.host.FreeTimer(s.tick)
	s.host.FreeTimer(s.rto)
	s.host.FreeTimer(s.heartbeat)
	s.host.FreeTimer(s.warning)
	s.host.FreeTimer(s.timeout)
}

// ArmTick schedules a single tick fire after delay (TICK), used whenever
// output has been queued for the connection and none is scheduled yet.
func (s *Set) ArmTick(delay time.Duration) {
	if s.cb.Tick == nil {
		return
	}
	s.host.ScheduleTimer(s.tick, func(interface{}) { s.cb.Tick() }, nil, delay, false)
}

// ArmRTO (re)schedules the retransmission timer for the earliest
// outstanding sender-buffer entry, using the current RTO estimate. The
// caller re-arms it every time the earliest deadline changes and simply
// stops calling it once the sender buffer empties; a fire after that
// point is expected to be a no-op because the callback re-checks the
// buffer itself.
func (s *Set) ArmRTO(delay time.Duration) {
	if s.cb.RTO == nil {
		return
	}
	s.host.ScheduleTimer(s.rto, func(interface{}) { s.cb.RTO() }, nil, delay, false)
}

// ResetHeartbeat reschedules the heartbeat timer to fire every period
// until the next outbound datagram is sent, at which point the caller
// calls ResetHeartbeat again to push the deadline out.
func (s *Set) ResetHeartbeat(period time.Duration) {
	if s.cb.Heartbeat == nil {
		return
	}
	s.host.ScheduleTimer(s.heartbeat, func(interface{}) { s.cb.Heartbeat() }, nil, period, false)
}

// ArmConnectionTimeout arms the two-stage liveness timer: ConnectionLost
// fires after warning elapses with no inbound traffic, ConnectionTimedOut
// fires after the longer timeout elapses with still nothing received.
// Call ResetOnInbound on every inbound packet to push both deadlines out
// and, if the connection was in a lost state, fire ConnectionRegained.
func (s *Set) ArmConnectionTimeout(warning, timeout time.Duration) {
	s.warningArmed = true
	s.host.ScheduleTimer(s.warning, func(interface{}) {
		if s.lost {
			return
		}
		s.lost = true
		if s.cb.ConnectionLost != nil {
			s.cb.ConnectionLost()
		}
	}, nil, warning, false)
	s.host.ScheduleTimer(s.timeout, func(interface{}) {
		if s.cb.ConnectionTimedOut != nil {
			s.cb.ConnectionTimedOut()
		}
	}, nil, timeout, false)
}

// ArmInitialConnectTimeout arms only the shorter pre-open variant used
// before a handshake completes; there is no warning stage before open.
func (s *Set) ArmInitialConnectTimeout(timeout time.Duration) {
	s.host.ScheduleTimer(s.timeout, func(interface{}) {
		if s.cb.ConnectionTimedOut != nil {
			s.cb.ConnectionTimedOut()
		}
	}, nil, timeout, false)
}

// ResetOnInbound pushes the connection-timeout deadlines out again and,
// if the connection had been reported lost, fires ConnectionRegained.
func (s *Set) ResetOnInbound(warning, timeout time.Duration) {
	wasLost := s.lost
	s.lost = false
	if s.warningArmed {
		s.ArmConnectionTimeout(warning, timeout)
	} else {
		s.ArmInitialConnectTimeout(timeout)
	}
	if wasLost && s.cb.ConnectionRegained != nil {
		s.cb.ConnectionRegained()
	}
}
