package conntimer

import (
	"testing"
	"time"

	"github.com/aetherflow/quantum/internal/quantum/timerhost"
)

func TestTickFiresOnceAfterDelay(t *testing.T) {
	host := timerhost.NewFakeHost(time.Unix(0, 0))
	fired := 0
	s := New(host, Callbacks{Tick: func() { fired++ }})
	s.ArmTick(50 * time.Millisecond)

	host.Advance(60 * time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	host.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("tick rearmed itself without ArmTick being called again: fired = %d", fired)
	}
}

func TestRTOFiresAfterEstimatedDelay(t *testing.T) {
	host := timerhost.NewFakeHost(time.Unix(0, 0))
	fired := 0
	s := New(host, Callbacks{RTO: func() { fired++ }})
	s.ArmRTO(200 * time.Millisecond)

	host.Advance(150 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired = %d before RTO elapsed, want 0", fired)
	}
	host.Advance(100 * time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestConnectionLostThenRegained(t *testing.T) {
	host := timerhost.NewFakeHost(time.Unix(0, 0))
	var lost, regained int
	s := New(host, Callbacks{
		ConnectionLost:     func() { lost++ },
		ConnectionRegained: func() { regained++ },
	})
	s.ArmConnectionTimeout(100*time.Millisecond, 500*time.Millisecond)

	host.Advance(120 * time.Millisecond)
	if lost != 1 {
		t.Fatalf("lost = %d, want 1", lost)
	}

	// Inbound traffic arrives before the hard timeout: regained fires and
	// the deadlines push back out.
	s.ResetOnInbound(100*time.Millisecond, 500*time.Millisecond)
	if regained != 1 {
		t.Fatalf("regained = %d, want 1", regained)
	}

	host.Advance(80 * time.Millisecond)
	if lost != 1 {
		t.Fatalf("lost fired again before the new warning deadline: lost = %d", lost)
	}
}

func TestConnectionTimedOutFiresWithoutInbound(t *testing.T) {
	host := timerhost.NewFakeHost(time.Unix(0, 0))
	var timedOut int
	s := New(host, Callbacks{ConnectionTimedOut: func() { timedOut++ }})
	s.ArmConnectionTimeout(100*time.Millisecond, 300*time.Millisecond)

	host.Advance(310 * time.Millisecond)
	if timedOut != 1 {
		t.Fatalf("timedOut = %d, want 1", timedOut)
	}
}

func TestInitialConnectTimeoutHasNoWarningStage(t *testing.T) {
	host := timerhost.NewFakeHost(time.Unix(0, 0))
	var lost, timedOut int
	s := New(host, Callbacks{
		ConnectionLost:     func() { lost++ },
		ConnectionTimedOut: func() { timedOut++ },
	})
	s.ArmInitialConnectTimeout(150 * time.Millisecond)

	host.Advance(160 * time.Millisecond)
	if lost != 0 {
		t.Fatalf("warning stage fired during initial-connect timeout: lost = %d", lost)
	}
	if timedOut != 1 {
		t.Fatalf("timedOut = %d, want 1", timedOut)
	}
}

func TestCloseIsIdempotentAndStopsFurtherFires(t *testing.T) {
	host := timerhost.NewFakeHost(time.Unix(0, 0))
	fired := 0
	s := New(host, Callbacks{Tick: func() { fired++ }})
	s.ArmTick(10 * time.Millisecond)
	s.Close()
	s.Close()

	host.Advance(time.Second)
	if fired != 0 {
		t.Fatalf("tick fired after Close: fired = %d", fired)
	}
}
