package natpunch

import (
	"net"
	"testing"
	"time"
)

func endpoints() Endpoint {
	return Endpoint{
		Inner: &net.UDPAddr{IP: net.IPv4(192, 168, 1, 5), Port: 4000},
		Outer: &net.UDPAddr{IP: net.IPv4(203, 0, 113, 9), Port: 5000},
	}
}

func TestProbeTargetsIncludeBothEndpoints(t *testing.T) {
	p := New(endpoints(), time.Unix(0, 0), time.Second)
	targets := p.ProbeTargets()
	if len(targets) != 2 {
		t.Fatalf("targets = %d, want 2", len(targets))
	}
}

func TestInnerEndpointDominatesOuter(t *testing.T) {
	ep := endpoints()
	p := New(ep, time.Unix(0, 0), time.Second)
	p.OnSynAck(ep.Outer)
	if p.CurrentStage() != StageCommittedOuter {
		t.Fatalf("stage = %v, want StageCommittedOuter", p.CurrentStage())
	}
	p.OnSynAck(ep.Inner)
	if p.CurrentStage() != StageCommittedInner {
		t.Fatalf("stage = %v, want StageCommittedInner after a later inner ack", p.CurrentStage())
	}
	addr, ok := p.Commit()
	if !ok || !sameAddr(addr, ep.Inner) {
		t.Fatalf("committed = %v, want inner endpoint", addr)
	}
}

func TestOuterAckAfterInnerDoesNotDowngrade(t *testing.T) {
	ep := endpoints()
	p := New(ep, time.Unix(0, 0), time.Second)
	p.OnSynAck(ep.Inner)
	p.OnSynAck(ep.Outer)
	if p.CurrentStage() != StageCommittedInner {
		t.Fatalf("stage = %v, want StageCommittedInner (inner must not be downgraded)", p.CurrentStage())
	}
}

func TestAsymmetricRecoveryDetectedFromOuterWhileCommittedInner(t *testing.T) {
	ep := endpoints()
	p := New(ep, time.Unix(0, 0), time.Second)
	p.OnSynAck(ep.Inner)

	if needs := p.OnAsymmetricTraffic(ep.Outer); !needs {
		t.Fatal("expected asymmetric-recovery reply to be requested")
	}
	if needs := p.OnAsymmetricTraffic(ep.Inner); needs {
		t.Fatal("traffic from the committed endpoint itself should not trigger recovery")
	}
}

func TestTimeoutFailsProbeThatNeverCommitted(t *testing.T) {
	p := New(endpoints(), time.Unix(0, 0), 100*time.Millisecond)
	if p.CheckTimeout(time.Unix(0, 0).Add(50 * time.Millisecond)) {
		t.Fatal("should not time out before the deadline")
	}
	if !p.CheckTimeout(time.Unix(0, 0).Add(200 * time.Millisecond)) {
		t.Fatal("expected timeout to fire")
	}
	if p.CurrentStage() != StageFailed {
		t.Fatalf("stage = %v, want StageFailed", p.CurrentStage())
	}
}

func TestTimeoutNeverFiresOnceCommitted(t *testing.T) {
	ep := endpoints()
	p := New(ep, time.Unix(0, 0), 100*time.Millisecond)
	p.OnSynAck(ep.Inner)
	if p.CheckTimeout(time.Unix(0, 0).Add(time.Second)) {
		t.Fatal("a committed punch-through must not time out")
	}
}
