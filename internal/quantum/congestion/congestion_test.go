package congestion

import (
	"testing"
	"time"
)

func TestRTOHalvesWindow(t *testing.T) {
	c := New()
	before := c.Window()
	c.OnRTO()
	if c.Window() != before/2 {
		t.Errorf("window after RTO = %d, want %d", c.Window(), before/2)
	}
}

func TestControlMessagesBypassAdmission(t *testing.T) {
	c := New()
	now := time.Now()
	c.OnPacketSent(now, 1, int(c.Window())*10)
	if c.CanSend(100, false) {
		t.Error("data message should be blocked once window is exceeded")
	}
	if !c.CanSend(100, true) {
		t.Error("control message must bypass admission even when congested")
	}
}

func TestAckReducesInflight(t *testing.T) {
	c := New()
	now := time.Now()
	c.OnPacketSent(now, 1, 500)
	if c.Inflight() != 500 {
		t.Fatalf("inflight after send = %d, want 500", c.Inflight())
	}
	c.OnPacketAcked(now.Add(10*time.Millisecond), 1, 500)
	if c.Inflight() != 0 {
		t.Errorf("inflight after ack = %d, want 0", c.Inflight())
	}
}
