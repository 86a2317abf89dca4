// Package natpunch implements the peer-to-peer NAT punch-through state
// machine: given a mediator-supplied pair of endpoints for the far side
// (an inner, usually-private address and an outer, usually-public one),
// probe both in parallel, prefer the inner endpoint once both succeed,
// and recover from the asymmetric case where only the outer endpoint's
// traffic actually arrives.
//
// There is no teacher analogue for this: AetherFlow has no NAT traversal
// surface, so this package is grounded directly on the retrieved
// protocol's original source rather than adapted from an existing file.
package natpunch

import (
	"net"
	"time"
)

// Endpoint pairs the two candidate addresses probed for one side of a
// connection: an inner address (usually a private LAN address, valid
// when both peers share a NAT) and an outer address (the mediator's view
// of the peer, valid once the peer's NAT has been punched).
type Endpoint struct {
	Inner *net.UDPAddr
	Outer *net.UDPAddr
}

// Stage is the punch-through state machine's current phase.
type Stage int

const (
	StageProbing Stage = iota
	StageCommittedInner
	StageCommittedOuter
	StageDone
	StageFailed
)

// Punchthrough drives one connection's NAT traversal. It is owned
// exclusively by the logical connection it serves for the duration of
// the probe; once it reaches StageDone or StageFailed the owner tears it
// down.
type Punchthrough struct {
	peer    Endpoint
	started time.Time
	timeout time.Duration

	stage Stage

	innerAcked bool
	outerAcked bool
	committed  *net.UDPAddr
}

// New begins probing peer's inner and outer endpoints in parallel.
func New(peer Endpoint, now time.Time, timeout time.Duration) *Punchthrough {
	return &Punchthrough{peer: peer, started: now, timeout: timeout, stage: StageProbing}
}

// ProbeTargets returns the addresses a PRX-SYN should be sent to this
// tick: both candidates while still probing, nothing once committed.
func (p *Punchthrough) ProbeTargets() []*net.UDPAddr {
	if p.stage != StageProbing {
		return nil
	}
	var targets []*net.UDPAddr
	if p.peer.Inner != nil {
		targets = append(targets, p.peer.Inner)
	}
	if p.peer.Outer != nil {
		targets = append(targets, p.peer.Outer)
	}
	return targets
}

// OnSynAck records a successful PRX-SYN-ACK from source. The inner
// endpoint strictly dominates: once it succeeds it is committed even if
// the outer endpoint had already succeeded first, and a later inner
// success always wins back over a standing outer commitment.
func (p *Punchthrough) OnSynAck(source *net.UDPAddr) {
	if p.stage == StageDone || p.stage == StageFailed {
		return
	}
	switch {
	case p.peer.Inner != nil && sameAddr(source, p.peer.Inner):
		p.innerAcked = true
		p.committed = p.peer.Inner
		p.stage = StageCommittedInner
	case p.peer.Outer != nil && sameAddr(source, p.peer.Outer):
		p.outerAcked = true
		if p.stage != StageCommittedInner {
			p.committed = p.peer.Outer
			p.stage = StageCommittedOuter
		}
	}
}

// OnAsymmetricTraffic observes a non-PRX (ordinary data/heartbeat) packet
// arriving from source while committed to the inner endpoint. If it
// arrived from the outer endpoint instead, the inner path is asymmetric
// (one side's NAT rewrites differently than the other expected) and the
// caller should reply with a PRX-SYN-ACK to the inner address to recover
// symmetry, without abandoning the inner commitment.
func (p *Punchthrough) OnAsymmetricTraffic(source *net.UDPAddr) (needsInnerRecoveryReply bool) {
	if p.stage != StageCommittedInner {
		return false
	}
	if p.peer.Outer != nil && sameAddr(source, p.peer.Outer) {
		return true
	}
	return false
}

// Commit finalizes the punch-through: the caller should now address the
// connection at the committed endpoint and tear this object down once
// the PRX-RST/PRX-RST-ACK teardown with the mediator completes.
func (p *Punchthrough) Commit() (*net.UDPAddr, bool) {
	if p.committed == nil {
		return nil, false
	}
	if p.stage != StageDone {
		p.stage = StageDone
	}
	return p.committed, true
}

// CheckTimeout reports whether the probe has exceeded its own connection
// timeout without ever committing to an endpoint. A punch-through
// timeout reports NAT_FAIL to the connection but does not force-close
// the mediator connection the probe was brokered through.
func (p *Punchthrough) CheckTimeout(now time.Time) bool {
	if p.stage == StageCommittedInner || p.stage == StageCommittedOuter || p.stage == StageDone {
		return false
	}
	if now.Sub(p.started) >= p.timeout {
		p.stage = StageFailed
		return true
	}
	return false
}

// CurrentStage returns the current phase.
func (p *Punchthrough) CurrentStage() Stage { return p.stage }

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
