// Package rtt implements the connection's smoothed round-trip-time
// estimator: srtt/rttvar tracking, a retransmission timeout backed off
// linearly by consecutive RTO firings, and the NAK threshold derived from
// the same samples.
package rtt

import "time"

const (
	alpha = 0.125

	// Tick is the cooperative scheduler's quantum, folded into every RTO
	// and NAK estimate as the floor below which no timer fires sooner
	// than the scheduler can observe.
	Tick = 50 * time.Millisecond

	MinRTO = 200 * time.Millisecond
	MaxRTO = 60 * time.Second
)

// Estimator tracks smoothed RTT/RTTVAR and derives the RTO and NAK
// thresholds from them. It also tracks outstanding RTT request
// bookkeeping: at most one RTT request may be outstanding at a time.
type Estimator struct {
	hasSample bool
	srtt      time.Duration
	rttvar    time.Duration
	baseRTO   time.Duration

	// expCount counts consecutive RTO firings since the last packet was
	// received; each one adds another multiple of the base RTO to the
	// exposed RTO.
	expCount int

	requestOutstanding bool
	requestTime        time.Time
	requestSeq         uint16
}

func New() *Estimator {
	return &Estimator{baseRTO: MinRTO}
}

// GotSample feeds one RTT measurement into the smoothing filter.
func (e *Estimator) GotSample(sample time.Duration) {
	if sample < 0 {
		sample = 0
	}
	if !e.hasSample {
		e.srtt = sample
		e.rttvar = sample / 2
		e.hasSample = true
	} else {
		diff := e.srtt - sample
		if diff < 0 {
			diff = -diff
		}
		e.srtt = e.srtt + time.Duration(alpha*float64(sample-e.srtt))
		e.rttvar = e.rttvar + time.Duration(alpha*float64(diff-e.rttvar))
	}
	e.baseRTO = e.srtt + 4*e.rttvar
}

// GotPacket resets the RTO backoff — any recognized inbound packet
// indicates the link is alive again.
func (e *Estimator) GotPacket() {
	e.expCount = 0
}

// OnRTOTimeout records that the RTO timer fired without a response,
// backing off the next exposed RTO.
func (e *Estimator) OnRTOTimeout() {
	e.expCount++
}

// RTO returns the current retransmission timeout: the base RTO times one
// plus the number of consecutive timer firings, plus Tick, clamped to
// [MinRTO, MaxRTO].
func (e *Estimator) RTO() time.Duration {
	base := e.baseRTO
	if base <= 0 {
		base = MinRTO
	}
	backoff := base * time.Duration(1+e.expCount)
	rto := backoff + Tick
	if rto < MinRTO {
		rto = MinRTO
	}
	if rto > MaxRTO {
		rto = MaxRTO
	}
	return rto
}

// NAK returns the threshold used to decide a gap in the receiver's
// sequence space is stale enough to warrant an explicit NAK.
func (e *Estimator) NAK() time.Duration {
	if !e.hasSample {
		return 1
	}
	return 4*e.srtt + e.rttvar + Tick
}

// SRTT returns the current smoothed RTT, zero if no sample has arrived.
func (e *Estimator) SRTT() time.Duration { return e.srtt }

// RTTVar returns the current RTT variance estimate.
func (e *Estimator) RTTVar() time.Duration { return e.rttvar }

// ExpCount returns the current backoff exponent (0 = unbacked-off).
func (e *Estimator) ExpCount() int { return e.expCount }

// RequestRTT records intent to issue a new RTT request at now for
// sequence number seq, honoring the "at most one outstanding, and only
// reissuable after rto and Tick have both elapsed" rule. It returns false
// when a new request must not be issued yet.
func (e *Estimator) RequestRTT(now time.Time, seq uint16) bool {
	if e.requestOutstanding {
		elapsed := now.Sub(e.requestTime)
		if elapsed <= e.RTO() || elapsed <= Tick {
			return false
		}
	}
	e.requestOutstanding = true
	e.requestTime = now
	e.requestSeq = seq
	return true
}

// ResolveRTT consumes a matching RTT response, feeding the computed
// sample into the smoothing filter. responseDelay is the peer-reported
// processing delay in microseconds. It is a no-op if seq does not match
// the outstanding request.
func (e *Estimator) ResolveRTT(now time.Time, seq uint16, responseDelayMicros uint32) {
	if !e.requestOutstanding || seq != e.requestSeq {
		return
	}
	e.requestOutstanding = false
	sample := now.Sub(e.requestTime) - time.Duration(responseDelayMicros)*time.Microsecond
	if sample < 0 {
		sample = 0
	}
	e.GotSample(sample)
}
