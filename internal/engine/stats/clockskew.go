package stats

import "sync"

// clockSkewWeight is the EWMA weight spec §3 fixes at 0.3.
const clockSkewWeight = 0.3

// ClockSkew is the exponentially decaying estimate of the offset between a
// remote function's clock and the local clock (spec §3, §4.2).
type ClockSkew struct {
	mu          sync.Mutex
	initialized bool
	value       float64
}

// NewClockSkew returns an empty estimator, per spec §3 ("initialized
// empty").
func NewClockSkew() *ClockSkew {
	return &ClockSkew{}
}

// Fold incorporates a new skew sample. The first sample becomes the
// estimate directly (spec §4.2: "For the first completed call, use
// thisSkew directly; thereafter fold thisSkew into the EWMA").
func (c *ClockSkew) Fold(thisSkew float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		c.value = thisSkew
		c.initialized = true
		return c.value
	}
	c.value = clockSkewWeight*thisSkew + (1-clockSkewWeight)*c.value
	return c.value
}

// Value returns the current estimate without mutating it.
func (c *ClockSkew) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Correction bundles the skew-adjusted timing fields spec §4.2 computes for
// a terminal response carrying both remote timestamps.
type Correction struct {
	RemoteStartLatency int64
	ReturnLatency      int64
	Skew               float64
}

// Correct implements spec §4.2's full formula: round-trip/execution/
// send-response/network latency decomposition, folding the estimated skew
// into the shared ClockSkew estimator, then applying it to produce
// non-negative remoteStartLatency/returnLatency values (spec property 7:
// "Reported remoteStartLatency and returnLatency are ≥ 1 by construction").
//
// All timestamps are caller-supplied epoch milliseconds.
func (c *ClockSkew) Correct(localSent, localEnd, remoteStart, remoteEnd, remoteResponseSent int64) Correction {
	roundTripLatency := localEnd - localSent
	executionLatency := remoteEnd - remoteStart
	sendResponseLatency := maxInt64(0, remoteResponseSent-remoteEnd)
	networkLatency := roundTripLatency - executionLatency - sendResponseLatency
	estimatedRemoteStart := localSent + networkLatency/2
	thisSkew := float64(estimatedRemoteStart - remoteStart)

	skew := c.Fold(thisSkew)

	remoteStartLatency := maxInt64(1, remoteStart+int64(skew)-localSent)
	returnLatency := maxInt64(1, localEnd-(remoteEnd+int64(skew)))

	return Correction{
		RemoteStartLatency: remoteStartLatency,
		ReturnLatency:      returnLatency,
		Skew:               skew,
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
