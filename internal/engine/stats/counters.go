package stats

import "sync/atomic"

// FunctionCounters holds the monotonic invocation counters for one function
// name (and, separately, the aggregate across all functions), per spec §3.
type FunctionCounters struct {
	invocations uint64
	completed   uint64
	retries     uint64
	errors      uint64
}

// Counters is an immutable snapshot of FunctionCounters.
type Counters struct {
	Invocations uint64
	Completed   uint64
	Retries     uint64
	Errors      uint64
}

func (c *FunctionCounters) IncInvocations() { atomic.AddUint64(&c.invocations, 1) }
func (c *FunctionCounters) IncCompleted()    { atomic.AddUint64(&c.completed, 1) }
func (c *FunctionCounters) IncRetries()      { atomic.AddUint64(&c.retries, 1) }
func (c *FunctionCounters) IncErrors()       { atomic.AddUint64(&c.errors, 1) }

// Snapshot returns a consistent-enough point-in-time read of all four
// counters (spec property 3: "completed + errors ≤ invocations").
func (c *FunctionCounters) Snapshot() Counters {
	return Counters{
		Invocations: atomic.LoadUint64(&c.invocations),
		Completed:   atomic.LoadUint64(&c.completed),
		Retries:     atomic.LoadUint64(&c.retries),
		Errors:      atomic.LoadUint64(&c.errors),
	}
}

// Delta computes the per-tick delta used by the lifecycle controller's
// stats emitter (spec §4.8: "the deltas are reset after each emission
// while aggregates persist") without actually resetting the aggregate —
// callers keep a previous Counters snapshot and diff against the current
// one.
func Delta(prev, cur Counters) Counters {
	return Counters{
		Invocations: cur.Invocations - prev.Invocations,
		Completed:   cur.Completed - prev.Completed,
		Retries:     cur.Retries - prev.Retries,
		Errors:      cur.Errors - prev.Errors,
	}
}

// FunctionStats bundles the Statistics series spec §3 lists for one function
// (and, separately, the aggregate).
type FunctionStats struct {
	LocalStartLatency  *Statistics
	RemoteStartLatency *Statistics
	ExecutionTime      *Statistics
	SendResponseTime   *Statistics
	ReturnLatency      *Statistics
	EstimatedBilled    *Statistics
}

// NewFunctionStats returns a FunctionStats with all series initialized
// empty.
func NewFunctionStats() *FunctionStats {
	return &FunctionStats{
		LocalStartLatency:  NewStatistics(),
		RemoteStartLatency: NewStatistics(),
		ExecutionTime:      NewStatistics(),
		SendResponseTime:   NewStatistics(),
		ReturnLatency:      NewStatistics(),
		EstimatedBilled:    NewStatistics(),
	}
}

// FunctionStatsSnapshot is a point-in-time copy of every series in a
// FunctionStats, for the lifecycle controller's stats emitter (spec §4.8).
type FunctionStatsSnapshot struct {
	LocalStartLatency  Snapshot
	RemoteStartLatency Snapshot
	ExecutionTime      Snapshot
	SendResponseTime   Snapshot
	ReturnLatency      Snapshot
	EstimatedBilled    Snapshot
}

// Snapshot reads every series in fs without resetting them.
func (fs *FunctionStats) Snapshot() FunctionStatsSnapshot {
	return FunctionStatsSnapshot{
		LocalStartLatency:  fs.LocalStartLatency.Snapshot(),
		RemoteStartLatency: fs.RemoteStartLatency.Snapshot(),
		ExecutionTime:      fs.ExecutionTime.Snapshot(),
		SendResponseTime:   fs.SendResponseTime.Snapshot(),
		ReturnLatency:      fs.ReturnLatency.Snapshot(),
		EstimatedBilled:    fs.EstimatedBilled.Snapshot(),
	}
}

// Reset clears every series in fs back to empty, used to report
// deltas-since-last-tick (spec §4.8: "the deltas are reset after each
// emission while aggregates persist").
func (fs *FunctionStats) Reset() {
	fs.LocalStartLatency.Reset()
	fs.RemoteStartLatency.Reset()
	fs.ExecutionTime.Reset()
	fs.SendResponseTime.Reset()
	fs.ReturnLatency.Reset()
	fs.EstimatedBilled.Reset()
}
