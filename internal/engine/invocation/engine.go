package invocation

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nimbuscall/nimbuscall/internal/engine/config"
	"github.com/nimbuscall/nimbuscall/internal/engine/driver"
	nimbuscallerrors "github.com/nimbuscall/nimbuscall/internal/engine/errors"
	"github.com/nimbuscall/nimbuscall/internal/engine/funnel"
	"github.com/nimbuscall/nimbuscall/internal/engine/future"
	"github.com/nimbuscall/nimbuscall/internal/engine/ids"
	"github.com/nimbuscall/nimbuscall/internal/engine/logging"
	"github.com/nimbuscall/nimbuscall/internal/engine/stats"
	"github.com/nimbuscall/nimbuscall/internal/engine/wire"
)

var tracer = otel.Tracer("nimbuscall-invocation-engine")

// grace is added to every call's configured timeout to form its deadline
// (spec §5: "deadline = now + timeout + grace(200ms)").
const grace = 200 * time.Millisecond

// minSpeculativeSamples is the minimum number of prior execution-time
// samples for a function before its speculative-retry threshold is
// considered trustworthy (spec §4.6: "samples ≥ minSamples").
const minSpeculativeSamples = 8

// Engine is the provider-agnostic invocation engine (spec §4.6): the
// public invoke surface, routing between the sync and queued paths, retry,
// speculative retry, cancellation, and stats.
type Engine struct {
	mu  sync.Mutex
	cfg config.Config
	drv driver.Driver

	state           driver.State
	responseQueueID string

	log logging.Logger

	funnel  *funnel.Funnel[Return]
	pending map[string]*PendingCall

	aggCounters *stats.FunctionCounters
	aggStats    *stats.FunctionStats
	fnCounters  map[string]*stats.FunctionCounters
	fnStats     map[string]*stats.FunctionStats

	skew *stats.ClockSkew

	stopped bool
}

// New constructs an Engine bound to an already-initialized driver state.
func New(cfg config.Config, drv driver.Driver, state driver.State, log logging.Logger) *Engine {
	e := &Engine{
		cfg:         cfg,
		drv:         drv,
		state:       state,
		log:         log,
		funnel:      funnel.New[Return](cfg.Concurrency),
		pending:     make(map[string]*PendingCall),
		aggCounters: &stats.FunctionCounters{},
		aggStats:    stats.NewFunctionStats(),
		fnCounters:  make(map[string]*stats.FunctionCounters),
		fnStats:     make(map[string]*stats.FunctionStats),
		skew:        stats.NewClockSkew(),
	}
	if id, ok := drv.ResponseQueueID(state); ok {
		e.responseQueueID = id
	}
	return e
}

// Invoke is the public operation spec §4.6 describes. The span only covers
// admission; completion happens on a goroutine the caller awaits via the
// returned future, past this function's return.
func (e *Engine) Invoke(ctx context.Context, name string, args []any) *future.Future[Return] {
	ctx, span := tracer.Start(ctx, "nimbuscall.invoke")
	defer span.End()
	span.SetAttributes(attribute.String("nimbuscall.function", name))

	outer := future.New[Return]()

	if name == "" {
		outer.Reject(nimbuscallerrors.ErrNameRequired)
		return outer
	}

	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		outer.Reject(nimbuscallerrors.ErrInstanceStopped)
		return outer
	}

	callID := ids.NewCallID()
	if diff, changed := wire.RoundTrip(args); changed {
		e.log.Debug((&nimbuscallerrors.SerializationWarning{CallID: callID, Diff: diff}).Error(),
			logging.Fields{"callId": callID, "name": name})
	}

	counters := e.countersFor(name)
	counters.IncInvocations()
	e.aggCounters.IncInvocations()

	call := Call{
		CallID:    callID,
		Name:      name,
		Args:      args,
		StartTime: time.Now(),
	}

	mode := e.resolveMode()
	if mode == config.ModeQueue {
		call.ResponseQueueID = e.responseQueueID
	}

	pc := &PendingCall{
		Call:            call,
		Result:          outer,
		ShouldRetry:     e.buildShouldRetry(name),
		Deadline:        time.Now().Add(time.Duration(e.cfg.TimeoutSecs)*time.Second + grace),
		LocalSentMillis: call.StartTime.UnixMilli(),
	}

	e.mu.Lock()
	e.pending[callID] = pc
	e.mu.Unlock()

	if mode == config.ModeHTTPS {
		e.invokeSyncPath(ctx, pc)
	} else {
		e.invokeQueuePath(ctx, pc)
	}

	return outer
}

// ResolvedMode exposes the mode Invoke actually routes through, resolving
// ModeAuto per provider. The lifecycle controller uses this to decide
// whether a queue reconciler is needed.
func (e *Engine) ResolvedMode() config.Mode {
	return e.resolveMode()
}

func (e *Engine) resolveMode() config.Mode {
	if e.cfg.Mode != config.ModeAuto {
		return e.cfg.Mode
	}
	switch e.cfg.Provider {
	case "aws":
		return config.ModeQueue
	case "gcp":
		return config.ModeHTTPS
	default:
		return config.ModeQueue
	}
}

// buildShouldRetry implements spec §4.6 step 4: retry iff under maxRetries
// and the error classifies as transient/timeout.
func (e *Engine) buildShouldRetry(name string) funnel.ShouldRetry {
	return func(err error, attempt int) bool {
		if attempt >= e.cfg.MaxRetries {
			return false
		}
		return nimbuscallerrors.IsRetryable(nimbuscallerrors.DefaultClassifier(err))
	}
}

func (e *Engine) invokeSyncPath(ctx context.Context, pc *PendingCall) {
	wireCall := toWireCall(pc.Call)
	task := func(ctx context.Context) (Return, error) {
		ret, err := e.drv.InvokeSync(ctx, e.state, wireCall)
		if err != nil {
			return Return{}, err
		}
		if ret == nil {
			return Return{}, nimbuscallerrors.ErrDriverRequired
		}
		return fromWireReturn(*ret), nil
	}

	fut := e.funnel.PushRetry(ctx, pc.ShouldRetry, task)
	go func() {
		ret, err := fut.Wait()
		if err != nil {
			e.completeCall(pc.Call.CallID, Return{Kind: "error", CallID: pc.Call.CallID, Err: err})
			return
		}
		e.completeCall(pc.Call.CallID, ret)
	}()
}

func (e *Engine) invokeQueuePath(ctx context.Context, pc *PendingCall) {
	wireCall := toWireCall(pc.Call)
	pubFut := e.funnel.Push(ctx, func(ctx context.Context) (Return, error) {
		return Return{}, e.drv.PublishRequest(ctx, e.state, wireCall)
	})

	go func() {
		if _, err := pubFut.Wait(); err != nil {
			e.completeCall(pc.Call.CallID, Return{Kind: "error", CallID: pc.Call.CallID, Err: err})
			return
		}
		e.watchCall(ctx, pc)
	}()
}

// watchCall races the pending call's completion against its deadline and,
// once enough samples exist for the function, a speculative-retry trigger.
func (e *Engine) watchCall(ctx context.Context, pc *PendingCall) {
	deadlineTimer := time.NewTimer(time.Until(pc.Deadline))
	defer deadlineTimer.Stop()

	speculativeTimer := e.speculativeTimer(pc)

	select {
	case <-pc.Result.Done():
		return
	case <-speculativeTimerC(speculativeTimer):
		e.issueSpeculative(ctx, pc)
	case <-deadlineTimer.C:
		e.handleTimeout(ctx, pc)
		return
	}

	select {
	case <-pc.Result.Done():
	case <-deadlineTimer.C:
		e.handleTimeout(ctx, pc)
	}
}

func speculativeTimerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// speculativeTimer returns a timer firing when this call's elapsed time
// will exceed mean + σMultiplier×stdev for its function, or nil if not
// enough samples exist yet (spec §4.6 step 4).
func (e *Engine) speculativeTimer(pc *PendingCall) *time.Timer {
	snap := e.statsFor(pc.Call.Name).ExecutionTime.Snapshot()
	if snap.Samples < minSpeculativeSamples {
		return nil
	}
	thresholdMillis := snap.Mean + e.cfg.SpeculativeRetryThreshold*snap.Stdev
	fireIn := time.Duration(thresholdMillis)*time.Millisecond - time.Since(pc.Call.StartTime)
	if fireIn <= 0 {
		return nil
	}
	return time.NewTimer(fireIn)
}

// issueSpeculative registers a second PendingCall sharing pc's outer
// future and republishes the call under a distinct callId (spec §4.6
// step 4: "the first terminal response wins").
func (e *Engine) issueSpeculative(ctx context.Context, pc *PendingCall) {
	e.mu.Lock()
	if _, stillPending := e.pending[pc.Call.CallID]; !stillPending {
		e.mu.Unlock()
		return
	}
	pc.SpeculativeIssued = true
	sibling := &PendingCall{
		Call:            pc.Call,
		Result:          pc.Result,
		ShouldRetry:     pc.ShouldRetry,
		Deadline:        pc.Deadline,
		SiblingCallID:   pc.Call.CallID,
		LocalSentMillis: pc.LocalSentMillis,
	}
	sibling.Call.CallID = ids.NewCallID()
	sibling.Call.Attempt = pc.Call.Attempt + 1
	pc.SiblingCallID = sibling.Call.CallID
	e.pending[sibling.Call.CallID] = sibling
	e.mu.Unlock()

	wireCall := toWireCall(sibling.Call)
	if err := e.drv.PublishRequest(ctx, e.state, wireCall); err != nil {
		e.log.Error("speculative retry publish failed", err, logging.Fields{"callId": sibling.Call.CallID})
	}
}

// handleTimeout fires when a pending call's deadline elapses with no
// terminal response. It consults shouldRetry and either republishes
// in-place (same callId, bumped attempt, NOT re-entering the funnel's
// admission queue) or surfaces a FunctionTimeoutError.
func (e *Engine) handleTimeout(ctx context.Context, pc *PendingCall) {
	e.mu.Lock()
	_, stillPending := e.pending[pc.Call.CallID]
	speculativeInFlight := pc.SpeculativeIssued
	e.mu.Unlock()
	if !stillPending {
		return
	}

	elapsed := time.Since(pc.Call.StartTime)
	timeoutErr := &nimbuscallerrors.FunctionTimeoutError{
		CallID: pc.Call.CallID,
		Name:   pc.Call.Name,
		Elapse: elapsed.String(),
	}

	// A speculative attempt is already racing this one; don't also
	// republish in-place, just surface the timeout if the sibling hasn't
	// won by now.
	if speculativeInFlight || !pc.ShouldRetry(timeoutErr, pc.Call.Attempt) {
		e.completeCall(pc.Call.CallID, Return{Kind: "error", CallID: pc.Call.CallID, Err: timeoutErr})
		return
	}

	counters := e.countersFor(pc.Call.Name)
	counters.IncRetries()
	e.aggCounters.IncRetries()

	pc.Call.Attempt++
	pc.Deadline = time.Now().Add(time.Duration(e.cfg.TimeoutSecs)*time.Second + grace)

	wireCall := toWireCall(pc.Call)
	if err := e.drv.PublishRequest(ctx, e.state, wireCall); err != nil {
		e.completeCall(pc.Call.CallID, Return{Kind: "error", CallID: pc.Call.CallID, Err: err})
		return
	}
	go e.watchCall(ctx, pc)
}

// OnResponse is invoked by the queue reconciler when a "response" message
// correlates to a pending call.
func (e *Engine) OnResponse(ret Return) {
	e.completeCall(ret.CallID, ret)
}

// OnDeadLetter is invoked by the queue reconciler for a "deadletter"
// message. Dead-lettered calls are never further retried (spec §7 item 5).
func (e *Engine) OnDeadLetter(callID string, reason, logURL string) {
	e.completeCall(callID, Return{
		Kind:   "error",
		CallID: callID,
		Err:    &nimbuscallerrors.DeadLetterError{CallID: callID, Reason: reason, LogURL: logURL},
		LogURL: logURL,
	})
}

// OnFunctionStarted is invoked by the queue reconciler for a
// "functionstarted" message: it extends the call's deadline and records a
// provisional remoteStartLatency sample without folding the clock-skew
// EWMA (folding only happens on terminal responses).
func (e *Engine) OnFunctionStarted(callID string, remoteStartMillis int64) {
	e.mu.Lock()
	pc, ok := e.pending[callID]
	if !ok {
		e.mu.Unlock()
		return
	}
	pc.Deadline = time.Now().Add(time.Duration(e.cfg.TimeoutSecs)*time.Second + grace)
	name := pc.Call.Name
	localSent := pc.LocalSentMillis
	e.mu.Unlock()

	skew := e.skew.Value()
	remoteStartLatency := remoteStartMillis + int64(skew) - localSent
	if remoteStartLatency < 1 {
		remoteStartLatency = 1
	}
	e.statsFor(name).RemoteStartLatency.Add(float64(remoteStartLatency))
}

// OnCPUMetrics is invoked by the queue reconciler for a "cpumetrics"
// message. The engine records nothing beyond acknowledging the message was
// consumed; per-call CPU series are a driver/debug surface out of scope
// here.
func (e *Engine) OnCPUMetrics(callID string) {}

// completeCall removes callID (and its speculative sibling, if any) from
// the pending map and resolves the shared outer future. Because the
// pending-map removal happens before any stats/counter mutation, a second
// completion attempt for the sibling of an already-completed pair is a
// no-op — this is what makes "first terminal response wins" (spec
// property 8) hold without extra bookkeeping.
func (e *Engine) completeCall(callID string, ret Return) {
	e.mu.Lock()
	pc, ok := e.pending[callID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.pending, callID)
	if pc.SiblingCallID != "" {
		delete(e.pending, pc.SiblingCallID)
	}
	e.mu.Unlock()

	if ret.RemoteExecutionStart != 0 && ret.RemoteExecutionEnd != 0 {
		localEnd := time.Now().UnixMilli()
		responseSent := ret.RemoteResponseSent
		if responseSent == 0 {
			responseSent = ret.RemoteExecutionEnd
		}
		corr := e.skew.Correct(pc.LocalSentMillis, localEnd, ret.RemoteExecutionStart, ret.RemoteExecutionEnd, responseSent)

		fnStats := e.statsFor(pc.Call.Name)
		fnStats.RemoteStartLatency.Add(float64(corr.RemoteStartLatency))
		fnStats.ReturnLatency.Add(float64(corr.ReturnLatency))
		fnStats.ExecutionTime.Add(float64(ret.RemoteExecutionEnd - ret.RemoteExecutionStart))

		e.aggStats.RemoteStartLatency.Add(float64(corr.RemoteStartLatency))
		e.aggStats.ReturnLatency.Add(float64(corr.ReturnLatency))
		e.aggStats.ExecutionTime.Add(float64(ret.RemoteExecutionEnd - ret.RemoteExecutionStart))
	}

	counters := e.countersFor(pc.Call.Name)
	if ret.Err != nil {
		counters.IncErrors()
		e.aggCounters.IncErrors()
	} else {
		counters.IncCompleted()
		e.aggCounters.IncCompleted()
	}

	if ret.Err != nil {
		pc.Result.Reject(ret.Err)
	} else {
		pc.Result.Resolve(ret)
	}
}

// Stop implements spec §4.6's cancellation contract: stop accepting new
// calls, reject pending funnel waiters and every still-pending call with a
// cancellation error.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	pending := e.pending
	e.pending = make(map[string]*PendingCall)
	e.mu.Unlock()

	for _, fut := range e.funnel.DrainPending() {
		fut.Reject(&nimbuscallerrors.CancellationError{})
	}
	for callID, pc := range pending {
		pc.Result.Reject(&nimbuscallerrors.CancellationError{CallID: callID})
	}
}

// Counters returns name's per-function invocation counters; see
// AggregateCounters for the engine-wide totals.
func (e *Engine) Counters(name string) stats.Counters {
	return e.countersFor(name).Snapshot()
}

// AggregateCounters returns the engine-wide counters across all functions.
func (e *Engine) AggregateCounters() stats.Counters {
	return e.aggCounters.Snapshot()
}

// FunctionNames returns every function name the engine has seen at least
// one invocation for, for the lifecycle controller's stats emitter.
func (e *Engine) FunctionNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.fnCounters))
	for name := range e.fnCounters {
		names = append(names, name)
	}
	return names
}

// StatsSnapshot returns a point-in-time read of name's latency series.
func (e *Engine) StatsSnapshot(name string) stats.FunctionStatsSnapshot {
	return e.statsFor(name).Snapshot()
}

// ResetFunctionStats clears name's latency series back to empty. Used by
// the lifecycle controller's stats emitter to report deltas-since-last-tick
// while the aggregate series persists (spec §4.8).
func (e *Engine) ResetFunctionStats(name string) {
	e.statsFor(name).Reset()
}

// PendingCount returns the number of calls currently awaiting a terminal
// response, for the queue reconciler's adaptive poll-fiber sizing (spec
// §4.5: "one poll fiber per 20 outstanding calls").
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// CostEstimate delegates to the driver's optional cost model using the
// aggregated counters and stats.
func (e *Engine) CostEstimate() (float64, bool) {
	snap := e.aggCounters.Snapshot()
	execSnap := e.aggStats.ExecutionTime.Snapshot()
	inputs := driver.CostInputs{
		Invocations:      snap.Invocations,
		TotalExecutionMS: execSnap.Mean * float64(snap.Invocations),
		MemorySizeMB:     e.cfg.MemorySize,
	}
	return e.drv.CostEstimate(e.state, inputs)
}

func (e *Engine) countersFor(name string) *stats.FunctionCounters {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.fnCounters[name]
	if !ok {
		c = &stats.FunctionCounters{}
		e.fnCounters[name] = c
	}
	return c
}

func (e *Engine) statsFor(name string) *stats.FunctionStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.fnStats[name]
	if !ok {
		s = stats.NewFunctionStats()
		e.fnStats[name] = s
	}
	return s
}
