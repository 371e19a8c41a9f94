// Package reconciler implements the queue reconciler (spec §4.5): a
// single, adaptively-sized pool of poll fibers pulling one cloud function
// instance's response queue and routing decoded messages back into the
// invocation engine.
package reconciler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v3"

	"github.com/nimbuscall/nimbuscall/internal/engine/driver"
	nimbuscallerrors "github.com/nimbuscall/nimbuscall/internal/engine/errors"
	"github.com/nimbuscall/nimbuscall/internal/engine/invocation"
	"github.com/nimbuscall/nimbuscall/internal/engine/logging"
	"github.com/nimbuscall/nimbuscall/internal/engine/wire"
)

// State is one of the reconciler's lifecycle states.
type State int32

const (
	Idle State = iota
	Polling
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// outstandingPerPoller is the divisor spec §4.5 names: "one poll fiber per
// 20 outstanding calls".
const outstandingPerPoller = 20

// minPollers is the floor on active poll fibers while Polling.
const minPollers = 2

// supervisorInterval is how often the poller count is re-evaluated against
// the engine's outstanding call count.
const supervisorInterval = 500 * time.Millisecond

// Sink is the subset of the invocation engine the reconciler dispatches
// decoded messages into. Narrowed to an interface so the reconciler can be
// tested without a full Engine.
type Sink interface {
	OnResponse(ret invocation.Return)
	OnDeadLetter(callID, reason, logURL string)
	OnFunctionStarted(callID string, remoteStartMillis int64)
	OnCPUMetrics(callID string)
	PendingCount() int
}

// Reconciler multiplexes a single long-running poll over one instance's
// response queue across an adaptively-sized set of poll fibers.
type Reconciler struct {
	drv   driver.Driver
	state driver.State
	sink  Sink
	log   logging.Logger

	maxPollers int

	stateVal atomic.Int32

	mu           sync.Mutex
	activeCount  int
	stopSignal   chan struct{}
	supervisorWG sync.WaitGroup
	pollerWG     sync.WaitGroup
}

// New constructs a Reconciler bound to an initialized driver state. maxPollers
// bounds the adaptive poller count from configuration (spec §4.5).
func New(drv driver.Driver, state driver.State, sink Sink, log logging.Logger, maxPollers int) *Reconciler {
	if maxPollers < minPollers {
		maxPollers = minPollers
	}
	r := &Reconciler{
		drv:        drv,
		state:      state,
		sink:       sink,
		log:        log,
		maxPollers: maxPollers,
		stopSignal: make(chan struct{}),
	}
	r.stateVal.Store(int32(Idle))
	return r
}

// State returns the reconciler's current lifecycle state.
func (r *Reconciler) State() State {
	return State(r.stateVal.Load())
}

// Start transitions Idle -> Polling and launches the adaptive poller
// supervisor (spec §4.5: "lifecycle controller creates the reconciler right
// after the response queue exists").
func (r *Reconciler) Start(ctx context.Context) {
	if !r.stateVal.CompareAndSwap(int32(Idle), int32(Polling)) {
		return
	}
	r.scalePollers(ctx)

	r.supervisorWG.Add(1)
	go r.superviseScale(ctx)
}

// superviseScale periodically re-evaluates the target poller count against
// the engine's outstanding call count and spawns or retires fibers to match.
func (r *Reconciler) superviseScale(ctx context.Context) {
	defer r.supervisorWG.Done()
	ticker := time.NewTicker(supervisorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopSignal:
			return
		case <-ticker.C:
			if r.State() != Polling {
				return
			}
			r.scalePollers(ctx)
		}
	}
}

// scalePollers spawns additional poll fibers up to the target count. Excess
// fibers are not force-killed here: they retire themselves on their next
// loop iteration once they observe the target has dropped (spec §4.5:
// "excess pollers exit after their current request completes").
func (r *Reconciler) scalePollers(ctx context.Context) {
	target := r.targetPollerCount()

	r.mu.Lock()
	toSpawn := target - r.activeCount
	if toSpawn > 0 {
		r.activeCount += toSpawn
	}
	r.mu.Unlock()

	for i := 0; i < toSpawn; i++ {
		r.pollerWG.Add(1)
		go r.pollLoop(ctx)
	}
}

func (r *Reconciler) targetPollerCount() int {
	outstanding := r.sink.PendingCount()
	target := outstanding / outstandingPerPoller
	if outstanding%outstandingPerPoller != 0 {
		target++
	}
	if target < minPollers {
		target = minPollers
	}
	if target > r.maxPollers {
		target = r.maxPollers
	}
	return target
}

// pollLoop is one poll fiber: repeatedly calls driver.PollResponseQueue,
// dispatches every message by kind, and retires once the reconciler drains,
// the context is canceled, or this fiber is surplus to the current target.
func (r *Reconciler) pollLoop(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.activeCount--
		r.mu.Unlock()
		r.pollerWG.Done()
	}()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = 5 * time.Second
	retry.MaxElapsedTime = 0
	retry.Reset()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopSignal:
			return
		default:
		}

		if r.isSurplus() {
			return
		}

		result, err := r.drv.PollResponseQueue(ctx, r.state)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := retry.NextBackOff()
			if wait == backoff.Stop {
				wait = 5 * time.Second
			}
			r.log.Error("response queue poll failed, retrying", err, nil)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			case <-r.stopSignal:
				return
			}
			continue
		}
		retry.Reset()

		if r.dispatch(result.Messages) {
			return
		}
	}
}

func (r *Reconciler) isSurplus() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeCount > r.targetPollerCountLocked()
}

// targetPollerCountLocked duplicates targetPollerCount's arithmetic without
// re-acquiring r.mu, for callers that already hold it.
func (r *Reconciler) targetPollerCountLocked() int {
	outstanding := r.sink.PendingCount()
	target := outstanding / outstandingPerPoller
	if outstanding%outstandingPerPoller != 0 {
		target++
	}
	if target < minPollers {
		target = minPollers
	}
	if target > r.maxPollers {
		target = r.maxPollers
	}
	return target
}

// dispatch routes each message by kind (spec §4.5). It returns true once a
// stopqueue sentinel is observed, signaling every other poll fiber to exit.
func (r *Reconciler) dispatch(messages []wire.Return) bool {
	for _, msg := range messages {
		switch msg.Kind {
		case "returned":
			r.sink.OnResponse(fromWireReturn(msg))
		case "error":
			r.sink.OnResponse(fromWireReturn(msg))
		case "deadletter":
			reason := ""
			if msg.Error != nil {
				reason = msg.Error.Message
			}
			r.sink.OnDeadLetter(msg.CallID, reason, msg.LogURL)
		case "functionstarted":
			r.sink.OnFunctionStarted(msg.CallID, msg.RemoteExecutionStart)
		case "cpumetrics":
			r.sink.OnCPUMetrics(msg.CallID)
		case "stopqueue":
			r.signalStop()
			return true
		default:
			r.log.Error("dropping response queue message with unrecognized kind", nil,
				logging.Fields{"kind": msg.Kind, "callId": msg.CallID})
		}
	}
	return false
}

func (r *Reconciler) signalStop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.stopSignal:
	default:
		close(r.stopSignal)
	}
}

// Drain implements spec §4.5's shutdown sequence: publish a stopqueue
// sentinel to the response queue, wait for a poll fiber to observe it (or
// ctx to expire), then transition Stopped.
func (r *Reconciler) Drain(ctx context.Context) error {
	if !r.stateVal.CompareAndSwap(int32(Polling), int32(Draining)) {
		if r.State() == Idle {
			r.stateVal.Store(int32(Stopped))
		}
		return nil
	}

	err := r.drv.PublishControl(ctx, r.state, driver.ControlStopQueue)

	done := make(chan struct{})
	go func() {
		r.pollerWG.Wait()
		r.supervisorWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.signalStop()
		<-done
	}

	r.stateVal.Store(int32(Stopped))
	return err
}

func fromWireReturn(r wire.Return) invocation.Return {
	responseSent := r.RemoteExecutionEnd
	ret := invocation.Return{
		Kind:                 r.Kind,
		CallID:               r.CallID,
		Value:                r.Value,
		RemoteExecutionStart: r.RemoteExecutionStart,
		RemoteExecutionEnd:   r.RemoteExecutionEnd,
		RemoteResponseSent:   responseSent,
		LogURL:               r.LogURL,
		InstanceID:           r.InstanceID,
		ExecutionID:          r.ExecutionID,
	}
	if r.Error != nil {
		ret.Err = &nimbuscallerrors.UserError{Name: r.Error.Name, Message: r.Error.Message, Stack: r.Error.Stack}
	}
	return ret
}
