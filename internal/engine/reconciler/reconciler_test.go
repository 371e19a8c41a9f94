package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimbuscall/nimbuscall/internal/engine/driver"
	nimbuscallerrors "github.com/nimbuscall/nimbuscall/internal/engine/errors"
	"github.com/nimbuscall/nimbuscall/internal/engine/invocation"
	"github.com/nimbuscall/nimbuscall/internal/engine/logging"
	"github.com/nimbuscall/nimbuscall/internal/engine/logstitch"
	"github.com/nimbuscall/nimbuscall/internal/engine/wire"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.DiscardHandler))
}

// fakeDriver feeds canned PollResult batches to the reconciler under test.
type fakeDriver struct {
	mu sync.Mutex

	batches       [][]wire.Return
	pollErr       error
	pollErrOnce   bool
	controlCalled chan driver.ControlKind
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{controlCalled: make(chan driver.ControlKind, 8)}
}

func (d *fakeDriver) Initialize(ctx context.Context, modulePath string, opts driver.Options) (driver.State, error) {
	return nil, nil
}
func (d *fakeDriver) InvokeSync(ctx context.Context, state driver.State, call wire.Call) (*wire.Return, error) {
	return nil, nil
}
func (d *fakeDriver) PublishRequest(ctx context.Context, state driver.State, call wire.Call) error {
	return nil
}

func (d *fakeDriver) PollResponseQueue(ctx context.Context, state driver.State) (driver.PollResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pollErr != nil {
		err := d.pollErr
		if d.pollErrOnce {
			d.pollErr = nil
		}
		return driver.PollResult{}, err
	}
	if len(d.batches) == 0 {
		time.Sleep(time.Millisecond)
		return driver.PollResult{}, nil
	}
	next := d.batches[0]
	d.batches = d.batches[1:]
	return driver.PollResult{Messages: next}, nil
}

func (d *fakeDriver) PublishControl(ctx context.Context, state driver.State, kind driver.ControlKind) error {
	d.controlCalled <- kind
	d.mu.Lock()
	d.batches = append(d.batches, []wire.Return{{Kind: "stopqueue"}})
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) LogURL(state driver.State) string { return "" }
func (d *fakeDriver) PollLogs(ctx context.Context, state driver.State, since time.Time) ([]logstitch.Event, error) {
	return nil, nil
}
func (d *fakeDriver) ResponseQueueID(state driver.State) (string, bool) { return "", false }
func (d *fakeDriver) DeleteResources(ctx context.Context, state driver.State, res driver.Resources) error {
	return nil
}
func (d *fakeDriver) ScanResources(ctx context.Context, namePrefix string) ([]driver.Resources, error) {
	return nil, nil
}
func (d *fakeDriver) Capabilities() driver.Capabilities { return driver.Capabilities{Name: "fake"} }
func (d *fakeDriver) CostEstimate(state driver.State, in driver.CostInputs) (float64, bool) {
	return 0, false
}

func (d *fakeDriver) pushBatch(b []wire.Return) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, b)
}

// fakeSink records every hook invocation for assertions.
type fakeSink struct {
	mu sync.Mutex

	responses      []invocation.Return
	deadLetters    []string
	functionStarts []string
	cpuMetrics     []string

	pendingCount atomic.Int32
}

func (s *fakeSink) OnResponse(ret invocation.Return) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, ret)
}
func (s *fakeSink) OnDeadLetter(callID, reason, logURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, callID)
}
func (s *fakeSink) OnFunctionStarted(callID string, remoteStartMillis int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.functionStarts = append(s.functionStarts, callID)
}
func (s *fakeSink) OnCPUMetrics(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cpuMetrics = append(s.cpuMetrics, callID)
}
func (s *fakeSink) PendingCount() int { return int(s.pendingCount.Load()) }

func (s *fakeSink) snapshot() (responses, deadLetters, starts, cpu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses), len(s.deadLetters), len(s.functionStarts), len(s.cpuMetrics)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestReconcilerRoutesResponseAndDeadLetter(t *testing.T) {
	d := newFakeDriver()
	d.pushBatch([]wire.Return{
		{Kind: "returned", CallID: "call-1", Value: 42},
		{Kind: "deadletter", CallID: "call-2", Error: &wire.ErrorPayload{Message: "gave up"}},
	})
	sink := &fakeSink{}
	r := New(d, nil, sink, testLogger(), 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	waitFor(t, time.Second, func() bool {
		resp, dl, _, _ := sink.snapshot()
		return resp == 1 && dl == 1
	})
}

func TestReconcilerFunctionStartedAndCPUMetricsDoNotComplete(t *testing.T) {
	d := newFakeDriver()
	d.pushBatch([]wire.Return{
		{Kind: "functionstarted", CallID: "call-1", RemoteExecutionStart: 1000},
		{Kind: "cpumetrics", CallID: "call-1"},
	})
	sink := &fakeSink{}
	r := New(d, nil, sink, testLogger(), 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	waitFor(t, time.Second, func() bool {
		_, _, starts, cpu := sink.snapshot()
		return starts == 1 && cpu == 1
	})
	resp, dl, _, _ := sink.snapshot()
	if resp != 0 || dl != 0 {
		t.Errorf("functionstarted/cpumetrics should not complete calls, got resp=%d dl=%d", resp, dl)
	}
}

func TestReconcilerRetriesTransientPollErrors(t *testing.T) {
	d := newFakeDriver()
	d.pollErr = &nimbuscallerrors.TransportTransient{Op: "poll", Err: errors.New("timeout")}
	d.pollErrOnce = true
	sink := &fakeSink{}
	r := New(d, nil, sink, testLogger(), 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	// The poller should recover after the one-shot transient error clears,
	// without the reconciler crashing or getting stuck.
	time.Sleep(50 * time.Millisecond)
	if r.State() != Polling {
		t.Errorf("state = %v, want Polling", r.State())
	}
}

func TestReconcilerDrainPublishesStopqueueAndStops(t *testing.T) {
	d := newFakeDriver()
	sink := &fakeSink{}
	r := New(d, nil, sink, testLogger(), 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	waitFor(t, time.Second, func() bool { return r.State() == Polling })

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	if err := r.Drain(drainCtx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	select {
	case kind := <-d.controlCalled:
		if kind != driver.ControlStopQueue {
			t.Errorf("got control kind %v, want ControlStopQueue", kind)
		}
	default:
		t.Error("PublishControl was not called during Drain")
	}

	if r.State() != Stopped {
		t.Errorf("state = %v, want Stopped", r.State())
	}
}

func TestReconcilerAdaptivePollerCountScalesWithOutstanding(t *testing.T) {
	d := newFakeDriver()
	sink := &fakeSink{}
	sink.pendingCount.Store(100) // 100/20 = 5 pollers wanted

	r := New(d, nil, sink, testLogger(), 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	waitFor(t, time.Second, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.activeCount == 5
	})
}

func TestReconcilerAdaptivePollerCountFloorsAtMinimum(t *testing.T) {
	d := newFakeDriver()
	sink := &fakeSink{}
	sink.pendingCount.Store(0)

	r := New(d, nil, sink, testLogger(), 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	waitFor(t, time.Second, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.activeCount == minPollers
	})
}

func TestReconcilerAdaptivePollerCountCapsAtMaxPollers(t *testing.T) {
	d := newFakeDriver()
	sink := &fakeSink{}
	sink.pendingCount.Store(1000) // would want 50 pollers; capped at 3

	r := New(d, nil, sink, testLogger(), 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	waitFor(t, time.Second, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.activeCount == 3
	})
}
