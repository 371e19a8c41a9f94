// Package lifecycle implements the lifecycle controller (spec §4.8): the
// top-level `initialize`/`Instance.invoke`/`cleanup`/`stop`/`costEstimate`
// surface that owns the invocation engine, queue reconciler, and garbage
// collector for one provider instance.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nimbuscall/nimbuscall/internal/engine/cache"
	"github.com/nimbuscall/nimbuscall/internal/engine/config"
	"github.com/nimbuscall/nimbuscall/internal/engine/driver"
	nimbuscallerrors "github.com/nimbuscall/nimbuscall/internal/engine/errors"
	"github.com/nimbuscall/nimbuscall/internal/engine/future"
	"github.com/nimbuscall/nimbuscall/internal/engine/gc"
	"github.com/nimbuscall/nimbuscall/internal/engine/invocation"
	"github.com/nimbuscall/nimbuscall/internal/engine/logging"
	"github.com/nimbuscall/nimbuscall/internal/engine/logstitch"
	"github.com/nimbuscall/nimbuscall/internal/engine/metrics"
	"github.com/nimbuscall/nimbuscall/internal/engine/packager"
	"github.com/nimbuscall/nimbuscall/internal/engine/reconciler"
	"github.com/nimbuscall/nimbuscall/internal/engine/stats"
)

// DefaultStatsInterval is the stats emitter's tick period (spec §4.8: "a
// periodic ticker (default 1s)").
const DefaultStatsInterval = time.Second

// DefaultLogPollInterval is the log poller's tick period between
// driver.PollLogs calls.
const DefaultLogPollInterval = 2 * time.Second

// drainTimeout bounds how long Stop waits for the queue reconciler to
// observe its own stopqueue sentinel before giving up.
const drainTimeout = 10 * time.Second

// Options groups everything Initialize needs to construct an Instance.
type Options struct {
	ModulePath string
	Config     config.Config
	Driver     driver.Driver
	Packager   packager.Packager
	Logger     logging.Logger
}

// FunctionStatsEvent is what an "stats" listener receives once per tick,
// per function: the counters and latency series accumulated since the
// previous tick.
type FunctionStatsEvent struct {
	Name     string
	Counters stats.Counters
	Stats    stats.FunctionStatsSnapshot
}

// StatsListener is a callback registered via Instance.OnStats.
type StatsListener func(FunctionStatsEvent)

// LogListener is a callback registered via Instance.OnLogEvent. It is the
// "subscriber" end of spec §4.2's dataflow ("driver.pollLogs → log stitcher
// → subscriber") — logging/debug facilities are an out-of-scope, named-
// interface-only collaborator, so the lifecycle controller hands off
// deduplicated events here rather than writing them anywhere itself.
type LogListener func(logstitch.Event)

// Instance is one initialized invocation engine plus its queue reconciler,
// garbage collector, and stats emitter.
type Instance struct {
	cfg config.Config
	drv driver.Driver

	state  driver.State
	engine *invocation.Engine
	log    logging.Logger

	reconciler       *reconciler.Reconciler
	reconcilerCancel context.CancelFunc

	gcCancel context.CancelFunc
	gcDone   chan struct{}

	statsCancel context.CancelFunc
	logCancel   context.CancelFunc

	metrics *metrics.Collector

	ownResources driver.Resources

	mu             sync.Mutex
	stopped        bool
	statsListeners []StatsListener
	logListeners   []LogListener
	prevCounters   map[string]stats.Counters
}

// Initialize packages the module, provisions the provider driver, and
// constructs the invocation engine plus (conditionally) the queue
// reconciler and garbage collector, per spec §4.8.
func Initialize(ctx context.Context, opts Options) (*Instance, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Driver == nil {
		return nil, nimbuscallerrors.ErrDriverRequired
	}

	log := opts.Logger
	if log == nil {
		log = logging.NewSlogLogger(slog.Default())
	}

	// Packaging is the out-of-scope code-packaging collaborator (spec §6);
	// callers that already have a deployable artifact, or that drive a
	// pre-built driver State directly (tests), leave Packager nil to skip
	// this step entirely.
	if opts.Packager != nil {
		if _, err := opts.Packager.Package(ctx, opts.ModulePath, packager.Options{}); err != nil {
			return nil, err
		}
	}

	driverOpts := driver.Options{
		Concurrency:  opts.Config.Concurrency,
		Mode:         string(opts.Config.Mode),
		TimeoutSecs:  opts.Config.TimeoutSecs,
		MemorySize:   opts.Config.MemorySize,
		ChildProcess: childProcessFromExtra(opts.Config.Extra),
		Extra:        opts.Config.Extra,
	}
	state, err := opts.Driver.Initialize(ctx, opts.ModulePath, driverOpts)
	if err != nil {
		return nil, err
	}

	eng := invocation.New(opts.Config, opts.Driver, state, log)

	inst := &Instance{
		cfg:          opts.Config,
		drv:          opts.Driver,
		state:        state,
		engine:       eng,
		log:          log,
		prevCounters: make(map[string]stats.Counters),
		ownResources: driver.Resources{
			Name:      resourceName(opts.ModulePath),
			CreatedAt: time.Now().UnixMilli(),
		},
	}

	if eng.ResolvedMode() == config.ModeQueue {
		// The reconciler's poll fibers must outlive the Initialize call
		// itself, so they run under their own background context rather
		// than the caller's ctx (which may be scoped only to setup).
		recCtx, cancel := context.WithCancel(context.Background())
		rec := reconciler.New(opts.Driver, state, eng, log, opts.Config.MaxPollers)
		rec.Start(recCtx)
		inst.reconciler = rec
		inst.reconcilerCancel = cancel
	}

	if opts.Config.GC {
		inst.startGC(log)
	}

	inst.metrics = metrics.New(nil)
	if err := inst.metrics.Register(); err != nil {
		log.Error("lifecycle: metrics collector registration failed", err, nil)
	}

	inst.startStatsEmitter()
	inst.startLogPoller()
	return inst, nil
}

func (i *Instance) startGC(log logging.Logger) {
	root := i.cfg.CacheRoot
	if root == "" {
		root = defaultCacheRoot()
	}
	c, err := cache.New(root)
	if err != nil {
		log.Error("lifecycle: garbage collector disabled, failed to open persistent cache", err,
			logging.Fields{"root": root})
		return
	}

	gcCtx, cancel := context.WithCancel(context.Background())
	collector := gc.New(i.drv, i.state, c, i.ownResources.Name, i.cfg.RetentionInDays, log)
	i.gcCancel = cancel
	i.gcDone = make(chan struct{})
	go func() {
		defer close(i.gcDone)
		collector.Loop(gcCtx)
	}()
}

func (i *Instance) startStatsEmitter() {
	ctx, cancel := context.WithCancel(context.Background())
	i.statsCancel = cancel
	go func() {
		ticker := time.NewTicker(DefaultStatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				i.emitStats()
			}
		}
	}()
}

func (i *Instance) emitStats() {
	i.mu.Lock()
	listeners := append([]StatsListener(nil), i.statsListeners...)
	i.mu.Unlock()

	for _, name := range i.engine.FunctionNames() {
		cur := i.engine.Counters(name)

		i.mu.Lock()
		prev := i.prevCounters[name]
		i.prevCounters[name] = cur
		i.mu.Unlock()

		delta := stats.Delta(prev, cur)
		snap := i.engine.StatsSnapshot(name)
		event := FunctionStatsEvent{
			Name:     name,
			Counters: delta,
			Stats:    snap,
		}
		i.engine.ResetFunctionStats(name)
		i.metrics.Observe(name, delta, snap)

		for _, listener := range listeners {
			listener(event)
		}
	}
}

// OnStats registers a listener invoked once per tick for every function
// with at least one observed invocation (spec §4.8: `on("stats", listener)`).
func (i *Instance) OnStats(listener StatsListener) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.statsListeners = append(i.statsListeners, listener)
}

// startLogPoller drives driver.PollLogs → logstitch.Stitcher → listener on
// a ticker, per spec §4.2/§4.3. A driver with no log source (e.g. local,
// most of the time) simply returns empty pages forever; the poller still
// runs but has nothing to dedup or emit.
func (i *Instance) startLogPoller() {
	ctx, cancel := context.WithCancel(context.Background())
	i.logCancel = cancel
	stitcher := logstitch.New(logstitch.DefaultSafetyWindow)
	go func() {
		ticker := time.NewTicker(DefaultLogPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				i.pollLogsOnce(ctx, stitcher)
			}
		}
	}()
}

func (i *Instance) pollLogsOnce(ctx context.Context, stitcher *logstitch.Stitcher) {
	page, err := i.drv.PollLogs(ctx, i.state, stitcher.StartTime())
	if err != nil {
		i.log.Error("lifecycle: log poll failed", err, nil)
		return
	}
	fresh := stitcher.Feed(page)
	if len(fresh) == 0 {
		return
	}

	i.mu.Lock()
	listeners := append([]LogListener(nil), i.logListeners...)
	i.mu.Unlock()

	for _, ev := range fresh {
		for _, listener := range listeners {
			listener(ev)
		}
	}
}

// OnLogEvent registers a listener invoked for every deduplicated log event
// the stitcher yields, per spec §4.2's "subscriber" collaborator.
func (i *Instance) OnLogEvent(listener LogListener) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.logListeners = append(i.logListeners, listener)
}

// Invoke delegates to the invocation engine's public invoke surface.
func (i *Instance) Invoke(ctx context.Context, name string, args []any) *future.Future[invocation.Return] {
	return i.engine.Invoke(ctx, name, args)
}

// CostEstimate delegates to the invocation engine's cost model.
func (i *Instance) CostEstimate() (float64, bool) {
	return i.engine.CostEstimate()
}

// Stop implements spec §4.8/§4.6's shutdown contract: stop accepting new
// calls, reject pending work, drain the queue reconciler, and stop the
// stats emitter. Idempotent.
func (i *Instance) Stop() {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return
	}
	i.stopped = true
	i.mu.Unlock()

	i.engine.Stop()

	if i.reconciler != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		if err := i.reconciler.Drain(drainCtx); err != nil {
			i.log.Error("lifecycle: reconciler drain failed", err, nil)
		}
		cancel()
		// Drain should have already stopped every poll fiber; this is a
		// backstop in case it returned early on drainCtx's deadline.
		i.reconcilerCancel()
	}

	if i.statsCancel != nil {
		i.statsCancel()
	}
	if i.logCancel != nil {
		i.logCancel()
	}
}

// Cleanup implements spec §4.8: stop, optionally delete this instance's own
// provider resources, and await the garbage collector. Idempotent — may be
// called twice, first with deleteResources=false for debugging.
func (i *Instance) Cleanup(ctx context.Context, deleteResources bool) error {
	i.Stop()

	var err error
	if deleteResources {
		err = i.drv.DeleteResources(ctx, i.state, i.ownResources)
	}

	if i.gcCancel != nil {
		i.gcCancel()
		<-i.gcDone
	}

	return err
}

// resourceName derives the deterministic, framework-prefixed namespace name
// a provider driver's ScanResources call and this instance's own teardown
// both key off of (spec §4.7: "reconstructs the Resources handle ...
// deterministically from the candidate's name").
func resourceName(modulePath string) string {
	base := filepath.Base(modulePath)
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, base)
	return "nimbuscall-" + sanitized
}

// childProcessFromExtra pulls the packager-only "childProcess" key out of
// extra for the local driver's benefit — it has no packaging step of its
// own and must know which interpreter to spawn.
func childProcessFromExtra(extra map[string]any) string {
	if extra == nil {
		return ""
	}
	if v, ok := extra["childProcess"].(string); ok {
		return v
	}
	return ""
}

func defaultCacheRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "nimbuscall")
	}
	return filepath.Join(os.TempDir(), "nimbuscall")
}
