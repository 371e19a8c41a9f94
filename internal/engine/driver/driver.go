// Package driver defines the ProviderDriver contract the invocation engine
// consumes, and is implemented once per provider (local child-process, AWS,
// GCP). The engine core never talks to a cloud SDK directly (spec §6).
package driver

import (
	"context"
	"time"

	"github.com/nimbuscall/nimbuscall/internal/engine/logstitch"
	"github.com/nimbuscall/nimbuscall/internal/engine/wire"
)

// State is the opaque, provider-defined handle Initialize returns and every
// other operation is threaded through. Providers define their own
// concrete type and assert on it internally; the engine treats it as
// opaque.
type State any

// Options carries the recognized configuration keys a provider driver may
// consult at Initialize time (spec §6's "Configuration" table; packager-only
// keys like memorySize/childProcess are passed through unexamined by the
// engine).
type Options struct {
	Concurrency int
	Mode        string
	TimeoutSecs int
	MemorySize  int
	ChildProcess string
	Extra       map[string]any
}

// PollResult is the batch Driver.PollResponseQueue returns.
type PollResult struct {
	Messages []wire.Return
	IsFull   bool
}

// ControlKind enumerates the control messages PublishControl can send.
type ControlKind string

const (
	ControlStopQueue ControlKind = "stopqueue"
)

// Resources is the deterministic handle the garbage collector reconstructs
// from a scanned candidate's name, and the handle DeleteResources operates
// on for that candidate.
type Resources struct {
	Name      string
	CreatedAt int64
}

// Driver is the contract every provider (local, AWS, GCP) implements.
// All operations may block on network I/O; callers pass a context for
// cancellation.
type Driver interface {
	// Initialize provisions or attaches to whatever resources this
	// provider needs for modulePath and returns an opaque State handle.
	Initialize(ctx context.Context, modulePath string, opts Options) (State, error)

	// InvokeSync performs the synchronous/HTTP invocation path. In pure
	// queue mode this returns (nil, nil) and callers must rely on the
	// queue path instead.
	InvokeSync(ctx context.Context, state State, call wire.Call) (*wire.Return, error)

	// PublishRequest enqueues a call for queued mode.
	PublishRequest(ctx context.Context, state State, call wire.Call) error

	// PollResponseQueue performs a single long-poll batch read from the
	// response queue.
	PollResponseQueue(ctx context.Context, state State) (PollResult, error)

	// PublishControl sends a control message such as ControlStopQueue.
	PublishControl(ctx context.Context, state State, kind ControlKind) error

	// LogURL returns a human-readable URL for this instance's logs, or
	// an empty string if the provider has none.
	LogURL(state State) string

	// PollLogs returns the next page of log events at or after since, the
	// log stitcher's current cursor (logstitch.Stitcher.StartTime), for the
	// caller to feed into Stitcher.Feed.
	PollLogs(ctx context.Context, state State, since time.Time) ([]logstitch.Event, error)

	// ResponseQueueID returns the queue identifier the engine embeds in
	// outgoing Calls, or ("", false) if this provider has no response
	// queue (pure sync mode).
	ResponseQueueID(state State) (string, bool)

	// DeleteResources idempotently tears down everything Initialize (or
	// ScanResources, for a reconstructed handle) provisioned.
	DeleteResources(ctx context.Context, state State, res Resources) error

	// ScanResources enumerates residual cloud resources under this
	// provider's framework-prefixed namespace, for the garbage collector
	// (spec §4.7). Drivers without a scannable namespace (e.g. local)
	// may return an empty slice.
	ScanResources(ctx context.Context, namePrefix string) ([]Resources, error)

	// Capabilities describes what this provider supports, for callers
	// that need to adapt behavior (e.g., whether native DLQ exists).
	Capabilities() Capabilities

	// CostEstimate optionally computes a cost figure from accumulated
	// counters/stats. Drivers with no cost model return (0, false).
	CostEstimate(state State, counters CostInputs) (float64, bool)
}

// CostInputs is the minimal counter/stat data a driver's CostEstimate may
// use; kept independent of the stats package's concrete types so driver
// implementations don't need to import engine internals beyond this
// package.
type CostInputs struct {
	Invocations      uint64
	TotalExecutionMS float64
	MemorySizeMB     int
}

// Capabilities mirrors the shape the engine needs to know about a
// provider's queue substrate and invocation path.
type Capabilities struct {
	Name            string
	SupportsSync    bool
	SupportsQueue   bool
	NativeDLQ       bool
	MaxMessageBytes int
}
