// Package invocation implements the public invoke surface: the engine-
// internal Call/Return/PendingCall types, admission through the Funnel,
// retry and speculative-retry construction, and reconciliation of terminal
// outcomes into the caller-facing Future (spec §3, §4.6).
package invocation

import (
	"time"

	"github.com/nimbuscall/nimbuscall/internal/engine/future"
	"github.com/nimbuscall/nimbuscall/internal/engine/funnel"
)

// Call is the engine-internal representation of one logical invocation,
// distinct from the wire-format wire.Call the driver actually serializes.
type Call struct {
	CallID          string
	Name            string
	Args            []any
	ResponseQueueID string
	StartTime       time.Time
	Attempt         int
}

// Return is the engine-internal, already-decoded outcome of a call.
type Return struct {
	Kind      string // "returned" | "error"
	CallID    string
	Value     any
	Err       error
	Retryable bool

	RemoteExecutionStart int64 // epoch ms
	RemoteExecutionEnd   int64 // epoch ms
	RemoteResponseSent   int64 // epoch ms; defaults to RemoteExecutionEnd if the provider omits it

	LogURL      string
	InstanceID  string
	ExecutionID string
}

// PendingCall is the engine-internal bookkeeping entry for one in-flight
// call, per spec §3: "a callId is present iff a client is awaiting it and
// it has not been completed or canceled."
type PendingCall struct {
	Call        Call
	Result      *future.Future[Return]
	ShouldRetry funnel.ShouldRetry

	Deadline          time.Time
	SpeculativeIssued bool

	// SiblingCallID, when non-empty, names the other PendingCall entry
	// sharing this one's outer Result future (spec §4.6: "Speculative
	// retries issue a second in-flight attempt with a distinct callId
	// but share the outer future"). Completing either entry removes
	// both from the pending map.
	SiblingCallID string

	// LocalSentMillis is the local monotonic send time in epoch
	// milliseconds, used by the clock-skew estimator's Correct call.
	LocalSentMillis int64
}
