// Package nimbuscall turns ordinary Go functions into auto-scaled, multi-cloud
// serverless invocations. It owns the provider-agnostic pieces of that job —
// the invocation engine, the concurrency-admission funnel, the queue
// reconciler, the clock-skew estimator, the log stitcher, the persistent
// on-disk cache, and the garbage collector — and reaches every cloud through
// a small ProviderDriver contract rather than knowing about any one cloud
// directly.
//
// lifecycle.Initialize is the entry point: it resolves a Config, builds (or
// accepts) a provider driver, stands up the invocation engine and the queue
// reconciler behind it, and returns an Instance with Invoke, CostEstimate,
// OnStats, OnLogEvent, Stop, and Cleanup.
//
// # Providers
//
// Three drivers are included out of the box, each registered into the
// providers package by importing it for its side effect:
//   - providers/local: spawns the function as a child process, for tests
//     and single-machine deployments with no cloud account at all.
//   - providers/aws: AWS Lambda for synchronous invokes, SNS/SQS (via
//     Watermill) for queued dispatch and its response path, CloudWatch Logs
//     for log polling, and Resource Groups Tagging API for garbage
//     collection.
//   - providers/gcp: Cloud Functions over HTTPS with ID-token auth for
//     synchronous invokes, Pub/Sub for queued dispatch, Cloud Logging for
//     log polling, and the Cloud Functions admin API for garbage collection.
//
// Importing providers/all registers every built-in driver at once.
//
// # Modes
//
// A function call is dispatched either synchronously (ModeHTTPS, a direct
// request/response round trip) or through a provider's message queue
// (ModeQueue, for fire-and-forget or high-fanout workloads); ModeAuto lets
// each driver pick the mode that fits its platform best.
//
// # Ambient concerns
//
// Structured logging, error classification, metrics, and tracing live under
// internal/engine and are wired through every component above rather than
// bolted on separately; see DESIGN.md for how each piece is grounded.
package nimbuscall
