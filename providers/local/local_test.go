package local

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nimbuscall/nimbuscall/internal/engine/driver"
	"github.com/nimbuscall/nimbuscall/internal/engine/logging"
	"github.com/nimbuscall/nimbuscall/internal/engine/logstitch"
	"github.com/nimbuscall/nimbuscall/internal/engine/wire"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.DiscardHandler))
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fn.sh")
	if err := os.WriteFile(path, []byte(body), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func mustInitialize(t *testing.T, script string) (*Driver, driver.State) {
	t.Helper()
	d := &Driver{log: testLogger()}
	st, err := d.Initialize(context.Background(), script, driver.Options{
		ChildProcess: "sh",
		TimeoutSecs:  5,
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return d, st
}

// collectUntil polls repeatedly, accumulating every message seen, until one
// with Kind == want has been observed or the overall timeout elapses. It
// never discards messages from a batch that also contains want, so callers
// checking for more than one kind can inspect the full accumulated slice.
func collectUntil(t *testing.T, d *Driver, st driver.State, want string, timeout time.Duration) []wire.Return {
	t.Helper()
	var all []wire.Return
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		result, err := d.PollResponseQueue(ctx, st)
		cancel()
		if err != nil {
			t.Fatalf("PollResponseQueue: %v", err)
		}
		all = append(all, result.Messages...)
		for _, msg := range result.Messages {
			if msg.Kind == want {
				return all
			}
		}
	}
	t.Fatalf("timed out waiting for a %q message", want)
	return nil
}

func findKind(returns []wire.Return, kind string) (wire.Return, bool) {
	for _, r := range returns {
		if r.Kind == kind {
			return r, true
		}
	}
	return wire.Return{}, false
}

func TestPublishRequestPublishesFunctionStartedThenReturned(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\necho 42\n")
	d, st := mustInitialize(t, script)

	if err := d.PublishRequest(context.Background(), st, wire.Call{CallID: "call-1", Name: "answer"}); err != nil {
		t.Fatalf("PublishRequest: %v", err)
	}

	all := collectUntil(t, d, st, "returned", 10*time.Second)

	started, ok := findKind(all, "functionstarted")
	if !ok {
		t.Fatal("expected a functionstarted message")
	}
	if started.CallID != "call-1" {
		t.Errorf("functionstarted callId = %q, want call-1", started.CallID)
	}

	returned, ok := findKind(all, "returned")
	if !ok {
		t.Fatal("expected a returned message")
	}
	if returned.CallID != "call-1" {
		t.Errorf("returned callId = %q, want call-1", returned.CallID)
	}
	if v, ok := returned.Value.(float64); !ok || v != 42 {
		t.Errorf("returned value = %v, want 42", returned.Value)
	}
}

func TestPublishRequestReportsNonZeroExitAsError(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nexit 1\n")
	d, st := mustInitialize(t, script)

	if err := d.PublishRequest(context.Background(), st, wire.Call{CallID: "call-2", Name: "boom"}); err != nil {
		t.Fatalf("PublishRequest: %v", err)
	}

	all := collectUntil(t, d, st, "error", 10*time.Second)
	errRet, ok := findKind(all, "error")
	if !ok {
		t.Fatal("expected an error message")
	}
	if errRet.CallID != "call-2" {
		t.Errorf("error callId = %q, want call-2", errRet.CallID)
	}
	if errRet.Error == nil {
		t.Fatal("expected a non-nil error payload")
	}
}

func TestPublishControlPublishesStopQueueSentinel(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\necho 1\n")
	d, st := mustInitialize(t, script)

	if err := d.PublishControl(context.Background(), st, driver.ControlStopQueue); err != nil {
		t.Fatalf("PublishControl: %v", err)
	}

	all := collectUntil(t, d, st, "stopqueue", 10*time.Second)
	if _, ok := findKind(all, "stopqueue"); !ok {
		t.Error("expected a stopqueue message")
	}
}

func TestPollResponseQueueReturnsEmptyWhenIdle(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\necho 1\n")
	d := &Driver{log: testLogger()}
	stRaw, err := d.Initialize(context.Background(), script, driver.Options{ChildProcess: "sh", TimeoutSecs: 5})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	result, err := d.PollResponseQueue(ctx, stRaw)
	if err != context.DeadlineExceeded {
		t.Errorf("got err %v, want context.DeadlineExceeded", err)
	}
	if len(result.Messages) != 0 {
		t.Errorf("expected no messages while idle, got %d", len(result.Messages))
	}
}

func TestScanResourcesAndDeleteResourcesAreNoops(t *testing.T) {
	d := &Driver{log: testLogger()}
	resources, err := d.ScanResources(context.Background(), "nimbuscall-")
	if err != nil || resources != nil {
		t.Errorf("ScanResources = (%v, %v), want (nil, nil)", resources, err)
	}
	if err := d.DeleteResources(context.Background(), nil, driver.Resources{}); err != nil {
		t.Errorf("DeleteResources: %v", err)
	}
}

func TestLogBufferSinceFiltersByTimestamp(t *testing.T) {
	buf := newLogBuffer()
	buf.appendLines("line one\nline two\n")

	cutoff := time.Now().Add(-time.Minute)
	events := buf.since(cutoff)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	future := buf.since(time.Now().Add(time.Minute))
	if len(future) != 0 {
		t.Errorf("got %d events after a future cutoff, want 0", len(future))
	}
}

func TestPollLogsReturnsBufferedStderrLines(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\necho diagnostic >&2\necho 1\n")
	d, st := mustInitialize(t, script)

	if err := d.PublishRequest(context.Background(), st, wire.Call{CallID: "call-3", Name: "noisy"}); err != nil {
		t.Fatalf("PublishRequest: %v", err)
	}
	collectUntil(t, d, st, "returned", 10*time.Second)

	var events []logstitch.Event
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		events, err = d.PollLogs(context.Background(), st, time.Time{})
		if err != nil {
			t.Fatalf("PollLogs: %v", err)
		}
		if len(events) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(events) == 0 {
		t.Fatal("expected at least one buffered log event")
	}
	found := false
	for _, ev := range events {
		if ev.Message == "diagnostic" {
			found = true
		}
	}
	if !found {
		t.Errorf("events = %+v, want one with message %q", events, "diagnostic")
	}
}
