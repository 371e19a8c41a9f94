// Package local implements the local child-process provider driver: the
// third provider spec.md names explicitly in scope. It has no cloud
// resources and no native sync-invoke path — every call is a fresh child
// process, and the response always travels the queue path, backed by
// watermill's in-memory gochannel pubsub so local/test runs need no
// external broker.
package local

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/nimbuscall/nimbuscall/internal/engine/config"
	"github.com/nimbuscall/nimbuscall/internal/engine/driver"
	"github.com/nimbuscall/nimbuscall/internal/engine/ids"
	"github.com/nimbuscall/nimbuscall/internal/engine/logging"
	"github.com/nimbuscall/nimbuscall/internal/engine/logstitch"
	"github.com/nimbuscall/nimbuscall/internal/engine/metadata"
	"github.com/nimbuscall/nimbuscall/internal/engine/wire"
	"github.com/nimbuscall/nimbuscall/providers"
)

// ProviderName is the name this driver is registered under.
const ProviderName = "local"

// responseTopic is the single gochannel topic every response, control, and
// out-of-band message travels over for one instance.
const responseTopic = "nimbuscall-local-responses"

// pollTimeout bounds how long PollResponseQueue blocks waiting for the
// first message of a batch before returning an empty result, emulating the
// long-poll shape a real cloud queue has.
const pollTimeout = 5 * time.Second

// maxBufferedLogEvents bounds the in-memory per-instance log ring buffer.
const maxBufferedLogEvents = 2000

func init() {
	providers.Register(ProviderName, Build)
}

// Build constructs the local driver. The gochannel config is fixed in
// Initialize, and the child-process command comes from Options.ChildProcess.
var Build providers.Builder = func(ctx context.Context, cfg config.Config, log logging.Logger) (driver.Driver, error) {
	return &Driver{log: log}, nil
}

// Driver is the ProviderDriver implementation backing local, child-process
// invocations.
type Driver struct {
	log logging.Logger
}

// state is the opaque driver.State local's Initialize returns.
type state struct {
	modulePath   string
	childProcess string
	timeout      time.Duration

	pubSub *gochannel.GoChannel
	msgs   <-chan *message.Message

	log logging.Logger
	buf *logBuffer

	createdAt int64
}

// Initialize spawns no process itself — it only stands up the in-memory
// response queue every subsequent InvokeSync/PublishRequest call publishes
// onto.
func (d *Driver) Initialize(ctx context.Context, modulePath string, opts driver.Options) (driver.State, error) {
	if opts.ChildProcess == "" {
		return nil, fmt.Errorf("local: childProcess is required")
	}

	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
		Persistent:          true,
	}, logging.NewWatermillAdapter(d.log))

	msgs, err := pubSub.Subscribe(ctx, responseTopic)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(opts.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &state{
		modulePath:   modulePath,
		childProcess: opts.ChildProcess,
		timeout:      timeout,
		pubSub:       pubSub,
		msgs:         msgs,
		log:          d.log,
		buf:          newLogBuffer(),
		createdAt:    time.Now().UnixMilli(),
	}, nil
}

// InvokeSync always defers to the queue path: mode=auto resolves to queue
// for local (spec §6), so this is never the active invocation path, but a
// driver must still satisfy the interface.
func (d *Driver) InvokeSync(ctx context.Context, s driver.State, call wire.Call) (*wire.Return, error) {
	return nil, nil
}

// PublishRequest spawns the child process asynchronously and publishes its
// eventual result (or failure) onto the response queue.
func (d *Driver) PublishRequest(ctx context.Context, s driver.State, call wire.Call) error {
	st := s.(*state)
	go st.run(call)
	return nil
}

func (st *state) run(call wire.Call) {
	runCtx, cancel := context.WithTimeout(context.Background(), st.timeout)
	defer cancel()

	localStart := time.Now()
	st.publish(wire.Return{
		Kind:                 "functionstarted",
		CallID:               call.CallID,
		RemoteExecutionStart: localStart.UnixMilli(),
	})

	ret := st.invoke(runCtx, call, localStart)
	st.publish(ret)
}

func (st *state) invoke(ctx context.Context, call wire.Call, localStart time.Time) wire.Return {
	input, err := wire.Marshal(call)
	if err != nil {
		return errorReturn(call.CallID, "SerializationError", err.Error(), localStart)
	}

	cmd := exec.CommandContext(ctx, st.childProcess, st.modulePath, call.Name)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	st.buf.appendLines(stderr.String())

	remoteEnd := time.Now().UnixMilli()
	if runErr != nil {
		return errorReturn(call.CallID, "ChildProcessError", runErr.Error(), localStart)
	}

	var value any
	if stdout.Len() > 0 {
		if err := wire.Unmarshal(stdout.Bytes(), &value); err != nil {
			return errorReturn(call.CallID, "SerializationError", err.Error(), localStart)
		}
	}

	return wire.Return{
		Kind:                 "returned",
		CallID:               call.CallID,
		Value:                value,
		RemoteExecutionStart: localStart.UnixMilli(),
		RemoteExecutionEnd:   remoteEnd,
	}
}

func errorReturn(callID, name, message string, localStart time.Time) wire.Return {
	return wire.Return{
		Kind:                 "error",
		CallID:               callID,
		Error:                &wire.ErrorPayload{Name: name, Message: message},
		RemoteExecutionStart: localStart.UnixMilli(),
		RemoteExecutionEnd:   time.Now().UnixMilli(),
	}
}

func (st *state) publish(ret wire.Return) {
	body, err := wire.Marshal(ret)
	if err != nil {
		st.log.Error("local: failed to marshal response queue message", err, nil)
		return
	}
	msg := message.NewMessage(ids.NewCallID(), body)
	msg.Metadata.Set(metadata.CallIDKey, ret.CallID)
	if err := st.pubSub.Publish(responseTopic, msg); err != nil {
		st.log.Error("local: failed to publish response queue message", err, nil)
	}
}

// PollResponseQueue drains whatever is currently available on the response
// topic, waiting up to pollTimeout for the first message.
func (d *Driver) PollResponseQueue(ctx context.Context, s driver.State) (driver.PollResult, error) {
	st := s.(*state)

	var out []wire.Return

	select {
	case msg, ok := <-st.msgs:
		if !ok {
			return driver.PollResult{}, nil
		}
		out = append(out, st.decodeAndAck(msg))
	case <-ctx.Done():
		return driver.PollResult{}, ctx.Err()
	case <-time.After(pollTimeout):
		return driver.PollResult{}, nil
	}

drain:
	for {
		select {
		case msg, ok := <-st.msgs:
			if !ok {
				break drain
			}
			out = append(out, st.decodeAndAck(msg))
		default:
			break drain
		}
	}

	return driver.PollResult{Messages: out}, nil
}

func (st *state) decodeAndAck(msg *message.Message) wire.Return {
	var ret wire.Return
	if err := wire.Unmarshal(msg.Payload, &ret); err != nil {
		st.log.Error("local: dropping undecodable response queue message", err, nil)
		msg.Ack()
		return wire.Return{Kind: "error", Error: &wire.ErrorPayload{Name: "DecodeError", Message: err.Error()}}
	}
	msg.Ack()
	return ret
}

// PublishControl publishes a control sentinel (stopqueue) onto the same
// response topic the reconciler polls.
func (d *Driver) PublishControl(ctx context.Context, s driver.State, kind driver.ControlKind) error {
	st := s.(*state)
	body, err := wire.Marshal(wire.Return{Kind: string(kind)})
	if err != nil {
		return err
	}
	return st.pubSub.Publish(responseTopic, message.NewMessage(ids.NewCallID(), body))
}

// LogURL returns "": the local driver has no remote log sink to link to.
func (d *Driver) LogURL(s driver.State) string { return "" }

// PollLogs returns buffered child-process stderr lines, for the log
// stitcher (spec §4.3).
func (d *Driver) PollLogs(ctx context.Context, s driver.State, since time.Time) ([]logstitch.Event, error) {
	st := s.(*state)
	return st.buf.since(since), nil
}

// ResponseQueueID identifies local's single, per-instance response topic.
func (d *Driver) ResponseQueueID(s driver.State) (string, bool) {
	return responseTopic, true
}

// DeleteResources is a no-op: local owns no cloud resources.
func (d *Driver) DeleteResources(ctx context.Context, s driver.State, res driver.Resources) error {
	return nil
}

// ScanResources always returns empty: local has no provider-defined
// namespace to scan (spec §6: "drivers that cannot enumerate ... return an
// empty slice").
func (d *Driver) ScanResources(ctx context.Context, namePrefix string) ([]driver.Resources, error) {
	return nil, nil
}

// Capabilities reports local's fixed shape: queue-only, no native DLQ.
func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{Name: ProviderName, SupportsSync: false, SupportsQueue: true}
}

// CostEstimate returns (0, false): local has no cost model.
func (d *Driver) CostEstimate(s driver.State, in driver.CostInputs) (float64, bool) {
	return 0, false
}

// logBuffer is a small, mutex-guarded ring buffer of log events keyed by
// arrival order, trimmed to maxBufferedLogEvents.
type logBuffer struct {
	mu     sync.Mutex
	events []logstitch.Event
	seq    uint64
}

func newLogBuffer() *logBuffer {
	return &logBuffer{}
}

func (lb *logBuffer) appendLines(text string) {
	if text == "" {
		return
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()

	now := time.Now()
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		lb.seq++
		lb.events = append(lb.events, logstitch.Event{
			EventID:   fmt.Sprintf("%d", lb.seq),
			Timestamp: now,
			Message:   line,
		})
	}
	if overflow := len(lb.events) - maxBufferedLogEvents; overflow > 0 {
		lb.events = lb.events[overflow:]
	}
}

func (lb *logBuffer) since(cutoff time.Time) []logstitch.Event {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	out := make([]logstitch.Event, 0, len(lb.events))
	for _, ev := range lb.events {
		if !ev.Timestamp.Before(cutoff) {
			out = append(out, ev)
		}
	}
	return out
}

