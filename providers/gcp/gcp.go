// Package gcp implements the GCP provider driver: an ID-token-authenticated
// HTTPS invoke for the synchronous path, Cloud Pub/Sub for the queue path,
// Cloud Logging for PollLogs, and the Cloud Functions API for resource
// scanning (spec.md's ProviderDriver contract, GCP column).
package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	functions "cloud.google.com/go/functions/apiv2"
	"cloud.google.com/go/functions/apiv2/functionspb"
	glogging "cloud.google.com/go/logging"
	"cloud.google.com/go/logging/logadmin"
	"cloud.google.com/go/pubsub"
	"google.golang.org/api/idtoken"
	"google.golang.org/api/iterator"

	"github.com/nimbuscall/nimbuscall/internal/engine/config"
	"github.com/nimbuscall/nimbuscall/internal/engine/costcatalog"
	"github.com/nimbuscall/nimbuscall/internal/engine/driver"
	"github.com/nimbuscall/nimbuscall/internal/engine/logging"
	"github.com/nimbuscall/nimbuscall/internal/engine/logstitch"
	"github.com/nimbuscall/nimbuscall/internal/engine/metadata"
	"github.com/nimbuscall/nimbuscall/internal/engine/wire"
	"github.com/nimbuscall/nimbuscall/providers"
)

// ProviderName is the name this driver is registered under.
const ProviderName = "gcp"

// defaultRegion is used whenever a configuration leaves GCPRegion unset.
const defaultRegion = "us-central1"

func init() {
	providers.Register(ProviderName, Build)
}

// PubSubClientFactory allows overriding Pub/Sub client construction for testing.
var PubSubClientFactory = pubsub.NewClient

// FunctionsClientFactory allows overriding the Cloud Functions admin client for testing.
var FunctionsClientFactory = functions.NewFunctionClient

// LogAdminClientFactory allows overriding the Cloud Logging admin client for testing.
var LogAdminClientFactory = logadmin.NewClient

// IDTokenClientFactory allows overriding ID-token-authenticated HTTP client
// construction for testing. The audience is the target function's URL,
// matching Cloud Run/Cloud Functions' expected JWT audience.
var IDTokenClientFactory = idtoken.NewClient

// Build constructs the GCP driver. Pub/Sub and the admin clients are
// project-scoped and shared across every instance this driver initializes.
var Build providers.Builder = func(ctx context.Context, cfg config.Config, log logging.Logger) (driver.Driver, error) {
	if cfg.GCPProjectID == "" {
		return nil, errors.New("gcp: projectId is required")
	}

	ps, err := PubSubClientFactory(ctx, cfg.GCPProjectID)
	if err != nil {
		return nil, fmt.Errorf("gcp: creating pubsub client: %w", err)
	}
	fc, err := FunctionsClientFactory(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp: creating functions client: %w", err)
	}
	la, err := LogAdminClientFactory(ctx, fmt.Sprintf("projects/%s", cfg.GCPProjectID))
	if err != nil {
		return nil, fmt.Errorf("gcp: creating logging admin client: %w", err)
	}

	return &Driver{
		cfg:         cfg,
		log:         log,
		pubsub:      ps,
		functions:   fc,
		logAdmin:    la,
		costCatalog: costcatalog.Unavailable{},
	}, nil
}

// Driver is the ProviderDriver implementation backing GCP Cloud Functions
// HTTPS + Pub/Sub invocations.
type Driver struct {
	cfg config.Config
	log logging.Logger

	pubsub    *pubsub.Client
	functions *functions.FunctionClient
	logAdmin  *logadmin.Client

	// costCatalog is the out-of-scope pricing lookup this driver's
	// CostEstimate delegates to.
	costCatalog costcatalog.CostCatalog
}

// state is the opaque driver.State GCP's Initialize returns.
type state struct {
	functionName string
	region       string
	invokeURL    string

	httpClient *http.Client

	topic         *pubsub.Topic
	responses     chan wire.Return
	receiveCancel context.CancelFunc

	log logging.Logger
}

// Initialize attaches to the already-deployed Cloud Function named
// modulePath (code packaging and provisioning are out of scope). In HTTPS
// mode it mints an ID-token-authenticated client for the function's
// conventional trigger URL; in queue mode it stands up the Pub/Sub
// request topic and starts draining the response subscription.
func (d *Driver) Initialize(ctx context.Context, modulePath string, opts driver.Options) (driver.State, error) {
	functionName := sanitizeName(modulePath)
	region := d.cfg.GCPRegion
	if region == "" {
		region = defaultRegion
	}

	st := &state{
		functionName: functionName,
		region:       region,
		invokeURL:    fmt.Sprintf("https://%s-%s.cloudfunctions.net/%s", region, d.cfg.GCPProjectID, functionName),
		log:          d.log,
	}

	if opts.Mode == string(config.ModeQueue) {
		requestTopicID := "nimbuscall-" + functionName + "-requests"
		responseSubID := "nimbuscall-" + functionName + "-responses-sub"

		st.topic = d.pubsub.Topic(requestTopicID)
		st.responses = make(chan wire.Return, 64)

		recvCtx, cancel := context.WithCancel(context.Background())
		st.receiveCancel = cancel
		sub := d.pubsub.Subscription(responseSubID)
		go st.receiveLoop(recvCtx, sub)
	} else {
		httpClient, err := IDTokenClientFactory(ctx, st.invokeURL)
		if err != nil {
			return nil, fmt.Errorf("gcp: creating ID-token client for %s: %w", st.invokeURL, err)
		}
		st.httpClient = httpClient
	}

	return st, nil
}

func (st *state) receiveLoop(ctx context.Context, sub *pubsub.Subscription) {
	err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		var ret wire.Return
		if err := wire.Unmarshal(m.Data, &ret); err != nil {
			st.log.Error("gcp: dropping undecodable response queue message", err, nil)
			m.Ack()
			return
		}
		m.Ack()
		select {
		case st.responses <- ret:
		case <-ctx.Done():
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		st.log.Error("gcp: pubsub receive loop exited", err, nil)
	}
}

// InvokeSync performs the synchronous HTTPS invocation path. The deployed
// function is expected to return exactly the user function's return value
// as its JSON response body (or a non-2xx status carrying an error message)
// — packaging that contract into the function's handler is out of scope.
func (d *Driver) InvokeSync(ctx context.Context, s driver.State, call wire.Call) (*wire.Return, error) {
	st := s.(*state)
	if st.httpClient == nil {
		return nil, errors.New("gcp: driver not initialized for https mode")
	}

	body, err := wire.Marshal(struct {
		Name string `json:"name"`
		Args []any  `json:"args"`
	}{Name: call.Name, Args: call.Args})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, st.invokeURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	remoteStart := time.Now()
	resp, err := st.httpClient.Do(req)
	remoteEnd := time.Now()
	if err != nil {
		return nil, fmt.Errorf("gcp: invoking %s: %w", st.invokeURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	ret := wire.Return{
		CallID:               call.CallID,
		RemoteExecutionStart: remoteStart.UnixMilli(),
		RemoteExecutionEnd:   remoteEnd.UnixMilli(),
	}

	if resp.StatusCode >= 400 {
		ret.Kind = "error"
		ret.Error = &wire.ErrorPayload{Name: fmt.Sprintf("HTTPStatus%d", resp.StatusCode), Message: string(respBody)}
		return &ret, nil
	}

	var value any
	if len(respBody) > 0 {
		if err := wire.Unmarshal(respBody, &value); err != nil {
			ret.Kind = "error"
			ret.Error = &wire.ErrorPayload{Name: "SerializationError", Message: err.Error()}
			return &ret, nil
		}
	}
	ret.Kind = "returned"
	ret.Value = value
	return &ret, nil
}

// PublishRequest publishes onto the Pub/Sub request topic; the deployed
// function's own Pub/Sub trigger (out of scope here) is what actually
// invokes it.
func (d *Driver) PublishRequest(ctx context.Context, s driver.State, call wire.Call) error {
	st := s.(*state)
	if st.topic == nil {
		return errors.New("gcp: driver not initialized for queue mode")
	}
	body, err := wire.Marshal(call)
	if err != nil {
		return err
	}
	result := st.topic.Publish(ctx, &pubsub.Message{
		Data:       body,
		Attributes: map[string]string{metadata.CallIDKey: call.CallID},
	})
	_, err = result.Get(ctx)
	return err
}

// PollResponseQueue drains whatever the background Pub/Sub receive loop has
// already decoded and buffered.
func (d *Driver) PollResponseQueue(ctx context.Context, s driver.State) (driver.PollResult, error) {
	st := s.(*state)
	if st.responses == nil {
		return driver.PollResult{}, errors.New("gcp: driver not initialized for queue mode")
	}

	var out []wire.Return

	select {
	case ret := <-st.responses:
		out = append(out, ret)
	case <-ctx.Done():
		return driver.PollResult{}, ctx.Err()
	}

drain:
	for {
		select {
		case ret := <-st.responses:
			out = append(out, ret)
		default:
			break drain
		}
	}

	return driver.PollResult{Messages: out}, nil
}

// PublishControl publishes a control sentinel onto the response channel
// directly: unlike a request, it never needs to round-trip through the
// deployed function, so it is injected straight into the drain loop.
func (d *Driver) PublishControl(ctx context.Context, s driver.State, kind driver.ControlKind) error {
	st := s.(*state)
	if st.responses == nil {
		return errors.New("gcp: driver not initialized for queue mode")
	}
	select {
	case st.responses <- wire.Return{Kind: string(kind)}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogURL returns a Cloud Logging console deep link scoped to this function.
func (d *Driver) LogURL(s driver.State) string {
	st := s.(*state)
	return fmt.Sprintf(
		"https://console.cloud.google.com/logs/query;query=resource.type%%3D%%22cloud_function%%22%%20resource.labels.function_name%%3D%%22%s%%22?project=%s",
		st.functionName, d.cfg.GCPProjectID,
	)
}

// PollLogs fetches log entries at or after since from Cloud Logging.
func (d *Driver) PollLogs(ctx context.Context, s driver.State, since time.Time) ([]logstitch.Event, error) {
	st := s.(*state)

	filter := fmt.Sprintf(
		`resource.type="cloud_function" AND resource.labels.function_name="%s" AND timestamp>="%s"`,
		st.functionName, since.UTC().Format(time.RFC3339),
	)
	it := d.logAdmin.Entries(ctx, logadmin.Filter(filter))

	var events []logstitch.Event
	for {
		var entry *glogging.Entry
		entry, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcp: reading log entries for %s: %w", st.functionName, err)
		}
		events = append(events, logstitch.Event{
			EventID:   entry.InsertID,
			Timestamp: entry.Timestamp,
			Message:   formatPayload(entry.Payload),
		})
	}
	return events, nil
}

func formatPayload(payload any) string {
	if s, ok := payload.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", payload)
}

// ResponseQueueID identifies the Pub/Sub response subscription backing this
// instance's queue.
func (d *Driver) ResponseQueueID(s driver.State) (string, bool) {
	st := s.(*state)
	if st.topic == nil {
		return "", false
	}
	return "nimbuscall-" + st.functionName + "-responses-sub", true
}

// DeleteResources idempotently deletes the named Cloud Function, assuming
// the single configured region (GC never learns a scanned candidate's
// region from ScanResources beyond its name).
func (d *Driver) DeleteResources(ctx context.Context, s driver.State, res driver.Resources) error {
	region := d.cfg.GCPRegion
	if region == "" {
		region = defaultRegion
	}
	fullName := fmt.Sprintf("projects/%s/locations/%s/functions/%s", d.cfg.GCPProjectID, region, res.Name)

	op, err := d.functions.DeleteFunction(ctx, &functionspb.DeleteFunctionRequest{Name: fullName})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("gcp: deleting function %s: %w", fullName, err)
	}
	if err := op.Wait(ctx); err != nil && !isNotFound(err) {
		return fmt.Errorf("gcp: waiting for deletion of %s: %w", fullName, err)
	}
	return nil
}

// ScanResources enumerates Cloud Functions under namePrefix across every
// location in this project (spec.md §4.7's garbage collector sweep).
func (d *Driver) ScanResources(ctx context.Context, namePrefix string) ([]driver.Resources, error) {
	parent := fmt.Sprintf("projects/%s/locations/-", d.cfg.GCPProjectID)
	it := d.functions.ListFunctions(ctx, &functionspb.ListFunctionsRequest{Parent: parent})

	var resources []driver.Resources
	for {
		fn, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcp: listing functions under %s: %w", parent, err)
		}
		name := functionNameFromResourceName(fn.GetName())
		if name == "" || !strings.HasPrefix(name, namePrefix) {
			continue
		}
		var createdAt int64
		if t := fn.GetUpdateTime(); t != nil {
			createdAt = t.AsTime().UnixMilli()
		}
		resources = append(resources, driver.Resources{Name: name, CreatedAt: createdAt})
	}
	return resources, nil
}

// Capabilities reports GCP's fixed shape: both sync (HTTPS invoke) and
// queue (Pub/Sub) are supported, with Pub/Sub's 10MB message size cap.
func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		Name:            ProviderName,
		SupportsSync:    true,
		SupportsQueue:   true,
		NativeDLQ:       true,
		MaxMessageBytes: 10 * 1024 * 1024,
	}
}

// CostEstimate consults the configured cost catalog for this instance's
// region and memory size.
func (d *Driver) CostEstimate(s driver.State, in driver.CostInputs) (float64, bool) {
	price, ok := d.costCatalog.Lookup(ProviderName, d.cfg.GCPRegion, in.MemorySizeMB)
	if !ok {
		return 0, false
	}
	gbSeconds := float64(in.MemorySizeMB) / 1024 * (in.TotalExecutionMS / 1000)
	return float64(in.Invocations)*price.PerInvocation + gbSeconds*price.PerGBSecond, true
}

func sanitizeName(modulePath string) string {
	name := modulePath
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, ".go")
}

func functionNameFromResourceName(resourceName string) string {
	parts := strings.Split(resourceName, "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NotFound")
}
