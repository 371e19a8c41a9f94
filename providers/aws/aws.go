// Package aws implements the AWS provider driver: Lambda for the
// synchronous invocation path, SNS/SQS (via watermill-aws) for the queue
// path, CloudWatch Logs for PollLogs, and Resource Groups Tagging API for
// ScanResources (spec.md's ProviderDriver contract, AWS column).
package aws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	rgtatypes "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi/types"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/nimbuscall/nimbuscall/internal/engine/config"
	"github.com/nimbuscall/nimbuscall/internal/engine/costcatalog"
	"github.com/nimbuscall/nimbuscall/internal/engine/driver"
	"github.com/nimbuscall/nimbuscall/internal/engine/ids"
	"github.com/nimbuscall/nimbuscall/internal/engine/logging"
	"github.com/nimbuscall/nimbuscall/internal/engine/logstitch"
	"github.com/nimbuscall/nimbuscall/internal/engine/metadata"
	"github.com/nimbuscall/nimbuscall/internal/engine/wire"
	"github.com/nimbuscall/nimbuscall/providers"
)

// ProviderName is the name this driver is registered under.
const ProviderName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

func init() {
	providers.Register(ProviderName, Build)
}

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding SNS topic resolver construction for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding SNS publisher construction for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the SNS+SQS subscriber pair construction for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

// Build constructs the AWS driver: it loads AWS config once and builds the
// Lambda/CloudWatch Logs/Resource Groups Tagging clients eagerly, since they
// are cheap and shared across every instance this driver ever initializes.
var Build providers.Builder = func(ctx context.Context, cfg config.Config, log logging.Logger) (driver.Driver, error) {
	wmLog := logging.NewWatermillAdapter(log)

	awsCfg, err := createAWSConfig(ctx, cfg, wmLog)
	if err != nil {
		return nil, err
	}
	log.Info("aws: loaded AWS config", map[string]any{
		"region":          safeAWSRegion(awsCfg),
		"custom_endpoint": hasCustomEndpoint(awsCfg),
	})

	return &Driver{
		cfg:         cfg,
		awsCfg:      awsCfg,
		log:         log,
		wmLog:       wmLog,
		lambda:      lambda.NewFromConfig(*awsCfg),
		logs:        cloudwatchlogs.NewFromConfig(*awsCfg),
		tags:        resourcegroupstaggingapi.NewFromConfig(*awsCfg),
		costCatalog: costcatalog.Unavailable{},
	}, nil
}

// Driver is the ProviderDriver implementation backing AWS Lambda + SNS/SQS
// queue invocations.
type Driver struct {
	cfg    config.Config
	awsCfg *awssdk.Config
	log    logging.Logger
	wmLog  watermill.LoggerAdapter

	lambda *lambda.Client
	logs   *cloudwatchlogs.Client
	tags   *resourcegroupstaggingapi.Client

	// costCatalog is the out-of-scope pricing lookup this driver's
	// CostEstimate delegates to; callers that never need a cost figure
	// can leave it at its Unavailable default.
	costCatalog costcatalog.CostCatalog
}

// state is the opaque driver.State AWS's Initialize returns.
type state struct {
	functionName  string
	requestTopic  string
	responseTopic string
	logGroupName  string

	pub  message.Publisher
	sub  message.Subscriber
	msgs <-chan *message.Message

	log logging.Logger
}

// Initialize attaches to the already-deployed Lambda function named
// modulePath (code packaging and provisioning are out of scope) and, for
// queue mode, stands up the SNS request/response topic pair.
func (d *Driver) Initialize(ctx context.Context, modulePath string, opts driver.Options) (driver.State, error) {
	functionName := sanitizeName(modulePath)

	st := &state{
		functionName:  functionName,
		requestTopic:  "nimbuscall-" + functionName + "-requests",
		responseTopic: "nimbuscall-" + functionName + "-responses",
		logGroupName:  "/aws/lambda/" + functionName,
		log:           d.log,
	}

	if opts.Mode != string(config.ModeHTTPS) {
		pub, err := createPublisher(d.cfg, d.wmLog, d.awsCfg)
		if err != nil {
			return nil, fmt.Errorf("aws: creating publisher: %w", err)
		}
		sub, err := createSubscriber(d.cfg, d.wmLog, d.awsCfg)
		if err != nil {
			return nil, fmt.Errorf("aws: creating subscriber: %w", err)
		}
		msgs, err := sub.Subscribe(ctx, st.responseTopic)
		if err != nil {
			return nil, fmt.Errorf("aws: subscribing to %s: %w", st.responseTopic, err)
		}
		st.pub, st.sub, st.msgs = pub, sub, msgs
	}

	return st, nil
}

// InvokeSync performs a synchronous Lambda Invoke call. The deployed
// function is expected to return exactly the user function's return value
// as its JSON payload (or a Lambda-shaped error) — packaging that contract
// into the function's handler is out of scope.
func (d *Driver) InvokeSync(ctx context.Context, s driver.State, call wire.Call) (*wire.Return, error) {
	st := s.(*state)

	payload, err := wire.Marshal(struct {
		Name string `json:"name"`
		Args []any  `json:"args"`
	}{Name: call.Name, Args: call.Args})
	if err != nil {
		return nil, err
	}

	remoteStart := time.Now()
	out, err := d.lambda.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   awssdk.String(st.functionName),
		InvocationType: lambdatypes.InvocationTypeRequestResponse,
		Payload:        payload,
	})
	remoteEnd := time.Now()
	if err != nil {
		return nil, fmt.Errorf("aws: invoking %s: %w", st.functionName, err)
	}

	ret := wire.Return{
		CallID:               call.CallID,
		RemoteExecutionStart: remoteStart.UnixMilli(),
		RemoteExecutionEnd:   remoteEnd.UnixMilli(),
	}

	if out.FunctionError != nil {
		var lambdaErr struct {
			ErrorType    string `json:"errorType"`
			ErrorMessage string `json:"errorMessage"`
		}
		_ = wire.Unmarshal(out.Payload, &lambdaErr)
		ret.Kind = "error"
		ret.Error = &wire.ErrorPayload{Name: lambdaErr.ErrorType, Message: lambdaErr.ErrorMessage}
		return &ret, nil
	}

	var value any
	if len(out.Payload) > 0 {
		if err := wire.Unmarshal(out.Payload, &value); err != nil {
			ret.Kind = "error"
			ret.Error = &wire.ErrorPayload{Name: "SerializationError", Message: err.Error()}
			return &ret, nil
		}
	}
	ret.Kind = "returned"
	ret.Value = value
	return &ret, nil
}

// PublishRequest publishes onto the SNS request topic; the deployed
// function's own event-source mapping (out of scope here) is what actually
// triggers Lambda from that topic.
func (d *Driver) PublishRequest(ctx context.Context, s driver.State, call wire.Call) error {
	st := s.(*state)
	if st.pub == nil {
		return errors.New("aws: driver not initialized for queue mode")
	}
	body, err := wire.Marshal(call)
	if err != nil {
		return err
	}
	msg := message.NewMessage(ids.NewCallID(), body)
	msg.Metadata.Set(metadata.CallIDKey, call.CallID)
	return st.pub.Publish(st.requestTopic, msg)
}

// PollResponseQueue performs a single long-poll batch read of the SQS queue
// backing the response topic's subscription.
func (d *Driver) PollResponseQueue(ctx context.Context, s driver.State) (driver.PollResult, error) {
	st := s.(*state)
	if st.msgs == nil {
		return driver.PollResult{}, errors.New("aws: driver not initialized for queue mode")
	}

	var out []wire.Return

	select {
	case msg, ok := <-st.msgs:
		if !ok {
			return driver.PollResult{}, nil
		}
		out = append(out, decodeAndAck(st.log, msg))
	case <-ctx.Done():
		return driver.PollResult{}, ctx.Err()
	}

drain:
	for {
		select {
		case msg, ok := <-st.msgs:
			if !ok {
				break drain
			}
			out = append(out, decodeAndAck(st.log, msg))
		default:
			break drain
		}
	}

	return driver.PollResult{Messages: out}, nil
}

func decodeAndAck(log logging.Logger, msg *message.Message) wire.Return {
	var ret wire.Return
	if err := wire.Unmarshal(msg.Payload, &ret); err != nil {
		log.Error("aws: dropping undecodable response queue message", err, nil)
		msg.Ack()
		return wire.Return{Kind: "error", Error: &wire.ErrorPayload{Name: "DecodeError", Message: err.Error()}}
	}
	msg.Ack()
	return ret
}

// PublishControl publishes a control sentinel onto the response topic the
// reconciler polls, the same way the deployed function's own responses do.
func (d *Driver) PublishControl(ctx context.Context, s driver.State, kind driver.ControlKind) error {
	st := s.(*state)
	if st.pub == nil {
		return errors.New("aws: driver not initialized for queue mode")
	}
	body, err := wire.Marshal(wire.Return{Kind: string(kind)})
	if err != nil {
		return err
	}
	return st.pub.Publish(st.responseTopic, message.NewMessage(ids.NewCallID(), body))
}

// LogURL returns a console deep link into this function's CloudWatch Logs
// log group.
func (d *Driver) LogURL(s driver.State) string {
	st := s.(*state)
	region := safeAWSRegion(d.awsCfg)
	if region == "" {
		return ""
	}
	encoded := url.QueryEscape(url.QueryEscape(st.logGroupName))
	return fmt.Sprintf("https://console.aws.amazon.com/cloudwatch/home?region=%s#logsV2:log-groups/log-group/%s", region, encoded)
}

// PollLogs fetches log events at or after since from CloudWatch Logs.
func (d *Driver) PollLogs(ctx context.Context, s driver.State, since time.Time) ([]logstitch.Event, error) {
	st := s.(*state)

	out, err := d.logs.FilterLogEvents(ctx, &cloudwatchlogs.FilterLogEventsInput{
		LogGroupName: awssdk.String(st.logGroupName),
		StartTime:    awssdk.Int64(since.UnixMilli()),
	})
	if err != nil {
		var notFound *cwltypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("aws: filtering log events for %s: %w", st.logGroupName, err)
	}

	events := make([]logstitch.Event, 0, len(out.Events))
	for _, ev := range out.Events {
		events = append(events, logstitch.Event{
			EventID:   awssdk.ToString(ev.EventId),
			Timestamp: time.UnixMilli(awssdk.ToInt64(ev.Timestamp)),
			Message:   awssdk.ToString(ev.Message),
		})
	}
	return events, nil
}

// ResponseQueueID identifies the SNS topic backing this instance's response
// queue.
func (d *Driver) ResponseQueueID(s driver.State) (string, bool) {
	st := s.(*state)
	if st.pub == nil {
		return "", false
	}
	return st.responseTopic, true
}

// DeleteResources idempotently deletes the named Lambda function. SNS/SQS
// resources provisioned outside this driver (provisioning is out of scope)
// are left for whatever provisioned them to reclaim.
func (d *Driver) DeleteResources(ctx context.Context, s driver.State, res driver.Resources) error {
	_, err := d.lambda.DeleteFunction(ctx, &lambda.DeleteFunctionInput{
		FunctionName: awssdk.String(res.Name),
	})
	if err != nil {
		var notFound *lambdatypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("aws: deleting function %s: %w", res.Name, err)
	}
	return nil
}

// ScanResources enumerates Lambda functions tagged with the framework's
// namespace tag under namePrefix (spec.md §4.7's garbage collector sweep).
func (d *Driver) ScanResources(ctx context.Context, namePrefix string) ([]driver.Resources, error) {
	out, err := d.tags.GetResources(ctx, &resourcegroupstaggingapi.GetResourcesInput{
		ResourceTypeFilters: []string{"lambda:function"},
		TagFilters: []rgtatypes.TagFilter{
			{Key: awssdk.String("nimbuscall")},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("aws: scanning tagged resources: %w", err)
	}

	var resources []driver.Resources
	for _, mapping := range out.ResourceTagMappingList {
		name := functionNameFromARN(awssdk.ToString(mapping.ResourceARN))
		if name == "" || !strings.HasPrefix(name, namePrefix) {
			continue
		}
		createdAt := d.lookupCreatedAt(ctx, name)
		resources = append(resources, driver.Resources{Name: name, CreatedAt: createdAt})
	}
	return resources, nil
}

// lookupCreatedAt reads a scanned function's LastModified timestamp as a
// best-effort stand-in for a true creation time: provisioning (which would
// otherwise tag the real creation time) is out of scope.
func (d *Driver) lookupCreatedAt(ctx context.Context, name string) int64 {
	out, err := d.lambda.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{
		FunctionName: awssdk.String(name),
	})
	if err != nil || out.LastModified == nil {
		return 0
	}
	t, err := time.Parse("2006-01-02T15:04:05.000-0700", *out.LastModified)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

func functionNameFromARN(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

func sanitizeName(modulePath string) string {
	name := modulePath
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, ".go")
}

// Capabilities reports AWS's fixed shape: both sync (Lambda Invoke) and
// queue (SNS/SQS) are supported, with SNS's 256KB message size cap.
func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		Name:            ProviderName,
		SupportsSync:    true,
		SupportsQueue:   true,
		NativeDLQ:       true,
		MaxMessageBytes: 256 * 1024,
	}
}

// CostEstimate consults the configured cost catalog for this instance's
// region and memory size.
func (d *Driver) CostEstimate(s driver.State, in driver.CostInputs) (float64, bool) {
	price, ok := d.costCatalog.Lookup(ProviderName, d.cfg.AWSRegion, in.MemorySizeMB)
	if !ok {
		return 0, false
	}
	gbSeconds := float64(in.MemorySizeMB) / 1024 * (in.TotalExecutionMS / 1000)
	return float64(in.Invocations)*price.PerInvocation + gbSeconds*price.PerGBSecond, true
}

func createAWSConfig(ctx context.Context, cfg config.Config, logger watermill.LoggerAdapter) (*awssdk.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
		logger.Info("Using static AWS credentials from config", watermill.LogFields{})
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, watermill.LogFields{"requested_region": cfg.AWSRegion})
		return nil, err
	}

	if cfg.AWSRegion != "" {
		awsCfg.Region = cfg.AWSRegion
	}
	if cfg.AWSEndpoint != "" {
		awsCfg.BaseEndpoint = awssdk.String(cfg.AWSEndpoint)
	}

	return &awsCfg, nil
}

func createPublisher(cfg config.Config, logger watermill.LoggerAdapter, awsCfg *awssdk.Config) (message.Publisher, error) {
	accountID, region := resolveAccountAndRegion(cfg, logger, safeAWSRegion(awsCfg))
	topicResolver, err := createTopicResolver(accountID, region, logger)
	if err != nil {
		return nil, err
	}

	publisherConfig := sns.PublisherConfig{
		TopicResolver: topicResolver,
		AWSConfig:     *awsCfg,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}
	if hasCustomEndpoint(awsCfg) {
		endpointStr := *awsCfg.BaseEndpoint
		publisherConfig.OptFns = []func(*amazonsns.Options){
			func(o *amazonsns.Options) { o.BaseEndpoint = awssdk.String(endpointStr) },
		}
	}

	return PublisherFactory(publisherConfig, logger)
}

func createSubscriber(cfg config.Config, logger watermill.LoggerAdapter, awsCfg *awssdk.Config) (message.Subscriber, error) {
	accountID, region := resolveAccountAndRegion(cfg, logger, safeAWSRegion(awsCfg))
	topicResolver, err := createTopicResolver(accountID, region, logger)
	if err != nil {
		return nil, err
	}

	snsOpts, sqsOpts, err := endpointOptions(awsCfg)
	if err != nil {
		return nil, err
	}

	subscriberConfig := sns.SubscriberConfig{
		AWSConfig:            *awsCfg,
		OptFns:               snsOpts,
		TopicResolver:        topicResolver,
		GenerateSqsQueueName: generateSqsQueueName,
	}

	return SubscriberFactory(subscriberConfig, sqs.SubscriberConfig{
		AWSConfig: *awsCfg,
		OptFns:    sqsOpts,
	}, logger)
}

func generateSqsQueueName(ctx context.Context, topicArn sns.TopicArn) (string, error) {
	name, err := sns.ExtractTopicNameFromTopicArn(topicArn)
	if err != nil {
		return "", err
	}
	return string(name), nil
}

func endpointOptions(awsCfg *awssdk.Config) ([]func(*amazonsns.Options), []func(*amazonsqs.Options), error) {
	if !hasCustomEndpoint(awsCfg) {
		return nil, nil, nil
	}
	parsedURL, err := url.Parse(*awsCfg.BaseEndpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("aws: parsing BaseEndpoint: %w", err)
	}

	snsOpts := []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *parsedURL},
		}),
	}
	sqsOpts := []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *parsedURL},
		}),
	}
	return snsOpts, sqsOpts, nil
}

func resolveAccountAndRegion(cfg config.Config, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	accountID := strings.Trim(cfg.AWSAccountID, "\"' ")
	region := cfg.AWSRegion
	if region == "" {
		region = fallbackRegion
	}

	useLocalstack := cfg.AWSEndpoint != ""
	if accountID == "" && useLocalstack {
		logger.Info("AWS account ID empty; using LocalStack default", watermill.LogFields{"accountID": localstackAccountID})
		return localstackAccountID, region
	}
	if accountID != "" && len(accountID) != awsAccountIDLength && useLocalstack {
		logger.Info("Invalid AWS account ID; falling back to LocalStack default", watermill.LogFields{"accountID": accountID})
		return localstackAccountID, region
	}
	return accountID, region
}

func createTopicResolver(accountID, region string, logger watermill.LoggerAdapter) (sns.TopicResolver, error) {
	topicResolver, err := TopicResolverFactory(accountID, region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
			"accountID": accountID,
			"region":    region,
		})
		return nil, err
	}
	return topicResolver, nil
}

func safeAWSRegion(cfg *awssdk.Config) string {
	if cfg == nil {
		return ""
	}
	return cfg.Region
}

func hasCustomEndpoint(cfg *awssdk.Config) bool {
	return cfg != nil && cfg.BaseEndpoint != nil && *cfg.BaseEndpoint != ""
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) awssdk.CredentialsProvider {
	return awssdk.CredentialsProviderFunc(func(ctx context.Context) (awssdk.Credentials, error) {
		return awssdk.Credentials{AccessKeyID: accessKeyID, SecretAccessKey: secretAccessKey}, nil
	})
}
