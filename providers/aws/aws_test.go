package aws

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuscall/nimbuscall/internal/engine/config"
	"github.com/nimbuscall/nimbuscall/internal/engine/driver"
	"github.com/nimbuscall/nimbuscall/internal/engine/logging"
	"github.com/nimbuscall/nimbuscall/internal/engine/wire"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.DiscardHandler))
}

type mockPublisher struct {
	published []*message.Message
	err       error
}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error {
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, messages...)
	return nil
}
func (m *mockPublisher) Close() error { return nil }

type mockSubscriber struct {
	ch chan *message.Message
}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if m.ch == nil {
		m.ch = make(chan *message.Message, 8)
	}
	return m.ch, nil
}
func (m *mockSubscriber) Close() error { return nil }

func withMockFactories(t *testing.T, pub message.Publisher, sub message.Subscriber) {
	t.Helper()
	originalLoader := DefaultConfigLoader
	originalResolver := TopicResolverFactory
	originalPub := PublisherFactory
	originalSub := SubscriberFactory

	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (awssdk.Config, error) {
		return awssdk.Config{Region: "us-east-1"}, nil
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		return &sns.GenerateArnTopicResolver{}, nil
	}
	PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return pub, nil
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return sub, nil
	}

	t.Cleanup(func() {
		DefaultConfigLoader = originalLoader
		TopicResolverFactory = originalResolver
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})
}

func TestBuildLoadsAWSConfigAndConstructsClients(t *testing.T) {
	withMockFactories(t, &mockPublisher{}, &mockSubscriber{})

	cfg := config.New("aws")
	cfg.AWSRegion = "us-east-1"
	cfg.AWSAccountID = "123456789012"

	drv, err := Build(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	require.NotNil(t, drv)
	assert.Equal(t, "aws", drv.Capabilities().Name)
}

func TestBuildPropagatesConfigLoaderError(t *testing.T) {
	withMockFactories(t, &mockPublisher{}, &mockSubscriber{})
	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (awssdk.Config, error) {
		return awssdk.Config{}, errors.New("config error")
	}

	cfg := config.New("aws")
	cfg.AWSRegion = "us-east-1"
	_, err := Build(context.Background(), cfg, testLogger())
	assert.ErrorContains(t, err, "config error")
}

func TestInitializeQueueModeStandsUpTopicsAndSubscribes(t *testing.T) {
	withMockFactories(t, &mockPublisher{}, &mockSubscriber{})

	cfg := config.New("aws")
	cfg.AWSRegion = "us-east-1"
	drv, err := Build(context.Background(), cfg, testLogger())
	require.NoError(t, err)

	st, err := drv.(*Driver).Initialize(context.Background(), "path/to/greet.go", driver.Options{Mode: string(config.ModeQueue)})
	require.NoError(t, err)

	s := st.(*state)
	assert.Equal(t, "nimbuscall-greet-requests", s.requestTopic)
	assert.Equal(t, "nimbuscall-greet-responses", s.responseTopic)
	assert.Equal(t, "/aws/lambda/greet", s.logGroupName)
	assert.NotNil(t, s.pub)
	assert.NotNil(t, s.msgs)
}

func TestInitializeHTTPSModeSkipsQueueSetup(t *testing.T) {
	withMockFactories(t, &mockPublisher{}, &mockSubscriber{})

	cfg := config.New("aws")
	cfg.AWSRegion = "us-east-1"
	drv, err := Build(context.Background(), cfg, testLogger())
	require.NoError(t, err)

	st, err := drv.(*Driver).Initialize(context.Background(), "greet.go", driver.Options{Mode: string(config.ModeHTTPS)})
	require.NoError(t, err)

	s := st.(*state)
	assert.Nil(t, s.pub)
	_, ok := drv.(*Driver).ResponseQueueID(st)
	assert.False(t, ok)
}

func TestPublishRequestPublishesOnRequestTopic(t *testing.T) {
	pub := &mockPublisher{}
	withMockFactories(t, pub, &mockSubscriber{})

	cfg := config.New("aws")
	cfg.AWSRegion = "us-east-1"
	drv, err := Build(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	st, err := drv.(*Driver).Initialize(context.Background(), "greet.go", driver.Options{Mode: string(config.ModeQueue)})
	require.NoError(t, err)

	err = drv.(*Driver).PublishRequest(context.Background(), st, wire.Call{CallID: "call-1", Name: "greet"})
	require.NoError(t, err)
	require.Len(t, pub.published, 1)
}

func TestPollResponseQueueDecodesAndAcksMessages(t *testing.T) {
	sub := &mockSubscriber{ch: make(chan *message.Message, 4)}
	withMockFactories(t, &mockPublisher{}, sub)

	cfg := config.New("aws")
	cfg.AWSRegion = "us-east-1"
	drv, err := Build(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	st, err := drv.(*Driver).Initialize(context.Background(), "greet.go", driver.Options{Mode: string(config.ModeQueue)})
	require.NoError(t, err)

	body, err := wire.Marshal(wire.Return{Kind: "returned", CallID: "call-1", Value: "ok"})
	require.NoError(t, err)
	sub.ch <- message.NewMessage("msg-1", body)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := drv.(*Driver).PollResponseQueue(ctx, st)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, "returned", result.Messages[0].Kind)
	assert.Equal(t, "call-1", result.Messages[0].CallID)
}

func TestResolveAccountAndRegionFallsBackToLocalstackDefault(t *testing.T) {
	cfg := config.New("aws")
	cfg.AWSEndpoint = "http://localhost:4566"
	accountID, region := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
	assert.Equal(t, localstackAccountID, accountID)
	assert.Equal(t, "us-east-1", region)
}

func TestResolveAccountAndRegionRejectsMalformedAccountIDUnderLocalstack(t *testing.T) {
	cfg := config.New("aws")
	cfg.AWSEndpoint = "http://localhost:4566"
	cfg.AWSAccountID = "short"
	accountID, _ := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
	assert.Equal(t, localstackAccountID, accountID)
}

func TestResolveAccountAndRegionKeepsRealAccountIDWithoutLocalstack(t *testing.T) {
	cfg := config.New("aws")
	cfg.AWSAccountID = "123456789012"
	accountID, _ := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
	assert.Equal(t, "123456789012", accountID)
}

func TestHasCustomEndpoint(t *testing.T) {
	assert.False(t, hasCustomEndpoint(&awssdk.Config{}))
	assert.True(t, hasCustomEndpoint(&awssdk.Config{BaseEndpoint: awssdk.String("http://localhost:4566")}))
}

func TestFunctionNameFromARN(t *testing.T) {
	assert.Equal(t, "greet", functionNameFromARN("arn:aws:lambda:us-east-1:123456789012:function:greet"))
	assert.Equal(t, "", functionNameFromARN(""))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "greet", sanitizeName("path/to/greet.go"))
	assert.Equal(t, "greet", sanitizeName("greet.go"))
}

func TestCostEstimateReturnsFalseWithoutCatalog(t *testing.T) {
	withMockFactories(t, &mockPublisher{}, &mockSubscriber{})
	cfg := config.New("aws")
	cfg.AWSRegion = "us-east-1"
	drv, err := Build(context.Background(), cfg, testLogger())
	require.NoError(t, err)

	cost, ok := drv.(*Driver).CostEstimate(nil, driver.CostInputs{Invocations: 10, MemorySizeMB: 128})
	assert.False(t, ok)
	assert.Equal(t, float64(0), cost)
}
