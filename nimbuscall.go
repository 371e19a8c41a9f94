package nimbuscall

import (
	cachepkg "github.com/nimbuscall/nimbuscall/internal/engine/cache"
	configpkg "github.com/nimbuscall/nimbuscall/internal/engine/config"
	driverpkg "github.com/nimbuscall/nimbuscall/internal/engine/driver"
	errorspkg "github.com/nimbuscall/nimbuscall/internal/engine/errors"
	funnelpkg "github.com/nimbuscall/nimbuscall/internal/engine/funnel"
	futurepkg "github.com/nimbuscall/nimbuscall/internal/engine/future"
	gcpkg "github.com/nimbuscall/nimbuscall/internal/engine/gc"
	idspkg "github.com/nimbuscall/nimbuscall/internal/engine/ids"
	invocationpkg "github.com/nimbuscall/nimbuscall/internal/engine/invocation"
	lifecyclepkg "github.com/nimbuscall/nimbuscall/internal/engine/lifecycle"
	loggingpkg "github.com/nimbuscall/nimbuscall/internal/engine/logging"
	logstitchpkg "github.com/nimbuscall/nimbuscall/internal/engine/logstitch"
	metadatapkg "github.com/nimbuscall/nimbuscall/internal/engine/metadata"
	packagerpkg "github.com/nimbuscall/nimbuscall/internal/engine/packager"
	statspkg "github.com/nimbuscall/nimbuscall/internal/engine/stats"
	"github.com/nimbuscall/nimbuscall/providers"
)

type (
	Config   = configpkg.Config
	Mode     = configpkg.Mode
	Driver   = driverpkg.Driver
	State    = driverpkg.State
	Options  = lifecyclepkg.Options
	Instance = lifecyclepkg.Instance

	DriverOptions   = driverpkg.Options
	PollResult      = driverpkg.PollResult
	Resources       = driverpkg.Resources
	CostInputs      = driverpkg.CostInputs
	Capabilities    = driverpkg.Capabilities
	ControlKind     = driverpkg.ControlKind

	ProviderBuilder  = providers.Builder
	ProviderRegistry = providers.Registry

	Engine = invocationpkg.Engine
	Call   = invocationpkg.Call
	Return = invocationpkg.Return

	Future[T any] = futurepkg.Future[T]
	Funnel[T any] = funnelpkg.Funnel[T]
	Task[T any]   = funnelpkg.Task[T]

	Statistics       = statspkg.Statistics
	FunctionStats    = statspkg.FunctionStats
	FunctionCounters = statspkg.FunctionCounters
	ClockSkew        = statspkg.ClockSkew

	LogStitcher = logstitchpkg.Stitcher
	LogEvent    = logstitchpkg.Event

	PersistentCache = cachepkg.PersistentCache

	Collector = gcpkg.Collector

	Packager         = packagerpkg.Packager
	PackagerOptions  = packagerpkg.Options
	PackagerArtifact = packagerpkg.Artifact

	Metadata = metadatapkg.Metadata

	Logger    = loggingpkg.Logger
	LogFields = loggingpkg.Fields

	StatsListener      = lifecyclepkg.StatsListener
	LogListener        = lifecyclepkg.LogListener
	FunctionStatsEvent = lifecyclepkg.FunctionStatsEvent

	UserError             = errorspkg.UserError
	TransportTransient    = errorspkg.TransportTransient
	TransportFatal        = errorspkg.TransportFatal
	FunctionTimeoutError  = errorspkg.FunctionTimeoutError
	DeadLetterError       = errorspkg.DeadLetterError
	CancellationError     = errorspkg.CancellationError
	SerializationWarning  = errorspkg.SerializationWarning
	ErrorCategory         = errorspkg.Category
)

const (
	ModeAuto  = configpkg.ModeAuto
	ModeHTTPS = configpkg.ModeHTTPS
	ModeQueue = configpkg.ModeQueue

	ControlStopQueue = driverpkg.ControlStopQueue
)

var (
	NewConfig        = configpkg.New
	Initialize       = lifecyclepkg.Initialize
	NewEngine        = invocationpkg.New
	NewFuture        = futurepkg.New[any]
	NewFunnel        = funnelpkg.New[any]
	NewRateLimited   = funnelpkg.NewRateLimited[any]
	NewCache         = cachepkg.New
	NewCollector     = gcpkg.New
	NewStatistics    = statspkg.NewStatistics
	NewFunctionStats = statspkg.NewFunctionStats
	NewClockSkew     = statspkg.NewClockSkew
	NewMetadata      = metadatapkg.New
	NewCallID        = idspkg.NewCallID

	NewSlogLogger      = loggingpkg.NewSlogLogger
	NewWatermillLogger = loggingpkg.NewWatermillLogger

	DefaultClassifier = errorspkg.DefaultClassifier
	IsRetryable       = errorspkg.IsRetryable

	DefaultProviderRegistry = providers.DefaultRegistry
	RegisterProvider        = providers.Register
	BuildProvider           = providers.Build

	ErrDriverRequired     = errorspkg.ErrDriverRequired
	ErrNameRequired       = errorspkg.ErrNameRequired
	ErrCallIDRequired     = errorspkg.ErrCallIDRequired
	ErrResponseQueueIDNil = errorspkg.ErrResponseQueueIDNil
	ErrInstanceStopped    = errorspkg.ErrInstanceStopped
	ErrCacheRootRequired  = errorspkg.ErrCacheRootRequired
)
