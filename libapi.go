package tierflow

import (
	runtimepkg "github.com/drblury/tierflow/internal/runtime"
	configpkg "github.com/drblury/tierflow/internal/runtime/config"
	errspkg "github.com/drblury/tierflow/internal/runtime/errors"
	idspkg "github.com/drblury/tierflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/tierflow/internal/runtime/jsoncodec"
	ledgerpkg "github.com/drblury/tierflow/internal/runtime/ledger"
	loggingpkg "github.com/drblury/tierflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/tierflow/internal/runtime/metadata"
	processorpkg "github.com/drblury/tierflow/internal/runtime/processor"
	rangespkg "github.com/drblury/tierflow/internal/runtime/ranges"
	wirepkg "github.com/drblury/tierflow/internal/runtime/wire"
	transportpkg "github.com/drblury/tierflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	ResourceUsage       = runtimepkg.ResourceUsage

	// Range model
	Range      = rangespkg.Range
	RangeKind  = rangespkg.Kind
	RangeQuery = rangespkg.RangeQuery
	Filters    = rangespkg.Filters
	ChangeSet  = rangespkg.ChangeSet
	Tables     = rangespkg.Tables

	// Messages exchanged between tiers
	Message     = wirepkg.Message
	MessageType = wirepkg.Type

	// Domain jobs
	Job         = processorpkg.Job
	JobBuilder  = processorpkg.Builder
	JobRegistry = processorpkg.Registry
	Connections = processorpkg.Connections

	// Job lifecycle hooks
	JobContext = processorpkg.JobContext
	JobHooks   = processorpkg.JobHooks

	// Job ledger
	JobRecord   = ledgerpkg.JobRecord
	LedgerStore = ledgerpkg.Store

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
	StorageError          = errspkg.StorageError

	// Transport registry
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
	Transport             = transportpkg.Transport
)

var (
	NewService     = runtimepkg.NewService
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewNumericRange    = rangespkg.NewNumeric
	NewDateTimeRange   = rangespkg.NewDateTime
	NewDateRange       = rangespkg.NewDate
	NewNumericQuery    = rangespkg.NewNumericQuery
	NewDateTimeQuery   = rangespkg.NewDateTimeQuery
	NewDateQuery       = rangespkg.NewDateQuery
	NewChangeSet       = rangespkg.NewChangeSet
	OverlapRanges      = rangespkg.Overlap
	JoinRanges         = rangespkg.Join
	DataStoreUpdated   = wirepkg.DataStoreUpdated
	CancelProcessing   = wirepkg.CancelProcessing
	EncodeMessage      = wirepkg.Encode
	DecodeMessage      = wirepkg.Decode
	NewMemoryLedger    = ledgerpkg.NewMemoryStore
	OpenLedgerStore    = ledgerpkg.OpenStore
	OpenConnections    = processorpkg.OpenConnections
	DefaultJobRegistry = processorpkg.DefaultRegistry
	NewJobRegistry     = processorpkg.NewRegistry

	// RegisterJob adds a domain job to the default registry. Call it from
	// init so that importing the job's package is enough to make it runnable.
	RegisterJob  = processorpkg.RegisterJob
	JobNames     = processorpkg.JobNames
	LoggingHooks = processorpkg.LoggingHooks

	// Import individual transports via: _ "github.com/drblury/tierflow/transport/kafka"
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	NewTransportRegistry     = transportpkg.NewRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetCapabilities          = transportpkg.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrInvalidRange       = errspkg.ErrInvalidRange
	ErrRangeKindMismatch  = errspkg.ErrRangeKindMismatch
	ErrMergeRejected      = errspkg.ErrMergeRejected
	ErrInvalidChangeSet   = errspkg.ErrInvalidChangeSet
	ErrUnknownMessageKind = errspkg.ErrUnknownMessageKind
	ErrJobNotFound        = errspkg.ErrJobNotFound
	ErrUnknownJob         = errspkg.ErrUnknownJob
	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewLogger            = loggingpkg.New

	NewMetadata = metadatapkg.New

	NewMessageID = idspkg.NewMessageID
)

const (
	RangeNumeric  = rangespkg.KindNumeric
	RangeDateTime = rangespkg.KindDateTime
	RangeDate     = rangespkg.KindDate

	MessageDataStoreUpdated = wirepkg.TypeDataStoreUpdated
	MessageCancelProcessing = wirepkg.TypeCancelProcessing

	// NotStarted is the progress of a recorded job no table has been
	// processed for yet.
	NotStarted = ledgerpkg.NotStarted
)

// Metadata keys set on every published message.
const (
	MetadataKeyTier          = metadatapkg.KeyTier
	MetadataKeyMessageKind   = metadatapkg.KeyMessageKind
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
)
