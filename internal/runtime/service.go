package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	configpkg "github.com/drblury/tierflow/internal/runtime/config"
	errspkg "github.com/drblury/tierflow/internal/runtime/errors"
	"github.com/drblury/tierflow/internal/runtime/gateway"
	"github.com/drblury/tierflow/internal/runtime/ledger"
	loggingpkg "github.com/drblury/tierflow/internal/runtime/logging"
	"github.com/drblury/tierflow/internal/runtime/orchestrator"
	"github.com/drblury/tierflow/internal/runtime/processor"
	"github.com/drblury/tierflow/internal/runtime/wire"
	"github.com/drblury/tierflow/transport"
)

// ServiceDependencies holds optional collaborators. Leave fields nil to use
// the defaults derived from the config.
type ServiceDependencies struct {
	Transports *transport.Registry
	Jobs       *processor.Registry
	// Store replaces the ledger store opened from LedgerURL.
	Store ledger.Store
	// Connections replace the pools opened from SourceURL and SinkURL.
	Connections *processor.Connections
	Hooks       processor.JobHooks
}

// Service wires one tier: ledger, domain job, processor, broker gateway and
// the admin server.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport    transport.Transport
	store        ledger.Store
	conns        processor.Connections
	ledger       *ledger.Ledger
	processor    *processor.Processor
	orchestrator *orchestrator.Orchestrator

	registry  *prometheus.Registry
	resources *resourceTracker

	closers []func() error
}

// NewService builds every component. On error whatever was opened is closed.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (svc *Service, err error) {
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	log.Info("Creating tier service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"job_id":        conf.JobID,
		"config":        conf.String(),
	})

	s := &Service{
		Conf:      conf,
		Logger:    log,
		registry:  prometheus.NewRegistry(),
		resources: newResourceTracker(),
	}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	processorMetrics := processor.NewMetrics(s.registry)
	if err := processorMetrics.Register(); err != nil {
		return nil, err
	}
	gatewayMetrics := gateway.NewMetrics(s.registry)
	if err := gatewayMetrics.Register(); err != nil {
		return nil, err
	}

	s.store = deps.Store
	if s.store == nil {
		if s.store, err = ledger.OpenStore(ctx, conf.LedgerURL); err != nil {
			return nil, err
		}
		s.closers = append(s.closers, s.store.Close)
	}

	if deps.Connections != nil {
		s.conns = *deps.Connections
	} else {
		if s.conns, err = processor.OpenConnections(ctx, conf.SourceURL, conf.SinkURL); err != nil {
			return nil, err
		}
		s.closers = append(s.closers, s.conns.Close)
	}

	jobs := deps.Jobs
	if jobs == nil {
		jobs = processor.DefaultRegistry
	}
	job, err := jobs.Build(ctx, conf.JobID, s.conns)
	if err != nil {
		return nil, err
	}

	if s.ledger, err = ledger.Open(ctx, s.store, conf.JobID, job.Tier(), log); err != nil {
		return nil, err
	}

	channels := orchestrator.NewChannels(conf.ChannelBuffer)
	s.processor, err = processor.New(processor.Options{
		Job:               job,
		JobID:             conf.JobID,
		Connections:       s.conns,
		Ledger:            s.ledger,
		Outbound:          channels.Outbound,
		Logger:            log,
		Hooks:             processor.LoggingHooks(log.With(loggingpkg.LogFields{"job_id": conf.JobID, "tier": job.Tier()})).Merge(deps.Hooks),
		Metrics:           processorMetrics,
		ResumeConcurrency: conf.ResumeConcurrency,
	})
	if err != nil {
		return nil, err
	}

	transports := deps.Transports
	if transports == nil {
		transports = transport.DefaultRegistry
	}
	if s.transport, err = transports.Build(ctx, conf, loggingpkg.NewWatermillAdapter(log)); err != nil {
		return nil, fmt.Errorf("build transport %s: %w", conf.PubSubSystem, err)
	}
	s.closers = append(s.closers, s.transport.Close)

	gw, err := gateway.New(gateway.Config{
		SourceTopic: conf.SourceQueue,
		SinkTopic:   conf.SinkQueue,
		PoisonTopic: conf.PoisonQueue,
	}, s.transport.Publisher, s.transport.Subscriber, log, gatewayMetrics)
	if err != nil {
		return nil, err
	}

	if s.orchestrator, err = orchestrator.New(s.processor, gw, channels, log); err != nil {
		return nil, err
	}
	if conf.AdminPort > 0 {
		s.orchestrator.AddTask("admin server", s.serveAdmin)
	}
	return s, nil
}

// Start runs the tier until ctx is cancelled or a task fails.
func (s *Service) Start(ctx context.Context) error {
	return s.orchestrator.Run(ctx)
}

// Inject queues a message as if it had arrived from the broker.
func (s *Service) Inject(ctx context.Context, msg wire.Message) error {
	return s.orchestrator.Inject(ctx, msg)
}

// Ledger exposes the working set, for inspection.
func (s *Service) Ledger() *ledger.Ledger {
	return s.ledger
}

// Close releases the broker, the domain pools and the ledger store, in
// reverse order of opening.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
