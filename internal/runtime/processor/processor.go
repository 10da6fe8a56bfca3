// Package processor drives a tier's Job: it validates and records incoming
// messages, runs the job per table, emits the merged result downstream and
// marks the ledger record finished.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	errspkg "github.com/drblury/tierflow/internal/runtime/errors"
	"github.com/drblury/tierflow/internal/runtime/ledger"
	"github.com/drblury/tierflow/internal/runtime/logging"
	"github.com/drblury/tierflow/internal/runtime/ranges"
	"github.com/drblury/tierflow/internal/runtime/wire"
)

const tracerName = "github.com/drblury/tierflow/processor"

// Options configures a Processor. Job, Ledger and Outbound are required.
type Options struct {
	Job         Job
	JobID       string
	Connections Connections
	Ledger      *ledger.Ledger
	// Outbound receives every message the processor emits.
	Outbound chan<- wire.Message
	Logger   logging.ServiceLogger
	Hooks    JobHooks
	Metrics  *Metrics
	// ResumeConcurrency caps parallel replays in Resume; zero is unbounded.
	ResumeConcurrency int
}

// Processor runs one Job against the ledger. It is safe for concurrent use.
type Processor struct {
	job               Job
	jobID             string
	conns             Connections
	ledger            *ledger.Ledger
	outbound          chan<- wire.Message
	logger            logging.ServiceLogger
	hooks             JobHooks
	metrics           *Metrics
	resumeConcurrency int
	tracer            trace.Tracer
}

func New(opts Options) (*Processor, error) {
	if opts.Job == nil {
		return nil, errspkg.ErrJobRequired
	}
	if opts.Ledger == nil {
		return nil, errspkg.ErrLedgerRequired
	}
	if opts.Outbound == nil {
		return nil, fmt.Errorf("processor: %w", errspkg.ErrChannelClosed)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	jobID := opts.JobID
	if jobID == "" {
		jobID = opts.Ledger.JobID()
	}
	if opts.ResumeConcurrency < 0 {
		opts.ResumeConcurrency = 0
	}
	return &Processor{
		job:               opts.Job,
		jobID:             jobID,
		conns:             opts.Connections,
		ledger:            opts.Ledger,
		outbound:          opts.Outbound,
		logger:            logger.With(logging.LogFields{"job_id": jobID, "tier": opts.Job.Tier()}),
		hooks:             opts.Metrics.Hooks().Merge(opts.Hooks),
		metrics:           opts.Metrics,
		resumeConcurrency: opts.ResumeConcurrency,
		tracer:            otel.Tracer(tracerName),
	}, nil
}

func (p *Processor) Tier() int { return p.job.Tier() }

// ValidateMessageTier accepts only messages produced by the previous tier.
func (p *Processor) ValidateMessageTier(msgTier int) bool {
	return msgTier+1 == p.Tier()
}

// Accept records msg in the ledger if it comes from the previous tier. A
// message from any other tier is logged and dropped: accepted is false and
// err is nil.
func (p *Processor) Accept(ctx context.Context, msg wire.Message) (id int64, accepted bool, err error) {
	if !p.ValidateMessageTier(msg.Tier) {
		p.logger.Info("Dropping message from unexpected tier", logging.LogFields{
			"message_tier":  msg.Tier,
			"expected_tier": p.Tier() - 1,
			"kind":          msg.Type.String(),
		})
		p.metrics.recordDropped(p.jobID)
		return 0, false, nil
	}
	id, err = p.ledger.Record(ctx, msg)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// ProcessMessageFromQueue is Accept followed by ProcessMessage.
func (p *Processor) ProcessMessageFromQueue(ctx context.Context, msg wire.Message) error {
	id, accepted, err := p.Accept(ctx, msg)
	if err != nil || !accepted {
		return err
	}
	return p.ProcessMessage(ctx, msg, id)
}

// ProcessMessage runs the job for a recorded message, emits the result and
// completes ledger record id. On error the record stays unfinished and is
// replayed by the next Resume.
func (p *Processor) ProcessMessage(ctx context.Context, msg wire.Message, id int64) error {
	return p.process(ctx, msg, id, false)
}

func (p *Processor) process(ctx context.Context, msg wire.Message, id int64, resumed bool) (err error) {
	jobCtx := JobContext{
		JobID:     p.jobID,
		Tier:      p.Tier(),
		LedgerID:  id,
		Kind:      msg.Type,
		Tables:    msg.Tables(),
		Resumed:   resumed,
		StartedAt: time.Now(),
	}

	ctx, span := p.tracer.Start(ctx, "ProcessMessage", trace.WithAttributes(
		attribute.String("tierflow.job_id", p.jobID),
		attribute.Int("tierflow.tier", p.Tier()),
		attribute.Int64("tierflow.ledger_id", id),
		attribute.String("tierflow.message_kind", msg.Type.String()),
		attribute.StringSlice("tierflow.tables", jobCtx.Tables),
		attribute.Bool("tierflow.resumed", resumed),
	))
	p.hooks.start(jobCtx)
	defer func() {
		jobCtx.Duration = time.Since(jobCtx.StartedAt)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		p.hooks.finish(jobCtx, err)
	}()

	var out wire.Message
	switch msg.Type {
	case wire.TypeDataStoreUpdated:
		var changes ranges.Tables
		changes, err = p.processChanges(ctx, msg.Changes, id)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			p.logger.Debug("No downstream changes; nothing to emit", logging.LogFields{"ledger_id": id})
			return p.complete(ctx, id)
		}
		out = wire.DataStoreUpdated(p.Tier(), changes)
	case wire.TypeCancelProcessing:
		var tables []string
		tables, err = p.job.CancelProcessing(ctx, msg.Cancelled)
		if err != nil {
			return fmt.Errorf("cancel processing %v: %w", msg.Cancelled, err)
		}
		out = wire.CancelProcessing(p.Tier(), tables)
	default:
		return fmt.Errorf("%w: %s", errspkg.ErrUnknownMessageKind, msg.Type)
	}

	if err = p.emit(ctx, out); err != nil {
		return err
	}
	return p.complete(ctx, id)
}

// processChanges calls the job once per source table in lexical order and
// merges everything it reports.
func (p *Processor) processChanges(ctx context.Context, in ranges.Tables, id int64) (ranges.Tables, error) {
	out := ranges.Tables{}
	for i, table := range in.Names() {
		produced, err := p.job.ProcessChanges(ctx, table, in[table], p.conns)
		if err != nil {
			return nil, fmt.Errorf("process table %s: %w", table, err)
		}
		if err := out.Merge(produced); err != nil {
			return nil, fmt.Errorf("merge output of table %s: %w", table, err)
		}
		if err := p.ledger.UpdateProgress(ctx, id, int64(i+1)); err != nil {
			return nil, err
		}
	}
	for _, name := range out.Names() {
		if out[name].IsEmpty() {
			delete(out, name)
		}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Processor) emit(ctx context.Context, msg wire.Message) error {
	select {
	case p.outbound <- msg:
		p.logger.Debug("Emitted message", logging.LogFields{"message": msg.String()})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) complete(ctx context.Context, id int64) error {
	if err := p.ledger.Complete(ctx, id); err != nil {
		return fmt.Errorf("complete job %d: %w", id, err)
	}
	return nil
}

// Resume replays every unfinished ledger record, at most ResumeConcurrency at
// a time. It waits for all of them and joins their errors.
func (p *Processor) Resume(ctx context.Context) error {
	records := p.ledger.Unfinished()
	if len(records) == 0 {
		return nil
	}
	p.logger.Info("Resuming unfinished jobs", logging.LogFields{
		"count":       len(records),
		"concurrency": p.resumeConcurrency,
	})

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	if p.resumeConcurrency > 0 {
		g.SetLimit(p.resumeConcurrency)
	}
	for _, rec := range records {
		g.Go(func() error {
			msg, err := rec.Message()
			if err == nil {
				err = p.process(ctx, msg, rec.ID, true)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("resume job %d: %w", rec.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
