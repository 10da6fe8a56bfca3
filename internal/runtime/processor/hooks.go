package processor

import (
	"time"

	"github.com/drblury/tierflow/internal/runtime/logging"
	"github.com/drblury/tierflow/internal/runtime/wire"
)

// JobContext describes one processing run to hooks.
type JobContext struct {
	JobID    string
	Tier     int
	LedgerID int64
	Kind     wire.Type
	Tables   []string
	// Resumed is set when the run replays a ledger record on startup.
	Resumed   bool
	StartedAt time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
}

// JobHooks are optional callbacks around ProcessMessage. Nil hooks are skipped.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge returns hooks calling h first, then other.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chain(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chain(h.OnJobDone, other.OnJobDone),
		OnJobError: chainError(h.OnJobError, other.OnJobError),
	}
}

func chain(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainError(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h JobHooks) start(ctx JobContext) {
	if h.OnJobStart != nil {
		h.OnJobStart(ctx)
	}
}

func (h JobHooks) finish(ctx JobContext, err error) {
	if err != nil {
		if h.OnJobError != nil {
			h.OnJobError(ctx, err)
		}
		return
	}
	if h.OnJobDone != nil {
		h.OnJobDone(ctx)
	}
}

// LoggingHooks logs every job lifecycle event. The logger is expected to be
// scoped with job_id and tier already.
func LoggingHooks(logger logging.ServiceLogger) JobHooks {
	fields := func(ctx JobContext) logging.LogFields {
		return logging.LogFields{
			"ledger_id": ctx.LedgerID,
			"kind":      ctx.Kind.String(),
			"tables":    ctx.Tables,
			"resumed":   ctx.Resumed,
		}
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", fields(ctx))
		},
		OnJobDone: func(ctx JobContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Info("Job completed", f)
		},
		OnJobError: func(ctx JobContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Job failed", err, f)
		},
	}
}
