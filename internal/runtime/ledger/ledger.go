// Package ledger records accepted messages durably before they are processed
// so a crashed tier can replay them on restart.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	errspkg "github.com/drblury/tierflow/internal/runtime/errors"
	"github.com/drblury/tierflow/internal/runtime/logging"
	"github.com/drblury/tierflow/internal/runtime/wire"
)

// Ledger is the working set of unfinished jobs for one job id, backed by a
// Store. All methods are safe for concurrent use.
type Ledger struct {
	store  Store
	jobID  string
	tier   int
	logger logging.ServiceLogger
	now    func() time.Time

	mu     sync.Mutex
	active map[int64]JobRecord
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// Open loads every unfinished record of jobID into memory.
func Open(ctx context.Context, store Store, jobID string, tier int, logger logging.ServiceLogger, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errspkg.ErrLedgerRequired
	}
	if logger == nil {
		logger = logging.Nop()
	}
	l := &Ledger{
		store:  store,
		jobID:  jobID,
		tier:   tier,
		logger: logger.With(logging.LogFields{"job_id": jobID, "tier": tier}),
		now:    time.Now,
		active: make(map[int64]JobRecord),
	}
	for _, opt := range opts {
		opt(l)
	}

	records, err := store.Unfinished(ctx, jobID)
	if err != nil {
		return nil, errspkg.NewStorageError("load unfinished jobs", err)
	}
	for _, rec := range records {
		l.active[rec.ID] = rec
	}
	l.logger.Info("Loaded unfinished jobs", logging.LogFields{"count": len(records)})
	return l, nil
}

func (l *Ledger) JobID() string { return l.jobID }

func (l *Ledger) Tier() int { return l.tier }

// Record persists msg as a new unfinished job and returns its id. Once Record
// returns, the message survives a crash.
func (l *Ledger) Record(ctx context.Context, msg wire.Message) (int64, error) {
	payload, err := wire.Encode(msg)
	if err != nil {
		return 0, fmt.Errorf("encode job request: %w", err)
	}
	rec := JobRecord{
		JobID:      l.jobID,
		Tier:       l.tier,
		Request:    payload,
		ReceivedAt: l.now().UTC(),
		Progress:   NotStarted,
	}
	id, err := l.store.Insert(ctx, rec)
	if err != nil {
		return 0, errspkg.NewStorageError("record job", err)
	}
	rec.ID = id

	l.mu.Lock()
	l.active[id] = rec
	l.mu.Unlock()

	l.logger.Debug("Recorded job", logging.LogFields{"id": id, "message": msg.String()})
	return id, nil
}

// UpdateProgress stores a progress counter for an unfinished job. Like
// Complete, it returns ErrJobNotFound once the job is finished.
func (l *Ledger) UpdateProgress(ctx context.Context, id, progress int64) error {
	if _, ok := l.Get(id); !ok {
		return fmt.Errorf("%w: %d", errspkg.ErrJobNotFound, id)
	}
	if err := l.store.UpdateProgress(ctx, id, progress); err != nil {
		if errors.Is(err, errNoOpenRow) {
			l.forget(id)
			return fmt.Errorf("%w: %d", errspkg.ErrJobNotFound, id)
		}
		return errspkg.NewStorageError("update job progress", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.active[id]; ok {
		rec.Progress = progress
		l.active[id] = rec
	}
	return nil
}

// Complete marks a job finished and drops it from the working set. Completing
// an unknown or already completed job returns ErrJobNotFound. On a storage
// failure the job stays unfinished.
func (l *Ledger) Complete(ctx context.Context, id int64) error {
	if _, ok := l.Get(id); !ok {
		return fmt.Errorf("%w: %d", errspkg.ErrJobNotFound, id)
	}
	if err := l.store.Finish(ctx, id, l.now().UTC()); err != nil {
		if errors.Is(err, errNoOpenRow) {
			// finished concurrently
			l.forget(id)
			return fmt.Errorf("%w: %d", errspkg.ErrJobNotFound, id)
		}
		return errspkg.NewStorageError("complete job", err)
	}
	l.forget(id)
	l.logger.Debug("Completed job", logging.LogFields{"id": id})
	return nil
}

func (l *Ledger) forget(id int64) {
	l.mu.Lock()
	delete(l.active, id)
	l.mu.Unlock()
}

// Get returns an unfinished record by id.
func (l *Ledger) Get(id int64) (JobRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.active[id]
	return rec, ok
}

// Unfinished returns a snapshot of the working set, newest first.
func (l *Ledger) Unfinished() []JobRecord {
	l.mu.Lock()
	out := make([]JobRecord, 0, len(l.active))
	for _, rec := range l.active {
		out = append(out, rec)
	}
	l.mu.Unlock()

	slices.SortFunc(out, newestFirst)
	return out
}

// Len is the number of unfinished jobs.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}
