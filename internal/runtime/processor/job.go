package processor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	errspkg "github.com/drblury/tierflow/internal/runtime/errors"
	"github.com/drblury/tierflow/internal/runtime/ranges"
)

// Job is the business transform of one tier. Implementations must be
// idempotent: a job that crashed mid-way is replayed from the ledger.
type Job interface {
	// Tier is the stage this job runs at. It accepts messages from Tier()-1.
	Tier() int
	// ProcessChanges transforms the changes of one source table and returns
	// the changes it wrote downstream, keyed by sink table.
	ProcessChanges(ctx context.Context, table string, changes ranges.ChangeSet, conns Connections) (ranges.Tables, error)
	// CancelProcessing reacts to an upstream cancellation and returns the sink
	// tables the cancellation propagates to.
	CancelProcessing(ctx context.Context, tables []string) ([]string, error)
}

// Builder creates a Job once per process.
type Builder func(ctx context.Context, conns Connections) (Job, error)

// Connections are the pooled source and sink database handles of a tier.
type Connections struct {
	Source *sql.DB
	Sink   *sql.DB
}

// OpenConnections opens both pools. URLs use the postgres:// or sqlite://
// scheme; an empty URL leaves the handle nil for jobs that do not need it.
func OpenConnections(ctx context.Context, sourceURL, sinkURL string) (Connections, error) {
	source, err := openDB(ctx, sourceURL)
	if err != nil {
		return Connections{}, errspkg.NewStorageError("open source", err)
	}
	sink, err := openDB(ctx, sinkURL)
	if err != nil {
		if source != nil {
			source.Close()
		}
		return Connections{}, errspkg.NewStorageError("open sink", err)
	}
	return Connections{Source: source, Sink: sink}, nil
}

// Close closes whichever pools are open.
func (c Connections) Close() error {
	var errs []error
	for _, db := range []*sql.DB{c.Source, c.Sink} {
		if db != nil {
			if err := db.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func openDB(ctx context.Context, rawURL string) (*sql.DB, error) {
	if rawURL == "" {
		return nil, nil
	}
	scheme, rest, ok := strings.Cut(rawURL, "://")
	if !ok {
		return nil, errors.New("database URL has no scheme")
	}

	var (
		db  *sql.DB
		err error
	)
	switch strings.ToLower(scheme) {
	case "postgres", "postgresql":
		db, err = sql.Open("postgres", rawURL)
	case "sqlite", "sqlite3":
		db, err = sql.Open("sqlite3", rest)
		if err == nil {
			db.SetMaxOpenConns(1)
		}
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", scheme)
	}
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Registry maps job ids to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// DefaultRegistry holds the jobs registered by init functions.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a builder under id. Registering an id twice replaces the builder.
func (r *Registry) Register(id string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[id] = builder
}

// Build creates the job registered under id.
func (r *Registry) Build(ctx context.Context, id string, conns Connections) (Job, error) {
	r.mu.RLock()
	builder, ok := r.builders[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", errspkg.ErrUnknownJob, id, r.Names())
	}
	job, err := builder(ctx, conns)
	if err != nil {
		return nil, fmt.Errorf("build job %s: %w", id, err)
	}
	if job == nil {
		return nil, fmt.Errorf("build job %s: %w", id, errspkg.ErrJobRequired)
	}
	return job, nil
}

// Names returns the registered ids in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[id]
	return ok
}

// RegisterJob adds a builder to the default registry.
func RegisterJob(id string, builder Builder) {
	DefaultRegistry.Register(id, builder)
}

// BuildJob creates a job from the default registry.
func BuildJob(ctx context.Context, id string, conns Connections) (Job, error) {
	return DefaultRegistry.Build(ctx, id, conns)
}

// JobNames lists the default registry.
func JobNames() []string {
	return DefaultRegistry.Names()
}
