package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresConfig configures the PostgreSQL ledger store.
type PostgresConfig struct {
	ConnectionString string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

func (c PostgresConfig) withDefaults() PostgresConfig {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	return c
}

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	schema: `
	CREATE TABLE IF NOT EXISTS etl_job_status (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		job_id TEXT NOT NULL,
		job_tier INTEGER NOT NULL,
		active_request JSONB NOT NULL,
		received_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		progress BIGINT NOT NULL DEFAULT -1
	);

	CREATE INDEX IF NOT EXISTS idx_etl_job_status_open
		ON etl_job_status (job_id, received_at DESC)
		WHERE finished_at IS NULL;
	`,
}

// OpenPostgres connects, pings and migrates the ledger table.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (Store, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("ledger: PostgreSQL connection string is required")
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("ledger: open PostgreSQL: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: connect to PostgreSQL: %w", err)
	}

	store, err := newSQLStore(ctx, db, postgresDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}
