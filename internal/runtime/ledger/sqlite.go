package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteConfig configures the SQLite ledger store.
type SQLiteConfig struct {
	// FilePath is the database file. ":memory:" keeps everything in the
	// single pooled connection.
	FilePath string
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: `
	CREATE TABLE IF NOT EXISTS etl_job_status (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		job_tier INTEGER NOT NULL,
		active_request TEXT NOT NULL,
		received_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		progress INTEGER NOT NULL DEFAULT -1
	);

	CREATE INDEX IF NOT EXISTS idx_etl_job_status_open
		ON etl_job_status (job_id, finished_at, received_at);
	`,
}

// OpenSQLite opens the file in WAL mode. The pool is capped at one connection
// since SQLite serializes writers anyway.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (Store, error) {
	path := cfg.FilePath
	if path == "" {
		path = "tierflow_ledger.db"
	}

	dsn := path
	if path != ":memory:" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		dsn = path + sep + "_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store, err := newSQLStore(ctx, db, sqliteDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}
