package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dialect carries the per-driver differences of the ledger schema.
type dialect struct {
	name   string
	schema string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
}

// sqlStore implements Store over a database/sql pool. Queries are written
// with ? placeholders and rebound for the dialect once at construction.
type sqlStore struct {
	db *sql.DB

	insertSQL     string
	progressSQL   string
	finishSQL     string
	unfinishedSQL string
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*sqlStore, error) {
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		return nil, fmt.Errorf("ledger: init %s schema: %w", d.name, err)
	}
	bind := func(query string) string {
		if d.numbered {
			return rebind(query)
		}
		return query
	}
	return &sqlStore{
		db: db,
		insertSQL: bind(`INSERT INTO etl_job_status (job_id, job_tier, active_request, received_at, progress)
			VALUES (?, ?, ?, ?, ?) RETURNING id`),
		progressSQL: bind(`UPDATE etl_job_status SET progress = ? WHERE id = ? AND finished_at IS NULL`),
		finishSQL:   bind(`UPDATE etl_job_status SET finished_at = ? WHERE id = ? AND finished_at IS NULL`),
		unfinishedSQL: bind(`SELECT id, job_id, job_tier, active_request, received_at, progress
			FROM etl_job_status
			WHERE job_id = ? AND finished_at IS NULL
			ORDER BY received_at DESC, id DESC`),
	}, nil
}

func (s *sqlStore) Insert(ctx context.Context, rec JobRecord) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.insertSQL,
		rec.JobID, rec.Tier, string(rec.Request), rec.ReceivedAt.UTC(), rec.Progress,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *sqlStore) UpdateProgress(ctx context.Context, id, progress int64) error {
	return s.execOne(ctx, s.progressSQL, progress, id)
}

func (s *sqlStore) Finish(ctx context.Context, id int64, at time.Time) error {
	return s.execOne(ctx, s.finishSQL, at.UTC(), id)
}

// execOne runs an update that must touch exactly one open row.
func (s *sqlStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return errNoOpenRow
	}
	return nil
}

func (s *sqlStore) Unfinished(ctx context.Context, jobID string) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.unfinishedSQL, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []JobRecord
	for rows.Next() {
		var (
			rec     JobRecord
			request []byte
		)
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.Tier, &request, &rec.ReceivedAt, &rec.Progress); err != nil {
			return nil, err
		}
		// the driver may reuse its buffer after the next call to Next
		rec.Request = append([]byte(nil), request...)
		rec.ReceivedAt = rec.ReceivedAt.UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

var (
	errNoOpenRow   = errors.New("no open ledger row with that id")
	errStoreClosed = errors.New("ledger store closed")
)

// rebind turns ? placeholders into $1, $2, ...
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
