// Package balances is the tier 2 job: it folds buy_sell rows into a daily
// balance per wallet.
package balances

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	errspkg "github.com/drblury/tierflow/internal/runtime/errors"
	"github.com/drblury/tierflow/internal/runtime/processor"
	"github.com/drblury/tierflow/internal/runtime/ranges"
)

const (
	JobID = "buy_sell_to_balances"
	Tier  = 2

	SourceTable = "buy_sell"
	SinkTable   = "balance_per_date"

	FilterUser = "user"
)

// SinkSchema is valid for both SQLite and PostgreSQL.
const SinkSchema = `CREATE TABLE IF NOT EXISTS balance_per_date (
	wallet  TEXT   NOT NULL,
	date    TEXT   NOT NULL,
	balance BIGINT NOT NULL,
	PRIMARY KEY (wallet, date)
)`

const (
	selectTouchedSQL = `SELECT block_timestamp FROM buy_sell
	WHERE wallet = $1 AND block_number >= $2 AND block_number <= $3`

	// the whole day is summed so a replayed range rewrites the same balance
	sumDaySQL = `SELECT COALESCE(SUM(amount), 0) FROM buy_sell
	WHERE wallet = $1 AND block_timestamp >= $2 AND block_timestamp < $3`

	upsertBalanceSQL = `INSERT INTO balance_per_date (wallet, date, balance)
	VALUES ($1, $2, $3)
	ON CONFLICT (wallet, date) DO UPDATE SET balance = excluded.balance`
)

func init() {
	processor.RegisterJob(JobID, New)
}

// Balance is one row of balance_per_date.
type Balance struct {
	Wallet  string
	Date    time.Time
	Balance int64
}

type Job struct{}

func New(_ context.Context, conns processor.Connections) (processor.Job, error) {
	if conns.Source == nil || conns.Sink == nil {
		return nil, fmt.Errorf("%s: %w", JobID, errspkg.ErrConnectionRequired)
	}
	return Job{}, nil
}

func (Job) Tier() int { return Tier }

func (Job) ProcessChanges(ctx context.Context, table string, changes ranges.ChangeSet, conns processor.Connections) (ranges.Tables, error) {
	if table != SourceTable {
		return nil, fmt.Errorf("%s: %w: %s", JobID, errspkg.ErrUnsupportedTable, table)
	}

	days := make(map[string][]time.Time)
	for _, q := range changes.Queries() {
		wallet, touched, err := touchedDays(ctx, conns.Source, q)
		if err != nil {
			return nil, err
		}
		days[wallet] = MergeDays(days[wallet], touched)
	}

	var balances []Balance
	for _, wallet := range sortedKeys(days) {
		for _, day := range days[wallet] {
			total, err := sumDay(ctx, conns.Source, wallet, day)
			if err != nil {
				return nil, err
			}
			balances = append(balances, Balance{Wallet: wallet, Date: day, Balance: total})
		}
	}
	if len(balances) == 0 {
		return ranges.Tables{}, nil
	}
	if err := upsertBalances(ctx, conns.Sink, balances); err != nil {
		return nil, err
	}

	touched, err := DateRanges(balances)
	if err != nil {
		return nil, err
	}
	return ranges.Tables{SinkTable: touched}, nil
}

func (Job) CancelProcessing(_ context.Context, tables []string) ([]string, error) {
	for _, t := range tables {
		if t != SourceTable {
			return nil, fmt.Errorf("%s: %w: %s", JobID, errspkg.ErrUnsupportedTable, t)
		}
	}
	if len(tables) == 0 {
		return nil, nil
	}
	return []string{SinkTable}, nil
}

// Day truncates a unix timestamp in seconds to its UTC date.
func Day(unix int64) time.Time {
	y, m, d := time.Unix(unix, 0).UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MergeDays returns the sorted union of a and b.
func MergeDays(a, b []time.Time) []time.Time {
	out := append(slices.Clone(a), b...)
	slices.SortFunc(out, func(x, y time.Time) int { return x.Compare(y) })
	return slices.CompactFunc(out, func(x, y time.Time) bool { return x.Equal(y) })
}

// DateRanges returns, per wallet, the date range covered by balances.
func DateRanges(balances []Balance) (ranges.ChangeSet, error) {
	type span struct{ from, to time.Time }
	spans := make(map[string]span)
	for _, b := range balances {
		s, ok := spans[b.Wallet]
		if !ok {
			spans[b.Wallet] = span{from: b.Date, to: b.Date}
			continue
		}
		if b.Date.Before(s.from) {
			s.from = b.Date
		}
		if b.Date.After(s.to) {
			s.to = b.Date
		}
		spans[b.Wallet] = s
	}

	var cs ranges.ChangeSet
	for _, wallet := range sortedKeys(spans) {
		s := spans[wallet]
		q, err := ranges.NewDateQuery(s.from, s.to, ranges.Filters{FilterUser: wallet})
		if err != nil {
			return ranges.ChangeSet{}, err
		}
		if err := cs.Push(q); err != nil {
			return ranges.ChangeSet{}, err
		}
	}
	return cs, nil
}

func touchedDays(ctx context.Context, db *sql.DB, q ranges.RangeQuery) (string, []time.Time, error) {
	from, to, ok := q.Range.Numeric()
	if !ok {
		return "", nil, fmt.Errorf("%s: %w: %s", JobID, errspkg.ErrUnsupportedRange, q.Range.Kind())
	}
	wallet, ok := q.Filters[FilterUser].(string)
	if !ok || wallet == "" {
		return "", nil, fmt.Errorf("%s: %w: %s", JobID, errspkg.ErrMissingFilter, FilterUser)
	}

	rows, err := db.QueryContext(ctx, selectTouchedSQL, wallet, from, to)
	if err != nil {
		return "", nil, errspkg.NewStorageError("query buy_sell", err)
	}
	defer rows.Close()

	var days []time.Time
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return "", nil, errspkg.NewStorageError("scan buy_sell", err)
		}
		days = append(days, Day(ts))
	}
	if err := rows.Err(); err != nil {
		return "", nil, errspkg.NewStorageError("query buy_sell", err)
	}
	return wallet, MergeDays(nil, days), nil
}

func sumDay(ctx context.Context, db *sql.DB, wallet string, day time.Time) (int64, error) {
	var total int64
	start := day.Unix()
	end := day.AddDate(0, 0, 1).Unix()
	if err := db.QueryRowContext(ctx, sumDaySQL, wallet, start, end).Scan(&total); err != nil {
		return 0, errspkg.NewStorageError("sum buy_sell", err)
	}
	return total, nil
}

func upsertBalances(ctx context.Context, db *sql.DB, balances []Balance) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errspkg.NewStorageError("begin balance upsert", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, b := range balances {
		if _, err = tx.ExecContext(ctx, upsertBalanceSQL, b.Wallet, b.Date.Format(ranges.DateLayout), b.Balance); err != nil {
			return errspkg.NewStorageError("upsert balance_per_date", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return errspkg.NewStorageError("commit balance upsert", err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
