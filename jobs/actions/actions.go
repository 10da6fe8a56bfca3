// Package actions is the tier 1 job: it turns raw on-chain actions into signed
// buy/sell rows keyed by wallet, block and log index.
package actions

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	errspkg "github.com/drblury/tierflow/internal/runtime/errors"
	"github.com/drblury/tierflow/internal/runtime/processor"
	"github.com/drblury/tierflow/internal/runtime/ranges"
)

const (
	// JobID is the registry id of this job.
	JobID = "actions_to_buy_sell"
	Tier  = 1

	SourceTable = "actions"
	SinkTable   = "buy_sell"

	// FilterChainID scopes incoming block ranges to one chain.
	FilterChainID = "chain_id"
	// FilterUser scopes outgoing block ranges to one wallet.
	FilterUser = "user"
)

// SourceSchema and SinkSchema are the tables this job reads and writes. They
// are valid for both SQLite and PostgreSQL.
const (
	SourceSchema = `CREATE TABLE IF NOT EXISTS actions (
	id              TEXT PRIMARY KEY,
	action_type     TEXT   NOT NULL,
	asset_value     BIGINT NOT NULL CHECK (asset_value >= 0),
	chain_id        BIGINT NOT NULL,
	wallet_address  TEXT   NOT NULL,
	log_index       BIGINT NOT NULL,
	block_number    BIGINT NOT NULL,
	block_timestamp BIGINT NOT NULL
)`
	SinkSchema = `CREATE TABLE IF NOT EXISTS buy_sell (
	wallet          TEXT   NOT NULL,
	action          TEXT   NOT NULL,
	amount          BIGINT NOT NULL,
	block_number    BIGINT NOT NULL,
	tx_index        BIGINT NOT NULL,
	block_timestamp BIGINT NOT NULL,
	PRIMARY KEY (wallet, block_number, tx_index)
)`
)

const (
	selectActionsSQL = `SELECT id, action_type, asset_value, wallet_address, log_index, block_number, block_timestamp
	FROM actions
	WHERE chain_id = $1 AND block_number >= $2 AND block_number <= $3
	ORDER BY block_number, log_index`

	upsertBuySellSQL = `INSERT INTO buy_sell (wallet, action, amount, block_number, tx_index, block_timestamp)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (wallet, block_number, tx_index) DO UPDATE SET
		action = excluded.action,
		amount = excluded.amount,
		block_timestamp = excluded.block_timestamp`
)

func init() {
	processor.RegisterJob(JobID, New)
}

// Action is one row of the actions table.
type Action struct {
	ID             string
	Type           string
	AssetValue     int64
	WalletAddress  string
	LogIndex       int64
	BlockNumber    int64
	BlockTimestamp int64
}

// BuySell is one row of the buy_sell table. Amount is positive for buys and
// negative for sells.
type BuySell struct {
	Wallet         string
	Action         string
	Amount         int64
	BlockNumber    int64
	TxIndex        int64
	BlockTimestamp int64
}

// Job implements processor.Job.
type Job struct{}

// New checks that both pools are present.
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

	var rows []BuySell
	for _, q := range changes.Queries() {
		actions, err := loadActions(ctx, conns.Source, q)
		if err != nil {
			return nil, err
		}
		for _, a := range actions {
			if bs, ok := ToBuySell(a); ok {
				rows = append(rows, bs)
			}
		}
	}
	if len(rows) == 0 {
		return ranges.Tables{}, nil
	}
	if err := upsertBuySell(ctx, conns.Sink, rows); err != nil {
		return nil, err
	}

	touched, err := UserRanges(rows)
	if err != nil {
		return nil, err
	}
	return ranges.Tables{SinkTable: touched}, nil
}

// CancelProcessing maps the cancelled source tables onto the table this job
// writes, so the next tier stops too.
func (Job) CancelProcessing(_ context.Context, tables []string) ([]string, error) {
	var out []string
	for _, t := range tables {
		if t != SourceTable {
			return nil, fmt.Errorf("%s: %w: %s", JobID, errspkg.ErrUnsupportedTable, t)
		}
		out = append(out, SinkTable)
	}
	return slices.Compact(out), nil
}

// ToBuySell converts a buy or sell action. Other action types are skipped.
func ToBuySell(a Action) (BuySell, bool) {
	var amount int64
	switch strings.ToLower(a.Type) {
	case "buy":
		amount = a.AssetValue
	case "sell":
		amount = -a.AssetValue
	default:
		return BuySell{}, false
	}
	return BuySell{
		Wallet:         a.WalletAddress,
		Action:         strings.ToLower(a.Type),
		Amount:         amount,
		BlockNumber:    a.BlockNumber,
		TxIndex:        a.LogIndex,
		BlockTimestamp: a.BlockTimestamp,
	}, true
}

// UserRanges returns, per wallet, the block range spanned by rows.
func UserRanges(rows []BuySell) (ranges.ChangeSet, error) {
	type span struct{ from, to int64 }
	spans := make(map[string]span)
	var order []string
	for _, r := range rows {
		s, ok := spans[r.Wallet]
		if !ok {
			order = append(order, r.Wallet)
			spans[r.Wallet] = span{from: r.BlockNumber, to: r.BlockNumber}
			continue
		}
		spans[r.Wallet] = span{from: min(s.from, r.BlockNumber), to: max(s.to, r.BlockNumber)}
	}

	slices.Sort(order)
	var cs ranges.ChangeSet
	for _, wallet := range order {
		s := spans[wallet]
		q, err := ranges.NewNumericQuery(s.from, s.to, ranges.Filters{FilterUser: wallet})
		if err != nil {
			return ranges.ChangeSet{}, err
		}
		if err := cs.Push(q); err != nil {
			return ranges.ChangeSet{}, err
		}
	}
	return cs, nil
}

func loadActions(ctx context.Context, db *sql.DB, q ranges.RangeQuery) ([]Action, error) {
	from, to, ok := q.Range.Numeric()
	if !ok {
		return nil, fmt.Errorf("%s: %w: %s", JobID, errspkg.ErrUnsupportedRange, q.Range.Kind())
	}
	chainID, err := chainFilter(q.Filters)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, selectActionsSQL, chainID, from, to)
	if err != nil {
		return nil, errspkg.NewStorageError("query actions", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var a Action
		if err := rows.Scan(&a.ID, &a.Type, &a.AssetValue, &a.WalletAddress, &a.LogIndex, &a.BlockNumber, &a.BlockTimestamp); err != nil {
			return nil, errspkg.NewStorageError("scan actions", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errspkg.NewStorageError("query actions", err)
	}
	return out, nil
}

func upsertBuySell(ctx context.Context, db *sql.DB, rows []BuySell) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errspkg.NewStorageError("begin buy_sell upsert", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, upsertBuySellSQL)
	if err != nil {
		return errspkg.NewStorageError("prepare buy_sell upsert", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err = stmt.ExecContext(ctx, r.Wallet, r.Action, r.Amount, r.BlockNumber, r.TxIndex, r.BlockTimestamp); err != nil {
			return errspkg.NewStorageError("upsert buy_sell", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return errspkg.NewStorageError("commit buy_sell upsert", err)
	}
	return nil
}

// chainFilter reads chain_id, which arrives as a float64 after JSON decoding.
func chainFilter(f ranges.Filters) (int64, error) {
	switch v := f[FilterChainID].(type) {
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	default:
		return 0, fmt.Errorf("%s: %w: %s", JobID, errspkg.ErrMissingFilter, FilterChainID)
	}
}
