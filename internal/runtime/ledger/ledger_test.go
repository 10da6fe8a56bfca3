package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/tierflow/internal/runtime/errors"
	"github.com/drblury/tierflow/internal/runtime/ranges"
	"github.com/drblury/tierflow/internal/runtime/wire"
)

var base = time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

// stores runs a test against every store that needs no external service.
func stores(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), SQLiteConfig{FilePath: ":memory:"})
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

// stepClock advances one second per call.
func stepClock() func() time.Time {
	var (
		mu  sync.Mutex
		now = base
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func sampleMessage(t *testing.T, block int64) wire.Message {
	t.Helper()
	q, err := ranges.NewNumericQuery(block, block, ranges.Filters{"chain_id": float64(1)})
	require.NoError(t, err)
	tables := ranges.Tables{}
	require.NoError(t, tables.Add("actions", ranges.MustChangeSet(q)))
	return wire.DataStoreUpdated(0, tables)
}

func TestRecordAndComplete(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l, err := Open(ctx, newStore(t), "actions_to_buy_sell", 1, nil, WithClock(stepClock()))
			require.NoError(t, err)
			assert.Zero(t, l.Len())

			msg := sampleMessage(t, 100)
			id, err := l.Record(ctx, msg)
			require.NoError(t, err)
			assert.Equal(t, 1, l.Len())

			rec, ok := l.Get(id)
			require.True(t, ok)
			assert.Equal(t, "actions_to_buy_sell", rec.JobID)
			assert.Equal(t, 1, rec.Tier)
			assert.Equal(t, NotStarted, rec.Progress)
			assert.False(t, rec.Finished())

			decoded, err := rec.Message()
			require.NoError(t, err)
			assert.Equal(t, msg.String(), decoded.String())

			require.NoError(t, l.Complete(ctx, id))
			assert.Zero(t, l.Len())

			err = l.Complete(ctx, id)
			require.ErrorIs(t, err, errspkg.ErrJobNotFound)
		})
	}
}

func TestOpenLoadsUnfinishedNewestFirst(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			clock := stepClock()

			first, err := Open(ctx, store, "actions_to_buy_sell", 1, nil, WithClock(clock))
			require.NoError(t, err)
			other, err := Open(ctx, store, "buy_sell_to_balances", 2, nil, WithClock(clock))
			require.NoError(t, err)

			a, err := first.Record(ctx, sampleMessage(t, 1))
			require.NoError(t, err)
			b, err := first.Record(ctx, sampleMessage(t, 2))
			require.NoError(t, err)
			c, err := first.Record(ctx, sampleMessage(t, 3))
			require.NoError(t, err)
			_, err = other.Record(ctx, sampleMessage(t, 4))
			require.NoError(t, err)
			require.NoError(t, first.Complete(ctx, b))

			reopened, err := Open(ctx, store, "actions_to_buy_sell", 1, nil)
			require.NoError(t, err)

			var got []int64
			for _, rec := range reopened.Unfinished() {
				got = append(got, rec.ID)
			}
			assert.Equal(t, []int64{c, a}, got)
		})
	}
}

func TestUnfinishedTiesBreakByID(t *testing.T) {
	ctx := context.Background()
	fixed := func() time.Time { return base }
	l, err := Open(ctx, NewMemoryStore(), "job", 1, nil, WithClock(fixed))
	require.NoError(t, err)

	a, err := l.Record(ctx, sampleMessage(t, 1))
	require.NoError(t, err)
	b, err := l.Record(ctx, sampleMessage(t, 2))
	require.NoError(t, err)

	got := l.Unfinished()
	require.Len(t, got, 2)
	assert.Equal(t, b, got[0].ID)
	assert.Equal(t, a, got[1].ID)
}

func TestUpdateProgress(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			l, err := Open(ctx, store, "job", 1, nil)
			require.NoError(t, err)

			id, err := l.Record(ctx, sampleMessage(t, 1))
			require.NoError(t, err)
			require.NoError(t, l.UpdateProgress(ctx, id, 42))

			rec, _ := l.Get(id)
			assert.Equal(t, int64(42), rec.Progress)

			reopened, err := Open(ctx, store, "job", 1, nil)
			require.NoError(t, err)
			rec, ok := reopened.Get(id)
			require.True(t, ok)
			assert.Equal(t, int64(42), rec.Progress)

			require.ErrorIs(t, l.UpdateProgress(ctx, id+100, 1), errspkg.ErrJobNotFound)
		})
	}
}

func TestFinishedElsewhere(t *testing.T) {
	ops := map[string]func(ctx context.Context, l *Ledger, id int64) error{
		"complete": func(ctx context.Context, l *Ledger, id int64) error {
			return l.Complete(ctx, id)
		},
		"update progress": func(ctx context.Context, l *Ledger, id int64) error {
			return l.UpdateProgress(ctx, id, 3)
		},
	}
	for storeName, newStore := range stores(t) {
		for opName, op := range ops {
			t.Run(storeName+"/"+opName, func(t *testing.T) {
				ctx := context.Background()
				store := newStore(t)
				l, err := Open(ctx, store, "job", 1, nil)
				require.NoError(t, err)
				id, err := l.Record(ctx, sampleMessage(t, 1))
				require.NoError(t, err)

				// another instance finished the job first
				require.NoError(t, store.Finish(ctx, id, base))

				err = op(ctx, l, id)
				require.ErrorIs(t, err, errspkg.ErrJobNotFound)
				var storageErr *errspkg.StorageError
				assert.False(t, errors.As(err, &storageErr))
				assert.Zero(t, l.Len())
			})
		}
	}
}

type failingStore struct {
	*MemoryStore
	failFinish bool
	failInsert bool
}

var errDiskFull = errors.New("disk full")

func (f *failingStore) Insert(ctx context.Context, rec JobRecord) (int64, error) {
	if f.failInsert {
		return 0, errDiskFull
	}
	return f.MemoryStore.Insert(ctx, rec)
}

func (f *failingStore) Finish(ctx context.Context, id int64, at time.Time) error {
	if f.failFinish {
		return errDiskFull
	}
	return f.MemoryStore.Finish(ctx, id, at)
}

func TestStorageFailures(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore()}
	l, err := Open(ctx, store, "job", 1, nil)
	require.NoError(t, err)

	id, err := l.Record(ctx, sampleMessage(t, 1))
	require.NoError(t, err)

	store.failFinish = true
	err = l.Complete(ctx, id)
	var storageErr *errspkg.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "complete job", storageErr.Op)
	require.ErrorIs(t, err, errDiskFull)
	_, stillActive := l.Get(id)
	assert.True(t, stillActive, "a failed completion must leave the job unfinished")

	store.failInsert = true
	_, err = l.Record(ctx, sampleMessage(t, 2))
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, 1, l.Len())
}

func TestOpenRequiresStore(t *testing.T) {
	_, err := Open(context.Background(), nil, "job", 1, nil)
	require.ErrorIs(t, err, errspkg.ErrLedgerRequired)
}

func TestUnfinishedReturnsSnapshot(t *testing.T) {
	ctx := context.Background()
	l, err := Open(ctx, NewMemoryStore(), "job", 1, nil)
	require.NoError(t, err)
	id, err := l.Record(ctx, sampleMessage(t, 1))
	require.NoError(t, err)

	snapshot := l.Unfinished()
	require.NoError(t, l.Complete(ctx, id))
	assert.Len(t, snapshot, 1)
	assert.Empty(t, l.Unfinished())
}
