package runtime

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/tierflow/internal/runtime/config"
	errspkg "github.com/drblury/tierflow/internal/runtime/errors"
	"github.com/drblury/tierflow/internal/runtime/ledger"
	loggingpkg "github.com/drblury/tierflow/internal/runtime/logging"
	"github.com/drblury/tierflow/internal/runtime/processor"
	"github.com/drblury/tierflow/internal/runtime/ranges"
	"github.com/drblury/tierflow/internal/runtime/wire"
	"github.com/drblury/tierflow/transport"
)

const waitFor = 2 * time.Second

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

// passThroughJob forwards each source table's changes to "<table>_out".
type passThroughJob struct{ tier int }

func (j passThroughJob) Tier() int { return j.tier }

func (passThroughJob) ProcessChanges(_ context.Context, table string, changes ranges.ChangeSet, _ processor.Connections) (ranges.Tables, error) {
	return ranges.Tables{table + "_out": changes}, nil
}

func (passThroughJob) CancelProcessing(_ context.Context, tables []string) ([]string, error) {
	return tables, nil
}

type testEnv struct {
	conf   *configpkg.Config
	pubsub *gochannel.GoChannel
	store  *ledger.MemoryStore
	deps   ServiceDependencies
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conf := configpkg.Default()
	conf.JobID = "pass_through"
	conf.LedgerURL = "memory://"
	conf.SourceQueue = "etl_tier_1"
	conf.SinkQueue = "etl_tier_2"
	conf.AdminPort = 0

	pubsub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })

	transports := transport.NewRegistry()
	transports.Register("channel", func(context.Context, transport.Config, watermill.LoggerAdapter) (transport.Transport, error) {
		return transport.Transport{Publisher: pubsub, Subscriber: pubsub}, nil
	})
	jobs := processor.NewRegistry()
	jobs.Register("pass_through", func(context.Context, processor.Connections) (processor.Job, error) {
		return passThroughJob{tier: 1}, nil
	})

	store := ledger.NewMemoryStore()
	return &testEnv{
		conf:   &conf,
		pubsub: pubsub,
		store:  store,
		deps: ServiceDependencies{
			Transports:  transports,
			Jobs:        jobs,
			Store:       store,
			Connections: &processor.Connections{},
		},
	}
}

func publish(t *testing.T, pub message.Publisher, topic string, msg wire.Message) {
	t.Helper()
	payload, err := wire.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(topic, message.NewMessage(watermill.NewUUID(), payload)))
}

func actions(t *testing.T, from, to int64) wire.Message {
	t.Helper()
	q, err := ranges.NewNumericQuery(from, to, ranges.Filters{"chain_id": float64(1)})
	require.NoError(t, err)
	return wire.DataStoreUpdated(0, ranges.Tables{"actions": ranges.MustChangeSet(q)})
}

func TestServiceProcessesBrokerMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := NewService(ctx, env.conf, newTestLogger(), env.deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	sink, err := env.pubsub.Subscribe(ctx, "etl_tier_2")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	publish(t, env.pubsub, "etl_tier_1", actions(t, 100, 200))

	select {
	case got := <-sink:
		got.Ack()
		msg, err := wire.Decode(got.Payload)
		require.NoError(t, err)
		assert.Equal(t, 1, msg.Tier)
		assert.Equal(t, []string{"actions_out"}, msg.Tables())
	case <-time.After(waitFor):
		t.Fatal("no message on the sink topic")
	}
	require.Eventually(t, func() bool { return svc.Ledger().Len() == 0 }, waitFor, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("service did not stop")
	}
}

func TestServiceResumesUnfinishedJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// a previous run recorded the job and crashed before finishing it
	previous, err := ledger.Open(ctx, env.store, "pass_through", 1, nil)
	require.NoError(t, err)
	id, err := previous.Record(ctx, actions(t, 5, 9))
	require.NoError(t, err)

	svc, err := NewService(ctx, env.conf, newTestLogger(), env.deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	require.Equal(t, 1, svc.Ledger().Len())

	go func() { _ = svc.Start(ctx) }()

	require.Eventually(t, func() bool {
		rec, ok := env.store.Get(id)
		return ok && rec.Finished()
	}, waitFor, 5*time.Millisecond)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServiceLogsJobFieldsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	previous, err := ledger.Open(ctx, env.store, "pass_through", 1, nil)
	require.NoError(t, err)
	_, err = previous.Record(ctx, actions(t, 5, 9))
	require.NoError(t, err)

	out := &syncBuffer{}
	log := loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(out, nil)))
	svc, err := NewService(ctx, env.conf, log, env.deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	go func() { _ = svc.Start(ctx) }()

	var completed string
	require.Eventually(t, func() bool {
		for _, line := range strings.Split(out.String(), "\n") {
			if strings.Contains(line, "Job completed") {
				completed = line
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, 1, strings.Count(completed, "job_id="), completed)
	assert.Equal(t, 1, strings.Count(completed, " tier="), completed)
	assert.Contains(t, completed, "job_id=pass_through")
}

func TestServiceInject(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := NewService(ctx, env.conf, newTestLogger(), env.deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	go func() { _ = svc.Start(ctx) }()

	require.NoError(t, svc.Inject(ctx, wire.CancelProcessing(0, []string{"actions"})))
	require.Eventually(t, func() bool {
		rec, ok := env.store.Get(1)
		return ok && rec.Finished()
	}, waitFor, 5*time.Millisecond)
}

func TestNewServiceErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewService(ctx, nil, newTestLogger(), ServiceDependencies{})
	require.ErrorIs(t, err, errspkg.ErrConfigRequired)

	env := newTestEnv(t)
	_, err = NewService(ctx, env.conf, nil, env.deps)
	require.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	env.conf.JobID = "unknown"
	_, err = NewService(ctx, env.conf, newTestLogger(), env.deps)
	require.ErrorIs(t, err, errspkg.ErrUnknownJob)

	invalid := configpkg.Default()
	_, err = NewService(ctx, &invalid, newTestLogger(), ServiceDependencies{})
	var verr errspkg.ConfigValidationError
	require.ErrorAs(t, err, &verr)
}

func TestNewServiceTransportFailureClosesLedger(t *testing.T) {
	env := newTestEnv(t)
	errBroker := errors.New("broker unreachable")
	failing := transport.NewRegistry()
	failing.Register("channel", func(context.Context, transport.Config, watermill.LoggerAdapter) (transport.Transport, error) {
		return transport.Transport{}, errBroker
	})
	env.deps.Transports = failing
	env.deps.Store = nil

	_, err := NewService(context.Background(), env.conf, newTestLogger(), env.deps)
	require.ErrorIs(t, err, errBroker)
}
