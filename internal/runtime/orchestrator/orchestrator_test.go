package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/tierflow/internal/runtime/errors"
	"github.com/drblury/tierflow/internal/runtime/gateway"
	"github.com/drblury/tierflow/internal/runtime/ledger"
	"github.com/drblury/tierflow/internal/runtime/processor"
	"github.com/drblury/tierflow/internal/runtime/ranges"
	"github.com/drblury/tierflow/internal/runtime/wire"
)

const waitFor = 2 * time.Second

type fakeProcessor struct {
	mu        sync.Mutex
	events    []string
	resumeErr error
	acceptErr error
	accept    bool
	procErr   error
}

func (f *fakeProcessor) log(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeProcessor) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeProcessor) Resume(context.Context) error {
	f.log("resume")
	return f.resumeErr
}

func (f *fakeProcessor) Accept(_ context.Context, msg wire.Message) (int64, bool, error) {
	f.log("accept")
	if f.acceptErr != nil {
		return 0, false, f.acceptErr
	}
	return 7, f.accept, nil
}

func (f *fakeProcessor) ProcessMessage(_ context.Context, _ wire.Message, id int64) error {
	f.log("process")
	return f.procErr
}

// idleGateway blocks until cancelled.
type idleGateway struct{}

func (idleGateway) Run(ctx context.Context, _ chan<- gateway.Delivery, _ <-chan wire.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func newOrchestrator(t *testing.T, p Processor) *Orchestrator {
	t.Helper()
	o, err := New(p, idleGateway{}, NewChannels(1), nil)
	require.NoError(t, err)
	return o
}

func runAsync(ctx context.Context, o *Orchestrator) <-chan error {
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitFor):
		t.Fatal("orchestrator kept running")
		return nil
	}
}

func TestCancelIsCleanShutdown(t *testing.T) {
	p := &fakeProcessor{accept: true}
	o := newOrchestrator(t, p)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, o)

	require.Eventually(t, func() bool { return len(p.Events()) == 1 }, waitFor, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitErr(t, done))
	assert.Equal(t, []string{"resume"}, p.Events())
}

func TestResumeFailureIsFatal(t *testing.T) {
	errLedger := errors.New("ledger gone")
	o := newOrchestrator(t, &fakeProcessor{resumeErr: errLedger})
	err := waitErr(t, runAsync(context.Background(), o))
	require.ErrorIs(t, err, errLedger)
}

func TestDeliveryIsAckedAfterAccept(t *testing.T) {
	p := &fakeProcessor{accept: true, procErr: errors.New("transform failed")}
	o := newOrchestrator(t, p)
	done := runAsync(context.Background(), o)

	require.NoError(t, o.Inject(context.Background(), wire.CancelProcessing(0, []string{"a"})))
	err := waitErr(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "process job 7")
	assert.Equal(t, []string{"resume", "accept", "process"}, p.Events())
}

func TestAcceptFailureIsFatal(t *testing.T) {
	errDisk := errors.New("disk full")
	p := &fakeProcessor{acceptErr: errDisk}
	o := newOrchestrator(t, p)
	done := runAsync(context.Background(), o)

	require.NoError(t, o.Inject(context.Background(), wire.CancelProcessing(0, nil)))
	require.ErrorIs(t, waitErr(t, done), errDisk)
	assert.Equal(t, []string{"resume", "accept"}, p.Events())
}

func TestDroppedMessageIsNotProcessed(t *testing.T) {
	p := &fakeProcessor{accept: false}
	o := newOrchestrator(t, p)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, o)

	require.NoError(t, o.Inject(ctx, wire.CancelProcessing(5, nil)))
	require.Eventually(t, func() bool { return len(p.Events()) == 2 }, waitFor, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitErr(t, done))
	assert.Equal(t, []string{"resume", "accept"}, p.Events())
}

func TestTaskReturningEndsRun(t *testing.T) {
	o := newOrchestrator(t, &fakeProcessor{})
	o.AddTask("admin", func(context.Context) error { return nil })

	err := waitErr(t, runAsync(context.Background(), o))
	require.ErrorIs(t, err, ErrTaskExited)
	assert.Contains(t, err.Error(), "admin")
}

func TestClosedInboundIsFatal(t *testing.T) {
	ch := NewChannels(0)
	o, err := New(&fakeProcessor{}, idleGateway{}, ch, nil)
	require.NoError(t, err)
	close(ch.Inbound)

	require.ErrorIs(t, waitErr(t, runAsync(context.Background(), o)), errspkg.ErrChannelClosed)
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, idleGateway{}, NewChannels(0), nil)
	require.Error(t, err)
	_, err = New(&fakeProcessor{}, nil, NewChannels(0), nil)
	require.Error(t, err)
	_, err = New(&fakeProcessor{}, idleGateway{}, Channels{}, nil)
	require.ErrorIs(t, err, errspkg.ErrChannelClosed)
}

// buySellJob turns every action range into one buy_sell range for alice.
type buySellJob struct{}

func (buySellJob) Tier() int { return 1 }

func (buySellJob) ProcessChanges(_ context.Context, _ string, changes ranges.ChangeSet, _ processor.Connections) (ranges.Tables, error) {
	out := ranges.Tables{}
	for _, q := range changes.Queries() {
		cs, err := ranges.NewChangeSet(ranges.RangeQuery{Range: q.Range, Filters: ranges.Filters{"user": "alice"}})
		if err != nil {
			return nil, err
		}
		if err := out.Add("buy_sell", cs); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (buySellJob) CancelProcessing(_ context.Context, tables []string) ([]string, error) {
	return tables, nil
}

func TestBrokerToBroker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubsub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })
	store := ledger.NewMemoryStore()
	l, err := ledger.Open(ctx, store, "actions_to_buy_sell", 1, nil)
	require.NoError(t, err)

	ch := NewChannels(0)
	proc, err := processor.New(processor.Options{Job: buySellJob{}, Ledger: l, Outbound: ch.Outbound})
	require.NoError(t, err)
	gw, err := gateway.New(gateway.Config{SourceTopic: "etl_tier_1", SinkTopic: "etl_tier_2"}, pubsub, pubsub, nil, nil)
	require.NoError(t, err)
	o, err := New(proc, gw, ch, nil)
	require.NoError(t, err)

	sink, err := pubsub.Subscribe(ctx, "etl_tier_2")
	require.NoError(t, err)
	done := runAsync(ctx, o)

	q, err := ranges.NewNumericQuery(100, 200, ranges.Filters{"chain_id": float64(1)})
	require.NoError(t, err)
	payload, err := wire.Encode(wire.DataStoreUpdated(0, ranges.Tables{"actions": ranges.MustChangeSet(q)}))
	require.NoError(t, err)
	require.NoError(t, pubsub.Publish("etl_tier_1", message.NewMessage(watermill.NewUUID(), payload)))

	select {
	case got := <-sink:
		got.Ack()
		msg, err := wire.Decode(got.Payload)
		require.NoError(t, err)
		assert.Equal(t, 1, msg.Tier)
		assert.Equal(t, []string{"buy_sell"}, msg.Tables())
	case <-time.After(waitFor):
		t.Fatal("nothing reached the sink topic")
	}

	require.Eventually(t, func() bool { return l.Len() == 0 }, waitFor, 5*time.Millisecond)
	rec, ok := store.Get(1)
	require.True(t, ok)
	assert.True(t, rec.Finished())

	cancel()
	require.NoError(t, waitErr(t, done))
}
