// Package jetstream provides a durable NATS JetStream transport. Unlike NATS
// Core it keeps messages until a consumer acks them, so a tier that is down
// picks its backlog up on restart.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/tierflow/internal/runtime/ids"
	"github.com/drblury/tierflow/transport"
	natstransport "github.com/drblury/tierflow/transport/nats"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	DefaultStreamName = "TIERFLOW"
	DefaultAckWait    = 30 * time.Second
	DefaultMaxAge     = 7 * 24 * time.Hour

	fetchBatch = 10
	fetchWait  = time.Second

	fetchRetryMin = 100 * time.Millisecond
	fetchRetryMax = 5 * time.Second

	// HeaderMessageID carries the Watermill message UUID across the broker.
	HeaderMessageID = "tierflow_message_id"
)

var errClosed = errors.New("jetstream: transport is closed")

// Connect is the connection function, replaced in tests.
var Connect = func(url string, opts ...nc.Option) (*nc.Conn, error) {
	return nc.Connect(url, opts...)
}

func init() {
	Register()
}

// Register adds the JetStream transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{
		URL:           cfg.GetNATSURL(),
		ConsumerGroup: cfg.GetConsumerGroup(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: t, Subscriber: t}, nil
}

func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds JetStream settings.
type Config struct {
	URL string

	// StreamName holds every tier subject as <StreamName>.<topic>.
	StreamName string

	// ConsumerGroup prefixes durable consumer names, so instances running
	// the same job share one consumer per topic.
	ConsumerGroup string

	// MaxDeliver caps redeliveries; zero leaves it unlimited.
	MaxDeliver int

	AckWait  time.Duration
	MaxAge   time.Duration
	Replicas int
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver < 0 {
		c.MaxDeliver = 0
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

func (c Config) subject(topic string) string {
	return c.StreamName + "." + topic
}

// durable names may not contain dots
func (c Config) durable(topic string) string {
	name := topic
	if c.ConsumerGroup != "" {
		name = c.ConsumerGroup + "_" + topic
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(name)
}

// Transport implements message.Publisher and message.Subscriber.
type Transport struct {
	conn   *nc.Conn
	js     nc.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	subMu sync.Mutex
	subs  []*nc.Subscription
	wg    sync.WaitGroup

	closeOnce sync.Once
	closing   chan struct{}
}

// New connects and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("jetstream: URL is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	cfg = cfg.withDefaults()

	conn, err := Connect(cfg.URL, natstransport.ConnectOptions()...)
	if err != nil {
		return nil, fmt.Errorf("jetstream: connect: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: context: %w", err)
	}

	t := &Transport{
		conn:    conn,
		js:      js,
		config:  cfg,
		logger:  logger,
		closing: make(chan struct{}),
	}
	if err := t.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nc.StreamConfig{
		Name:      t.config.StreamName,
		Subjects:  []string{t.config.StreamName + ".>"},
		Retention: nc.LimitsPolicy,
		Storage:   nc.FileStorage,
		MaxAge:    t.config.MaxAge,
		Replicas:  t.config.Replicas,
	}
	if _, err := t.js.AddStream(streamCfg); err == nil {
		return nil
	}
	if _, err := t.js.UpdateStream(streamCfg); err != nil {
		return fmt.Errorf("jetstream: ensure stream %s: %w", t.config.StreamName, err)
	}
	return nil
}

// Publish waits for the stream to persist each message.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return errClosed
	}
	subject := t.config.subject(topic)
	for _, msg := range messages {
		if _, err := t.js.PublishMsg(toNATS(subject, msg), nc.MsgId(msg.UUID)); err != nil {
			return fmt.Errorf("jetstream: publish to %s: %w", subject, err)
		}
	}
	return nil
}

// Subscribe binds a durable pull consumer for topic. The returned channel is
// closed when ctx ends or the transport is closed.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, errClosed
	}
	subject := t.config.subject(topic)
	durable := t.config.durable(topic)

	consumer := &nc.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nc.AckExplicitPolicy,
		AckWait:       t.config.AckWait,
		MaxDeliver:    t.config.MaxDeliver,
		DeliverPolicy: nc.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(t.config.StreamName, consumer); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumer); err != nil {
			return nil, fmt.Errorf("jetstream: consumer %s: %w", durable, err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, durable, nc.Bind(t.config.StreamName, durable))
	if err != nil {
		return nil, fmt.Errorf("jetstream: subscribe %s: %w", subject, err)
	}
	t.subMu.Lock()
	t.subs = append(t.subs, sub)
	t.subMu.Unlock()

	output := make(chan *message.Message)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.consume(ctx, sub, output, topic)
	}()
	return output, nil
}

// consume hands out one message at a time and settles it on the broker once
// the receiver acks or nacks.
func (t *Transport) consume(ctx context.Context, sub *nc.Subscription, output chan<- *message.Message, topic string) {
	defer close(output)
	fields := watermill.LogFields{"topic": topic}

	var retry time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closing:
			return
		default:
		}

		batch, err := sub.Fetch(fetchBatch, nc.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nc.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				retry = 0
				continue
			}
			if t.isClosed() || errors.Is(err, nc.ErrConnectionClosed) || errors.Is(err, nc.ErrBadSubscription) {
				return
			}
			retry = fetchBackoff(retry)
			t.logger.Error("Fetch failed", err, fields.Add(watermill.LogFields{"retry_in": retry.String()}))
			if !t.pause(ctx, retry) {
				return
			}
			continue
		}
		retry = 0

		for _, raw := range batch {
			msg := fromNATS(raw)
			msg.SetContext(ctx)
			select {
			case output <- msg:
			case <-ctx.Done():
				return
			case <-t.closing:
				return
			}

			select {
			case <-msg.Acked():
				err = raw.Ack()
			case <-msg.Nacked():
				err = raw.Nak()
			case <-ctx.Done():
				return
			case <-t.closing:
				return
			}
			if err != nil {
				t.logger.Error("Settle failed", err, fields.Add(watermill.LogFields{"message_uuid": msg.UUID}))
			}
		}
	}
}

// fetchBackoff doubles the wait after each failed fetch, up to fetchRetryMax.
func fetchBackoff(prev time.Duration) time.Duration {
	if prev <= 0 {
		return fetchRetryMin
	}
	return min(prev*2, fetchRetryMax)
}

// pause waits for d. It returns false when ctx ends or the transport closes first.
func (t *Transport) pause(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-t.closing:
		return false
	}
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closing:
		return true
	default:
		return false
	}
}

// Close stops consumers and drains the connection.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closing)
		t.subMu.Lock()
		for _, sub := range t.subs {
			_ = sub.Unsubscribe()
		}
		t.subs = nil
		t.subMu.Unlock()
		t.wg.Wait()
		if t.conn != nil {
			t.conn.Close()
		}
	})
	return nil
}

func toNATS(subject string, msg *message.Message) *nc.Msg {
	header := nc.Header{}
	for k, v := range msg.Metadata {
		header.Set(k, v)
	}
	header.Set(HeaderMessageID, msg.UUID)
	return &nc.Msg{Subject: subject, Data: msg.Payload, Header: header}
}

func fromNATS(raw *nc.Msg) *message.Message {
	id := raw.Header.Get(HeaderMessageID)
	if id == "" {
		id = ids.NewMessageID()
	}
	msg := message.NewMessage(id, raw.Data)
	for k, v := range raw.Header {
		if k == HeaderMessageID || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}
