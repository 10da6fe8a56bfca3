// Package gateway moves messages between the broker and the orchestrator.
// Inbound deliveries are decoded and handed over one at a time; the broker
// message is acked or nacked only after the orchestrator settles the Delivery.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/sync/errgroup"

	errspkg "github.com/drblury/tierflow/internal/runtime/errors"
	"github.com/drblury/tierflow/internal/runtime/ids"
	"github.com/drblury/tierflow/internal/runtime/logging"
	"github.com/drblury/tierflow/internal/runtime/metadata"
	"github.com/drblury/tierflow/internal/runtime/wire"
)

// Config names the topics of one tier.
type Config struct {
	SourceTopic string
	SinkTopic   string
	// PoisonTopic receives undecodable payloads. Empty drops them after logging.
	PoisonTopic string
}

// Gateway owns one publisher/subscriber pair.
type Gateway struct {
	cfg        Config
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     logging.ServiceLogger
	metrics    *Metrics
}

// New validates cfg. The caller keeps ownership of publisher and subscriber.
func New(cfg Config, publisher message.Publisher, subscriber message.Subscriber, logger logging.ServiceLogger, metrics *Metrics) (*Gateway, error) {
	if cfg.SourceTopic == "" || cfg.SinkTopic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if publisher == nil || subscriber == nil {
		return nil, errors.New("gateway: publisher and subscriber are required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Gateway{
		cfg:        cfg,
		publisher:  publisher,
		subscriber: subscriber,
		logger:     logger.With(logging.LogFields{"source": cfg.SourceTopic, "sink": cfg.SinkTopic}),
		metrics:    metrics,
	}, nil
}

// Run drives the inbound and outbound flows until one of them fails or ctx
// is cancelled. A closed channel on either side is an error.
func (g *Gateway) Run(ctx context.Context, inbound chan<- Delivery, outbound <-chan wire.Message) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return g.runInbound(ctx, inbound)
	})
	group.Go(func() error {
		return g.runOutbound(ctx, outbound)
	})
	return group.Wait()
}

func (g *Gateway) runInbound(ctx context.Context, inbound chan<- Delivery) error {
	messages, err := g.subscriber.Subscribe(ctx, g.cfg.SourceTopic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", g.cfg.SourceTopic, err)
	}
	g.logger.Info("Consuming", nil)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("subscription %s: %w", g.cfg.SourceTopic, errspkg.ErrChannelClosed)
			}
			if err := g.handleInbound(ctx, msg, inbound); err != nil {
				return err
			}
		}
	}
}

// handleInbound settles msg exactly once.
func (g *Gateway) handleInbound(ctx context.Context, msg *message.Message, inbound chan<- Delivery) error {
	g.metrics.count(receivedVec, g.cfg.SourceTopic)

	decoded, err := wire.Decode(msg.Payload)
	if err != nil {
		if err := g.poison(msg, err); err != nil {
			msg.Nack()
			g.metrics.count(nackedVec, g.cfg.SourceTopic)
			return err
		}
		msg.Ack()
		g.metrics.count(ackedVec, g.cfg.SourceTopic)
		return nil
	}

	delivery := newBrokerDelivery(decoded, msg.UUID)
	select {
	case inbound <- delivery:
	case <-ctx.Done():
		msg.Nack()
		return ctx.Err()
	}

	select {
	case ok := <-delivery.result():
		if ok {
			msg.Ack()
			g.metrics.count(ackedVec, g.cfg.SourceTopic)
		} else {
			msg.Nack()
			g.metrics.count(nackedVec, g.cfg.SourceTopic)
			g.logger.Info("Delivery rejected; broker will redeliver", logging.LogFields{"message_uuid": msg.UUID})
		}
		return nil
	case <-ctx.Done():
		msg.Nack()
		return ctx.Err()
	}
}

// poison moves an undecodable payload aside so it does not block the queue.
func (g *Gateway) poison(msg *message.Message, decodeErr error) error {
	fields := logging.LogFields{"message_uuid": msg.UUID, "poison_topic": g.cfg.PoisonTopic}
	g.metrics.count(poisonedVec, g.cfg.SourceTopic)
	if g.cfg.PoisonTopic == "" {
		g.logger.Error("Dropping undecodable message", decodeErr, fields)
		return nil
	}
	g.logger.Error("Moving undecodable message to poison queue", decodeErr, fields)

	md := metadata.FromWatermill(msg.Metadata).WithAll(metadata.New(
		metadata.KeyError, decodeErr.Error(),
		metadata.KeySourceTopic, g.cfg.SourceTopic,
	))
	poisoned := message.NewMessage(ids.NewMessageID(), msg.Payload)
	poisoned.Metadata = metadata.ToWatermill(md)
	if err := g.publisher.Publish(g.cfg.PoisonTopic, poisoned); err != nil {
		return fmt.Errorf("publish to poison queue %s: %w", g.cfg.PoisonTopic, err)
	}
	return nil
}

func (g *Gateway) runOutbound(ctx context.Context, outbound <-chan wire.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-outbound:
			if !ok {
				return fmt.Errorf("outbound: %w", errspkg.ErrChannelClosed)
			}
			if err := g.Publish(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// Publish encodes msg and sends it to the sink topic.
func (g *Gateway) Publish(ctx context.Context, msg wire.Message) error {
	payload, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	out := message.NewMessage(ids.NewMessageID(), payload)
	out.Metadata = metadata.ToWatermill(metadata.ForMessage(msg, ids.NewCorrelationID()))
	out.SetContext(ctx)

	if err := g.publisher.Publish(g.cfg.SinkTopic, out); err != nil {
		return fmt.Errorf("publish to %s: %w", g.cfg.SinkTopic, err)
	}
	g.metrics.count(publishedVec, g.cfg.SinkTopic)
	g.logger.Debug("Published", logging.LogFields{"message_uuid": out.UUID, "message": msg.String()})
	return nil
}
