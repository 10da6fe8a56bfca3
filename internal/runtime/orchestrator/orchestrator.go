// Package orchestrator runs a tier: the gateway, the main receive loop and
// any auxiliary tasks share one lifetime, and the first of them to return
// ends all of them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	errspkg "github.com/drblury/tierflow/internal/runtime/errors"
	"github.com/drblury/tierflow/internal/runtime/gateway"
	"github.com/drblury/tierflow/internal/runtime/logging"
	"github.com/drblury/tierflow/internal/runtime/wire"
)

// Processor is the part of processor.Processor the main loop drives.
type Processor interface {
	Resume(ctx context.Context) error
	Accept(ctx context.Context, msg wire.Message) (int64, bool, error)
	ProcessMessage(ctx context.Context, msg wire.Message, id int64) error
}

// Gateway is the part of gateway.Gateway the orchestrator runs.
type Gateway interface {
	Run(ctx context.Context, inbound chan<- gateway.Delivery, outbound <-chan wire.Message) error
}

// ErrTaskExited reports a task that returned without error while the
// process was still meant to run.
var ErrTaskExited = errors.New("tierflow: task exited")

type task struct {
	name string
	run  func(ctx context.Context) error
}

// Orchestrator owns the channels between the gateway and the processor.
type Orchestrator struct {
	processor Processor
	gateway   Gateway
	inbound   chan gateway.Delivery
	outbound  chan wire.Message
	logger    logging.ServiceLogger
	tasks     []task
}

// Channels are created up front so the processor can be built with the
// outbound side before the orchestrator exists.
type Channels struct {
	Inbound  chan gateway.Delivery
	Outbound chan wire.Message
}

// NewChannels makes both channels with the given buffer; zero is unbuffered.
func NewChannels(buffer int) Channels {
	if buffer < 0 {
		buffer = 0
	}
	return Channels{
		Inbound:  make(chan gateway.Delivery, buffer),
		Outbound: make(chan wire.Message, buffer),
	}
}

func New(p Processor, g Gateway, ch Channels, logger logging.ServiceLogger) (*Orchestrator, error) {
	if p == nil {
		return nil, errspkg.ErrJobRequired
	}
	if g == nil {
		return nil, errors.New("orchestrator: gateway is required")
	}
	if ch.Inbound == nil || ch.Outbound == nil {
		return nil, fmt.Errorf("orchestrator: %w", errspkg.ErrChannelClosed)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Orchestrator{
		processor: p,
		gateway:   g,
		inbound:   ch.Inbound,
		outbound:  ch.Outbound,
		logger:    logger,
	}, nil
}

// AddTask registers an auxiliary task, such as the admin server. It must be
// called before Run.
func (o *Orchestrator) AddTask(name string, run func(ctx context.Context) error) {
	o.tasks = append(o.tasks, task{name: name, run: run})
}

// Inject queues a message as if it came from the broker, without a broker
// acknowledgement behind it.
func (o *Orchestrator) Inject(ctx context.Context, msg wire.Message) error {
	select {
	case o.inbound <- gateway.NewDelivery(msg):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run blocks until a task returns. Cancelling ctx is a clean shutdown and
// yields nil; anything else is returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	tasks := append([]task{
		{name: "gateway", run: func(ctx context.Context) error {
			return o.gateway.Run(ctx, o.inbound, o.outbound)
		}},
		{name: "main loop", run: o.mainLoop},
	}, o.tasks...)

	for _, t := range tasks {
		group.Go(func() error {
			err := t.run(groupCtx)
			if err == nil && groupCtx.Err() == nil {
				err = fmt.Errorf("%w: %s", ErrTaskExited, t.name)
			}
			if err != nil && groupCtx.Err() == nil {
				o.logger.Error("Task stopped", err, logging.LogFields{"task": t.name})
			}
			return err
		})
	}

	err := group.Wait()
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		o.logger.Info("Shut down", nil)
		return nil
	}
	return err
}

// mainLoop replays the ledger, then accepts deliveries one by one. A
// delivery is acked once it is recorded; processing failures end the loop
// and leave the job for the next Resume.
func (o *Orchestrator) mainLoop(ctx context.Context) error {
	if err := o.processor.Resume(ctx); err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-o.inbound:
			if !ok {
				return fmt.Errorf("inbound: %w", errspkg.ErrChannelClosed)
			}
			if err := o.handle(ctx, delivery); err != nil {
				return err
			}
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, delivery gateway.Delivery) error {
	id, accepted, err := o.processor.Accept(ctx, delivery.Message)
	if err != nil {
		delivery.Nack()
		return fmt.Errorf("accept %s: %w", delivery.Message, err)
	}
	delivery.Ack()
	if !accepted {
		return nil
	}
	if err := o.processor.ProcessMessage(ctx, delivery.Message, id); err != nil {
		return fmt.Errorf("process job %d: %w", id, err)
	}
	return nil
}
