// Package bus is the unified event bus façade: direct, retried,
// transactional, batch, scheduled and domain-aggregate publishing on the
// outbound side, pattern-routed handler dispatch on the inbound side.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/arlo-systems/eventbus/pkg/broker"
	"github.com/arlo-systems/eventbus/pkg/clock"
	"github.com/arlo-systems/eventbus/pkg/config"
	dbpkg "github.com/arlo-systems/eventbus/pkg/db"
	appErrors "github.com/arlo-systems/eventbus/pkg/errors"
	"github.com/arlo-systems/eventbus/pkg/event"
	"github.com/arlo-systems/eventbus/pkg/logger"
	"github.com/arlo-systems/eventbus/pkg/observe"
	"github.com/arlo-systems/eventbus/pkg/outbox"
)

// Params collects the bus collaborators.
type Params struct {
	Driver        broker.Driver
	DB            *dbpkg.Client
	Outbox        *outbox.Repository
	Clock         clock.Clock
	Logger        *logger.Logger
	Emitter       observe.Emitter
	Idempotency   *IdempotencyGuard
	TopicPrefix   string
	ConsumerGroup string
	Config        config.BusConfig
}

// Bus is the façade over the broker driver and the outbox store. Behavior is
// selected by operation, not by subclassing: every publish variant is a
// distinct method with distinct guarantees.
type Bus struct {
	driver      broker.Driver
	db          *dbpkg.Client
	outbox      *outbox.Repository
	clk         clock.Clock
	logg        *logger.Logger
	emitter     observe.Emitter
	idempotency *IdempotencyGuard
	router      *Router
	topicPrefix string
	group       string
	cfg         config.BusConfig
}

func New(params Params) (*Bus, error) {
	if params.Driver == nil {
		return nil, errors.New("broker driver is required")
	}
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Emitter == nil {
		params.Emitter = observe.Nop()
	}
	if params.ConsumerGroup == "" {
		params.ConsumerGroup = "eventbus-core"
	}
	if params.Config.PublishTimeout <= 0 {
		params.Config.PublishTimeout = 15 * time.Second
	}
	if params.Config.RetryBase <= 0 {
		params.Config.RetryBase = 200 * time.Millisecond
	}

	return &Bus{
		driver:      params.Driver,
		db:          params.DB,
		outbox:      params.Outbox,
		clk:         params.Clock,
		logg:        params.Logger,
		emitter:     params.Emitter,
		idempotency: params.Idempotency,
		router:      NewRouter(),
		topicPrefix: params.TopicPrefix,
		group:       params.ConsumerGroup,
		cfg:         params.Config,
	}, nil
}

// Publish sends the envelope straight to the broker with no durability beyond
// the broker ack and no bus-level retry. Callers that need resilience to
// transient broker hiccups use PublishWithRetry; callers that need a durable
// guarantee use PublishTransactional.
func (b *Bus) Publish(ctx context.Context, env *event.Envelope) error {
	if err := validateEnvelope(env); err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
	defer cancel()
	if _, err := b.driver.Send(sendCtx, env.Topic(b.topicPrefix), env); err != nil {
		return brokerError(err)
	}
	return nil
}

// PublishWithRetry is a direct publish wrapped in an exponential backoff
// retry loop. This is bus-level retry, distinct from the outbox dispatcher's
// retry state machine: nothing is persisted, the call simply refuses to give
// up on the first transient broker error.
func (b *Bus) PublishWithRetry(ctx context.Context, env *event.Envelope, maxRetries int, baseBackoff time.Duration) error {
	if err := validateEnvelope(env); err != nil {
		return err
	}
	if maxRetries < 0 {
		maxRetries = b.cfg.RetryMax
	}
	if baseBackoff <= 0 {
		baseBackoff = b.cfg.RetryBase
	}

	topic := env.Topic(b.topicPrefix)
	backoff := retry.WithMaxRetries(uint64(maxRetries), retry.NewExponential(baseBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		sendCtx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
		defer cancel()
		if _, err := b.driver.Send(sendCtx, topic, env); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return brokerError(err)
	}
	return nil
}

// PublishTransactional enqueues the envelope in the caller's transaction. The
// event is durably recorded if and only if the caller commits; delivery
// happens asynchronously through the dispatcher.
func (b *Bus) PublishTransactional(ctx context.Context, tx *gorm.DB, env *event.Envelope) error {
	if b.outbox == nil {
		return appErrors.New(appErrors.CodeDurability, "outbox store not configured")
	}
	if tx == nil {
		return appErrors.New(appErrors.CodeValidation, "transaction required")
	}
	record, err := outbox.NewRecord(env, b.topicPrefix, b.clk.Now())
	if err != nil {
		return err
	}
	if err := b.outbox.Insert(tx, record); err != nil {
		return err
	}
	b.emitter.Emit(ctx, observe.EventRecordEnqueued, map[string]any{
		"event_id":   env.EventID.String(),
		"event_type": env.EventType,
		"topic":      record.Topic,
	})
	return nil
}

// PublishBatch publishes a list of envelopes. With useTransaction the whole
// batch is enqueued in a single outbox transaction: either every record is
// durably recorded or none are. Without it, each envelope is published
// directly and failures are aggregated.
func (b *Bus) PublishBatch(ctx context.Context, envs []*event.Envelope, useTransaction bool) error {
	if len(envs) == 0 {
		return nil
	}

	if useTransaction {
		if b.db == nil || b.outbox == nil {
			return appErrors.New(appErrors.CodeDurability, "outbox store not configured")
		}
		return b.db.WithTx(ctx, func(tx *gorm.DB) error {
			for _, env := range envs {
				if err := b.PublishTransactional(ctx, tx, env); err != nil {
					return err
				}
			}
			return nil
		})
	}

	var combined error
	for _, env := range envs {
		if err := b.Publish(ctx, env); err != nil {
			combined = multierr.Append(combined, fmt.Errorf("event %s: %w", env.EventID, err))
		}
	}
	return combined
}

// PublishScheduled enqueues the envelope with a future next-attempt time; the
// dispatcher will not claim it before then.
func (b *Bus) PublishScheduled(ctx context.Context, env *event.Envelope, at time.Time) error {
	if b.db == nil || b.outbox == nil {
		return appErrors.New(appErrors.CodeDurability, "outbox store not configured")
	}
	record, err := outbox.NewRecord(env, b.topicPrefix, b.clk.Now())
	if err != nil {
		return err
	}
	record.NextAttemptAt = at.UTC()
	if err := b.db.WithTx(ctx, func(tx *gorm.DB) error {
		return b.outbox.Insert(tx, record)
	}); err != nil {
		return err
	}
	b.emitter.Emit(ctx, observe.EventRecordEnqueued, map[string]any{
		"event_id":     env.EventID.String(),
		"event_type":   env.EventType,
		"topic":        record.Topic,
		"scheduled_at": at.UTC(),
	})
	return nil
}

// PublishDomainAggregateEvent enqueues a domain event with aggregate
// attribution, enforcing the monotonic-version invariant inside the caller's
// transaction. A version that does not exceed the last recorded one is
// rejected before anything is enqueued.
func (b *Bus) PublishDomainAggregateEvent(ctx context.Context, tx *gorm.DB, aggregateType, aggregateID, eventType string, data any, version int64, opts ...event.Option) error {
	if b.outbox == nil {
		return appErrors.New(appErrors.CodeDurability, "outbox store not configured")
	}

	opts = append([]event.Option{event.WithAggregate(aggregateType, aggregateID, version)}, opts...)
	env, err := event.New(eventType, data, opts...)
	if err != nil {
		return err
	}

	enqueue := func(tx *gorm.DB) error {
		if err := b.outbox.EnsureMonotonicVersion(tx, aggregateType, aggregateID, version); err != nil {
			return err
		}
		return b.PublishTransactional(ctx, tx, env)
	}

	if tx != nil {
		return enqueue(tx)
	}
	if b.db == nil {
		return appErrors.New(appErrors.CodeDurability, "outbox store not configured")
	}
	return b.db.WithTx(ctx, enqueue)
}

// Subscribe registers a handler for an event-type pattern. Registration is
// allowed at any time, including after Run.
func (b *Bus) Subscribe(pattern string, handler Handler) {
	b.router.Register(pattern, handler)
}

// Run consumes the given topics until ctx is cancelled, routing deliveries to
// matching handlers. Handler failures are logged and nacked for broker
// redelivery, never swallowed.
func (b *Bus) Run(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return errors.New("at least one topic is required")
	}

	errCh := make(chan error, len(topics))
	for _, topic := range topics {
		sub, err := b.driver.Subscribe(ctx, topic, b.group)
		if err != nil {
			return brokerError(err)
		}
		go func(topic string, sub broker.Subscription) {
			defer sub.Close()
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case delivery, ok := <-sub.Deliveries():
					if !ok {
						errCh <- nil
						return
					}
					b.handleDelivery(ctx, delivery)
				}
			}
		}(topic, sub)
	}

	var combined error
	for range topics {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			combined = multierr.Append(combined, err)
		}
	}
	if combined != nil {
		return combined
	}
	return ctx.Err()
}

func (b *Bus) handleDelivery(ctx context.Context, delivery broker.Delivery) {
	env := delivery.Envelope
	if env == nil {
		delivery.Ack()
		return
	}

	logCtx := ctx
	if b.logg != nil {
		logCtx = b.logg.WithFields(ctx, map[string]any{
			"event_id":       env.EventID.String(),
			"event_type":     env.EventType,
			"correlation_id": env.Metadata.CorrelationID,
		})
	}

	if b.idempotency != nil {
		already, err := b.idempotency.CheckAndMark(ctx, b.group, env.EventID)
		if err != nil {
			if b.logg != nil {
				b.logg.Error(logCtx, "idempotency check failed", err)
			}
			delivery.Nack(true)
			return
		}
		if already {
			b.emitter.Emit(logCtx, observe.EventDuplicateDelivery, map[string]any{
				"event_id": env.EventID.String(),
			})
			delivery.Ack()
			return
		}
	}

	handlers := b.router.Match(env.EventType)
	if len(handlers) == 0 {
		delivery.Ack()
		return
	}

	if err := b.invokeHandlers(logCtx, handlers, env); err != nil {
		b.emitter.Emit(logCtx, observe.EventHandlerFailure, map[string]any{
			"event_id":   env.EventID.String(),
			"event_type": env.EventType,
			"error":      err.Error(),
		})
		if b.logg != nil {
			b.logg.Error(logCtx, "event handler failed", err)
		}
		if b.idempotency != nil {
			if relErr := b.idempotency.Release(ctx, b.group, env.EventID); relErr != nil && b.logg != nil {
				b.logg.Error(logCtx, "releasing idempotency mark failed", relErr)
			}
		}
		delivery.Nack(true)
		return
	}
	delivery.Ack()
}

func (b *Bus) invokeHandlers(ctx context.Context, handlers []Handler, env *event.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	for _, handler := range handlers {
		if handlerErr := handler(ctx, env); handlerErr != nil {
			return handlerErr
		}
	}
	return nil
}

func validateEnvelope(env *event.Envelope) error {
	if env == nil {
		return appErrors.New(appErrors.CodeValidation, "envelope is required")
	}
	return env.Validate()
}

func brokerError(err error) error {
	if err == nil {
		return nil
	}
	if typed := appErrors.As(err); typed != nil {
		return err
	}
	return appErrors.Wrap(appErrors.CodeBroker, err, "broker send failed")
}
