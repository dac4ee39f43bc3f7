// Package gcp adapts Google Cloud Pub/Sub v2 to the broker driver contract.
package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/arlo-systems/eventbus/pkg/broker"
	"github.com/arlo-systems/eventbus/pkg/config"
	appErrors "github.com/arlo-systems/eventbus/pkg/errors"
	"github.com/arlo-systems/eventbus/pkg/event"
	"github.com/arlo-systems/eventbus/pkg/logger"
)

// Driver publishes and consumes envelopes over Google Cloud Pub/Sub.
type Driver struct {
	client      *pubsub.Client
	cfg         config.BrokerConfig
	logg        *logger.Logger
	mu          sync.Mutex
	publishers  map[string]*pubsub.Publisher
	sendTimeout time.Duration
}

// New creates the Pub/Sub driver and verifies the configured subscription
// exists when one is set.
func New(ctx context.Context, cfg config.BrokerConfig, logg *logger.Logger) (*Driver, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, fmt.Errorf("gcp project id is required")
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	d := &Driver{
		client:      client,
		cfg:         cfg,
		logg:        logg,
		publishers:  make(map[string]*pubsub.Publisher),
		sendTimeout: cfg.SendTimeout,
	}

	if sub := strings.TrimSpace(cfg.Subscription); sub != "" {
		if err := d.ensureSubscriptionExists(ctx, sub); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	if logg != nil {
		logg.Info(ctx, "pubsub broker driver initialized")
	}
	return d, nil
}

func (d *Driver) ensureSubscriptionExists(ctx context.Context, name string) error {
	fullName := d.subscriptionResourceName(name)
	_, err := d.client.SubscriptionAdminClient.GetSubscription(
		ctx,
		&pubsubpb.GetSubscriptionRequest{Subscription: fullName},
	)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("subscription %q does not exist", name)
		}
		return fmt.Errorf("checking subscription %q: %w", name, err)
	}
	return nil
}

func (d *Driver) subscriptionResourceName(name string) string {
	if strings.HasPrefix(name, "projects/") {
		return name
	}
	return fmt.Sprintf("projects/%s/subscriptions/%s", d.cfg.ProjectID, name)
}

func (d *Driver) topicResourceName(name string) string {
	if strings.HasPrefix(name, "projects/") {
		return name
	}
	return fmt.Sprintf("projects/%s/topics/%s", d.cfg.ProjectID, name)
}

func (d *Driver) publisher(topic string) *pubsub.Publisher {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pub, ok := d.publishers[topic]; ok {
		return pub
	}
	pub := d.client.Publisher(d.topicResourceName(topic))
	d.publishers[topic] = pub
	return pub
}

// Send publishes the envelope and blocks until the broker acknowledges it.
// The envelope's routing key is set as the ordering key so per-aggregate
// ordering holds within a partition.
func (d *Driver) Send(ctx context.Context, topic string, env *event.Envelope) (broker.Receipt, error) {
	if env == nil {
		return broker.Receipt{}, appErrors.New(appErrors.CodeValidation, "envelope is required")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return broker.Receipt{}, appErrors.Wrap(appErrors.CodeValidation, err, "marshalling envelope")
	}

	msg := &pubsub.Message{
		Data:        data,
		OrderingKey: env.RoutingKey(),
		Attributes: map[string]string{
			"event_id":       env.EventID.String(),
			"event_type":     env.EventType,
			"correlation_id": env.Metadata.CorrelationID,
			"priority":       env.Priority.String(),
			"occurred_at":    env.Metadata.Timestamp.Format(time.RFC3339Nano),
		},
	}

	sendCtx := ctx
	if d.sendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()
	}

	result := d.publisher(topic).Publish(sendCtx, msg)
	id, err := result.Get(sendCtx)
	if err != nil {
		return broker.Receipt{}, appErrors.Wrap(appErrors.CodeBroker, err, "publishing to pubsub")
	}
	return broker.Receipt{MessageID: id, Topic: topic}, nil
}

// Subscribe pumps the configured Pub/Sub subscription into a delivery
// channel. Pub/Sub encodes the consumer group in the subscription resource,
// so group selects the subscription name directly.
func (d *Driver) Subscribe(ctx context.Context, topic, group string) (broker.Subscription, error) {
	name := group
	if name == "" {
		name = d.cfg.Subscription
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("subscription name is required")
	}

	subscriber := d.client.Subscriber(d.subscriptionResourceName(name))
	deliveries := make(chan broker.Delivery, 64)
	subCtx, cancel := context.WithCancel(ctx)

	sub := &subscription{deliveries: deliveries, cancel: cancel}

	go func() {
		defer close(deliveries)
		err := subscriber.Receive(subCtx, func(_ context.Context, msg *pubsub.Message) {
			var env event.Envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				if d.logg != nil {
					d.logg.Error(subCtx, "dropping undecodable pubsub message", err)
				}
				msg.Ack()
				return
			}
			delivery := broker.NewDelivery(&env,
				msg.Ack,
				func(requeue bool) {
					// Pub/Sub nack always redelivers; a non-requeue nack
					// still acks to prevent a poison-message loop.
					if requeue {
						msg.Nack()
						return
					}
					msg.Ack()
				},
			)
			select {
			case deliveries <- delivery:
			case <-subCtx.Done():
				msg.Nack()
			}
		})
		if err != nil && subCtx.Err() == nil && d.logg != nil {
			d.logg.Error(subCtx, "pubsub receive stopped", err)
		}
	}()

	return sub, nil
}

// Ping verifies broker connectivity by listing the configured subscription.
func (d *Driver) Ping(ctx context.Context) error {
	sub := strings.TrimSpace(d.cfg.Subscription)
	if sub == "" {
		return nil
	}
	return d.ensureSubscriptionExists(ctx, sub)
}

// Close releases the underlying client.
func (d *Driver) Close() error {
	return d.client.Close()
}

type subscription struct {
	deliveries chan broker.Delivery
	cancel     context.CancelFunc
	once       sync.Once
}

func (s *subscription) Deliveries() <-chan broker.Delivery {
	return s.deliveries
}

func (s *subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}
