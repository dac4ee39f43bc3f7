// Package memory provides an in-process broker driver with consumer-group
// queue semantics. It backs the test suite and local development.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/arlo-systems/eventbus/pkg/broker"
	appErrors "github.com/arlo-systems/eventbus/pkg/errors"
	"github.com/arlo-systems/eventbus/pkg/event"
)

const deliveryBuffer = 256

// SentMessage records one Send call for assertions.
type SentMessage struct {
	Topic    string
	Envelope event.Envelope
}

// Driver is an in-memory broker. Messages fan out across consumer groups and
// are queued within a group. Nack with requeue redelivers to the same group.
type Driver struct {
	mu       sync.Mutex
	subs     map[string]map[string]*subscription
	sent     []SentMessage
	sendErrs []error
	closed   bool
}

func New() *Driver {
	return &Driver{
		subs: make(map[string]map[string]*subscription),
	}
}

// FailNext scripts errors for upcoming Send calls, consumed in order before
// any delivery happens.
func (d *Driver) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sendErrs = append(d.sendErrs, errs...)
}

// Sent returns a snapshot of all successfully sent messages.
func (d *Driver) Sent() []SentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SentMessage, len(d.sent))
	copy(out, d.sent)
	return out
}

// SendCount returns how many times an event ID was successfully sent.
func (d *Driver) SendCount(eventID uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	for _, msg := range d.sent {
		if msg.Envelope.EventID == eventID {
			count++
		}
	}
	return count
}

// Send delivers the envelope to every consumer group subscribed to the topic.
func (d *Driver) Send(ctx context.Context, topic string, env *event.Envelope) (broker.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return broker.Receipt{}, err
	}
	if env == nil {
		return broker.Receipt{}, appErrors.New(appErrors.CodeValidation, "envelope is required")
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return broker.Receipt{}, appErrors.New(appErrors.CodeBroker, "broker closed")
	}
	if len(d.sendErrs) > 0 {
		err := d.sendErrs[0]
		d.sendErrs = d.sendErrs[1:]
		d.mu.Unlock()
		return broker.Receipt{}, appErrors.Wrap(appErrors.CodeBroker, err, "send failed")
	}
	d.sent = append(d.sent, SentMessage{Topic: topic, Envelope: *env})
	groups := make([]*subscription, 0, len(d.subs[topic]))
	for _, sub := range d.subs[topic] {
		groups = append(groups, sub)
	}
	d.mu.Unlock()

	for _, sub := range groups {
		sub.enqueue(env)
	}
	return broker.Receipt{MessageID: uuid.NewString(), Topic: topic}, nil
}

// Subscribe registers a consumer group on the topic. A group subscribes at
// most once; repeated calls return the existing stream.
func (d *Driver) Subscribe(ctx context.Context, topic, group string) (broker.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, appErrors.New(appErrors.CodeBroker, "broker closed")
	}
	if d.subs[topic] == nil {
		d.subs[topic] = make(map[string]*subscription)
	}
	if existing, ok := d.subs[topic][group]; ok {
		return existing, nil
	}
	sub := newSubscription()
	d.subs[topic][group] = sub
	return sub, nil
}

// Close shuts every subscription down.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for _, groups := range d.subs {
		for _, sub := range groups {
			sub.close()
		}
	}
	return nil
}

type subscription struct {
	mu         sync.Mutex
	deliveries chan broker.Delivery
	closed     bool
}

func newSubscription() *subscription {
	return &subscription{
		deliveries: make(chan broker.Delivery, deliveryBuffer),
	}
}

func (s *subscription) Deliveries() <-chan broker.Delivery {
	return s.deliveries
}

func (s *subscription) Close() error {
	s.close()
	return nil
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.deliveries)
}

func (s *subscription) enqueue(env *event.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	clone := *env
	delivery := broker.NewDelivery(&clone,
		func() {},
		func(requeue bool) {
			if requeue {
				s.enqueue(&clone)
			}
		},
	)
	select {
	case s.deliveries <- delivery:
	default:
		// buffer full: drop instead of blocking the sender
	}
}
