// Package broker defines the pluggable message broker contract consumed by
// the event bus core. Implementations provide at-least-once delivery; ordering
// is guaranteed only within a single topic partition key.
package broker

import (
	"context"
	"errors"

	"github.com/arlo-systems/eventbus/pkg/event"
)

// ErrSubscriptionClosed is returned when a subscription is used after Close.
var ErrSubscriptionClosed = errors.New("broker: subscription closed")

// Receipt acknowledges a successful send.
type Receipt struct {
	// MessageID is the broker-assigned identifier, when available.
	MessageID string
	// Topic echoes the topic the message was delivered to.
	Topic string
}

// Delivery is one inbound message plus its acknowledgement handle. Exactly one
// of Ack or Nack must be called per delivery.
type Delivery struct {
	Envelope *event.Envelope

	ackFn  func()
	nackFn func(requeue bool)
}

// NewDelivery builds a delivery with explicit ack/nack handles. Drivers use
// this; consumers only call Ack/Nack.
func NewDelivery(env *event.Envelope, ack func(), nack func(requeue bool)) Delivery {
	return Delivery{Envelope: env, ackFn: ack, nackFn: nack}
}

// Ack confirms the message was processed and must not be redelivered.
func (d Delivery) Ack() {
	if d.ackFn != nil {
		d.ackFn()
	}
}

// Nack reports processing failure. With requeue the broker redelivers the
// message to the consumer group.
func (d Delivery) Nack(requeue bool) {
	if d.nackFn != nil {
		d.nackFn(requeue)
	}
}

// Subscription is a lazy, restartable stream of deliveries for one
// (topic, consumer group) pair. The channel closes when the subscription is
// closed or the driver shuts down.
type Subscription interface {
	Deliveries() <-chan Delivery
	Close() error
}

// Driver is the thin adapter over a concrete broker. Send blocks until the
// broker acknowledges the message or ctx is done.
type Driver interface {
	Send(ctx context.Context, topic string, env *event.Envelope) (Receipt, error)
	Subscribe(ctx context.Context, topic, group string) (Subscription, error)
}
