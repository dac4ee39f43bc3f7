package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arlo-systems/eventbus/pkg/event"
)

func TestRouterMatchesExactPrefixAndCatchAll(t *testing.T) {
	router := NewRouter()
	noop := func(context.Context, *event.Envelope) error { return nil }

	router.Register("order.created", noop)
	router.Register("order.*", noop)
	router.Register("*", noop)
	router.Register("payment.captured", noop)

	assert.Len(t, router.Match("order.created"), 3)
	assert.Len(t, router.Match("order.updated"), 2)
	assert.Len(t, router.Match("payment.captured"), 2)
	assert.Len(t, router.Match("inventory.reserved"), 1)
}

func TestRouterPrefixRequiresSegmentBoundary(t *testing.T) {
	router := NewRouter()
	router.Register("order.*", func(context.Context, *event.Envelope) error { return nil })

	assert.Empty(t, router.Match("orders.created"))
	assert.Empty(t, router.Match("order"))
	assert.Len(t, router.Match("order.line.added"), 1)
}

func TestRouterIgnoresInvalidRegistrations(t *testing.T) {
	router := NewRouter()
	router.Register("", func(context.Context, *event.Envelope) error { return nil })
	router.Register("order.created", nil)

	assert.Empty(t, router.Match("order.created"))
}
