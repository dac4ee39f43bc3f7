package bus

import (
	"context"
	"strings"
	"sync"

	"github.com/arlo-systems/eventbus/pkg/event"
)

// Handler processes one inbound event. A returned error triggers a broker
// nack and redelivery; handlers must therefore be idempotent, keyed by
// event ID.
type Handler func(ctx context.Context, env *event.Envelope) error

type registration struct {
	pattern string
	handler Handler
}

// Router is the inbound dispatch table, keyed by event-type pattern. Patterns
// are exact types ("order.created"), prefix wildcards ("order.*") or the
// catch-all "*".
type Router struct {
	mu   sync.RWMutex
	regs []registration
}

func NewRouter() *Router {
	return &Router{}
}

// Register adds a handler for the pattern. Registration order is preserved at
// dispatch time.
func (r *Router) Register(pattern string, handler Handler) {
	if pattern == "" || handler == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs = append(r.regs, registration{pattern: pattern, handler: handler})
}

// Match returns every handler whose pattern matches the event type.
func (r *Router) Match(eventType string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Handler
	for _, reg := range r.regs {
		if matches(reg.pattern, eventType) {
			out = append(out, reg.handler)
		}
	}
	return out
}

func matches(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return pattern == eventType
}
