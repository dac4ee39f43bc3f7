// Package observe is the structured-event hook consumed by external metrics
// and tracing sinks. The core emits named events with attributes; backends
// decide what to do with them.
package observe

import (
	"context"
	"sync"

	"github.com/arlo-systems/eventbus/pkg/logger"
)

// Canonical event names emitted by the core.
const (
	EventRecordEnqueued    = "outbox.record_enqueued"
	EventDispatchAttempt   = "outbox.dispatch_attempt"
	EventDispatchSuccess   = "outbox.dispatch_success"
	EventDispatchFailure   = "outbox.dispatch_failure"
	EventDeadLetter        = "outbox.dead_letter"
	EventLeaseReclaimed    = "outbox.lease_reclaimed"
	EventDeadLetterReplay  = "outbox.dead_letter_replay"
	EventHandlerFailure    = "bus.handler_failure"
	EventDuplicateDelivery = "bus.duplicate_delivery"
	EventSagaStarted       = "saga.started"
	EventSagaStepStart     = "saga.step_start"
	EventSagaStepSuccess   = "saga.step_success"
	EventSagaStepFailure   = "saga.step_failure"
	EventSagaCompensation  = "saga.compensation"
	EventSagaCompleted     = "saga.completed"
	EventSagaCompensated   = "saga.compensated"
	EventSagaFailed        = "saga.failed"
)

// Emitter receives structured events from the core.
type Emitter interface {
	Emit(ctx context.Context, name string, attrs map[string]any)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, name string, attrs map[string]any)

func (fn EmitterFunc) Emit(ctx context.Context, name string, attrs map[string]any) {
	if fn != nil {
		fn(ctx, name, attrs)
	}
}

// Nop discards all events.
func Nop() Emitter {
	return EmitterFunc(func(context.Context, string, map[string]any) {})
}

// LogEmitter writes every event as a structured log line.
type LogEmitter struct {
	logg *logger.Logger
}

func NewLogEmitter(logg *logger.Logger) *LogEmitter {
	return &LogEmitter{logg: logg}
}

func (e *LogEmitter) Emit(ctx context.Context, name string, attrs map[string]any) {
	if e == nil || e.logg == nil {
		return
	}
	logCtx := e.logg.WithFields(ctx, attrs)
	e.logg.Info(e.logg.WithField(logCtx, "observe_event", name), name)
}

// Multi fans events out to several emitters.
type Multi struct {
	emitters []Emitter
}

func NewMulti(emitters ...Emitter) *Multi {
	out := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return &Multi{emitters: out}
}

func (m *Multi) Emit(ctx context.Context, name string, attrs map[string]any) {
	for _, e := range m.emitters {
		e.Emit(ctx, name, attrs)
	}
}

// Recorder captures events for tests.
type Recorder struct {
	mu     sync.Mutex
	events []RecordedEvent
}

type RecordedEvent struct {
	Name  string
	Attrs map[string]any
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(_ context.Context, name string, attrs map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := make(map[string]any, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}
	r.events = append(r.events, RecordedEvent{Name: name, Attrs: copied})
}

// Events returns a snapshot of the recorded events.
func (r *Recorder) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedEvent, len(r.events))
	copy(out, r.events)
	return out
}

// CountByName returns how many events with the given name were recorded.
func (r *Recorder) CountByName(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, evt := range r.events {
		if evt.Name == name {
			count++
		}
	}
	return count
}
