package event

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/arlo-systems/eventbus/pkg/enums"
	appErrors "github.com/arlo-systems/eventbus/pkg/errors"
)

var (
	validate = validator.New()

	// event types are dotted lowercase identifiers, e.g. "order.created".
	eventTypeRe = regexp.MustCompile(`^[a-z0-9_-]+(\.[a-z0-9_-]+)+$`)
)

// Metadata threads identity, causality and routing context through every
// event. CorrelationID is propagated unchanged across derived events and saga
// steps; CausationID points at the event that caused this one.
type Metadata struct {
	CorrelationID    string     `json:"correlationId" validate:"required"`
	CausationID      *uuid.UUID `json:"causationId,omitempty"`
	AggregateType    string     `json:"aggregateType,omitempty"`
	AggregateID      string     `json:"aggregateId,omitempty"`
	AggregateVersion int64      `json:"aggregateVersion,omitempty"`
	Timestamp        time.Time  `json:"timestamp" validate:"required"`
	TenantID         string     `json:"tenantId,omitempty"`
	UserID           string     `json:"userId,omitempty"`
}

// HasAggregate reports whether domain-aggregate attribution is present.
func (m Metadata) HasAggregate() bool {
	return m.AggregateType != "" && m.AggregateID != ""
}

// Envelope is the canonical event representation carried through the outbox,
// the broker and inbound routing.
type Envelope struct {
	EventID   uuid.UUID       `json:"eventId" validate:"required"`
	EventType string          `json:"eventType" validate:"required"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  Metadata        `json:"metadata"`
	Priority  enums.Priority  `json:"priority"`
}

// Option mutates an envelope under construction.
type Option func(*Envelope)

func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.Metadata.CorrelationID = id }
}

func WithCausationID(id uuid.UUID) Option {
	return func(e *Envelope) { e.Metadata.CausationID = &id }
}

func WithPriority(p enums.Priority) Option {
	return func(e *Envelope) { e.Priority = p }
}

func WithAggregate(aggregateType, aggregateID string, version int64) Option {
	return func(e *Envelope) {
		e.Metadata.AggregateType = aggregateType
		e.Metadata.AggregateID = aggregateID
		e.Metadata.AggregateVersion = version
	}
}

func WithTenantID(tenantID string) Option {
	return func(e *Envelope) { e.Metadata.TenantID = tenantID }
}

func WithUserID(userID string) Option {
	return func(e *Envelope) { e.Metadata.UserID = userID }
}

// New builds a validated envelope for the given event type. The payload is
// marshalled once at creation; event ID, correlation ID and timestamp are
// assigned when the caller did not supply them.
func New(eventType string, payload any, opts ...Option) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, appErrors.Wrap(appErrors.CodeValidation, err, "marshalling event payload")
	}

	env := &Envelope{
		EventID:   uuid.New(),
		EventType: eventType,
		Payload:   data,
		Priority:  enums.PriorityNormal,
		Metadata: Metadata{
			Timestamp: time.Now().UTC(),
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(env)
		}
	}
	if env.Metadata.CorrelationID == "" {
		env.Metadata.CorrelationID = uuid.NewString()
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Derive builds a new envelope caused by the parent: the correlation ID is
// propagated unchanged and the causation ID points at the parent event.
func Derive(parent *Envelope, eventType string, payload any, opts ...Option) (*Envelope, error) {
	if parent == nil {
		return nil, appErrors.New(appErrors.CodeValidation, "parent envelope is required")
	}
	derived := append([]Option{
		WithCorrelationID(parent.Metadata.CorrelationID),
		WithCausationID(parent.EventID),
		WithTenantID(parent.Metadata.TenantID),
		WithUserID(parent.Metadata.UserID),
	}, opts...)
	return New(eventType, payload, derived...)
}

// Validate enforces the structural invariants of the envelope.
func (e *Envelope) Validate() error {
	if e == nil {
		return appErrors.New(appErrors.CodeValidation, "envelope is nil")
	}
	if e.EventID == uuid.Nil {
		return appErrors.New(appErrors.CodeValidation, "event id is required")
	}
	if !eventTypeRe.MatchString(e.EventType) {
		return appErrors.New(appErrors.CodeValidation,
			fmt.Sprintf("event type %q is not a dotted identifier", e.EventType))
	}
	if !e.Priority.IsValid() {
		return appErrors.New(appErrors.CodeValidation,
			fmt.Sprintf("invalid priority %d", int(e.Priority)))
	}
	if err := validate.Struct(e); err != nil {
		return appErrors.Wrap(appErrors.CodeValidation, err, "envelope validation")
	}
	return nil
}

// RoutingKey returns the partition/queue key callers should use to preserve
// per-aggregate ordering. Events without aggregate attribution fall back to
// the event ID, which spreads them across partitions.
func (e *Envelope) RoutingKey() string {
	if e.Metadata.AggregateID != "" {
		return e.Metadata.AggregateID
	}
	return e.EventID.String()
}

// Topic derives the broker topic from the first segment of the event type,
// e.g. prefix "eventbus" and type "order.created" map to "eventbus.order".
func (e *Envelope) Topic(prefix string) string {
	segment := e.EventType
	if idx := strings.IndexByte(segment, '.'); idx > 0 {
		segment = segment[:idx]
	}
	if prefix == "" {
		return segment
	}
	return prefix + "." + segment
}

// UnmarshalPayload decodes the payload into out.
func (e *Envelope) UnmarshalPayload(out any) error {
	if len(e.Payload) == 0 {
		return appErrors.New(appErrors.CodeValidation, "empty payload")
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return appErrors.Wrap(appErrors.CodeValidation, err, "decoding event payload")
	}
	return nil
}
