package enums

import "fmt"

// OutboxStatus maps to the outbox_status enum in Postgres.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxClaimed    OutboxStatus = "claimed"
	OutboxSent       OutboxStatus = "sent"
	OutboxFailed     OutboxStatus = "failed"
	OutboxDeadLetter OutboxStatus = "dead_letter"
)

var validOutboxStatuses = []OutboxStatus{
	OutboxPending,
	OutboxClaimed,
	OutboxSent,
	OutboxFailed,
	OutboxDeadLetter,
}

// IsValid reports whether the value matches the canonical outbox_status enum.
func (s OutboxStatus) IsValid() bool {
	for _, candidate := range validOutboxStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether the status state machine permits moving to
// next. Dead-letter rows only leave via operator replay back to pending.
func (s OutboxStatus) CanTransition(next OutboxStatus) bool {
	switch s {
	case OutboxPending:
		return next == OutboxClaimed
	case OutboxClaimed:
		return next == OutboxSent || next == OutboxFailed || next == OutboxPending
	case OutboxFailed:
		return next == OutboxPending || next == OutboxDeadLetter
	case OutboxDeadLetter:
		return next == OutboxPending
	default:
		return false
	}
}

// ParseOutboxStatus converts raw input into OutboxStatus.
func ParseOutboxStatus(value string) (OutboxStatus, error) {
	for _, candidate := range validOutboxStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox status %q", value)
}
