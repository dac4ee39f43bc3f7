package enums

import "fmt"

// SagaStatus maps to the saga_status enum in Postgres.
type SagaStatus string

const (
	SagaRunning      SagaStatus = "running"
	SagaCompensating SagaStatus = "compensating"
	SagaCompleted    SagaStatus = "completed"
	SagaCompensated  SagaStatus = "compensated"
	SagaFailed       SagaStatus = "failed"
)

var validSagaStatuses = []SagaStatus{
	SagaRunning,
	SagaCompensating,
	SagaCompleted,
	SagaCompensated,
	SagaFailed,
}

// IsValid reports whether the value matches the canonical saga_status enum.
func (s SagaStatus) IsValid() bool {
	for _, candidate := range validSagaStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further automatic transitions are allowed.
func (s SagaStatus) Terminal() bool {
	return s == SagaCompleted || s == SagaCompensated || s == SagaFailed
}

// ParseSagaStatus converts raw input into SagaStatus.
func ParseSagaStatus(value string) (SagaStatus, error) {
	for _, candidate := range validSagaStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid saga status %q", value)
}
