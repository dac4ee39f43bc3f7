package saga

import "github.com/google/uuid"

// Reply event types consumed by the orchestrator. Remote step handlers publish
// these after executing a command, correlated by SagaID.
const (
	EventStepCompleted         = "saga.step.completed"
	EventStepFailed            = "saga.step.failed"
	EventCompensationCompleted = "saga.compensation.completed"
	EventCompensationFailed    = "saga.compensation.failed"
)

// StepCommand is the payload of a forward or compensation command event. The
// full saga context travels with the command so remote handlers are stateless.
type StepCommand struct {
	SagaID   uuid.UUID      `json:"sagaId"`
	SagaType string         `json:"sagaType"`
	Step     string         `json:"step"`
	Context  map[string]any `json:"context"`
}

// StepResult is the payload of a reply event. Output is merged into the saga
// context on step success; Error carries the failure message otherwise.
type StepResult struct {
	SagaID uuid.UUID      `json:"sagaId"`
	Step   string         `json:"step"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}
