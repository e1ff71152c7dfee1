package audit

import (
	"time"

	"veriflow/pkg/domain"
)

// Event captures one orchestration fact: a step transition, a terminal state,
// a compensation run. Keep it transport-agnostic so sinks can fan out.
type Event struct {
	Timestamp  time.Time           `json:"timestamp"`
	InstanceID domain.InstanceID   `json:"instance_id"`
	SubjectID  domain.SubjectID    `json:"subject_id"`
	Kind       domain.WorkflowKind `json:"kind"`
	Action     string              `json:"action"`
	Step       string              `json:"step,omitempty"`
	Status     string              `json:"status,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Fields     map[string]string   `json:"fields,omitempty"`
}

// Actions emitted by the workflow core.
const (
	ActionStepStarted   = "step_started"
	ActionStepCompleted = "step_completed"
	ActionStepFailed    = "step_failed"
	ActionStepSkipped   = "step_skipped"
	ActionTerminal      = "terminal_status"
	ActionCompensation  = "compensation_run"
	ActionSuspension    = "account_suspended"
)
