package domain

import "fmt"

// Status is the overall lifecycle state of a workflow instance.
type Status string

const (
	StatusPending          Status = "pending"
	StatusInProgress       Status = "in_progress"
	StatusAwaitingExternal Status = "awaiting_external_action"
	StatusUnderReview      Status = "under_review"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
	StatusExpired          Status = "expired"
	StatusCancelled        Status = "cancelled"
	StatusSuspended        Status = "suspended"
	// StatusFailed marks instances needing manual remediation, most notably
	// after a compensation failure.
	StatusFailed Status = "failed"
)

// terminalStatuses is the single source of truth for states that end an instance.
var terminalStatuses = map[Status]bool{
	StatusApproved:  true,
	StatusRejected:  true,
	StatusExpired:   true,
	StatusCancelled: true,
	StatusSuspended: true,
	StatusFailed:    true,
}

// IsTerminal reports whether the status ends the instance's lifecycle.
func (s Status) IsTerminal() bool {
	return terminalStatuses[s]
}

func (s Status) String() string { return string(s) }

// WorkflowKind names one of the state machines this service runs.
type WorkflowKind string

const (
	KindOnboarding     WorkflowKind = "onboarding"
	KindTierUpgrade    WorkflowKind = "tier_upgrade"
	KindReverification WorkflowKind = "reverification"
)

var validKinds = map[WorkflowKind]bool{
	KindOnboarding:     true,
	KindTierUpgrade:    true,
	KindReverification: true,
}

// ParseWorkflowKind constructs a WorkflowKind from external input.
func ParseWorkflowKind(s string) (WorkflowKind, error) {
	k := WorkflowKind(s)
	if !validKinds[k] {
		return "", fmt.Errorf("unknown workflow kind: %s", s)
	}
	return k, nil
}

func (k WorkflowKind) String() string { return string(k) }
