package domain

import "time"

// Outcome is a provider-reported verification result.
type Outcome string

const (
	OutcomePass        Outcome = "pass"
	OutcomeFail        Outcome = "fail"
	OutcomeNeedsReview Outcome = "needs_review"
	OutcomePending     Outcome = "pending"
)

// VerificationResult records one provider interaction. Owned by a single
// workflow instance and immutable once recorded.
type VerificationResult struct {
	Provider    string    `json:"provider"`
	Reference   string    `json:"reference"`
	Outcome     Outcome   `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// RiskLevel grades a compliance screen hit.
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ScreenResult is the outcome of a sanctions/watchlist/PEP/wallet screen.
// Fail-closed: a provider error never yields a ScreenResult; callers must treat
// the error as a screening failure, not a pass.
type ScreenResult struct {
	Reference   string    `json:"reference"`
	Outcome     Outcome   `json:"outcome"`
	Risk        RiskLevel `json:"risk"`
	Reason      string    `json:"reason,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Critical reports whether the screen demands immediate containment.
func (r ScreenResult) Critical() bool {
	return r.Risk == RiskCritical
}

// StepStatus tracks one step in an instance's history.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepRecord is one entry of an instance's ordered step history.
// Invariant: once Status is StepCompleted it is never reverted; only a
// compensation entry may reverse the step's external effect.
type StepRecord struct {
	Name      string     `json:"name"`
	Status    StepStatus `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   time.Time  `json:"ended_at,omitzero"`
	Error     string     `json:"error,omitempty"`
}
