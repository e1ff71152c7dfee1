// Package instance persists workflow-instance records: the orchestration
// layer's own bookkeeping of status, step history, and accumulated results.
// The durable-execution substrate owns replay state; this store owns what
// dashboards and the per-subject uniqueness invariant need across restarts.
package instance

import (
	"context"
	"time"

	"veriflow/internal/observability"
	"veriflow/pkg/domain"
)

// Record is the persisted view of one workflow instance.
type Record struct {
	ID          domain.InstanceID                    `json:"id"`
	SubjectID   domain.SubjectID                     `json:"subject_id"`
	Kind        domain.WorkflowKind                  `json:"kind"`
	TargetTier  domain.Tier                          `json:"target_tier,omitempty"`
	Status      domain.Status                        `json:"status"`
	CurrentStep string                               `json:"current_step,omitempty"`
	Steps       []domain.StepRecord                  `json:"steps"`
	Results     map[string]domain.VerificationResult `json:"results,omitempty"`
	Errors      []string                             `json:"errors,omitempty"`
	StartedAt   time.Time                            `json:"started_at"`
	CompletedAt time.Time                            `json:"completed_at,omitzero"`
	UpdatedAt   time.Time                            `json:"updated_at"`
}

// FromSnapshot converts a tracker snapshot into its persisted form.
func FromSnapshot(s observability.Snapshot) *Record {
	return &Record{
		ID:          s.InstanceID,
		SubjectID:   s.SubjectID,
		Kind:        s.Kind,
		TargetTier:  s.TargetTier,
		Status:      s.Status,
		CurrentStep: s.CurrentStep,
		Steps:       s.Steps,
		Results:     s.Results,
		Errors:      s.Errors,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
		UpdatedAt:   time.Now(),
	}
}

// Store persists instance records.
type Store interface {
	// Put inserts or replaces the record.
	Put(ctx context.Context, rec *Record) error
	// Get returns the record or sentinel.ErrNotFound.
	Get(ctx context.Context, id domain.InstanceID) (*Record, error)
	// FindActive returns the in-flight record for (subject, kind), or
	// sentinel.ErrNotFound when none is in flight.
	FindActive(ctx context.Context, subject domain.SubjectID, kind domain.WorkflowKind) (*Record, error)
	// ListBySubject returns all records for a subject, newest first.
	ListBySubject(ctx context.Context, subject domain.SubjectID) ([]*Record, error)
}
