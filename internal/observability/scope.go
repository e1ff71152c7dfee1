// Package observability bundles the instance-scoped logger, Prometheus
// instruments, and step-status tracker that every workflow step threads through.
package observability

import (
	"log/slog"

	"veriflow/pkg/domain"
)

// Scope ties the three observability concerns to a single workflow instance.
type Scope struct {
	Log     *slog.Logger
	Metrics *Metrics
	Tracker *Tracker
}

// NewScope derives an instance-scoped logger and tracker from the root logger.
func NewScope(base *slog.Logger, m *Metrics, id domain.InstanceID, subject domain.SubjectID, kind domain.WorkflowKind, plannedSteps int) *Scope {
	if base == nil {
		base = slog.Default()
	}
	return &Scope{
		Log: base.With(
			"instance_id", id.String(),
			"subject_id", subject.String(),
			"workflow", kind.String(),
		),
		Metrics: m,
		Tracker: NewTracker(id, subject, kind, plannedSteps),
	}
}
