// Package workflow holds what the three state machines share: the dependency
// bundle each is constructed with, terminal-status classification of a
// workflow error, and the exactly-once terminal notification.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"veriflow/internal/audit"
	"veriflow/internal/instance"
	"veriflow/internal/observability"
	"veriflow/internal/providers"
	"veriflow/internal/workflow/activity"
	"veriflow/internal/workflow/retry"
	"veriflow/internal/workflow/runtime"
	"veriflow/internal/workflow/saga"
	"veriflow/pkg/domain"
	"veriflow/pkg/faults"
)

// Deps is the shared infrastructure every state machine threads through its
// steps. All fields are required except Metrics, which may be nil in tests.
type Deps struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Invoker *activity.Invoker
	Store   instance.Store
	Dedup   *saga.Deduplicator
	Audit   *audit.Publisher
}

// TerminalStatus maps a workflow error to the instance's terminal status.
// cancelled takes precedence over everything except a compensation failure,
// which always lands in failed for operator remediation.
func TerminalStatus(err error, cancelled bool) domain.Status {
	if faults.KindOf(err) == faults.KindCompensationFailed {
		return domain.StatusFailed
	}
	if cancelled || errors.Is(err, runtime.ErrCancelled) {
		return domain.StatusCancelled
	}
	if err == nil {
		return domain.StatusApproved
	}
	switch faults.KindOf(err) {
	case faults.KindValidation, faults.KindAuthorization, faults.KindComplianceBlocked:
		return domain.StatusRejected
	case faults.KindTimeout:
		return domain.StatusExpired
	default:
		return domain.StatusFailed
	}
}

// Checkpoint persists the instance's current snapshot. Best effort: a store
// outage must not fail the owning step, so errors are logged and swallowed.
func (d Deps) Checkpoint(ctx context.Context, snap observability.Snapshot) {
	err := d.Invoker.Invoke(ctx, "persist-instance", activity.Options{
		Timeout: 10 * time.Second,
		Policy:  retry.Idempotent(),
	}, func(ctx context.Context) error {
		return d.Store.Put(ctx, instance.FromSnapshot(snap))
	})
	if err != nil {
		d.Logger.WarnContext(ctx, "instance checkpoint failed",
			"instance_id", snap.InstanceID.String(),
			"error", err,
		)
	}
}

// NotifyTerminal sends the subject exactly one notification per terminal
// status of an instance, deduplicated across workflow-level retries. reason
// is included for rejections and expirations so the subject learns why.
func (d Deps) NotifyTerminal(ctx context.Context, notifier providers.Notifier, snap observability.Snapshot, reason string) {
	key := fmt.Sprintf("notify:%s:%s", snap.InstanceID.String(), snap.Status)
	fields := map[string]string{
		"workflow": snap.Kind.String(),
		"status":   snap.Status.String(),
	}
	if reason != "" {
		fields["reason"] = reason
	}
	_, err := d.Dedup.Once(ctx, key, func(ctx context.Context) error {
		return d.Invoker.Invoke(ctx, "notify-terminal", activity.Options{
			Timeout: 10 * time.Second,
			Policy:  retry.Default(),
		}, func(ctx context.Context) error {
			return notifier.Send(ctx, snap.SubjectID, "workflow-"+snap.Status.String(), fields)
		})
	})
	if err != nil {
		d.Logger.WarnContext(ctx, "terminal notification failed",
			"instance_id", snap.InstanceID.String(),
			"status", snap.Status.String(),
			"error", err,
		)
	}
}
