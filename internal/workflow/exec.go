package workflow

import (
	"context"
	"strings"
	"time"

	"veriflow/internal/audit"
	"veriflow/internal/observability"
	"veriflow/internal/providers"
	"veriflow/internal/workflow/runtime"
	"veriflow/internal/workflow/saga"
	"veriflow/pkg/domain"
	"veriflow/pkg/faults"
)

// Exec is the per-instance execution scaffolding shared by the state
// machines: tracker, audit, and checkpoint bookkeeping around every step,
// plus the terminal unwinding that drains the compensation stack.
type Exec struct {
	deps Deps
	wctx *runtime.Context

	Scope *observability.Scope
	Comp  *saga.Stack

	// Classify overrides terminal-status mapping when set; reverification
	// routes critical screen hits to suspended this way.
	Classify func(err error, cancelled bool) domain.Status
	// NotifyStatus filters terminal notifications when set. Periodic
	// re-verification keeps quiet on clean cycles.
	NotifyStatus func(status domain.Status) bool
}

// NewExec builds the scaffolding and registers the instance's query handler.
func NewExec(deps Deps, wctx *runtime.Context, plannedSteps int) *Exec {
	scope := observability.NewScope(deps.Logger, deps.Metrics, wctx.ID(), wctx.Subject(), wctx.Kind(), plannedSteps)
	wctx.SetQueryHandler(func() any { return scope.Tracker.Snapshot() })
	return &Exec{
		deps:  deps,
		wctx:  wctx,
		Scope: scope,
		Comp:  saga.NewStack(saga.WithLogger(scope.Log), saga.WithMetrics(deps.Metrics)),
	}
}

// Step runs fn with start/complete/fail bookkeeping around it and checkpoints
// the instance after.
func (x *Exec) Step(name string, fn func() error) error {
	x.Scope.Tracker.StepStart(name)
	x.Audit(x.wctx.Detached(), audit.Event{Action: audit.ActionStepStarted, Step: name})
	started := time.Now()

	err := fn()

	if x.deps.Metrics != nil {
		x.deps.Metrics.StepDuration.
			WithLabelValues(x.wctx.Kind().String(), name).
			Observe(time.Since(started).Seconds())
	}
	ctx := x.wctx.Detached()
	if err != nil {
		x.Scope.Tracker.StepFail(name, err)
		x.Scope.Tracker.RecordError(err)
		x.Audit(ctx, audit.Event{Action: audit.ActionStepFailed, Step: name, Reason: err.Error()})
		x.deps.Checkpoint(ctx, x.Scope.Tracker.Snapshot())
		return err
	}
	x.Scope.Tracker.StepComplete(name)
	x.Audit(ctx, audit.Event{Action: audit.ActionStepCompleted, Step: name})
	x.deps.Checkpoint(ctx, x.Scope.Tracker.Snapshot())
	return nil
}

// Skip records a step the plan excluded.
func (x *Exec) Skip(name string) {
	x.Scope.Tracker.StepSkip(name)
	x.Audit(x.wctx.Detached(), audit.Event{Action: audit.ActionStepSkipped, Step: name})
}

// Audit stamps the instance identity onto the event and emits it.
func (x *Exec) Audit(ctx context.Context, event audit.Event) {
	event.InstanceID = x.wctx.ID()
	event.SubjectID = x.wctx.Subject()
	event.Kind = x.wctx.Kind()
	x.deps.Audit.Emit(ctx, event)
}

// Finish classifies the outcome, drains the compensation stack for any
// non-approved terminal, and emits the exactly-once terminal notification.
// It runs on the detached context so a cancellation request cannot interrupt
// the unwinding. The returned error is what the workflow function reports to
// the engine; nil only for approved instances.
func (x *Exec) Finish(err error, notifier providers.Notifier) error {
	_, cancelled := x.wctx.Cancelled()
	classify := x.Classify
	if classify == nil {
		classify = TerminalStatus
	}
	status := classify(err, cancelled)

	if status != domain.StatusApproved && x.Comp.Len() > 0 {
		res := x.Comp.CompensateAll(x.wctx.Detached())
		x.auditCompensation(res)
		if cerr := res.Err(err); cerr != nil {
			err = cerr
			status = domain.StatusFailed
		}
	}

	x.Scope.Tracker.SetStatus(status)
	ctx := x.wctx.Detached()
	snap := x.Scope.Tracker.Snapshot()
	x.deps.Checkpoint(ctx, snap)
	if x.NotifyStatus == nil || x.NotifyStatus(status) {
		x.deps.NotifyTerminal(ctx, notifier, snap, reasonOf(err))
	}
	x.Audit(ctx, audit.Event{
		Action: audit.ActionTerminal,
		Status: status.String(),
		Reason: reasonOf(err),
	})
	if x.deps.Metrics != nil {
		x.deps.Metrics.WorkflowsFinished.
			WithLabelValues(x.wctx.Kind().String(), status.String()).Inc()
	}
	return err
}

func (x *Exec) auditCompensation(res saga.Result) {
	var failed []string
	for _, f := range res.Failed {
		failed = append(failed, f.Name)
	}
	x.Audit(x.wctx.Detached(), audit.Event{
		Action: audit.ActionCompensation,
		Fields: map[string]string{
			"executed": strings.Join(res.Executed, ","),
			"failed":   strings.Join(failed, ","),
		},
	})
}

func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	if f, ok := faults.AsFault(err); ok {
		return f.Message
	}
	return err.Error()
}
