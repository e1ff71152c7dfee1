// Package tierupgrade is the tier-upgrade state machine: validate that the
// requested path is exactly one level up, then run only the verification
// steps the target tier adds over the current one, reusing still-valid
// results from the subject's prior approved instances.
package tierupgrade

import (
	"context"
	"time"

	"veriflow/internal/instance"
	"veriflow/internal/providers"
	"veriflow/internal/tier"
	"veriflow/internal/workflow"
	"veriflow/internal/workflow/activity"
	"veriflow/internal/workflow/retry"
	"veriflow/internal/workflow/runtime"
	"veriflow/pkg/domain"
	"veriflow/pkg/faults"
)

const (
	stateValidating = "validating"
	stateLoading    = "loading-history"
	stateFinalizing = "finalizing"
)

// Request triggers one tier-upgrade instance.
type Request struct {
	Subject     domain.SubjectID `json:"subject_id"`
	CurrentTier domain.Tier      `json:"current_tier"`
	TargetTier  domain.Tier      `json:"target_tier"`
}

// Activities groups the collaborators an upgrade may consult. Only the delta
// steps of the requested path are exercised.
type Activities struct {
	Background    providers.Background
	Sanctions     providers.Screener
	Accreditation providers.Accreditation
	BankLink      providers.BankLink
	Accounts      providers.Accounts
	Notifier      providers.Notifier
}

// Workflow is the reusable definition; Run executes one instance of it.
type Workflow struct {
	deps workflow.Deps
	acts Activities
}

func New(deps workflow.Deps, acts Activities) *Workflow {
	return &Workflow{deps: deps, acts: acts}
}

type run struct {
	*Workflow
	wctx *runtime.Context
	req  Request
	x    *workflow.Exec

	delta []tier.Step
	prior map[string]domain.VerificationResult
}

// Run executes one upgrade instance to a terminal status.
func (w *Workflow) Run(wctx *runtime.Context, req Request) error {
	delta := tier.DeltaSteps(req.CurrentTier, req.TargetTier)
	x := workflow.NewExec(w.deps, wctx, len(delta)+3)
	x.Scope.Tracker.SetTargetTier(req.TargetTier)

	r := &run{Workflow: w, wctx: wctx, req: req, x: x, delta: delta}
	x.Scope.Tracker.SetStatus(domain.StatusInProgress)
	return x.Finish(r.execute(), w.acts.Notifier)
}

func (r *run) execute() error {
	if err := r.x.Step(stateValidating, r.validate); err != nil {
		return err
	}
	if err := r.x.Step(stateLoading, r.loadHistory); err != nil {
		return err
	}
	for _, step := range r.delta {
		if err := r.runDelta(step); err != nil {
			return err
		}
	}
	return r.x.Step(stateFinalizing, r.finalize)
}

// validate rejects any non-monotonic path before a single activity executes.
func (r *run) validate() error {
	if r.req.Subject.IsNil() {
		return faults.Validation("missing_subject", "subject id is required")
	}
	return tier.ValidateUpgrade(r.req.CurrentTier, r.req.TargetTier)
}

// loadHistory collects the subject's most recent approved results so delta
// steps with a still-valid prior outcome are reused, not re-verified.
func (r *run) loadHistory() error {
	records, err := activity.Do(r.wctx.Context(), r.deps.Invoker, "load-subject-history", activity.Options{
		Timeout: 10 * time.Second,
		Policy:  retry.Default(),
	}, func(ctx context.Context) ([]*instance.Record, error) {
		return r.deps.Store.ListBySubject(ctx, r.req.Subject)
	})
	if err != nil {
		return err
	}
	r.prior = make(map[string]domain.VerificationResult)
	for _, rec := range records {
		if rec.Status != domain.StatusApproved {
			continue
		}
		for provider, res := range rec.Results {
			if res.Outcome != domain.OutcomePass {
				continue
			}
			if _, seen := r.prior[provider]; seen {
				continue
			}
			r.prior[provider] = res
		}
	}
	return nil
}

// reusable reports whether a prior pass for the provider is still within the
// target tier's result TTL.
func (r *run) reusable(provider string) (domain.VerificationResult, bool) {
	res, ok := r.prior[provider]
	if !ok {
		return domain.VerificationResult{}, false
	}
	cfg, ok := tier.Lookup(r.req.TargetTier)
	if !ok {
		return domain.VerificationResult{}, false
	}
	if res.CompletedAt.IsZero() || time.Since(res.CompletedAt) > cfg.ResultTTL {
		return domain.VerificationResult{}, false
	}
	return res, true
}

func (r *run) runDelta(step tier.Step) error {
	name := string(step)
	switch step {
	case tier.StepBackgroundCheck:
		if res, ok := r.reusable(providers.NameBackground); ok {
			r.x.Scope.Tracker.RecordResult(providers.NameBackground, res)
			r.x.Skip(name)
			return nil
		}
		return r.x.Step(name, r.runBackground)
	case tier.StepAccreditation:
		if res, ok := r.reusable(providers.NameAccreditation); ok {
			r.x.Scope.Tracker.RecordResult(providers.NameAccreditation, res)
			r.x.Skip(name)
			return nil
		}
		return r.x.Step(name, r.verifyAccreditation)
	case tier.StepBankLink:
		if res, ok := r.reusable(providers.NameBankLink); ok {
			r.x.Scope.Tracker.RecordResult(providers.NameBankLink, res)
			r.x.Skip(name)
			return nil
		}
		return r.x.Step(name, r.linkBank)
	case tier.StepSanctionsScreen:
		return r.x.Step(name, r.screenSanctions)
	default:
		// Email, document, and agreement steps belong to the lower tier's
		// plan and never appear in a delta.
		r.x.Skip(name)
		return nil
	}
}

func (r *run) runBackground() error {
	cfg, _ := tier.Lookup(r.req.TargetTier)
	res, err := activity.Do(r.wctx.Context(), r.deps.Invoker, "background-check", activity.Options{
		Timeout: 60 * time.Second,
		Policy:  retry.ExternalAPI(),
	}, func(ctx context.Context) (domain.VerificationResult, error) {
		return r.acts.Background.Run(ctx, r.req.Subject, cfg.ProviderPackage)
	})
	if err != nil {
		return err
	}
	r.x.Scope.Tracker.RecordResult(providers.NameBackground, res)
	if res.Outcome == domain.OutcomeFail {
		return faults.ComplianceBlocked("background_adverse", "background check returned an adverse result").
			With("reference", res.Reference).
			With("reason", res.Reason)
	}
	return nil
}

func (r *run) screenSanctions() error {
	screen, err := activity.Do(r.wctx.Context(), r.deps.Invoker, "sanctions-screen", activity.Options{
		Timeout: 60 * time.Second,
		Policy:  retry.Critical(),
	}, func(ctx context.Context) (domain.ScreenResult, error) {
		return r.acts.Sanctions.Screen(ctx, r.req.Subject)
	})
	if err != nil {
		return err
	}
	r.x.Scope.Tracker.RecordResult(providers.NameSanctions, domain.VerificationResult{
		Provider:    providers.NameSanctions,
		Reference:   screen.Reference,
		Outcome:     screen.Outcome,
		Reason:      screen.Reason,
		CompletedAt: screen.CompletedAt,
	})
	if screen.Critical() || screen.Outcome == domain.OutcomeFail {
		return faults.ComplianceBlocked("sanctions_match", "sanctions screen flagged the subject").
			With("risk", string(screen.Risk)).
			With("reason", screen.Reason)
	}
	return nil
}

func (r *run) verifyAccreditation() error {
	res, err := activity.Do(r.wctx.Context(), r.deps.Invoker, "verify-accreditation", activity.Options{
		Timeout: 60 * time.Second,
		Policy:  retry.ExternalAPI(),
	}, func(ctx context.Context) (domain.VerificationResult, error) {
		return r.acts.Accreditation.Verify(ctx, r.req.Subject)
	})
	if err != nil {
		return err
	}
	r.x.Scope.Tracker.RecordResult(providers.NameAccreditation, res)
	if res.Outcome != domain.OutcomePass {
		return faults.ComplianceBlocked("accreditation_denied", "accredited-investor verification failed").
			With("reference", res.Reference).
			With("reason", res.Reason)
	}
	return nil
}

func (r *run) linkBank() error {
	key := "bank-link:" + r.wctx.ID().String()
	res, err := activity.Do(r.wctx.Context(), r.deps.Invoker, "link-bank-account", activity.Options{
		Timeout: 60 * time.Second,
		Policy:  retry.Critical(),
	}, func(ctx context.Context) (domain.VerificationResult, error) {
		return r.acts.BankLink.Link(ctx, r.req.Subject, key)
	})
	if err != nil {
		return err
	}
	r.x.Scope.Tracker.RecordResult(providers.NameBankLink, res)
	if res.Outcome != domain.OutcomePass {
		return faults.ComplianceBlocked("bank_link_declined", "bank account linking was declined").
			With("reference", res.Reference).
			With("reason", res.Reason)
	}
	r.x.Comp.Push("unlink-bank-account", func(ctx context.Context) error {
		return r.deps.Invoker.Invoke(ctx, "unlink-bank-account", activity.Options{
			Timeout: 30 * time.Second,
			Policy:  retry.Critical(),
		}, func(ctx context.Context) error {
			return r.acts.BankLink.Unlink(ctx, res.Reference)
		})
	})
	return nil
}

// finalize promotes the account. The previous tier is restored if a later
// unwinding runs, which can only happen when finalize itself fails mid-flight.
func (r *run) finalize() error {
	if err := r.deps.Invoker.Invoke(r.wctx.Context(), "set-account-tier", activity.Options{
		Timeout: 30 * time.Second,
		Policy:  retry.Critical(),
	}, func(ctx context.Context) error {
		return r.acts.Accounts.SetTier(ctx, r.req.Subject, r.req.TargetTier)
	}); err != nil {
		return err
	}
	r.x.Comp.Push("restore-account-tier", func(ctx context.Context) error {
		return r.deps.Invoker.Invoke(ctx, "restore-account-tier", activity.Options{
			Timeout: 30 * time.Second,
			Policy:  retry.Critical(),
		}, func(ctx context.Context) error {
			return r.acts.Accounts.SetTier(ctx, r.req.Subject, r.req.CurrentTier)
		})
	})
	return nil
}
