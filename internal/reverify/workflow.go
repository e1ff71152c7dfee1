// Package reverify is the periodic re-verification state machine. Each cycle
// checks document expiry, runs the sanctions, watchlist, and PEP screens in
// parallel, and re-verifies the subject only when a recheck is due or a
// screen flagged. A critical screen match suspends the account immediately
// and unconditionally. Instances bound their own history: after a fixed
// number of cycles the instance re-spawns itself carrying only the last-check
// timestamp and a short tail of open issues.
package reverify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"veriflow/internal/audit"
	"veriflow/internal/providers"
	"veriflow/internal/tier"
	"veriflow/internal/workflow"
	"veriflow/internal/workflow/activity"
	"veriflow/internal/workflow/retry"
	"veriflow/internal/workflow/runtime"
	"veriflow/pkg/domain"
	"veriflow/pkg/faults"
)

// SignalRecheckNow forces the next cycle without waiting out the cadence.
const SignalRecheckNow = "recheck-now"

// issueTail bounds the issue history carried across instance restarts.
const issueTail = 20

const (
	stepDocuments = "checking-documents"
	stepScreening = "screening"
	stepReverify  = "re-verifying"
)

// Request triggers one re-verification instance. LastCheckAt and Issues are
// the carried-forward state of the previous instance, zero on the first run.
type Request struct {
	Subject           domain.SubjectID `json:"subject_id"`
	Tier              domain.Tier      `json:"tier"`
	DocumentExpiresAt time.Time        `json:"document_expires_at,omitzero"`
	LastCheckAt       time.Time        `json:"last_check_at,omitzero"`
	Issues            []string         `json:"issues,omitempty"`
	// Continued marks a rolled-over request. A continued instance waits out
	// the remainder of the cadence before its first cycle instead of
	// rechecking immediately.
	Continued bool `json:"continued,omitempty"`
}

// Activities groups the collaborators a re-verification cycle drives.
type Activities struct {
	Sanctions  providers.Screener
	Watchlist  providers.Screener
	PEP        providers.Screener
	Background providers.Background
	Accounts   providers.Accounts
	Notifier   providers.Notifier
}

// Config tunes cadence and history bounds.
type Config struct {
	// Interval overrides the tier's recheck cadence. Zero keeps the tier's.
	Interval time.Duration
	// ExpiryWindow is how far ahead an expiring document raises an issue.
	ExpiryWindow time.Duration
	// CyclesPerInstance bounds per-instance history before the restart.
	CyclesPerInstance int
	// OnRestart re-spawns the instance with the carried-forward request.
	// Wired by the service layer; nil stops the chain after the last cycle.
	OnRestart func(ctx context.Context, req Request) error
}

func (c Config) withDefaults() Config {
	if c.ExpiryWindow <= 0 {
		c.ExpiryWindow = 30 * 24 * time.Hour
	}
	if c.CyclesPerInstance <= 0 {
		c.CyclesPerInstance = 3
	}
	return c
}

// Workflow is the reusable definition; Run executes one instance of it.
type Workflow struct {
	deps workflow.Deps
	acts Activities
	cfg  Config
}

func New(deps workflow.Deps, acts Activities, cfg Config) *Workflow {
	return &Workflow{deps: deps, acts: acts, cfg: cfg.withDefaults()}
}

type run struct {
	*Workflow
	wctx *runtime.Context
	req  Request
	x    *workflow.Exec

	recheckRequested bool
	lastCheckAt      time.Time
	issues           []string
}

// Run executes one bounded instance of the perpetual re-verification chain.
func (w *Workflow) Run(wctx *runtime.Context, req Request) error {
	x := workflow.NewExec(w.deps, wctx, w.cfg.CyclesPerInstance*3)
	x.Scope.Tracker.SetTargetTier(req.Tier)
	x.Classify = func(err error, cancelled bool) domain.Status {
		if faults.KindOf(err) == faults.KindComplianceBlocked {
			return domain.StatusSuspended
		}
		return workflow.TerminalStatus(err, cancelled)
	}
	x.NotifyStatus = func(s domain.Status) bool {
		return s != domain.StatusApproved
	}

	r := &run{
		Workflow:    w,
		wctx:        wctx,
		req:         req,
		x:           x,
		lastCheckAt: req.LastCheckAt,
		issues:      append([]string(nil), req.Issues...),
	}
	wctx.OnSignal(SignalRecheckNow, func(json.RawMessage) {
		r.recheckRequested = true
	})

	x.Scope.Tracker.SetStatus(domain.StatusInProgress)
	return x.Finish(r.execute(), w.acts.Notifier)
}

func (r *run) execute() error {
	if r.req.Subject.IsNil() {
		return faults.Validation("missing_subject", "subject id is required")
	}
	if _, ok := tier.Lookup(r.req.Tier); !ok {
		return faults.Validation("unknown_tier", "tier is not recognized").
			With("tier", string(r.req.Tier))
	}

	for cycle := 1; cycle <= r.cfg.CyclesPerInstance; cycle++ {
		// A fresh trigger rechecks immediately; a rolled-over instance
		// waits out whatever is left of the cadence it inherited.
		if cycle > 1 || r.req.Continued {
			if err := r.awaitNextCycle(); err != nil {
				return err
			}
		}
		if err := r.runCycle(cycle); err != nil {
			return err
		}
	}
	return r.restart()
}

func (r *run) interval() time.Duration {
	if r.cfg.Interval > 0 {
		return r.cfg.Interval
	}
	return tier.RecheckInterval(r.req.Tier)
}

// awaitNextCycle sleeps out the remainder of the cadence, or wakes early on a
// recheck-now signal.
func (r *run) awaitNextCycle() error {
	r.recheckRequested = false
	wait := r.interval()
	if !r.lastCheckAt.IsZero() {
		if rem := r.interval() - time.Since(r.lastCheckAt); rem < wait {
			wait = rem
		}
	}
	if wait <= 0 {
		return nil
	}
	_, err := r.wctx.Await(wait, func() bool { return r.recheckRequested })
	return err
}

func (r *run) runCycle(cycle int) error {
	prefix := fmt.Sprintf("cycle-%d:", cycle)
	flagged := false

	if err := r.x.Step(prefix+stepDocuments, func() error {
		if expired := r.checkDocuments(); expired {
			flagged = true
		}
		return nil
	}); err != nil {
		return err
	}

	screenFlagged := false
	if err := r.x.Step(prefix+stepScreening, func() error {
		var err error
		screenFlagged, err = r.runScreens(cycle)
		return err
	}); err != nil {
		return err
	}
	flagged = flagged || screenFlagged

	due := r.lastCheckAt.IsZero() || time.Since(r.lastCheckAt) >= r.interval()
	if due || flagged {
		if err := r.x.Step(prefix+stepReverify, func() error {
			return r.reverifySubject(flagged)
		}); err != nil {
			return err
		}
	} else {
		r.x.Skip(prefix + stepReverify)
	}

	r.lastCheckAt = time.Now()
	r.deps.Checkpoint(r.wctx.Detached(), r.x.Scope.Tracker.Snapshot())
	return nil
}

// checkDocuments reports whether the identity document is expired or inside
// the expiry window.
func (r *run) checkDocuments() bool {
	if r.req.DocumentExpiresAt.IsZero() {
		return false
	}
	until := time.Until(r.req.DocumentExpiresAt)
	if until > r.cfg.ExpiryWindow {
		return false
	}
	if until <= 0 {
		r.addIssue("identity document expired")
	} else {
		r.addIssue(fmt.Sprintf("identity document expires in %d days", int(until.Hours()/24)))
	}
	r.notifyOnce("document-renewal:"+r.wctx.ID().String(), "renew-document", map[string]string{
		"expires_at": r.req.DocumentExpiresAt.Format(time.RFC3339),
	})
	return true
}

// runScreens fans out the three compliance screens. All screens are
// fail-closed: a provider error is a screening failure that surfaces, never
// an implicit pass. A critical match suspends the account before anything
// else runs.
func (r *run) runScreens(cycle int) (flagged bool, err error) {
	type screenOut struct {
		name string
		res  domain.ScreenResult
		err  error
	}
	screens := []struct {
		name     string
		screener providers.Screener
	}{
		{providers.NameSanctions, r.acts.Sanctions},
		{providers.NameWatchlist, r.acts.Watchlist},
		{providers.NamePEP, r.acts.PEP},
	}

	out := make([]screenOut, len(screens))
	fns := make([]func(ctx context.Context) error, 0, len(screens))
	for i, s := range screens {
		i, s := i, s
		fns = append(fns, func(ctx context.Context) error {
			res, serr := activity.Do(ctx, r.deps.Invoker, s.name+"-screen", activity.Options{
				Timeout: 60 * time.Second,
				Policy:  retry.Critical(),
			}, func(ctx context.Context) (domain.ScreenResult, error) {
				return s.screener.Screen(ctx, r.req.Subject)
			})
			out[i] = screenOut{name: s.name, res: res, err: serr}
			return serr
		})
	}
	gatherErr := r.wctx.Gather(fns...)

	// Suspension is evaluated first so a critical match is never masked by a
	// sibling screen's error.
	for _, o := range out {
		if o.err == nil && o.res.Critical() {
			return true, r.suspend(o.name, o.res)
		}
	}
	if gatherErr != nil {
		return false, gatherErr
	}
	for _, o := range out {
		key := fmt.Sprintf("%s#%d", o.name, cycle)
		r.x.Scope.Tracker.RecordResult(key, domain.VerificationResult{
			Provider:    o.name,
			Reference:   o.res.Reference,
			Outcome:     o.res.Outcome,
			Reason:      o.res.Reason,
			CompletedAt: o.res.CompletedAt,
		})
		if o.res.Outcome != domain.OutcomePass {
			flagged = true
			r.addIssue(fmt.Sprintf("%s screen flagged: %s", o.name, o.res.Reason))
		}
	}
	return flagged, nil
}

// suspend is the fail-fast containment path: the account is suspended on the
// detached context, immediately and unconditionally, before the fault
// propagates.
func (r *run) suspend(screen string, res domain.ScreenResult) error {
	reason := fmt.Sprintf("critical %s match: %s", screen, res.Reason)
	serr := r.deps.Invoker.Invoke(r.wctx.Detached(), "suspend-account", activity.Options{
		Timeout: 30 * time.Second,
		Policy:  retry.Critical(),
	}, func(ctx context.Context) error {
		return r.acts.Accounts.Suspend(ctx, r.req.Subject, reason)
	})
	if serr != nil {
		r.x.Scope.Log.Error("account suspension failed", "screen", screen, "error", serr)
	} else {
		r.x.Audit(r.wctx.Detached(), audit.Event{
			Action: audit.ActionSuspension,
			Reason: reason,
		})
	}
	return faults.ComplianceBlocked("critical_screen_match", reason).
		With("screen", screen).
		With("risk", string(res.Risk)).
		With("reference", res.Reference)
}

// reverifySubject re-runs the tier's background check and restores or flags
// the account's KYC status.
func (r *run) reverifySubject(flagged bool) error {
	if tier.Requires(r.req.Tier, tier.StepBackgroundCheck) {
		cfg, _ := tier.Lookup(r.req.Tier)
		res, err := activity.Do(r.wctx.Context(), r.deps.Invoker, "background-check", activity.Options{
			Timeout: 60 * time.Second,
			Policy:  retry.ExternalAPI(),
		}, func(ctx context.Context) (domain.VerificationResult, error) {
			return r.acts.Background.Run(ctx, r.req.Subject, cfg.ProviderPackage)
		})
		if err != nil {
			return err
		}
		if res.Outcome == domain.OutcomeFail {
			flagged = true
			r.addIssue("background recheck adverse: " + res.Reason)
		}
	}

	status := domain.OutcomePass
	if flagged {
		status = domain.OutcomeNeedsReview
	}
	return r.deps.Invoker.Invoke(r.wctx.Context(), "set-kyc-status", activity.Options{
		Timeout: 30 * time.Second,
		Policy:  retry.Critical(),
	}, func(ctx context.Context) error {
		return r.acts.Accounts.SetKYCStatus(ctx, r.req.Subject, status)
	})
}

// restart re-spawns the chain with trimmed state: the last-check timestamp
// and a bounded tail of open issues, never the full cycle history.
func (r *run) restart() error {
	if r.cfg.OnRestart == nil {
		return nil
	}
	next := Request{
		Subject:           r.req.Subject,
		Tier:              r.req.Tier,
		DocumentExpiresAt: r.req.DocumentExpiresAt,
		LastCheckAt:       r.lastCheckAt,
		Issues:            tail(r.issues, issueTail),
		Continued:         true,
	}
	return r.deps.Invoker.Invoke(r.wctx.Detached(), "restart-reverification", activity.Options{
		Timeout: 10 * time.Second,
		Policy:  retry.Default(),
	}, func(ctx context.Context) error {
		return r.cfg.OnRestart(ctx, next)
	})
}

func (r *run) addIssue(msg string) {
	r.issues = tail(append(r.issues, msg), issueTail)
	r.x.Scope.Tracker.RecordError(errors.New(msg))
}

func (r *run) notifyOnce(key, template string, fields map[string]string) {
	_, err := r.deps.Dedup.Once(r.wctx.Context(), key, func(ctx context.Context) error {
		return r.deps.Invoker.Invoke(ctx, "notify-subject", activity.Options{
			Timeout: 10 * time.Second,
			Policy:  retry.Default(),
		}, func(ctx context.Context) error {
			return r.acts.Notifier.Send(ctx, r.req.Subject, template, fields)
		})
	})
	if err != nil {
		r.x.Scope.Log.Warn("notification failed", "template", template, "error", err)
	}
}

func tail(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return append([]string(nil), s[len(s)-n:]...)
}
