// Package onboarding is the account-opening state machine: validate the
// request, gate on email verification, create the provisional account, run
// the tier's verification steps, gate on agreement signing, and finalize.
// Committed external effects are registered on a compensation stack and
// reversed when a later step fails.
package onboarding

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"veriflow/internal/providers"
	"veriflow/internal/tier"
	"veriflow/internal/validation"
	"veriflow/internal/workflow"
	"veriflow/internal/workflow/activity"
	"veriflow/internal/workflow/retry"
	"veriflow/internal/workflow/runtime"
	"veriflow/pkg/domain"
	"veriflow/pkg/email"
	"veriflow/pkg/faults"
)

// Signals the instance accepts. Payloads are JSON objects matching the
// *Payload types below.
const (
	SignalEmailVerified      = "email-verified"
	SignalDocumentsSubmitted = "documents-submitted"
	SignalProviderCompleted  = "provider-completed"
	SignalAgreementsSigned   = "agreements-signed"
)

// EmailVerifiedPayload confirms the subject clicked the verification link.
type EmailVerifiedPayload struct {
	Token string `json:"token"`
}

// DocumentsSubmittedPayload reports the subject uploaded identity documents.
type DocumentsSubmittedPayload struct {
	Reference string `json:"reference"`
}

// ProviderCompletedPayload is the webhook-delivered completion of an
// asynchronous provider check.
type ProviderCompletedPayload struct {
	Provider  string         `json:"provider"`
	Reference string         `json:"reference"`
	Outcome   domain.Outcome `json:"outcome"`
	Reason    string         `json:"reason,omitempty"`
}

// AgreementsSignedPayload reports the subject accepted the listed agreements.
type AgreementsSignedPayload struct {
	IDs []string `json:"ids"`
}

// Step names, in execution order. Steps a tier's plan or the request does not
// call for are recorded as skipped, never silently dropped.
const (
	stateValidating     = "validating"
	stateSendingEmail   = "sending-verification"
	stateAwaitingEmail  = "awaiting-email-verification"
	stateCreatingAcct   = "creating-account"
	stateInitVerify     = "initiating-verification"
	stateAwaitingVerify = "awaiting-verification"
	stateChecks         = "running-background-checks"
	stateWallet         = "screening-wallet"
	stateAccreditation  = "accreditation"
	stateBankLink       = "bank-link"
	stateAgreements     = "awaiting-agreements"
	stateFinalizing     = "finalizing"
	stateReward         = "minting-reward"
)

var plannedSteps = []string{
	stateValidating, stateSendingEmail, stateAwaitingEmail, stateCreatingAcct,
	stateInitVerify, stateAwaitingVerify, stateChecks, stateWallet,
	stateAccreditation, stateBankLink, stateAgreements, stateFinalizing,
	stateReward,
}

// Request triggers one onboarding instance.
type Request struct {
	Subject       domain.SubjectID `json:"subject_id"`
	Email         string           `json:"email"`
	FullName      string           `json:"full_name"`
	TargetTier    domain.Tier      `json:"target_tier"`
	WalletAddress string           `json:"wallet_address,omitempty"`
}

var requestSchema = validation.Schema{
	Fields: []validation.Field{
		{Name: "email", Required: true, Rules: []validation.Rule{validation.Email()}},
		{Name: "full_name", Required: true, Rules: []validation.Rule{validation.MaxLen(200)}},
		{Name: "wallet_address", Rules: []validation.Rule{validation.WalletAddress()}},
	},
}

func validateRequest(req Request) error {
	if err := requestSchema.Validate(map[string]string{
		"email":          req.Email,
		"full_name":      req.FullName,
		"wallet_address": req.WalletAddress,
	}); err != nil {
		return err
	}
	if req.Subject.IsNil() {
		return faults.Validation("missing_subject", "subject id is required")
	}
	if _, ok := tier.Lookup(req.TargetTier); !ok {
		return faults.Validation("unknown_tier", "target tier is not recognized").
			With("target_tier", string(req.TargetTier))
	}
	return nil
}

// Timeouts bound the human-gated waits. Generous by default: the counterparty
// is a person, not a service.
type Timeouts struct {
	EmailVerification time.Duration
	DocumentUpload    time.Duration
	ManualReview      time.Duration
	AgreementSigning  time.Duration
}

// DefaultTimeouts returns the production wait deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		EmailVerification: 24 * time.Hour,
		DocumentUpload:    7 * 24 * time.Hour,
		ManualReview:      7 * 24 * time.Hour,
		AgreementSigning:  7 * 24 * time.Hour,
	}
}

// Activities groups the external collaborators the machine drives. Wallet,
// Accreditation, BankLink, and Rewards are consulted only when the request or
// tier plan calls for them.
type Activities struct {
	Document      providers.Document
	Background    providers.Background
	Sanctions     providers.Screener
	Wallet        providers.WalletScreener
	Accreditation providers.Accreditation
	BankLink      providers.BankLink
	Accounts      providers.Accounts
	Notifier      providers.Notifier
	Rewards       providers.Rewards
}

// Config tunes per-deployment behavior.
type Config struct {
	Timeouts Timeouts
	// MintReward enables the optional completion reward.
	MintReward bool
}

// Workflow is the reusable definition; Run executes one instance of it.
type Workflow struct {
	deps workflow.Deps
	acts Activities
	cfg  Config
}

func New(deps workflow.Deps, acts Activities, cfg Config) *Workflow {
	if cfg.Timeouts == (Timeouts{}) {
		cfg.Timeouts = DefaultTimeouts()
	}
	return &Workflow{deps: deps, acts: acts, cfg: cfg}
}

// run is the per-instance execution state. Signal handlers mutate it on the
// workflow goroutine only.
type run struct {
	*Workflow
	wctx *runtime.Context
	req  Request
	x    *workflow.Exec

	emailVerified    bool
	docsSubmitted    bool
	docResult        *domain.VerificationResult
	agreementsSigned bool
	applicantRef     string
}

// Run executes one onboarding instance to a terminal status. The returned
// error is nil only for approved instances.
func (w *Workflow) Run(wctx *runtime.Context, req Request) error {
	x := workflow.NewExec(w.deps, wctx, len(plannedSteps))
	x.Scope.Tracker.SetTargetTier(req.TargetTier)

	r := &run{Workflow: w, wctx: wctx, req: req, x: x}
	r.registerSignals()

	x.Scope.Tracker.SetStatus(domain.StatusInProgress)
	return x.Finish(r.execute(), w.acts.Notifier)
}

func (r *run) registerSignals() {
	r.wctx.OnSignal(SignalEmailVerified, func(json.RawMessage) {
		r.emailVerified = true
	})
	r.wctx.OnSignal(SignalDocumentsSubmitted, func(json.RawMessage) {
		r.docsSubmitted = true
	})
	r.wctx.OnSignal(SignalProviderCompleted, func(payload json.RawMessage) {
		var p ProviderCompletedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			r.x.Scope.Log.Warn("malformed provider-completed payload", "error", err)
			return
		}
		// A conclusive result is immutable; later signals may only settle a
		// pending or needs-review one.
		if r.docResult != nil && r.docResult.Outcome != domain.OutcomePending && r.docResult.Outcome != domain.OutcomeNeedsReview {
			return
		}
		r.docResult = &domain.VerificationResult{
			Provider:    providers.NameDocument,
			Reference:   p.Reference,
			Outcome:     p.Outcome,
			Reason:      p.Reason,
			CompletedAt: time.Now(),
		}
	})
	r.wctx.OnSignal(SignalAgreementsSigned, func(json.RawMessage) {
		r.agreementsSigned = true
	})
}

func (r *run) execute() error {
	if err := r.x.Step(stateValidating, r.validate); err != nil {
		return err
	}
	if err := r.x.Step(stateSendingEmail, r.sendVerificationEmail); err != nil {
		return err
	}
	if err := r.x.Step(stateAwaitingEmail, r.awaitEmailVerification); err != nil {
		return err
	}
	if err := r.x.Step(stateCreatingAcct, r.createAccount); err != nil {
		return err
	}
	if err := r.x.Step(stateInitVerify, r.initiateVerification); err != nil {
		return err
	}
	if err := r.x.Step(stateAwaitingVerify, r.awaitVerification); err != nil {
		return err
	}
	if err := r.x.Step(stateChecks, r.runChecks); err != nil {
		return err
	}
	if r.req.WalletAddress != "" {
		if err := r.x.Step(stateWallet, r.screenWallet); err != nil {
			return err
		}
	} else {
		r.x.Skip(stateWallet)
	}
	if tier.Requires(r.req.TargetTier, tier.StepAccreditation) {
		if err := r.x.Step(stateAccreditation, r.verifyAccreditation); err != nil {
			return err
		}
	} else {
		r.x.Skip(stateAccreditation)
	}
	if tier.Requires(r.req.TargetTier, tier.StepBankLink) {
		if err := r.x.Step(stateBankLink, r.linkBank); err != nil {
			return err
		}
	} else {
		r.x.Skip(stateBankLink)
	}
	if err := r.x.Step(stateAgreements, r.awaitAgreements); err != nil {
		return err
	}
	if err := r.x.Step(stateFinalizing, r.finalize); err != nil {
		return err
	}
	if r.cfg.MintReward {
		if err := r.x.Step(stateReward, r.mintReward); err != nil {
			return err
		}
	} else {
		r.x.Skip(stateReward)
	}
	return nil
}

func (r *run) validate() error {
	return validateRequest(r.req)
}

// sendVerificationEmail fires at most once per instance: a workflow-level
// retry must not spam the subject's inbox.
func (r *run) sendVerificationEmail() error {
	key := "email-verification:" + r.wctx.ID().String()
	_, err := r.deps.Dedup.Once(r.wctx.Context(), key, func(ctx context.Context) error {
		return r.deps.Invoker.Invoke(ctx, "send-verification-email", activity.Options{
			Timeout: 10 * time.Second,
			Policy:  retry.Default(),
		}, func(ctx context.Context) error {
			// Templates greet by first name; the address local part is a
			// steadier source than free-text full names.
			first, _ := email.DeriveNameFromEmail(r.req.Email)
			return r.acts.Notifier.Send(ctx, r.req.Subject, "verify-email", map[string]string{
				"email":      r.req.Email,
				"full_name":  r.req.FullName,
				"first_name": first,
			})
		})
	})
	return err
}

func (r *run) awaitEmailVerification() error {
	r.x.Scope.Tracker.SetStatus(domain.StatusAwaitingExternal)
	ok, err := r.wctx.Await(r.cfg.Timeouts.EmailVerification, func() bool { return r.emailVerified })
	if err != nil {
		return err
	}
	if !ok {
		return faults.Timeout("email-verification", r.cfg.Timeouts.EmailVerification)
	}
	r.x.Scope.Tracker.SetStatus(domain.StatusInProgress)
	return nil
}

func (r *run) createAccount() error {
	rec, err := activity.Do(r.wctx.Context(), r.deps.Invoker, "create-account", activity.Options{
		Timeout: 30 * time.Second,
		Policy:  retry.Critical(),
	}, func(ctx context.Context) (providers.AccountRecord, error) {
		return r.acts.Accounts.Create(ctx, r.req.Subject, r.req.TargetTier)
	})
	if err != nil {
		return err
	}
	r.x.Comp.Push("delete-account", func(ctx context.Context) error {
		return r.deps.Invoker.Invoke(ctx, "delete-account", activity.Options{
			Timeout: 30 * time.Second,
			Policy:  retry.Critical(),
		}, func(ctx context.Context) error {
			return r.acts.Accounts.Delete(ctx, rec.Reference)
		})
	})
	return nil
}

func (r *run) initiateVerification() error {
	cfg, _ := tier.Lookup(r.req.TargetTier)
	ref, err := activity.Do(r.wctx.Context(), r.deps.Invoker, "create-applicant", activity.Options{
		Timeout: 30 * time.Second,
		Policy:  retry.ExternalAPI(),
	}, func(ctx context.Context) (string, error) {
		return r.acts.Document.CreateApplicant(ctx, r.req.Subject, cfg.ProviderPackage)
	})
	if err != nil {
		return err
	}
	r.applicantRef = ref
	return nil
}

// awaitVerification waits for the provider webhook, then confirms the outcome
// against the provider's poll endpoint. The webhook payload is used as-is
// only when polling stays inconclusive.
func (r *run) awaitVerification() error {
	r.x.Scope.Tracker.SetStatus(domain.StatusAwaitingExternal)
	conclusive := func() bool {
		return r.docResult != nil &&
			r.docResult.Outcome != domain.OutcomePending &&
			r.docResult.Outcome != domain.OutcomeNeedsReview
	}

	ok, err := r.wctx.Await(r.cfg.Timeouts.DocumentUpload, func() bool {
		return r.docResult != nil && r.docResult.Outcome != domain.OutcomePending
	})
	if err != nil {
		return err
	}
	if !ok {
		return faults.Timeout("document-verification", r.cfg.Timeouts.DocumentUpload)
	}
	if r.docResult.Outcome == domain.OutcomeNeedsReview {
		r.x.Scope.Tracker.SetStatus(domain.StatusUnderReview)
		ok, err = r.wctx.Await(r.cfg.Timeouts.ManualReview, conclusive)
		if err != nil {
			return err
		}
		if !ok {
			return faults.Timeout("document-review", r.cfg.Timeouts.ManualReview)
		}
	}

	result := *r.docResult
	polled, perr := activity.Do(r.wctx.Context(), r.deps.Invoker, "check-applicant", activity.Options{
		Timeout: 30 * time.Second,
		Policy:  retry.ExternalAPI(),
	}, func(ctx context.Context) (domain.VerificationResult, error) {
		return r.acts.Document.Check(ctx, r.applicantRef)
	})
	if perr == nil && polled.Outcome != domain.OutcomePending {
		result = polled
	}

	r.x.Scope.Tracker.RecordResult(providers.NameDocument, result)
	if result.Outcome != domain.OutcomePass {
		return faults.ComplianceBlocked("document_declined", "identity document verification failed").
			With("reference", result.Reference).
			With("reason", result.Reason)
	}
	r.x.Scope.Tracker.SetStatus(domain.StatusInProgress)
	return nil
}

// runChecks fans out the sanctions screen and, when the tier plan requires
// it, the background check. Both run to completion before evaluation so a
// critical sanctions match is never masked by a faster sibling failure.
func (r *run) runChecks() error {
	cfg, _ := tier.Lookup(r.req.TargetTier)

	var (
		screen    domain.ScreenResult
		screenErr error
		bg        domain.VerificationResult
		bgErr     error
	)
	fns := []func(ctx context.Context) error{
		func(ctx context.Context) error {
			screen, screenErr = activity.Do(ctx, r.deps.Invoker, "sanctions-screen", activity.Options{
				Timeout: 60 * time.Second,
				Policy:  retry.Critical(),
			}, func(ctx context.Context) (domain.ScreenResult, error) {
				return r.acts.Sanctions.Screen(ctx, r.req.Subject)
			})
			return screenErr
		},
	}
	needBackground := tier.Requires(r.req.TargetTier, tier.StepBackgroundCheck)
	if needBackground {
		fns = append(fns, func(ctx context.Context) error {
			bg, bgErr = activity.Do(ctx, r.deps.Invoker, "background-check", activity.Options{
				Timeout: 60 * time.Second,
				Policy:  retry.ExternalAPI(),
			}, func(ctx context.Context) (domain.VerificationResult, error) {
				return r.acts.Background.Run(ctx, r.req.Subject, cfg.ProviderPackage)
			})
			return bgErr
		})
	}
	gatherErr := r.wctx.Gather(fns...)

	// Fail closed: a screen that errored is a screening failure, never a pass.
	if screenErr == nil {
		r.x.Scope.Tracker.RecordResult(providers.NameSanctions, screenToResult(providers.NameSanctions, screen))
		if screen.Critical() || screen.Outcome == domain.OutcomeFail {
			return faults.ComplianceBlocked("sanctions_match", "sanctions screen flagged the subject").
				With("risk", string(screen.Risk)).
				With("reason", screen.Reason)
		}
	}
	if needBackground && bgErr == nil {
		r.x.Scope.Tracker.RecordResult(providers.NameBackground, bg)
		if bg.Outcome == domain.OutcomeFail {
			return faults.ComplianceBlocked("background_adverse", "background check returned an adverse result").
				With("reference", bg.Reference).
				With("reason", bg.Reason)
		}
	}
	return gatherErr
}

func screenToResult(provider string, s domain.ScreenResult) domain.VerificationResult {
	return domain.VerificationResult{
		Provider:    provider,
		Reference:   s.Reference,
		Outcome:     s.Outcome,
		Reason:      s.Reason,
		CompletedAt: s.CompletedAt,
	}
}

func (r *run) screenWallet() error {
	screen, err := activity.Do(r.wctx.Context(), r.deps.Invoker, "wallet-screen", activity.Options{
		Timeout: 60 * time.Second,
		Policy:  retry.Critical(),
	}, func(ctx context.Context) (domain.ScreenResult, error) {
		return r.acts.Wallet.ScreenAddress(ctx, r.req.WalletAddress)
	})
	if err != nil {
		return err
	}
	r.x.Scope.Tracker.RecordResult(providers.NameWallet, screenToResult(providers.NameWallet, screen))
	if screen.Critical() || screen.Outcome == domain.OutcomeFail {
		return faults.ComplianceBlocked("wallet_blocked", "wallet screening flagged the address").
			With("address", r.req.WalletAddress).
			With("risk", string(screen.Risk))
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

func (r *run) awaitAgreements() error {
	r.x.Scope.Tracker.SetStatus(domain.StatusAwaitingExternal)
	key := "agreements-request:" + r.wctx.ID().String()
	if _, err := r.deps.Dedup.Once(r.wctx.Context(), key, func(ctx context.Context) error {
		return r.deps.Invoker.Invoke(ctx, "send-agreements", activity.Options{
			Timeout: 10 * time.Second,
			Policy:  retry.Default(),
		}, func(ctx context.Context) error {
			return r.acts.Notifier.Send(ctx, r.req.Subject, "sign-agreements", nil)
		})
	}); err != nil {
		return err
	}
	ok, err := r.wctx.Await(r.cfg.Timeouts.AgreementSigning, func() bool { return r.agreementsSigned })
	if err != nil {
		return err
	}
	if !ok {
		return faults.Timeout("agreement-signing", r.cfg.Timeouts.AgreementSigning)
	}
	r.x.Scope.Tracker.SetStatus(domain.StatusInProgress)
	return nil
}

func (r *run) finalize() error {
	return r.deps.Invoker.Invoke(r.wctx.Context(), "approve-kyc", activity.Options{
		Timeout: 30 * time.Second,
		Policy:  retry.Critical(),
	}, func(ctx context.Context) error {
		return r.acts.Accounts.SetKYCStatus(ctx, r.req.Subject, domain.OutcomePass)
	})
}

// mintReward is non-critical: a mint failure is logged and the instance still
// completes.
func (r *run) mintReward() error {
	key := fmt.Sprintf("reward:%s", r.wctx.ID().String())
	_, err := r.deps.Dedup.Once(r.wctx.Context(), key, func(ctx context.Context) error {
		return r.deps.Invoker.Invoke(ctx, "mint-reward", activity.Options{
			Timeout: 30 * time.Second,
			Policy:  retry.Idempotent(),
		}, func(ctx context.Context) error {
			return r.acts.Rewards.Mint(ctx, r.req.Subject, key)
		})
	})
	if err != nil {
		r.x.Scope.Log.Warn("reward mint failed", "error", err)
	}
	return nil
}
