// Package providers defines the activity-set contracts for the external
// verification, banking, and account collaborators. Each provider is an
// idempotent request/response wrapper: create-applicant-style call, poll call,
// and (for async providers) a webhook-delivered completion signal carrying a
// provider reference and an outcome.
//
// Implementations live outside the orchestration core; the fakes in this
// package back the workflow tests.
package providers

import (
	"context"
	"time"

	"veriflow/pkg/domain"
)

// Names used for fault classification and result bookkeeping.
const (
	NameDocument      = "document"
	NameBackground    = "background"
	NameSanctions     = "sanctions"
	NameWatchlist     = "watchlist"
	NamePEP           = "pep"
	NameWallet        = "wallet"
	NameAccreditation = "accreditation"
	NameBankLink      = "bank_link"
)

// Document verifies identity documents. Verification is asynchronous: the
// applicant is created, the subject uploads documents, and completion arrives
// as a webhook signal (or via Check polling).
type Document interface {
	CreateApplicant(ctx context.Context, subject domain.SubjectID, pkg string) (reference string, err error)
	Check(ctx context.Context, reference string) (domain.VerificationResult, error)
}

// Background runs criminal/financial background checks.
type Background interface {
	Run(ctx context.Context, subject domain.SubjectID, pkg string) (domain.VerificationResult, error)
}

// Screener covers sanctions, watchlist, and PEP screens. Fail-closed: callers
// must treat an error as a screening failure, never an implicit pass.
type Screener interface {
	Screen(ctx context.Context, subject domain.SubjectID) (domain.ScreenResult, error)
}

// WalletScreener screens on-chain addresses.
type WalletScreener interface {
	ScreenAddress(ctx context.Context, address string) (domain.ScreenResult, error)
}

// Accreditation verifies accredited-investor status.
type Accreditation interface {
	Verify(ctx context.Context, subject domain.SubjectID) (domain.VerificationResult, error)
}

// BankLink links and unlinks external bank accounts. Link is keyed by an
// idempotency token so retries cannot double-link.
type BankLink interface {
	Link(ctx context.Context, subject domain.SubjectID, idempotencyKey string) (domain.VerificationResult, error)
	Unlink(ctx context.Context, reference string) error
}

// AccountRecord is the provisional account created during onboarding.
type AccountRecord struct {
	Reference string
	Subject   domain.SubjectID
	Tier      domain.Tier
	KYCStatus domain.Outcome
	CreatedAt time.Time
}

// Accounts is the account-of-record collaborator.
type Accounts interface {
	Create(ctx context.Context, subject domain.SubjectID, tier domain.Tier) (AccountRecord, error)
	Delete(ctx context.Context, reference string) error
	SetKYCStatus(ctx context.Context, subject domain.SubjectID, status domain.Outcome) error
	SetTier(ctx context.Context, subject domain.SubjectID, tier domain.Tier) error
	// Suspend is the fail-fast containment path for critical screen hits.
	Suspend(ctx context.Context, subject domain.SubjectID, reason string) error
}

// Notifier delivers user-facing notifications. Fire-and-forget from the
// workflow's perspective: failures are logged, never fatal to a step.
type Notifier interface {
	Send(ctx context.Context, subject domain.SubjectID, template string, fields map[string]string) error
}

// Rewards mints the optional onboarding completion reward.
type Rewards interface {
	Mint(ctx context.Context, subject domain.SubjectID, idempotencyKey string) error
}
