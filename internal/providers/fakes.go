package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"veriflow/pkg/domain"
	"veriflow/pkg/platform/sentinel"
)

// Deterministic in-process fakes. Each fake is scriptable per subject or
// reference so tests can steer outcomes, and records calls so tests can
// assert what ran.

// FakeDocument scripts document verification outcomes by applicant reference.
type FakeDocument struct {
	mu       sync.Mutex
	Outcomes map[string]domain.VerificationResult
	created  []string
}

func NewFakeDocument() *FakeDocument {
	return &FakeDocument{Outcomes: make(map[string]domain.VerificationResult)}
}

func (f *FakeDocument) CreateApplicant(_ context.Context, subject domain.SubjectID, pkg string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := "applicant-" + uuid.NewString()[:8]
	f.created = append(f.created, ref)
	return ref, nil
}

func (f *FakeDocument) Check(_ context.Context, reference string) (domain.VerificationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.Outcomes[reference]; ok {
		return res, nil
	}
	return domain.VerificationResult{
		Provider:  NameDocument,
		Reference: reference,
		Outcome:   domain.OutcomePending,
	}, nil
}

// Script sets the polled result for an applicant reference.
func (f *FakeDocument) Script(reference string, res domain.VerificationResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Outcomes[reference] = res
}

// CreatedApplicants returns references issued so far.
func (f *FakeDocument) CreatedApplicants() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

// FakeBackground returns a fixed outcome, pass unless scripted.
type FakeBackground struct {
	mu      sync.Mutex
	Outcome domain.Outcome
	Reason  string
	Err     error
	calls   int
}

func NewFakeBackground() *FakeBackground {
	return &FakeBackground{Outcome: domain.OutcomePass}
}

func (f *FakeBackground) Run(_ context.Context, subject domain.SubjectID, pkg string) (domain.VerificationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Err != nil {
		return domain.VerificationResult{}, f.Err
	}
	return domain.VerificationResult{
		Provider:    NameBackground,
		Reference:   fmt.Sprintf("bg-%s-%d", pkg, f.calls),
		Outcome:     f.Outcome,
		Reason:      f.Reason,
		CompletedAt: time.Now(),
	}, nil
}

func (f *FakeBackground) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FakeScreener returns a scripted screen result for every subject.
type FakeScreener struct {
	mu     sync.Mutex
	Name   string
	Result domain.ScreenResult
	Err    error
	calls  int
}

func NewFakeScreener(name string) *FakeScreener {
	return &FakeScreener{
		Name:   name,
		Result: domain.ScreenResult{Outcome: domain.OutcomePass, Risk: domain.RiskNone},
	}
}

func (f *FakeScreener) Screen(_ context.Context, subject domain.SubjectID) (domain.ScreenResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Err != nil {
		return domain.ScreenResult{}, f.Err
	}
	res := f.Result
	if res.Reference == "" {
		res.Reference = fmt.Sprintf("%s-%d", f.Name, f.calls)
	}
	res.CompletedAt = time.Now()
	return res, nil
}

func (f *FakeScreener) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FakeWalletScreener screens addresses, critical when scripted.
type FakeWalletScreener struct {
	mu     sync.Mutex
	Result domain.ScreenResult
	Err    error
	calls  int
}

func NewFakeWalletScreener() *FakeWalletScreener {
	return &FakeWalletScreener{Result: domain.ScreenResult{Outcome: domain.OutcomePass, Risk: domain.RiskNone}}
}

func (f *FakeWalletScreener) ScreenAddress(_ context.Context, address string) (domain.ScreenResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Err != nil {
		return domain.ScreenResult{}, f.Err
	}
	res := f.Result
	res.Reference = fmt.Sprintf("wallet-%d", f.calls)
	res.CompletedAt = time.Now()
	return res, nil
}

func (f *FakeWalletScreener) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FakeAccreditation verifies accredited-investor status.
type FakeAccreditation struct {
	mu      sync.Mutex
	Outcome domain.Outcome
	Reason  string
	Err     error
}

func NewFakeAccreditation() *FakeAccreditation {
	return &FakeAccreditation{Outcome: domain.OutcomePass}
}

func (f *FakeAccreditation) Verify(_ context.Context, subject domain.SubjectID) (domain.VerificationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return domain.VerificationResult{}, f.Err
	}
	return domain.VerificationResult{
		Provider:    NameAccreditation,
		Reference:   "accr-" + uuid.NewString()[:8],
		Outcome:     f.Outcome,
		Reason:      f.Reason,
		CompletedAt: time.Now(),
	}, nil
}

// FakeBankLink links bank accounts idempotently by key.
type FakeBankLink struct {
	mu       sync.Mutex
	Outcome  domain.Outcome
	Err      error
	links    map[string]domain.VerificationResult
	unlinked []string
}

func NewFakeBankLink() *FakeBankLink {
	return &FakeBankLink{Outcome: domain.OutcomePass, links: make(map[string]domain.VerificationResult)}
}

func (f *FakeBankLink) Link(_ context.Context, subject domain.SubjectID, idempotencyKey string) (domain.VerificationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return domain.VerificationResult{}, f.Err
	}
	if res, ok := f.links[idempotencyKey]; ok {
		return res, nil
	}
	res := domain.VerificationResult{
		Provider:    NameBankLink,
		Reference:   "link-" + uuid.NewString()[:8],
		Outcome:     f.Outcome,
		CompletedAt: time.Now(),
	}
	f.links[idempotencyKey] = res
	return res, nil
}

func (f *FakeBankLink) Unlink(_ context.Context, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlinked = append(f.unlinked, reference)
	return nil
}

func (f *FakeBankLink) Unlinked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unlinked...)
}

// FakeAccounts is an in-memory account-of-record.
type FakeAccounts struct {
	mu        sync.Mutex
	CreateErr error
	DeleteErr error
	accounts  map[string]AccountRecord
	suspended map[domain.SubjectID]string
	deleted   []string
}

func NewFakeAccounts() *FakeAccounts {
	return &FakeAccounts{
		accounts:  make(map[string]AccountRecord),
		suspended: make(map[domain.SubjectID]string),
	}
}

func (f *FakeAccounts) Create(_ context.Context, subject domain.SubjectID, t domain.Tier) (AccountRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return AccountRecord{}, f.CreateErr
	}
	rec := AccountRecord{
		Reference: "acct-" + uuid.NewString()[:8],
		Subject:   subject,
		Tier:      t,
		KYCStatus: domain.OutcomePending,
		CreatedAt: time.Now(),
	}
	f.accounts[rec.Reference] = rec
	return rec, nil
}

func (f *FakeAccounts) Delete(_ context.Context, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	if _, ok := f.accounts[reference]; !ok {
		return sentinel.ErrNotFound
	}
	delete(f.accounts, reference)
	f.deleted = append(f.deleted, reference)
	return nil
}

func (f *FakeAccounts) SetKYCStatus(_ context.Context, subject domain.SubjectID, status domain.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ref, rec := range f.accounts {
		if rec.Subject == subject {
			rec.KYCStatus = status
			f.accounts[ref] = rec
		}
	}
	return nil
}

func (f *FakeAccounts) SetTier(_ context.Context, subject domain.SubjectID, t domain.Tier) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ref, rec := range f.accounts {
		if rec.Subject == subject {
			rec.Tier = t
			f.accounts[ref] = rec
		}
	}
	return nil
}

func (f *FakeAccounts) Suspend(_ context.Context, subject domain.SubjectID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspended[subject] = reason
	return nil
}

func (f *FakeAccounts) Exists(reference string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.accounts[reference]
	return ok
}

func (f *FakeAccounts) Get(reference string) (AccountRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.accounts[reference]
	return rec, ok
}

func (f *FakeAccounts) SuspendedReason(subject domain.SubjectID) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.suspended[subject]
	return r, ok
}

func (f *FakeAccounts) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// FakeNotifier records notifications.
type FakeNotifier struct {
	mu    sync.Mutex
	Err   error
	sends []Notification
}

// Notification is one recorded send.
type Notification struct {
	Subject  domain.SubjectID
	Template string
	Fields   map[string]string
}

func NewFakeNotifier() *FakeNotifier { return &FakeNotifier{} }

func (f *FakeNotifier) Send(_ context.Context, subject domain.SubjectID, template string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.sends = append(f.sends, Notification{Subject: subject, Template: template, Fields: fields})
	return nil
}

func (f *FakeNotifier) Sends() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.sends...)
}

// FakeRewards mints rewards idempotently by key.
type FakeRewards struct {
	mu     sync.Mutex
	Err    error
	minted map[string]int
}

func NewFakeRewards() *FakeRewards { return &FakeRewards{minted: make(map[string]int)} }

func (f *FakeRewards) Mint(_ context.Context, subject domain.SubjectID, idempotencyKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.minted[idempotencyKey]++
	return nil
}

func (f *FakeRewards) Minted(idempotencyKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.minted[idempotencyKey]
}
