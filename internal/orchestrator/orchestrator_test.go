package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veriflow/internal/audit"
	"veriflow/internal/instance"
	"veriflow/internal/onboarding"
	"veriflow/internal/providers"
	"veriflow/internal/reverify"
	"veriflow/internal/tierupgrade"
	"veriflow/internal/workflow"
	"veriflow/internal/workflow/activity"
	"veriflow/internal/workflow/runtime"
	"veriflow/internal/workflow/saga"
	"veriflow/pkg/domain"
	"veriflow/pkg/platform/sentinel"
)

type env struct {
	service *Service
	engine  *runtime.Engine

	document  *providers.FakeDocument
	sanctions *providers.FakeScreener
	accounts  *providers.FakeAccounts
	notifier  *providers.FakeNotifier
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	inv := activity.NewInvoker(logger, nil,
		activity.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	engine := runtime.NewEngine(logger, nil)
	deps := workflow.Deps{
		Logger:  logger,
		Invoker: inv,
		Store:   instance.NewMemoryStore(),
		Dedup:   saga.NewDeduplicator(saga.NewMemoryDedupStore()),
		Audit:   audit.NewPublisher(audit.NewMemorySink(), inv, logger),
	}
	e := &env{
		engine:    engine,
		document:  providers.NewFakeDocument(),
		sanctions: providers.NewFakeScreener(providers.NameSanctions),
		accounts:  providers.NewFakeAccounts(),
		notifier:  providers.NewFakeNotifier(),
	}
	e.service = New(logger, engine, deps, Providers{
		Document:      e.document,
		Background:    providers.NewFakeBackground(),
		Sanctions:     e.sanctions,
		Watchlist:     providers.NewFakeScreener(providers.NameWatchlist),
		PEP:           providers.NewFakeScreener(providers.NamePEP),
		Wallet:        providers.NewFakeWalletScreener(),
		Accreditation: providers.NewFakeAccreditation(),
		BankLink:      providers.NewFakeBankLink(),
		Accounts:      e.accounts,
		Notifier:      e.notifier,
		Rewards:       providers.NewFakeRewards(),
	}, cfg)
	return e
}

func fastOnboarding() Config {
	return Config{Onboarding: onboarding.Config{Timeouts: onboarding.Timeouts{
		EmailVerification: 5 * time.Second,
		DocumentUpload:    5 * time.Second,
		ManualReview:      5 * time.Second,
		AgreementSigning:  5 * time.Second,
	}}}
}

func waitDone(t *testing.T, inst *runtime.Instance) {
	t.Helper()
	select {
	case <-inst.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("workflow did not reach a terminal status")
	}
}

func TestServiceOnboardingLifecycle(t *testing.T) {
	e := newEnv(t, fastOnboarding())
	inst, err := e.service.StartOnboarding(context.Background(), onboarding.Request{
		Subject:    domain.NewSubjectID(),
		Email:      "alice@example.com",
		FullName:   "Alice Example",
		TargetTier: domain.TierBasic,
	})
	require.NoError(t, err)

	require.NoError(t, e.service.Signal(inst.ID(), onboarding.SignalEmailVerified, json.RawMessage(`{"token":"tok-1"}`)))
	require.NoError(t, e.service.Signal(inst.ID(), onboarding.SignalProviderCompleted,
		json.RawMessage(`{"provider":"document","reference":"doc-1","outcome":"pass"}`)))
	require.NoError(t, e.service.Signal(inst.ID(), onboarding.SignalAgreementsSigned, json.RawMessage(`{"ids":["tos-v3"]}`)))
	waitDone(t, inst)

	require.NoError(t, inst.Err())
	snap, err := e.service.Snapshot(inst.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, snap.Status)
	assert.Equal(t, 100, snap.Progress)
}

func TestServiceDuplicateStartConflicts(t *testing.T) {
	e := newEnv(t, fastOnboarding())
	req := onboarding.Request{
		Subject:    domain.NewSubjectID(),
		Email:      "bob@example.com",
		FullName:   "Bob Example",
		TargetTier: domain.TierBasic,
	}
	inst, err := e.service.StartOnboarding(context.Background(), req)
	require.NoError(t, err)

	_, err = e.service.StartOnboarding(context.Background(), req)
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	require.NoError(t, e.service.Cancel(inst.ID(), "test teardown"))
	waitDone(t, inst)
}

func TestServiceTierUpgradeDelegates(t *testing.T) {
	e := newEnv(t, Config{})
	subject := domain.NewSubjectID()
	_, err := e.accounts.Create(context.Background(), subject, domain.TierBasic)
	require.NoError(t, err)

	inst, err := e.service.StartTierUpgrade(context.Background(), tierupgrade.Request{
		Subject:     subject,
		CurrentTier: domain.TierBasic,
		TargetTier:  domain.TierEnhanced,
	})
	require.NoError(t, err)
	waitDone(t, inst)
	require.NoError(t, inst.Err())
}

func TestServiceReverificationRollsOver(t *testing.T) {
	e := newEnv(t, Config{Reverify: reverify.Config{
		CyclesPerInstance: 1,
		Interval:          20 * time.Millisecond,
	}})
	subject := domain.NewSubjectID()
	inst, err := e.service.StartReverification(context.Background(), reverify.Request{
		Subject: subject,
		Tier:    domain.TierBasic,
	})
	require.NoError(t, err)
	waitDone(t, inst)
	require.NoError(t, inst.Err())

	// The successor starts only after the predecessor frees its slot, then
	// waits out the carried cadence before screening again.
	require.Eventually(t, func() bool {
		return e.sanctions.Calls() >= 2
	}, 5*time.Second, 10*time.Millisecond, "successor instance never ran a cycle")
}

func TestServiceSignalUnknownInstance(t *testing.T) {
	e := newEnv(t, Config{})
	err := e.service.Signal(domain.NewInstanceID(), onboarding.SignalEmailVerified, nil)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}
