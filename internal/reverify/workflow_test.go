package reverify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veriflow/internal/audit"
	"veriflow/internal/instance"
	"veriflow/internal/observability"
	"veriflow/internal/providers"
	"veriflow/internal/workflow"
	"veriflow/internal/workflow/activity"
	"veriflow/internal/workflow/runtime"
	"veriflow/internal/workflow/saga"
	"veriflow/pkg/domain"
	"veriflow/pkg/faults"
)

type env struct {
	engine *runtime.Engine
	deps   workflow.Deps

	sanctions  *providers.FakeScreener
	watchlist  *providers.FakeScreener
	pep        *providers.FakeScreener
	background *providers.FakeBackground
	accounts   *providers.FakeAccounts
	notifier   *providers.FakeNotifier

	restarts chan Request
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	inv := activity.NewInvoker(logger, nil,
		activity.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	return &env{
		engine: runtime.NewEngine(logger, nil),
		deps: workflow.Deps{
			Logger:  logger,
			Invoker: inv,
			Store:   instance.NewMemoryStore(),
			Dedup:   saga.NewDeduplicator(saga.NewMemoryDedupStore()),
			Audit:   audit.NewPublisher(audit.NewMemorySink(), inv, logger),
		},
		sanctions:  providers.NewFakeScreener(providers.NameSanctions),
		watchlist:  providers.NewFakeScreener(providers.NameWatchlist),
		pep:        providers.NewFakeScreener(providers.NamePEP),
		background: providers.NewFakeBackground(),
		accounts:   providers.NewFakeAccounts(),
		notifier:   providers.NewFakeNotifier(),
		restarts:   make(chan Request, 1),
	}
}

func (e *env) run(t *testing.T, req Request, cfg Config) *runtime.Instance {
	t.Helper()
	if cfg.OnRestart == nil {
		cfg.OnRestart = func(_ context.Context, next Request) error {
			e.restarts <- next
			return nil
		}
	}
	wf := New(e.deps, Activities{
		Sanctions:  e.sanctions,
		Watchlist:  e.watchlist,
		PEP:        e.pep,
		Background: e.background,
		Accounts:   e.accounts,
		Notifier:   e.notifier,
	}, cfg)
	inst, err := e.engine.Start(context.Background(), domain.KindReverification, req.Subject, func(c *runtime.Context) error {
		return wf.Run(c, req)
	})
	require.NoError(t, err)
	return inst
}

func waitDone(t *testing.T, inst *runtime.Instance) {
	t.Helper()
	select {
	case <-inst.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("workflow did not reach a terminal status")
	}
}

func (e *env) snapshot(t *testing.T, inst *runtime.Instance) observability.Snapshot {
	t.Helper()
	out, err := e.engine.Query(inst.ID())
	require.NoError(t, err)
	return out.(observability.Snapshot)
}

func sendsOf(n *providers.FakeNotifier, template string) int {
	count := 0
	for _, s := range n.Sends() {
		if s.Template == template {
			count++
		}
	}
	return count
}

func TestReverifyCleanCycleRestartsWithCarryOver(t *testing.T) {
	e := newEnv(t)
	subject := domain.NewSubjectID()
	rec, err := e.accounts.Create(context.Background(), subject, domain.TierEnhanced)
	require.NoError(t, err)

	before := time.Now()
	inst := e.run(t, Request{Subject: subject, Tier: domain.TierEnhanced}, Config{CyclesPerInstance: 1})
	waitDone(t, inst)

	require.NoError(t, inst.Err())
	assert.Equal(t, domain.StatusApproved, e.snapshot(t, inst).Status)
	assert.Equal(t, 1, e.sanctions.Calls())
	assert.Equal(t, 1, e.watchlist.Calls())
	assert.Equal(t, 1, e.pep.Calls())
	assert.Equal(t, 1, e.background.Calls(), "first cycle is always due")

	got, ok := e.accounts.Get(rec.Reference)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomePass, got.KYCStatus)

	select {
	case next := <-e.restarts:
		assert.Equal(t, subject, next.Subject)
		assert.False(t, next.LastCheckAt.Before(before), "last-check timestamp is carried forward")
		assert.Empty(t, next.Issues)
		assert.True(t, next.Continued, "successor waits out the cadence before rechecking")
	default:
		t.Fatal("instance did not re-spawn itself")
	}
	assert.Zero(t, sendsOf(e.notifier, "workflow-approved"), "clean cycles stay quiet")
}

func TestReverifyCriticalSanctionsMatchSuspendsImmediately(t *testing.T) {
	e := newEnv(t)
	e.sanctions.Result = domain.ScreenResult{
		Outcome: domain.OutcomeFail,
		Risk:    domain.RiskCritical,
		Reason:  "ofac listing",
	}
	subject := domain.NewSubjectID()
	inst := e.run(t, Request{Subject: subject, Tier: domain.TierEnhanced}, Config{CyclesPerInstance: 1})
	waitDone(t, inst)

	require.Error(t, inst.Err())
	assert.Equal(t, faults.KindComplianceBlocked, faults.KindOf(inst.Err()))
	assert.Equal(t, domain.StatusSuspended, e.snapshot(t, inst).Status)

	reason, suspended := e.accounts.SuspendedReason(subject)
	require.True(t, suspended, "suspension runs before anything else")
	assert.Contains(t, reason, "ofac listing")
	assert.Zero(t, e.background.Calls(), "no later step runs after containment")
	assert.Equal(t, 1, sendsOf(e.notifier, "workflow-suspended"))

	select {
	case <-e.restarts:
		t.Fatal("suspended instances do not re-spawn")
	default:
	}
}

func TestReverifyCriticalPEPMatchSuspends(t *testing.T) {
	e := newEnv(t)
	e.pep.Result = domain.ScreenResult{
		Outcome: domain.OutcomeNeedsReview,
		Risk:    domain.RiskCritical,
		Reason:  "head of state",
	}
	subject := domain.NewSubjectID()
	inst := e.run(t, Request{Subject: subject, Tier: domain.TierBasic}, Config{CyclesPerInstance: 1})
	waitDone(t, inst)

	assert.Equal(t, domain.StatusSuspended, e.snapshot(t, inst).Status)
	_, suspended := e.accounts.SuspendedReason(subject)
	assert.True(t, suspended)
}

func TestReverifyScreenErrorFailsClosed(t *testing.T) {
	e := newEnv(t)
	e.watchlist.Err = errors.New("provider unreachable")
	subject := domain.NewSubjectID()
	rec, err := e.accounts.Create(context.Background(), subject, domain.TierEnhanced)
	require.NoError(t, err)

	inst := e.run(t, Request{Subject: subject, Tier: domain.TierEnhanced}, Config{CyclesPerInstance: 1})
	waitDone(t, inst)

	require.Error(t, inst.Err(), "a screen error is a screening failure, never a pass")
	assert.Equal(t, domain.StatusFailed, e.snapshot(t, inst).Status)

	got, ok := e.accounts.Get(rec.Reference)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomePending, got.KYCStatus, "no status restored on a failed cycle")
	_, suspended := e.accounts.SuspendedReason(subject)
	assert.False(t, suspended)
}

func TestReverifyFlaggedScreenForcesRecheck(t *testing.T) {
	e := newEnv(t)
	e.watchlist.Result = domain.ScreenResult{
		Outcome: domain.OutcomeNeedsReview,
		Risk:    domain.RiskHigh,
		Reason:  "partial name match",
	}
	subject := domain.NewSubjectID()
	rec, err := e.accounts.Create(context.Background(), subject, domain.TierEnhanced)
	require.NoError(t, err)

	// Recently checked, so only the flag makes this cycle re-verify.
	inst := e.run(t, Request{
		Subject:     subject,
		Tier:        domain.TierEnhanced,
		LastCheckAt: time.Now().Add(-time.Hour),
	}, Config{CyclesPerInstance: 1, Interval: 24 * time.Hour})
	waitDone(t, inst)

	require.NoError(t, inst.Err())
	assert.Equal(t, 1, e.background.Calls())

	got, ok := e.accounts.Get(rec.Reference)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeNeedsReview, got.KYCStatus)
	assert.NotEmpty(t, e.snapshot(t, inst).Errors, "flag is recorded as an issue")

	next := <-e.restarts
	assert.NotEmpty(t, next.Issues, "open issues carry into the next instance")
}

func TestReverifyNotDueAndCleanSkipsRecheck(t *testing.T) {
	e := newEnv(t)
	subject := domain.NewSubjectID()
	inst := e.run(t, Request{
		Subject:     subject,
		Tier:        domain.TierEnhanced,
		LastCheckAt: time.Now().Add(-time.Hour),
	}, Config{CyclesPerInstance: 1, Interval: 24 * time.Hour})
	waitDone(t, inst)

	require.NoError(t, inst.Err())
	assert.Zero(t, e.background.Calls(), "nothing due, nothing flagged, nothing re-verified")
	snap := e.snapshot(t, inst)
	var skipped bool
	for _, s := range snap.Steps {
		if s.Name == "cycle-1:"+stepReverify && s.Status == domain.StepSkipped {
			skipped = true
		}
	}
	assert.True(t, skipped)
}

func TestReverifyExpiringDocumentRaisesIssue(t *testing.T) {
	e := newEnv(t)
	subject := domain.NewSubjectID()
	inst := e.run(t, Request{
		Subject:           subject,
		Tier:              domain.TierBasic,
		DocumentExpiresAt: time.Now().Add(10 * 24 * time.Hour),
		LastCheckAt:       time.Now().Add(-time.Hour),
	}, Config{CyclesPerInstance: 1, Interval: 24 * time.Hour})
	waitDone(t, inst)

	require.NoError(t, inst.Err())
	assert.Equal(t, 1, sendsOf(e.notifier, "renew-document"))
	next := <-e.restarts
	require.NotEmpty(t, next.Issues)
	assert.Contains(t, next.Issues[0], "identity document expires")
}

func TestReverifyContinuedInstanceWaitsOutCadence(t *testing.T) {
	e := newEnv(t)
	subject := domain.NewSubjectID()
	inst := e.run(t, Request{
		Subject:     subject,
		Tier:        domain.TierBasic,
		LastCheckAt: time.Now().Add(-time.Minute),
		Continued:   true,
	}, Config{CyclesPerInstance: 1, Interval: time.Hour})

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, e.sanctions.Calls(), "continued instance parks until the cadence elapses")

	require.NoError(t, e.engine.Signal(inst.ID(), SignalRecheckNow, nil))
	waitDone(t, inst)
	require.NoError(t, inst.Err())
	assert.Equal(t, 1, e.sanctions.Calls())
}

func TestReverifyRecheckNowSignalWakesTheCadenceWait(t *testing.T) {
	e := newEnv(t)
	subject := domain.NewSubjectID()
	inst := e.run(t, Request{Subject: subject, Tier: domain.TierBasic},
		Config{CyclesPerInstance: 2, Interval: time.Hour})

	require.Eventually(t, func() bool {
		return e.sanctions.Calls() == 1
	}, 5*time.Second, 10*time.Millisecond, "first cycle runs immediately")

	require.NoError(t, e.engine.Signal(inst.ID(), SignalRecheckNow, nil))
	waitDone(t, inst)

	require.NoError(t, inst.Err())
	assert.Equal(t, 2, e.sanctions.Calls(), "signal forces the second cycle early")
	select {
	case <-e.restarts:
	default:
		t.Fatal("instance did not re-spawn after its final cycle")
	}
}

func TestReverifyIssueCarryOverIsBounded(t *testing.T) {
	e := newEnv(t)
	issues := make([]string, 30)
	for i := range issues {
		issues[i] = "old issue"
	}
	subject := domain.NewSubjectID()
	inst := e.run(t, Request{
		Subject:           subject,
		Tier:              domain.TierBasic,
		Issues:            issues,
		DocumentExpiresAt: time.Now().Add(-24 * time.Hour),
		LastCheckAt:       time.Now().Add(-time.Hour),
	}, Config{CyclesPerInstance: 1, Interval: 24 * time.Hour})
	waitDone(t, inst)

	require.NoError(t, inst.Err())
	next := <-e.restarts
	assert.Len(t, next.Issues, 20, "carried history is trimmed to the tail")
	assert.Contains(t, next.Issues[len(next.Issues)-1], "identity document expired")
}
