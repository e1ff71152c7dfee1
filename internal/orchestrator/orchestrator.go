// Package orchestrator owns the workflow engine and the registered state
// machine definitions. The HTTP layer delegates here; this package decides
// which machine a trigger starts, wires its collaborators, and re-spawns
// periodic re-verification instances when they roll over.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"veriflow/internal/observability"
	"veriflow/internal/onboarding"
	"veriflow/internal/providers"
	"veriflow/internal/reverify"
	"veriflow/internal/tierupgrade"
	"veriflow/internal/workflow"
	"veriflow/internal/workflow/runtime"
	"veriflow/pkg/domain"
)

// Providers is the union of external collaborators the three machines drive.
type Providers struct {
	Document      providers.Document
	Background    providers.Background
	Sanctions     providers.Screener
	Watchlist     providers.Screener
	PEP           providers.Screener
	Wallet        providers.WalletScreener
	Accreditation providers.Accreditation
	BankLink      providers.BankLink
	Accounts      providers.Accounts
	Notifier      providers.Notifier
	Rewards       providers.Rewards
}

// Config carries the per-machine tuning knobs.
type Config struct {
	Onboarding onboarding.Config
	Reverify   reverify.Config
}

// Service starts, signals, queries, and cancels workflow instances.
type Service struct {
	logger *slog.Logger
	engine *runtime.Engine

	onboarding  *onboarding.Workflow
	tierUpgrade *tierupgrade.Workflow
	reverify    *reverify.Workflow

	mu      sync.Mutex
	pending map[domain.SubjectID]reverify.Request
}

// New builds the service and binds the three machine definitions to their
// collaborators. Re-verification rollover is wired back into this service so
// a finished instance spawns its successor.
func New(logger *slog.Logger, engine *runtime.Engine, deps workflow.Deps, provs Providers, cfg Config) *Service {
	s := &Service{
		logger:  logger,
		engine:  engine,
		pending: make(map[domain.SubjectID]reverify.Request),
	}

	s.onboarding = onboarding.New(deps, onboarding.Activities{
		Document:      provs.Document,
		Background:    provs.Background,
		Sanctions:     provs.Sanctions,
		Wallet:        provs.Wallet,
		Accreditation: provs.Accreditation,
		BankLink:      provs.BankLink,
		Accounts:      provs.Accounts,
		Notifier:      provs.Notifier,
		Rewards:       provs.Rewards,
	}, cfg.Onboarding)

	s.tierUpgrade = tierupgrade.New(deps, tierupgrade.Activities{
		Background:    provs.Background,
		Sanctions:     provs.Sanctions,
		Accreditation: provs.Accreditation,
		BankLink:      provs.BankLink,
		Accounts:      provs.Accounts,
		Notifier:      provs.Notifier,
	})

	rcfg := cfg.Reverify
	rcfg.OnRestart = s.respawnReverification
	s.reverify = reverify.New(deps, reverify.Activities{
		Sanctions:  provs.Sanctions,
		Watchlist:  provs.Watchlist,
		PEP:        provs.PEP,
		Background: provs.Background,
		Accounts:   provs.Accounts,
		Notifier:   provs.Notifier,
	}, rcfg)

	return s
}

// StartOnboarding launches an onboarding instance for the subject.
func (s *Service) StartOnboarding(ctx context.Context, req onboarding.Request) (*runtime.Instance, error) {
	return s.engine.Start(ctx, domain.KindOnboarding, req.Subject, func(wctx *runtime.Context) error {
		return s.onboarding.Run(wctx, req)
	})
}

// StartTierUpgrade launches a tier-upgrade instance for the subject.
func (s *Service) StartTierUpgrade(ctx context.Context, req tierupgrade.Request) (*runtime.Instance, error) {
	return s.engine.Start(ctx, domain.KindTierUpgrade, req.Subject, func(wctx *runtime.Context) error {
		return s.tierUpgrade.Run(wctx, req)
	})
}

// StartReverification launches a periodic re-verification instance. Each
// instance re-spawns itself with carried-forward state after its last clean
// cycle, so one external trigger keeps a subject monitored indefinitely.
func (s *Service) StartReverification(ctx context.Context, req reverify.Request) (*runtime.Instance, error) {
	inst, err := s.engine.Start(ctx, domain.KindReverification, req.Subject, func(wctx *runtime.Context) error {
		return s.reverify.Run(wctx, req)
	})
	if err != nil {
		return nil, err
	}

	// The instance requests its rollover while it still holds the per-subject
	// engine slot, so the successor can only start after Done. The watcher
	// carries the chain forward on a context detached from the caller's.
	respawnCtx := context.WithoutCancel(ctx)
	go func() {
		<-inst.Done()
		next, ok := s.takePending(req.Subject)
		if !ok {
			return
		}
		succ, err := s.StartReverification(respawnCtx, next)
		if err != nil {
			s.logger.Error("re-verification rollover failed",
				"subject_id", next.Subject.String(),
				"error", err,
			)
			return
		}
		s.logger.Info("re-verification rolled over",
			"subject_id", next.Subject.String(),
			"instance_id", succ.ID().String(),
			"open_issues", len(next.Issues),
		)
	}()
	return inst, nil
}

func (s *Service) respawnReverification(_ context.Context, req reverify.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[req.Subject] = req
	return nil
}

func (s *Service) takePending(subject domain.SubjectID) (reverify.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[subject]
	if ok {
		delete(s.pending, subject)
	}
	return req, ok
}

// Signal delivers a named payload to a running instance.
func (s *Service) Signal(id domain.InstanceID, name string, payload json.RawMessage) error {
	return s.engine.Signal(id, name, payload)
}

// Snapshot returns the instance's current progress view.
func (s *Service) Snapshot(id domain.InstanceID) (observability.Snapshot, error) {
	out, err := s.engine.Query(id)
	if err != nil {
		return observability.Snapshot{}, err
	}
	snap, ok := out.(observability.Snapshot)
	if !ok {
		return observability.Snapshot{}, fmt.Errorf("unexpected query result type %T", out)
	}
	return snap, nil
}

// Cancel requests cooperative cancellation of a running instance.
func (s *Service) Cancel(id domain.InstanceID, reason string) error {
	return s.engine.Cancel(id, reason)
}

// Drain blocks until in-flight instances finish or ctx expires.
func (s *Service) Drain(ctx context.Context) error {
	return s.engine.Drain(ctx)
}
