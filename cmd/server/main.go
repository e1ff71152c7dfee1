// Command server runs the verification workflow service: the HTTP API, the
// in-process workflow engine, and the backing stores. main wires dependencies
// and owns the process lifecycle; business logic lives in internal packages.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"veriflow/internal/audit"
	"veriflow/internal/instance"
	"veriflow/internal/observability"
	"veriflow/internal/onboarding"
	"veriflow/internal/orchestrator"
	"veriflow/internal/platform/config"
	"veriflow/internal/platform/httpserver"
	"veriflow/internal/platform/logger"
	platformredis "veriflow/internal/platform/redis"
	"veriflow/internal/providers"
	"veriflow/internal/providers/rest"
	httptransport "veriflow/internal/transport/http"
	"veriflow/internal/workflow"
	"veriflow/internal/workflow/activity"
	"veriflow/internal/workflow/runtime"
	"veriflow/internal/workflow/saga"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New(os.Getenv("VERIFLOW_LOG_LEVEL"))

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	invoker := activity.NewInvoker(log, metrics)

	store, pool, err := buildStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	dedupStore, redisClient, err := buildDedup(cfg, log)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	sink, kafkaSink, err := buildAuditSink(ctx, cfg, log)
	if err != nil {
		return err
	}
	if kafkaSink != nil {
		defer kafkaSink.Close()
	}

	deps := workflow.Deps{
		Logger:  log,
		Metrics: metrics,
		Invoker: invoker,
		Store:   store,
		Dedup:   saga.NewDeduplicator(dedupStore),
		Audit:   audit.NewPublisher(sink, invoker, log),
	}

	engine := runtime.NewEngine(log, metrics)
	service := orchestrator.New(log, engine, deps, buildProviders(cfg, log), orchestrator.Config{
		Onboarding: onboarding.Config{MintReward: cfg.MintReward},
	})

	verifier := httptransport.NewWebhookVerifier(
		httptransport.StaticKeys(cfg.Webhook.Secrets), cfg.Webhook.Audience)
	handler := httptransport.New(log, service, verifier, func(ctx context.Context) error {
		if redisClient != nil {
			if err := redisClient.Health(ctx); err != nil {
				return err
			}
		}
		if pool != nil {
			return pool.Ping(ctx)
		}
		return nil
	})

	router := chi.NewRouter()
	handler.Register(router)
	srv := httpserver.New(cfg.Addr, router)

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down", "timeout", cfg.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	if err := service.Drain(shutdownCtx); err != nil {
		log.Warn("instances still in flight at shutdown", "error", err)
	}
	return nil
}

// buildStore selects the Postgres instance store when a DSN is configured,
// falling back to the in-memory store for development.
func buildStore(ctx context.Context, cfg config.Config, log *slog.Logger) (instance.Store, *pgxpool.Pool, error) {
	if cfg.Postgres.DSN == "" {
		log.Warn("no postgres DSN configured, instance records are not durable")
		return instance.NewMemoryStore(), nil, nil
	}
	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return instance.NewPostgres(pool), pool, nil
}

// buildDedup selects the Redis deduplication store when configured, falling
// back to the in-memory store.
func buildDedup(cfg config.Config, log *slog.Logger) (saga.DedupStore, *platformredis.Client, error) {
	client, err := platformredis.New(cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	if client == nil {
		log.Warn("no redis URL configured, effect deduplication is process-local")
		return saga.NewMemoryDedupStore(), nil, nil
	}
	store, err := saga.NewRedisDedupStore(client.Client, "veriflow:dedup:", 90*24*time.Hour)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return store, client, nil
}

// buildAuditSink selects the Kafka audit sink when seeds are configured,
// falling back to the in-memory sink.
func buildAuditSink(ctx context.Context, cfg config.Config, log *slog.Logger) (audit.Sink, *audit.KafkaSink, error) {
	if len(cfg.Kafka.Seeds) == 0 {
		log.Warn("no kafka seeds configured, audit events stay in memory")
		return audit.NewMemorySink(), nil, nil
	}
	sink, err := audit.NewKafkaSink(ctx, cfg.Kafka.Seeds, cfg.Kafka.Topic)
	if err != nil {
		return nil, nil, err
	}
	return sink, sink, nil
}

// buildProviders fronts the external vendors through the provider gateway, or
// the in-process sandbox fakes when no gateway is configured.
func buildProviders(cfg config.Config, log *slog.Logger) orchestrator.Providers {
	if cfg.Providers.BaseURL == "" {
		log.Warn("no provider gateway configured, running sandbox providers")
		return orchestrator.Providers{
			Document:      providers.NewFakeDocument(),
			Background:    providers.NewFakeBackground(),
			Sanctions:     providers.NewFakeScreener(providers.NameSanctions),
			Watchlist:     providers.NewFakeScreener(providers.NameWatchlist),
			PEP:           providers.NewFakeScreener(providers.NamePEP),
			Wallet:        providers.NewFakeWalletScreener(),
			Accreditation: providers.NewFakeAccreditation(),
			BankLink:      providers.NewFakeBankLink(),
			Accounts:      providers.NewFakeAccounts(),
			Notifier:      providers.NewFakeNotifier(),
			Rewards:       providers.NewFakeRewards(),
		}
	}
	client := rest.NewClient(cfg.Providers.BaseURL, cfg.Providers.APIKey, cfg.Providers.Timeout)
	return orchestrator.Providers{
		Document:      rest.NewDocument(client),
		Background:    rest.NewBackground(client),
		Sanctions:     rest.NewScreener(client, providers.NameSanctions),
		Watchlist:     rest.NewScreener(client, providers.NameWatchlist),
		PEP:           rest.NewScreener(client, providers.NamePEP),
		Wallet:        rest.NewWallet(client),
		Accreditation: rest.NewAccreditation(client),
		BankLink:      rest.NewBankLink(client),
		Accounts:      rest.NewAccounts(client),
		Notifier:      rest.NewNotifier(client),
		Rewards:       rest.NewRewards(client),
	}
}
