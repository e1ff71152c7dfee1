// Package activity wraps every externally-visible side-effecting call with a
// retry policy, an optional heartbeat for long-running calls, and a hard
// timeout. Calls routed through here must be idempotent under retry: the
// substrate guarantees "executed at least once", never "exactly once".
package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"veriflow/internal/observability"
	"veriflow/internal/workflow/retry"
	"veriflow/pkg/faults"
)

const tracerName = "veriflow/activity"

// Options configures one invocation.
type Options struct {
	// Timeout bounds the whole invocation, all attempts included. Zero means
	// the caller's context deadline governs alone.
	Timeout time.Duration
	// HeartbeatInterval, when set, emits a liveness log line while an attempt
	// runs. Use for provider polls expected to run minutes.
	HeartbeatInterval time.Duration
	Policy            retry.Policy
}

// Invoker executes activities. Safe for concurrent use by many instances.
type Invoker struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	// sleep is swappable in tests so retry backoff doesn't stall the suite.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithSleeper replaces the backoff sleep, letting tests skip real delays.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(inv *Invoker) { inv.sleep = sleep }
}

// NewInvoker builds the shared activity invoker.
func NewInvoker(logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	inv := &Invoker{
		logger:  logger,
		metrics: metrics,
		tracer:  otel.Tracer(tracerName),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Invoke runs fn under the policy in opts. Non-retryable failures propagate
// immediately; retryable ones sleep for the computed backoff and retry until
// the attempt cap, after which the last error propagates.
func (inv *Invoker) Invoke(ctx context.Context, name string, opts Options, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, inv, name, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is Invoke for activities that produce a result.
func Do[T any](ctx context.Context, inv *Invoker, name string, opts Options, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if opts.Policy.MaximumAttempts == 0 {
		opts.Policy = retry.Default()
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		res, err := attemptOne(ctx, inv, name, opts, attempt, fn)
		if err == nil {
			inv.count(name, "ok")
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			inv.count(name, "deadline")
			return zero, faults.Timeout(name, opts.Timeout)
		}
		if !opts.Policy.ShouldRetry(err, attempt) {
			inv.count(name, "fatal")
			inv.logger.WarnContext(ctx, "activity failed",
				"activity", name,
				"attempt", attempt,
				"policy", opts.Policy.Name,
				"error", err,
			)
			return zero, lastErr
		}

		backoff := opts.Policy.BackoffFor(attempt)
		inv.count(name, "retry")
		if inv.metrics != nil {
			inv.metrics.ActivityRetries.WithLabelValues(name).Inc()
		}
		inv.logger.InfoContext(ctx, "activity retrying",
			"activity", name,
			"attempt", attempt,
			"backoff", backoff.String(),
			"error", err,
		)
		if serr := inv.sleep(ctx, backoff); serr != nil {
			return zero, faults.Timeout(name, opts.Timeout)
		}
	}
}

// attemptOne runs a single attempt under its own span, with the heartbeat
// ticking for the attempt's duration.
func attemptOne[T any](ctx context.Context, inv *Invoker, name string, opts Options, attempt int, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := inv.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int("activity.attempt", attempt),
		attribute.String("activity.policy", opts.Policy.Name),
	))
	defer span.End()

	stop := inv.startHeartbeat(ctx, name, opts.HeartbeatInterval)
	defer stop()

	res, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

func (inv *Invoker) startHeartbeat(ctx context.Context, name string, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	started := time.Now()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				inv.logger.DebugContext(ctx, "activity heartbeat",
					"activity", name,
					"running_for", time.Since(started).String(),
				)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (inv *Invoker) count(name, outcome string) {
	if inv.metrics != nil {
		inv.metrics.ActivityAttempts.WithLabelValues(name, outcome).Inc()
	}
}
