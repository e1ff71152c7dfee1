// Package audit publishes structured orchestration events. Emission is
// fire-and-forget from the workflow's perspective: failures are logged, never
// fatal to the owning step.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"veriflow/internal/workflow/activity"
	"veriflow/internal/workflow/retry"
)

// Sink receives events. Implementations: Kafka for deployments, memory for
// tests.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// Publisher routes events to a sink through the activity layer with the
// Default policy, isolating this non-critical side effect from the critical
// path.
type Publisher struct {
	sink    Sink
	invoker *activity.Invoker
	logger  *slog.Logger
}

func NewPublisher(sink Sink, invoker *activity.Invoker, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{sink: sink, invoker: invoker, logger: logger}
}

// Emit publishes the event. Never returns an error: audit failure is logged
// and swallowed so it cannot abort a workflow step.
func (p *Publisher) Emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	err := p.invoker.Invoke(ctx, "audit-emit", activity.Options{
		Timeout: 10 * time.Second,
		Policy:  retry.Default(),
	}, func(ctx context.Context) error {
		return p.sink.Emit(ctx, event)
	})
	if err != nil {
		p.logger.WarnContext(ctx, "audit emission failed",
			"instance_id", event.InstanceID.String(),
			"action", event.Action,
			"error", err,
		)
	}
}

// MemorySink buffers events in process for tests and development.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Emit(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of everything emitted so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}
