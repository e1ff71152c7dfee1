// Package saga is the compensation framework: an ordered LIFO registry of
// undo actions drained when a workflow fails after partially committing
// external effects, plus a deduplicator for at-most-once side effects.
package saga

import (
	"context"
	"log/slog"
	"sync"

	"veriflow/internal/observability"
	"veriflow/pkg/faults"
)

// Compensation undoes the external effect of one committed step.
type Compensation func(ctx context.Context) error

type entry struct {
	name     string
	undo     Compensation
	executed bool
}

// Stack collects compensations as committing steps succeed. Push order is
// reversed on drain: last committed, first undone.
type Stack struct {
	mu      sync.Mutex
	entries []entry
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures a Stack.
type Option func(*Stack)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Stack) { s.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Stack) { s.metrics = m }
}

// NewStack builds an empty compensation stack for one workflow instance.
func NewStack(opts ...Option) *Stack {
	s := &Stack{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Push registers an undo action for a just-committed step at the head of the
// stack.
func (s *Stack) Push(name string, undo Compensation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append([]entry{{name: name, undo: undo}}, s.entries...)
}

// Len reports the number of registered entries, executed or not.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Result reports a compensation run: which undo actions ran, and which failed.
type Result struct {
	Executed []string
	Failed   []faults.CompensationFailure
}

// Err converts the result into the terminal CompensationFailedError when any
// undo action failed, embedding the original failure. Returns nil when all
// compensations succeeded.
func (r Result) Err(original error) error {
	if len(r.Failed) == 0 {
		return nil
	}
	return faults.CompensationFailed(original, r.Failed)
}

// CompensateAll executes every not-yet-executed entry head-to-tail. The run
// is failure-resilient: each compensation's failure is caught and collected
// rather than aborting the rest. Callers pass a detached context so a
// cancellation request cannot interrupt the region.
//
// Idempotent-safe: entries are marked executed as they succeed, so a second
// drain after a fully successful first run executes nothing.
func (s *Stack) CompensateAll(ctx context.Context) Result {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	todo := make([]*entry, 0, len(s.entries))
	for i := range s.entries {
		if !s.entries[i].executed {
			todo = append(todo, &s.entries[i])
		}
	}
	s.mu.Unlock()

	var res Result
	for _, e := range todo {
		s.logger.Info("running compensation", "compensation", e.name)
		if err := e.undo(ctx); err != nil {
			s.logger.Error("compensation failed", "compensation", e.name, "error", err)
			res.Failed = append(res.Failed, faults.CompensationFailure{Name: e.name, Err: err})
			if s.metrics != nil {
				s.metrics.Compensations.WithLabelValues("failed").Inc()
			}
			continue
		}
		s.mu.Lock()
		e.executed = true
		s.mu.Unlock()
		res.Executed = append(res.Executed, e.name)
		if s.metrics != nil {
			s.metrics.Compensations.WithLabelValues("executed").Inc()
		}
	}
	return res
}
