// Package runtime is the in-process execution substrate contract for workflow
// instances: instance creation and addressing, ordered signal delivery, wait
// conditions with per-wait timeouts, queries, and per-subject uniqueness.
//
// Durability (history persistence, deterministic replay, cluster scheduling)
// is the hosting substrate's concern; orchestration code written against
// Context confines itself to the primitives such substrates provide: suspend
// at well-defined points, resume with identical local state.
package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"veriflow/internal/observability"
	"veriflow/pkg/domain"
	"veriflow/pkg/platform/sentinel"
)

// WorkflowFn is the body of a state machine, executed as a single logical
// thread of cooperative control flow.
type WorkflowFn func(ctx *Context) error

type activeKey struct {
	subject domain.SubjectID
	kind    domain.WorkflowKind
}

// Engine schedules workflow instances. Many instances run concurrently and
// independently; no two instances for the same (subject, kind) run at once.
type Engine struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	instances map[domain.InstanceID]*Instance
	active    map[activeKey]domain.InstanceID
	wg        sync.WaitGroup
}

// NewEngine builds an engine. metrics may be nil in tests.
func NewEngine(logger *slog.Logger, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:    logger,
		metrics:   metrics,
		instances: make(map[domain.InstanceID]*Instance),
		active:    make(map[activeKey]domain.InstanceID),
	}
}

// Start launches a workflow instance. A second trigger for the same subject
// and kind while one is in flight returns sentinel.ErrConflict.
func (e *Engine) Start(parent context.Context, kind domain.WorkflowKind, subject domain.SubjectID, fn WorkflowFn) (*Instance, error) {
	key := activeKey{subject: subject, kind: kind}

	e.mu.Lock()
	if _, busy := e.active[key]; busy {
		e.mu.Unlock()
		return nil, sentinel.ErrConflict
	}
	inst := newInstance(parent, domain.NewInstanceID(), subject, kind)
	e.active[key] = inst.id
	e.instances[inst.id] = inst
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.WorkflowsStarted.WithLabelValues(kind.String()).Inc()
		e.metrics.ActiveInstances.WithLabelValues(kind.String()).Inc()
	}
	e.logger.Info("workflow started",
		"instance_id", inst.id.String(),
		"subject_id", subject.String(),
		"workflow", kind.String(),
	)

	wctx := &Context{inst: inst}
	if e.metrics != nil {
		wctx.onSignal = func(name string) {
			e.metrics.SignalsReceived.WithLabelValues(name).Inc()
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := fn(wctx)
		e.finish(inst, key, err)
	}()
	return inst, nil
}

func (e *Engine) finish(inst *Instance, key activeKey, err error) {
	e.mu.Lock()
	if e.active[key] == inst.id {
		delete(e.active, key)
	}
	e.mu.Unlock()

	inst.complete(err)

	if e.metrics != nil {
		e.metrics.ActiveInstances.WithLabelValues(inst.kind.String()).Dec()
	}
	if err != nil {
		e.logger.Warn("workflow finished with error",
			"instance_id", inst.id.String(),
			"workflow", inst.kind.String(),
			"error", err,
		)
	} else {
		e.logger.Info("workflow finished",
			"instance_id", inst.id.String(),
			"workflow", inst.kind.String(),
		)
	}
}

// Get addresses an instance by ID. Finished instances stay addressable for
// queries until the engine is discarded.
func (e *Engine) Get(id domain.InstanceID) (*Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return inst, nil
}

// Signal delivers a named payload to a running instance.
func (e *Engine) Signal(id domain.InstanceID, name string, payload json.RawMessage) error {
	inst, err := e.Get(id)
	if err != nil {
		return err
	}
	return inst.Deliver(name, payload)
}

// Query returns the instance's current state snapshot.
func (e *Engine) Query(id domain.InstanceID) (any, error) {
	inst, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	return inst.Query()
}

// Cancel requests cancellation of a running instance.
func (e *Engine) Cancel(id domain.InstanceID, reason string) error {
	inst, err := e.Get(id)
	if err != nil {
		return err
	}
	inst.RequestCancel(reason)
	return nil
}

// Drain blocks until all in-flight instances finish or ctx expires.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
