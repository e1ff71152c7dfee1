package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"veriflow/pkg/domain"
	"veriflow/pkg/platform/sentinel"
)

// ErrCancelled is returned from suspension points once an external
// cancellation request has been observed. Compensation regions run on the
// detached context and are not interrupted by it.
var ErrCancelled = errors.New("workflow cancelled")

// Signal is an event delivered to a running instance. Signals are buffered
// and applied in delivery order on the instance's own goroutine.
type Signal struct {
	Name        string
	Payload     json.RawMessage
	DeliveredAt time.Time
}

// Instance is one durable execution of a state machine for one subject.
// Execution is single-threaded and cooperative: the workflow function is the
// only writer of its local state, signal handlers run on its goroutine at
// suspension points, and the query handler reads only synchronized state.
type Instance struct {
	id      domain.InstanceID
	subject domain.SubjectID
	kind    domain.WorkflowKind

	baseCtx context.Context
	cancel  context.CancelFunc

	mu              sync.Mutex
	pending         []Signal
	handlers        map[string]func(json.RawMessage)
	query           func() any
	cancelRequested bool
	cancelReason    string
	finished        bool

	notify chan struct{}
	done   chan struct{}
	err    error
}

func newInstance(parent context.Context, id domain.InstanceID, subject domain.SubjectID, kind domain.WorkflowKind) *Instance {
	ctx, cancel := context.WithCancel(parent)
	return &Instance{
		id:       id,
		subject:  subject,
		kind:     kind,
		baseCtx:  ctx,
		cancel:   cancel,
		handlers: make(map[string]func(json.RawMessage)),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (i *Instance) ID() domain.InstanceID       { return i.id }
func (i *Instance) SubjectID() domain.SubjectID { return i.subject }
func (i *Instance) Kind() domain.WorkflowKind   { return i.kind }

// Done closes when the workflow function has returned.
func (i *Instance) Done() <-chan struct{} { return i.done }

// Err returns the workflow's terminal error once Done is closed.
func (i *Instance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

// Deliver buffers a signal for the instance. Returns ErrInvalidState once the
// instance has finished.
func (i *Instance) Deliver(name string, payload json.RawMessage) error {
	i.mu.Lock()
	if i.finished {
		i.mu.Unlock()
		return sentinel.ErrInvalidState
	}
	i.pending = append(i.pending, Signal{Name: name, Payload: payload, DeliveredAt: time.Now()})
	i.mu.Unlock()
	i.wake()
	return nil
}

// Query runs the instance's registered query handler. Handlers must be
// side-effect free; the runtime serves queries from any goroutine.
func (i *Instance) Query() (any, error) {
	i.mu.Lock()
	q := i.query
	i.mu.Unlock()
	if q == nil {
		return nil, sentinel.ErrUnavailable
	}
	return q(), nil
}

// RequestCancel makes cancellation observable at the next suspension point
// and cancels the instance context so in-flight activities can unwind.
func (i *Instance) RequestCancel(reason string) {
	i.mu.Lock()
	if i.finished || i.cancelRequested {
		i.mu.Unlock()
		return
	}
	i.cancelRequested = true
	i.cancelReason = reason
	i.mu.Unlock()
	i.cancel()
	i.wake()
}

func (i *Instance) wake() {
	select {
	case i.notify <- struct{}{}:
	default:
	}
}

// drainSignals applies buffered signals, in delivery order, whose handler is
// registered. Runs only on the workflow goroutine.
func (i *Instance) drainSignals(onApplied func(name string)) {
	i.mu.Lock()
	var apply []Signal
	var keep []Signal
	for _, s := range i.pending {
		if _, ok := i.handlers[s.Name]; ok {
			apply = append(apply, s)
		} else {
			keep = append(keep, s)
		}
	}
	i.pending = keep
	handlers := make(map[string]func(json.RawMessage), len(i.handlers))
	for k, v := range i.handlers {
		handlers[k] = v
	}
	i.mu.Unlock()

	for _, s := range apply {
		handlers[s.Name](s.Payload)
		if onApplied != nil {
			onApplied(s.Name)
		}
	}
}

func (i *Instance) complete(err error) {
	i.mu.Lock()
	i.finished = true
	i.err = err
	i.mu.Unlock()
	i.cancel()
	close(i.done)
}
