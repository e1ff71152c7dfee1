package runtime

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"veriflow/pkg/domain"
)

// Context is the workflow-facing handle passed to a workflow function. Its
// methods must be called from the workflow goroutine; the workflow function
// is the only caller by construction.
type Context struct {
	inst     *Instance
	onSignal func(name string)
}

// Context returns the instance context. It is cancelled when the instance is
// asked to cancel, so in-flight activities can observe the request.
func (c *Context) Context() context.Context { return c.inst.baseCtx }

// Detached returns a context that survives cancellation. Compensation regions
// run on it: a cancellation request must not leave external effects
// un-reversed.
func (c *Context) Detached() context.Context {
	return context.WithoutCancel(c.inst.baseCtx)
}

func (c *Context) ID() domain.InstanceID { return c.inst.id }

func (c *Context) Subject() domain.SubjectID { return c.inst.subject }

func (c *Context) Kind() domain.WorkflowKind { return c.inst.kind }

// OnSignal registers a named signal handler. Handlers apply pure, synchronous
// state mutations with no I/O and no blocking. Buffered signals with this
// name are applied at the next suspension point, in delivery order.
func (c *Context) OnSignal(name string, fn func(payload json.RawMessage)) {
	c.inst.mu.Lock()
	c.inst.handlers[name] = fn
	c.inst.mu.Unlock()
	c.inst.wake()
}

// SetQueryHandler registers the instance's single query handler. The handler
// must not mutate state or perform side effects, and must read only
// synchronized state (e.g. a tracker snapshot) since queries are served from
// arbitrary goroutines.
func (c *Context) SetQueryHandler(fn func() any) {
	c.inst.mu.Lock()
	c.inst.query = fn
	c.inst.mu.Unlock()
}

// Cancelled reports whether an external cancellation was requested, with its
// reason.
func (c *Context) Cancelled() (string, bool) {
	c.inst.mu.Lock()
	defer c.inst.mu.Unlock()
	return c.inst.cancelReason, c.inst.cancelRequested
}

// Sleep suspends for d, or returns ErrCancelled if cancellation arrives first.
// Buffered signals are still applied while sleeping.
func (c *Context) Sleep(d time.Duration) error {
	_, err := c.Await(d, func() bool { return false })
	return err
}

// Await suspends until pred becomes true (typically because a signal updated
// observed state) or timeout elapses. Returns (true, nil) when satisfied,
// (false, nil) on timeout, which is a normal control-flow outcome, and
// (false, ErrCancelled) when cancellation was requested.
func (c *Context) Await(timeout time.Duration, pred func() bool) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		c.inst.drainSignals(c.onSignal)
		if pred() {
			return true, nil
		}
		if _, cancelled := c.Cancelled(); cancelled {
			return false, ErrCancelled
		}
		select {
		case <-c.inst.notify:
		case <-deadline.C:
			// Apply anything that raced the timer before declaring timeout.
			c.inst.drainSignals(c.onSignal)
			if pred() {
				return true, nil
			}
			return false, nil
		case <-c.inst.baseCtx.Done():
			return false, ErrCancelled
		}
	}
}

// Gather issues fns as a concurrent fan-out and suspends until all complete,
// preserving the single logical thread of control. Every fn runs to completion
// regardless of sibling failures; callers needing all results capture them in
// closures. The first error, if any, is returned.
func (c *Context) Gather(fns ...func(ctx context.Context) error) error {
	var g errgroup.Group
	ctx := c.Context()
	for _, fn := range fns {
		fn := fn
		g.Go(func() error { return fn(ctx) })
	}
	return g.Wait()
}
