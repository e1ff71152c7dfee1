package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veriflow/pkg/domain"
	"veriflow/pkg/platform/sentinel"
)

func waitDone(t *testing.T, inst *Instance) {
	t.Helper()
	select {
	case <-inst.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("instance did not finish in time")
	}
}

func TestEngineRunsWorkflowToCompletion(t *testing.T) {
	e := NewEngine(nil, nil)
	ran := false

	inst, err := e.Start(context.Background(), domain.KindOnboarding, domain.NewSubjectID(), func(ctx *Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)

	waitDone(t, inst)
	assert.True(t, ran)
	assert.NoError(t, inst.Err())
}

func TestEngineUniquenessPerSubjectAndKind(t *testing.T) {
	e := NewEngine(nil, nil)
	subject := domain.NewSubjectID()
	release := make(chan struct{})

	first, err := e.Start(context.Background(), domain.KindOnboarding, subject, func(ctx *Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	// Second trigger for the same subject/kind must be rejected, never run concurrently.
	_, err = e.Start(context.Background(), domain.KindOnboarding, subject, func(ctx *Context) error { return nil })
	assert.ErrorIs(t, err, sentinel.ErrConflict)

	// A different kind for the same subject is fine.
	other, err := e.Start(context.Background(), domain.KindReverification, subject, func(ctx *Context) error { return nil })
	require.NoError(t, err)
	waitDone(t, other)

	close(release)
	waitDone(t, first)

	// Once the first finishes, the subject/kind slot frees up.
	again, err := e.Start(context.Background(), domain.KindOnboarding, subject, func(ctx *Context) error { return nil })
	require.NoError(t, err)
	waitDone(t, again)
}

func TestSignalsAppliedInDeliveryOrder(t *testing.T) {
	e := NewEngine(nil, nil)
	var seen []string

	inst, err := e.Start(context.Background(), domain.KindOnboarding, domain.NewSubjectID(), func(ctx *Context) error {
		ctx.OnSignal("step", func(p json.RawMessage) {
			var v string
			_ = json.Unmarshal(p, &v)
			seen = append(seen, v)
		})
		ok, err := ctx.Await(5*time.Second, func() bool { return len(seen) == 3 })
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("timed out")
		}
		return nil
	})
	require.NoError(t, err)

	for _, v := range []string{`"a"`, `"b"`, `"c"`} {
		require.NoError(t, e.Signal(inst.ID(), "step", json.RawMessage(v)))
	}

	waitDone(t, inst)
	require.NoError(t, inst.Err())
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestSignalsBufferedBeforeHandlerRegistered(t *testing.T) {
	e := NewEngine(nil, nil)
	registered := make(chan *Instance, 1)
	got := ""

	inst, err := e.Start(context.Background(), domain.KindOnboarding, domain.NewSubjectID(), func(ctx *Context) error {
		// Simulate work before the wait registers its handler.
		<-registered
		ctx.OnSignal("email-verified", func(p json.RawMessage) {
			var v struct {
				Token string `json:"token"`
			}
			_ = json.Unmarshal(p, &v)
			got = v.Token
		})
		ok, err := ctx.Await(5*time.Second, func() bool { return got != "" })
		if err != nil || !ok {
			return errors.New("signal not applied")
		}
		return nil
	})
	require.NoError(t, err)

	// Deliver before the handler exists; must be buffered, not dropped.
	require.NoError(t, e.Signal(inst.ID(), "email-verified", json.RawMessage(`{"token":"tok-1"}`)))
	registered <- inst

	waitDone(t, inst)
	require.NoError(t, inst.Err())
	assert.Equal(t, "tok-1", got)
}

func TestAwaitTimeoutIsNormalControlFlow(t *testing.T) {
	e := NewEngine(nil, nil)

	inst, err := e.Start(context.Background(), domain.KindOnboarding, domain.NewSubjectID(), func(ctx *Context) error {
		ok, err := ctx.Await(20*time.Millisecond, func() bool { return false })
		if err != nil {
			return err
		}
		if ok {
			return errors.New("predicate cannot be satisfied")
		}
		return nil
	})
	require.NoError(t, err)

	waitDone(t, inst)
	assert.NoError(t, inst.Err(), "timeout must surface as (false, nil), not an error")
}

func TestCancellationObservableAtSuspensionPoints(t *testing.T) {
	e := NewEngine(nil, nil)
	var sawCancel atomic.Bool

	inst, err := e.Start(context.Background(), domain.KindOnboarding, domain.NewSubjectID(), func(ctx *Context) error {
		_, err := ctx.Await(10*time.Second, func() bool { return false })
		if errors.Is(err, ErrCancelled) {
			reason, ok := ctx.Cancelled()
			sawCancel.Store(ok && reason == "user asked")
			// The detached context must stay usable for compensation.
			if ctx.Detached().Err() != nil {
				return errors.New("detached context was cancelled")
			}
		}
		return err
	})
	require.NoError(t, err)

	require.NoError(t, e.Cancel(inst.ID(), "user asked"))
	waitDone(t, inst)

	assert.ErrorIs(t, inst.Err(), ErrCancelled)
	assert.True(t, sawCancel.Load())
}

func TestQuerySnapshot(t *testing.T) {
	e := NewEngine(nil, nil)
	block := make(chan struct{})

	inst, err := e.Start(context.Background(), domain.KindOnboarding, domain.NewSubjectID(), func(ctx *Context) error {
		ctx.SetQueryHandler(func() any { return map[string]string{"step": "awaiting-email-verification"} })
		<-block
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := e.Query(inst.ID())
		return err == nil
	}, time.Second, 5*time.Millisecond)

	snap, err := e.Query(inst.ID())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"step": "awaiting-email-verification"}, snap)

	close(block)
	waitDone(t, inst)

	// Finished instances stay queryable.
	_, err = e.Query(inst.ID())
	assert.NoError(t, err)
}

func TestQueryUnknownInstance(t *testing.T) {
	e := NewEngine(nil, nil)
	_, err := e.Query(domain.NewInstanceID())
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestSignalAfterCompletionRejected(t *testing.T) {
	e := NewEngine(nil, nil)
	inst, err := e.Start(context.Background(), domain.KindOnboarding, domain.NewSubjectID(), func(ctx *Context) error {
		return nil
	})
	require.NoError(t, err)
	waitDone(t, inst)

	err = e.Signal(inst.ID(), "email-verified", nil)
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)
}

func TestGatherFanOutAwaitsAll(t *testing.T) {
	e := NewEngine(nil, nil)
	var a, b, c atomic.Bool

	inst, err := e.Start(context.Background(), domain.KindReverification, domain.NewSubjectID(), func(ctx *Context) error {
		return ctx.Gather(
			func(context.Context) error { a.Store(true); return nil },
			func(context.Context) error {
				time.Sleep(10 * time.Millisecond)
				b.Store(true)
				return errors.New("screen provider down")
			},
			func(context.Context) error {
				time.Sleep(20 * time.Millisecond)
				c.Store(true)
				return nil
			},
		)
	})
	require.NoError(t, err)
	waitDone(t, inst)

	require.Error(t, inst.Err())
	// All branches ran to completion despite the sibling failure.
	assert.True(t, a.Load())
	assert.True(t, b.Load())
	assert.True(t, c.Load())
}

func TestDuplicateSignalIsIdempotent(t *testing.T) {
	e := NewEngine(nil, nil)
	verified := false
	applications := 0

	inst, err := e.Start(context.Background(), domain.KindOnboarding, domain.NewSubjectID(), func(ctx *Context) error {
		ctx.OnSignal("email-verified", func(json.RawMessage) {
			applications++
			verified = true
		})
		ok, err := ctx.Await(5*time.Second, func() bool { return verified })
		if err != nil || !ok {
			return errors.New("never verified")
		}
		// Give the duplicate a chance to arrive, then drain once more.
		_ = ctx.Sleep(20 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, e.Signal(inst.ID(), "email-verified", json.RawMessage(`{"token":"t"}`)))
	_ = e.Signal(inst.ID(), "email-verified", json.RawMessage(`{"token":"t"}`))

	waitDone(t, inst)
	require.NoError(t, inst.Err())
	assert.True(t, verified)
	assert.LessOrEqual(t, applications, 2, "handler is a pure idempotent assignment")
}

func TestDrain(t *testing.T) {
	e := NewEngine(nil, nil)
	_, err := e.Start(context.Background(), domain.KindOnboarding, domain.NewSubjectID(), func(ctx *Context) error {
		return ctx.Sleep(10 * time.Millisecond)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, e.Drain(ctx))
}
