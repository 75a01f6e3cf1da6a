package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/relay/engine"
	"goa.design/relay/runtime/relay/history"
	"goa.design/relay/runtime/relay/history/inmem"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// calls counts activity invocations by name.
type calls struct {
	mu sync.Mutex
	n  map[string]int
}

func (c *calls) inc(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = make(map[string]int)
	}
	c.n[name]++
}

func (c *calls) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[name]
}

func newManualEngine(t *testing.T, store history.Store, clock *fakeClock) *Engine {
	t.Helper()
	e, err := New(Options{
		Store:        store,
		Clock:        clock.Now,
		Manual:       true,
		DefaultRetry: engine.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	})
	require.NoError(t, err)
	return e
}

func echoActivity(name string, c *calls, opts engine.ActivityOptions) engine.ActivityDefinition {
	return engine.NewActivity(name, opts, func(_ context.Context, in string) (string, error) {
		c.inc(name)
		return name + ":" + in, nil
	})
}

// drain resumes id until it is terminal and returns the final outcome.
func drain(t *testing.T, e *Engine, id string) engine.Outcome {
	t.Helper()
	for range 100 {
		out, err := e.Resume(context.Background(), id)
		require.NoError(t, err)
		if out.Kind != engine.OutcomeSuspended {
			return out
		}
	}
	t.Fatalf("instance %s did not terminate", id)
	return engine.Outcome{}
}

func TestResumeAdvancesOneActivityPerCall(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	e := newManualEngine(t, inmem.New(), clock)
	c := &calls{}
	require.NoError(t, e.RegisterActivity(ctx, echoActivity("a", c, engine.ActivityOptions{})))
	require.NoError(t, e.RegisterActivity(ctx, echoActivity("b", c, engine.ActivityOptions{})))
	require.NoError(t, e.RegisterWorkflow(ctx, engine.NewWorkflow("wf", func(wctx engine.WorkflowContext, in string) (string, error) {
		a, err := engine.ExecuteActivity[string](wctx, "a", in)
		if err != nil {
			return "", err
		}
		at := wctx.Now()
		b, err := engine.ExecuteActivity[string](wctx, "b", a)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s@%d", b, at.Unix()), nil
	})))

	id, err := e.StartInstance(ctx, engine.StartRequest{Workflow: "wf", Input: "x"})
	require.NoError(t, err)

	out, err := e.Resume(ctx, id)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomeSuspended, out.Kind)
	require.Equal(t, &engine.Awaiting{Ordinal: 0, Kind: history.EventActivity, Name: "a"}, out.Awaiting)
	assert.Equal(t, 1, c.get("a"))
	assert.Equal(t, 0, c.get("b"))

	out, err = e.Resume(ctx, id)
	require.NoError(t, err)
	require.Equal(t, &engine.Awaiting{Ordinal: 2, Kind: history.EventActivity, Name: "b"}, out.Awaiting)

	out, err = e.Resume(ctx, id)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomeCompleted, out.Kind)
	assert.JSONEq(t, fmt.Sprintf(`"b:a:x@%d"`, clock.Now().Unix()), string(out.Result))
	assert.Equal(t, 1, c.get("a"))
	assert.Equal(t, 1, c.get("b"))

	inst, err := e.Instance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, history.StatusCompleted, inst.Status)
	require.Len(t, inst.History, 3)
	assert.Equal(t, history.EventNow, inst.History[1].Kind)
	for _, ev := range inst.History {
		assert.Equal(t, history.StateResolved, ev.State)
	}

	// Resuming a terminal instance is a no-op.
	out, err = e.Resume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeCompleted, out.Kind)
	assert.Equal(t, 1, c.get("b"))
}

func TestTransientErrorsAreRetried(t *testing.T) {
	ctx := context.Background()
	e := newManualEngine(t, inmem.New(), newFakeClock())
	attempts := 0
	require.NoError(t, e.RegisterActivity(ctx, engine.NewActivity("flaky", engine.ActivityOptions{},
		func(context.Context, string) (string, error) {
			attempts++
			if attempts < 3 {
				return "", engine.Errorf(engine.KindTransient, "503")
			}
			return "ok", nil
		})))
	require.NoError(t, e.RegisterWorkflow(ctx, engine.NewWorkflow("wf", func(wctx engine.WorkflowContext, _ string) (string, error) {
		return engine.ExecuteActivity[string](wctx, "flaky", "")
	})))
	id, err := e.StartInstance(ctx, engine.StartRequest{Workflow: "wf"})
	require.NoError(t, err)

	out := drain(t, e, id)
	require.Equal(t, engine.OutcomeCompleted, out.Kind)
	inst, err := e.Instance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, inst.History[0].Attempts)
}

func TestExhaustedRetriesSurfaceToWorkflow(t *testing.T) {
	ctx := context.Background()
	e := newManualEngine(t, inmem.New(), newFakeClock())
	attempts := 0
	require.NoError(t, e.RegisterActivity(ctx, engine.NewActivity("down", engine.ActivityOptions{},
		func(context.Context, string) (string, error) {
			attempts++
			return "", engine.Errorf(engine.KindTransient, "service unavailable")
		})))
	var seen error
	require.NoError(t, e.RegisterWorkflow(ctx, engine.NewWorkflow("wf", func(wctx engine.WorkflowContext, _ string) (string, error) {
		_, err := engine.ExecuteActivity[string](wctx, "down", "")
		seen = err
		return "", err
	})))
	id, err := e.StartInstance(ctx, engine.StartRequest{Workflow: "wf"})
	require.NoError(t, err)

	out := drain(t, e, id)
	require.Equal(t, engine.OutcomeFailed, out.Kind)
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, seen, engine.ErrTransient)
	assert.ErrorIs(t, out.Err, engine.ErrTransient)
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	ctx := context.Background()
	e := newManualEngine(t, inmem.New(), newFakeClock())
	attempts := 0
	require.NoError(t, e.RegisterActivity(ctx, engine.NewActivity("lookup", engine.ActivityOptions{},
		func(context.Context, string) (string, error) {
			attempts++
			return "", engine.Errorf(engine.KindNotFound, "run r1 not found")
		})))
	require.NoError(t, e.RegisterWorkflow(ctx, engine.NewWorkflow("wf", func(wctx engine.WorkflowContext, _ string) (string, error) {
		_, err := engine.ExecuteActivity[string](wctx, "lookup", "")
		if errors.Is(err, engine.ErrNotFound) {
			return "handled", nil
		}
		return "", err
	})))
	id, err := e.StartInstance(ctx, engine.StartRequest{Workflow: "wf"})
	require.NoError(t, err)

	out := drain(t, e, id)
	require.Equal(t, engine.OutcomeCompleted, out.Kind)
	assert.JSONEq(t, `"handled"`, string(out.Result))
	assert.Equal(t, 1, attempts)
}

func TestWorkflowPanicFailsImmediately(t *testing.T) {
	ctx := context.Background()
	e := newManualEngine(t, inmem.New(), newFakeClock())
	require.NoError(t, e.RegisterWorkflow(ctx, engine.NewWorkflow("wf", func(engine.WorkflowContext, string) (string, error) {
		panic("boom")
	})))
	id, err := e.StartInstance(ctx, engine.StartRequest{Workflow: "wf"})
	require.NoError(t, err)

	out, err := e.Resume(ctx, id)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomeFailed, out.Kind)
	assert.Equal(t, engine.KindInternal, out.Err.Kind)
	assert.Contains(t, out.Err.Error(), "boom")
}

func TestActivityPanicIsRecordedAsFailure(t *testing.T) {
	ctx := context.Background()
	e := newManualEngine(t, inmem.New(), newFakeClock())
	require.NoError(t, e.RegisterActivity(ctx, engine.NewActivity("explode", engine.ActivityOptions{},
		func(context.Context, string) (string, error) { panic("kaboom") })))
	require.NoError(t, e.RegisterWorkflow(ctx, engine.NewWorkflow("wf", func(wctx engine.WorkflowContext, _ string) (string, error) {
		return engine.ExecuteActivity[string](wctx, "explode", "")
	})))
	id, err := e.StartInstance(ctx, engine.StartRequest{Workflow: "wf"})
	require.NoError(t, err)

	out := drain(t, e, id)
	require.Equal(t, engine.OutcomeFailed, out.Kind)
	assert.Equal(t, engine.KindInternal, out.Err.Kind)
}

func TestNondeterministicReplayFails(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	e := newManualEngine(t, store, newFakeClock())
	c := &calls{}
	require.NoError(t, e.RegisterActivity(ctx, echoActivity("a", c, engine.ActivityOptions{})))
	require.NoError(t, e.RegisterActivity(ctx, echoActivity("b", c, engine.ActivityOptions{})))
	first := true
	require.NoError(t, e.RegisterWorkflow(ctx, engine.NewWorkflow("wf", func(wctx engine.WorkflowContext, _ string) (string, error) {
		name := "a"
		if !first {
			name = "b"
		}
		first = false
		return engine.ExecuteActivity[string](wctx, name, "")
	})))
	id, err := e.StartInstance(ctx, engine.StartRequest{Workflow: "wf"})
	require.NoError(t, err)

	out, err := e.Resume(ctx, id)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomeSuspended, out.Kind)

	out, err = e.Resume(ctx, id)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomeFailed, out.Kind)
	assert.ErrorIs(t, out.Err, engine.ErrNondeterminism)
	assert.Equal(t, 0, c.get("b"))
}

func TestInDoubtCalls(t *testing.T) {
	for _, idempotent := range []bool{false, true} {
		t.Run(fmt.Sprintf("idempotent=%v", idempotent), func(t *testing.T) {
			ctx := context.Background()
			store := inmem.New()
			e := newManualEngine(t, store, newFakeClock())
			c := &calls{}
			require.NoError(t, e.RegisterActivity(ctx, echoActivity("send", c, engine.ActivityOptions{Idempotent: idempotent})))
			require.NoError(t, e.RegisterWorkflow(ctx, engine.NewWorkflow("wf", func(wctx engine.WorkflowContext, _ string) (string, error) {
				return engine.ExecuteActivity[string](wctx, "send", "m")
			})))
			id, err := e.StartInstance(ctx, engine.StartRequest{Workflow: "wf"})
			require.NoError(t, err)

			// Simulate a crash after the scheduled event was persisted.
			inst, err := store.Load(ctx, id)
			require.NoError(t, err)
			inst.Status = history.StatusRunning
			inst.History = []history.Event{{Ordinal: 0, Kind: history.EventActivity, Name: "send", Input: []byte(`"m"`), State: history.StateScheduled, Attempts: 1}}
			require.NoError(t, store.Save(ctx, inst))

			out := drain(t, e, id)
			if idempotent {
				require.Equal(t, engine.OutcomeCompleted, out.Kind)
				assert.Equal(t, 1, c.get("send"))
				inst, err = store.Load(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, 2, inst.History[0].Attempts)
				return
			}
			require.Equal(t, engine.OutcomeFailed, out.Kind)
			assert.ErrorIs(t, out.Err, engine.ErrInDoubt)
			assert.Equal(t, 0, c.get("send"))
			inst, err = store.Load(ctx, id)
			require.NoError(t, err)
			require.Len(t, inst.History, 1)
			assert.Equal(t, history.StateResolved, inst.History[0].State)
			require.NotNil(t, inst.History[0].Error)
			assert.Equal(t, string(engine.KindInDoubt), inst.History[0].Error.Kind)
		})
	}
}

func TestDurableTimer(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	e := newManualEngine(t, inmem.New(), clock)
	c := &calls{}
	require.NoError(t, e.RegisterActivity(ctx, echoActivity("poll", c, engine.ActivityOptions{})))
	require.NoError(t, e.RegisterWorkflow(ctx, engine.NewWorkflow("wf", func(wctx engine.WorkflowContext, _ string) (string, error) {
		wctx.Sleep(10 * time.Second)
		return engine.ExecuteActivity[string](wctx, "poll", "")
	})))
	id, err := e.StartInstance(ctx, engine.StartRequest{Workflow: "wf"})
	require.NoError(t, err)
	start := clock.Now()

	out, err := e.Resume(ctx, id)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomeSuspended, out.Kind)
	require.Equal(t, history.EventTimer, out.Awaiting.Kind)
	assert.Equal(t, start.Add(10*time.Second), out.ResumeAt)

	clock.Advance(5 * time.Second)
	out, err = e.Resume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, start.Add(10*time.Second), out.ResumeAt)
	assert.Equal(t, 0, c.get("poll"))

	clock.Advance(5 * time.Second)
	out = drain(t, e, id)
	require.Equal(t, engine.OutcomeCompleted, out.Kind)
	assert.Equal(t, 1, c.get("poll"))

	inst, err := e.Instance(ctx, id)
	require.NoError(t, err)
	timer := inst.History[0]
	require.Equal(t, history.EventTimer, timer.Kind)
	assert.WithinDuration(t, start, timer.RecordedAt, 0)
	assert.WithinDuration(t, start.Add(10*time.Second), timer.ResolvedAt, 0)
	assert.Equal(t, 10*time.Second, timer.FireAt.Sub(timer.RecordedAt))
}

func TestCancelRunningInstance(t *testing.T) {
	ctx := context.Background()
	e := newManualEngine(t, inmem.New(), newFakeClock())
	c := &calls{}
	require.NoError(t, e.RegisterActivity(ctx, echoActivity("submit", c, engine.ActivityOptions{})))
	require.NoError(t, e.RegisterActivity(ctx, echoActivity("poll", c, engine.ActivityOptions{})))
	require.NoError(t, e.RegisterWorkflow(ctx, engine.NewWorkflow("wf", func(wctx engine.WorkflowContext, _ string) (string, error) {
		if _, err := engine.ExecuteActivity[string](wctx, "submit", ""); err != nil {
			return "", err
		}
		return engine.ExecuteActivity[string](wctx, "poll", "")
	})))
	id, err := e.StartInstance(ctx, engine.StartRequest{Workflow: "wf"})
	require.NoError(t, err)

	_, err = e.Resume(ctx, id)
	require.NoError(t, err)
	require.NoError(t, e.Cancel(ctx, id))

	out, err := e.Resume(ctx, id)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomeFailed, out.Kind)
	assert.ErrorIs(t, out.Err, engine.ErrCancelled)
	assert.Equal(t, 1, c.get("submit"))
	assert.Equal(t, 0, c.get("poll"))

	// Cancelling a terminal instance is a no-op.
	require.NoError(t, e.Cancel(ctx, id))
}

func TestSerialKeyOrdering(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	e := newManualEngine(t, store, newFakeClock())
	c := &calls{}
	require.NoError(t, e.RegisterActivity(ctx, echoActivity("a", c, engine.ActivityOptions{})))
	require.NoError(t, e.RegisterWorkflow(ctx, engine.NewWorkflow("wf", func(wctx engine.WorkflowContext, in string) (string, error) {
		return engine.ExecuteActivity[string](wctx, "a", in)
	})))

	first, err := e.StartInstance(ctx, engine.StartRequest{Workflow: "wf", Input: "1", SerialKey: "u1"})
	require.NoError(t, err)
	second, err := e.StartInstance(ctx, engine.StartRequest{Workflow: "wf", Input: "2", SerialKey: "u1"})
	require.NoError(t, err)
	third, err := e.StartInstance(ctx, engine.StartRequest{Workflow: "wf", Input: "3", SerialKey: "u1"})
	require.NoError(t, err)
	other, err := e.StartInstance(ctx, engine.StartRequest{Workflow: "wf", Input: "x", SerialKey: "u2"})
	require.NoError(t, err)

	out, err := e.Resume(ctx, second)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomeSuspended, out.Kind)
	require.Nil(t, out.Awaiting)
	inst, err := e.Instance(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, history.StatusPending, inst.Status)

	// Other users are not blocked.
	require.Equal(t, engine.OutcomeCompleted, drain(t, e, other).Kind)

	// A queued instance that never ran is cancelled immediately.
	require.NoError(t, e.Cancel(ctx, third))
	inst, err = e.Instance(ctx, third)
	require.NoError(t, err)
	assert.Equal(t, history.StatusFailed, inst.Status)
	assert.Equal(t, string(engine.KindCancelled), inst.Error.Kind)

	require.Equal(t, engine.OutcomeCompleted, drain(t, e, first).Kind)
	require.Equal(t, engine.OutcomeCompleted, drain(t, e, second).Kind)
	assert.Equal(t, 3, c.get("a"))
}

// conflictOnce makes the first Save after arm() fail as if a concurrent
// writer bumped the version, by performing that write itself.
type conflictOnce struct {
	history.Store
	mu    sync.Mutex
	armed bool
}

func (s *conflictOnce) arm() {
	s.mu.Lock()
	s.armed = true
	s.mu.Unlock()
}

func (s *conflictOnce) Save(ctx context.Context, inst *history.Instance) error {
	s.mu.Lock()
	armed := s.armed
	s.armed = false
	s.mu.Unlock()
	if armed {
		cur, err := s.Store.Load(ctx, inst.ID)
		if err != nil {
			return err
		}
		cur.CancelRequested = true
		if err := s.Store.Save(ctx, cur); err != nil {
			return err
		}
	}
	return s.Store.Save(ctx, inst)
}

func TestActivityResultMergedAfterConflict(t *testing.T) {
	ctx := context.Background()
	store := &conflictOnce{Store: inmem.New()}
	e := newManualEngine(t, store, newFakeClock())
	c := &calls{}
	require.NoError(t, e.RegisterActivity(ctx, engine.NewActivity("deliver", engine.ActivityOptions{},
		func(context.Context, string) (string, error) {
			c.inc("deliver")
			store.arm()
			return "sent", nil
		})))
	require.NoError(t, e.RegisterWorkflow(ctx, engine.NewWorkflow("wf", func(wctx engine.WorkflowContext, _ string) (string, error) {
		return engine.ExecuteActivity[string](wctx, "deliver", "")
	})))
	id, err := e.StartInstance(ctx, engine.StartRequest{Workflow: "wf"})
	require.NoError(t, err)

	out, err := e.Resume(ctx, id)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomeSuspended, out.Kind)

	inst, err := e.Instance(ctx, id)
	require.NoError(t, err)
	require.True(t, inst.CancelRequested)
	require.Equal(t, history.StateResolved, inst.History[0].State)
	assert.JSONEq(t, `"sent"`, string(inst.History[0].Result))

	// The concurrent cancel wins at the next step; the call is not repeated.
	out, err = e.Resume(ctx, id)
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, engine.ErrCancelled)
	assert.Equal(t, 1, c.get("deliver"))
}

func TestStartInstanceValidation(t *testing.T) {
	ctx := context.Background()
	e := newManualEngine(t, inmem.New(), newFakeClock())
	_, err := e.StartInstance(ctx, engine.StartRequest{Workflow: "missing"})
	assert.ErrorIs(t, err, engine.ErrBadRequest)

	require.NoError(t, e.RegisterWorkflow(ctx, engine.NewWorkflow("wf", func(engine.WorkflowContext, string) (string, error) {
		return "", nil
	})))
	require.Error(t, e.RegisterWorkflow(ctx, engine.NewWorkflow("wf", func(engine.WorkflowContext, string) (string, error) {
		return "", nil
	})))
	_, err = e.StartInstance(ctx, engine.StartRequest{ID: "dup", Workflow: "wf"})
	require.NoError(t, err)
	_, err = e.StartInstance(ctx, engine.StartRequest{ID: "dup", Workflow: "wf"})
	assert.ErrorIs(t, err, engine.ErrBadRequest)

	_, err = e.Resume(ctx, "unknown")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}
