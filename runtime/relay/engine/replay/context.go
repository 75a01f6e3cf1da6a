package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/relay/runtime/relay/engine"
	"goa.design/relay/runtime/relay/history"
	"goa.design/relay/runtime/relay/telemetry"
)

type (
	// workflowContext implements engine.WorkflowContext for one step. It
	// walks the instance history ordinal by ordinal and stops the workflow,
	// by panicking with suspendSignal, at the first suspend point that
	// requires real work.
	workflowContext struct {
		ctx       context.Context
		eng       *Engine
		inst      *history.Instance
		ordinal   int
		replayLen int
		dirty     bool

		call  *pendingCall
		timer *history.Event
		halt  *engine.Error
	}

	// pendingCall is the activity call a step must perform.
	pendingCall struct {
		ordinal int
		def     engine.ActivityDefinition
		input   json.RawMessage
		reissue bool
	}

	// suspendSignal unwinds the workflow goroutine at a suspend point.
	suspendSignal struct{}

	runResult struct {
		value any
		err   error
	}

	replayLogger struct {
		wc    *workflowContext
		inner telemetry.Logger
	}
)

var _ engine.WorkflowContext = (*workflowContext)(nil)

func newWorkflowContext(ctx context.Context, e *Engine, inst *history.Instance) *workflowContext {
	return &workflowContext{
		ctx:       ctx,
		eng:       e,
		inst:      inst,
		replayLen: len(inst.History),
	}
}

// run executes the workflow until it returns or suspends. Panics other than
// suspendSignal fail the instance.
func (wc *workflowContext) run(fn engine.WorkflowFunc) (res runResult) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if _, ok := r.(suspendSignal); ok {
			return
		}
		wc.halt = engine.Errorf(engine.KindInternal, "workflow panicked: %v", r)
	}()
	v, err := fn(wc, wc.inst.Input)
	return runResult{value: v, err: err}
}

func (wc *workflowContext) Context() context.Context { return wc.ctx }

func (wc *workflowContext) InstanceID() string { return wc.inst.ID }

func (wc *workflowContext) IsReplaying() bool { return wc.ordinal < wc.replayLen }

func (wc *workflowContext) Logger() telemetry.Logger {
	return replayLogger{wc: wc, inner: wc.eng.logger}
}

func (wc *workflowContext) ExecuteActivity(name string, input any) (json.RawMessage, error) {
	ord := wc.next()
	def, registered := wc.eng.activity(name)
	if ord < len(wc.inst.History) {
		ev := wc.expect(ord, history.EventActivity, name)
		if ev.State == history.StateResolved {
			if ev.Error != nil {
				return nil, engine.FromCallError(ev.Error)
			}
			return ev.Result, nil
		}
		if !registered {
			wc.stop(engine.Errorf(engine.KindInternal, "activity %q not registered", name))
		}
		if !def.Options.Idempotent {
			// Record the call as in doubt and let the workflow decide what
			// to do with it; it is never reissued.
			err := engine.Errorf(engine.KindInDoubt,
				"activity %s at ordinal %d was started but never recorded a result", name, ord)
			ev.Error = engine.ToCallError(err)
			ev.State = history.StateResolved
			ev.ResolvedAt = wc.eng.clock().UTC()
			wc.dirty = true
			return nil, err
		}
		wc.call = &pendingCall{ordinal: ord, def: def, input: ev.Input, reissue: true}
		panic(suspendSignal{})
	}
	if !registered {
		wc.stop(engine.Errorf(engine.KindInternal, "activity %q not registered", name))
	}
	raw, err := json.Marshal(input)
	if err != nil {
		wc.stop(engine.Wrap(engine.KindInternal, "encode "+name+" input", err))
	}
	wc.call = &pendingCall{ordinal: ord, def: def, input: raw}
	panic(suspendSignal{})
}

func (wc *workflowContext) Now() time.Time {
	ord := wc.next()
	if ord < len(wc.inst.History) {
		ev := wc.expect(ord, history.EventNow, "")
		var t time.Time
		if err := json.Unmarshal(ev.Result, &t); err != nil {
			wc.stop(engine.Wrap(engine.KindNondeterminism, fmt.Sprintf("decode clock at ordinal %d", ord), err))
		}
		return t
	}
	t := wc.eng.clock().UTC()
	raw, _ := json.Marshal(t)
	wc.inst.History = append(wc.inst.History, history.Event{
		Ordinal:    ord,
		Kind:       history.EventNow,
		Result:     raw,
		State:      history.StateResolved,
		RecordedAt: t,
		ResolvedAt: t,
	})
	wc.dirty = true
	return t
}

func (wc *workflowContext) Sleep(d time.Duration) {
	ord := wc.next()
	now := wc.eng.clock().UTC()
	if ord < len(wc.inst.History) {
		ev := wc.expect(ord, history.EventTimer, "")
		if ev.State == history.StateResolved {
			return
		}
		if !now.Before(ev.FireAt) {
			ev.State = history.StateResolved
			ev.ResolvedAt = now
			wc.dirty = true
			return
		}
		wc.timer = ev
		panic(suspendSignal{})
	}
	ev := history.Event{
		Ordinal:    ord,
		Kind:       history.EventTimer,
		FireAt:     now.Add(d),
		State:      history.StateScheduled,
		RecordedAt: now,
	}
	if d <= 0 {
		ev.State = history.StateResolved
		ev.ResolvedAt = now
	}
	wc.inst.History = append(wc.inst.History, ev)
	wc.dirty = true
	if ev.State == history.StateResolved {
		return
	}
	wc.timer = &wc.inst.History[len(wc.inst.History)-1]
	panic(suspendSignal{})
}

func (wc *workflowContext) next() int {
	ord := wc.ordinal
	wc.ordinal++
	return ord
}

// expect returns the recorded event at ord, halting with a nondeterminism
// failure when it does not match the suspend point being replayed.
func (wc *workflowContext) expect(ord int, kind history.EventKind, name string) *history.Event {
	ev := &wc.inst.History[ord]
	if ev.Kind != kind || ev.Name != name {
		wc.stop(engine.Errorf(engine.KindNondeterminism,
			"ordinal %d: history recorded %s %q, workflow requested %s %q", ord, ev.Kind, ev.Name, kind, name))
	}
	return ev
}

func (wc *workflowContext) stop(err *engine.Error) {
	wc.halt = err
	panic(suspendSignal{})
}

func (l replayLogger) Debug(ctx context.Context, msg string, kv ...any) {
	if !l.wc.IsReplaying() {
		l.inner.Debug(ctx, msg, l.with(kv)...)
	}
}

func (l replayLogger) Info(ctx context.Context, msg string, kv ...any) {
	if !l.wc.IsReplaying() {
		l.inner.Info(ctx, msg, l.with(kv)...)
	}
}

func (l replayLogger) Warn(ctx context.Context, msg string, kv ...any) {
	if !l.wc.IsReplaying() {
		l.inner.Warn(ctx, msg, l.with(kv)...)
	}
}

func (l replayLogger) Error(ctx context.Context, msg string, kv ...any) {
	if !l.wc.IsReplaying() {
		l.inner.Error(ctx, msg, l.with(kv)...)
	}
}

func (l replayLogger) with(kv []any) []any {
	return append([]any{"instance", l.wc.inst.ID, "workflow", l.wc.inst.Workflow}, kv...)
}
