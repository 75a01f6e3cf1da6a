package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/relay/runtime/relay/engine"
	"goa.design/relay/runtime/relay/history"
	"goa.design/relay/runtime/relay/retry"
)

// errInterrupted reports an activity retry loop abandoned because the step
// context ended between attempts. The call stays scheduled.
var errInterrupted = errors.New("activity retries interrupted")

// step advances the instance by one suspend point. Errors wrapping
// history.ErrConflict are safe to retry from a fresh read.
func (e *Engine) step(ctx context.Context, id string) (engine.Outcome, error) {
	inst, err := e.load(ctx, id)
	if err != nil {
		return engine.Outcome{}, err
	}
	if inst.Terminal() {
		e.finished(ctx, inst)
		return terminalOutcome(inst), nil
	}
	if inst.CancelRequested {
		return e.fail(ctx, inst, engine.Errorf(engine.KindCancelled, "instance cancelled"))
	}
	promoted := false
	if inst.Status == history.StatusPending {
		if e.blocked(inst) {
			return engine.Outcome{Kind: engine.OutcomeSuspended}, nil
		}
		inst.Status = history.StatusRunning
		promoted = true
	}
	def, ok := e.workflow(inst.Workflow)
	if !ok {
		return engine.Outcome{}, engine.Errorf(engine.KindInternal, "workflow %q not registered", inst.Workflow)
	}

	wc := newWorkflowContext(ctx, e, inst)
	wc.dirty = promoted
	res := wc.run(def.Handler)

	switch {
	case wc.halt != nil:
		return e.fail(ctx, inst, wc.halt)
	case wc.call != nil:
		return e.call(ctx, inst, wc)
	case wc.timer != nil:
		if wc.dirty {
			if err := e.store.Save(ctx, inst); err != nil {
				return engine.Outcome{}, err
			}
		}
		aw := &engine.Awaiting{Ordinal: wc.timer.Ordinal, Kind: history.EventTimer}
		if aw.Ordinal >= wc.replayLen {
			e.publish(ctx, engine.LifecycleEvent{
				Type:       engine.LifecycleSuspended,
				InstanceID: inst.ID,
				Workflow:   inst.Workflow,
				SerialKey:  inst.SerialKey,
				Ordinal:    aw.Ordinal,
			})
		}
		return engine.Outcome{Kind: engine.OutcomeSuspended, Awaiting: aw, ResumeAt: wc.timer.FireAt}, nil
	case res.err != nil:
		return e.fail(ctx, inst, asEngineError(res.err))
	}
	if wc.ordinal < len(inst.History) {
		return e.fail(ctx, inst, engine.Errorf(engine.KindNondeterminism,
			"workflow returned after %d suspend points, history holds %d", wc.ordinal, len(inst.History)))
	}
	return e.complete(ctx, inst, res.value)
}

// call records a scheduled activity, performs it and records its outcome.
func (e *Engine) call(ctx context.Context, inst *history.Instance, wc *workflowContext) (engine.Outcome, error) {
	pc := wc.call
	if !pc.reissue {
		inst.History = append(inst.History, history.Event{
			Ordinal:    pc.ordinal,
			Kind:       history.EventActivity,
			Name:       pc.def.Name,
			Input:      pc.input,
			State:      history.StateScheduled,
			RecordedAt: e.clock().UTC(),
		})
	}
	if !pc.reissue || wc.dirty {
		if err := e.store.Save(ctx, inst); err != nil {
			return engine.Outcome{}, err
		}
	}
	if pc.reissue {
		e.logger.Warn(ctx, "reissuing unresolved idempotent activity", "instance", inst.ID, "activity", pc.def.Name, "ordinal", pc.ordinal)
	}

	result, attempts, callErr := e.invoke(ctx, inst, pc)
	if errors.Is(callErr, errInterrupted) {
		return engine.Outcome{}, engine.Wrap(engine.KindCancelled, "activity "+pc.def.Name, ctx.Err())
	}
	now := e.clock().UTC()
	resolve := func(target *history.Instance) bool {
		if pc.ordinal >= len(target.History) {
			return false
		}
		ev := &target.History[pc.ordinal]
		if ev.Kind != history.EventActivity || ev.Name != pc.def.Name || ev.State != history.StateScheduled {
			return false
		}
		ev.Result = result
		ev.Error = engine.ToCallError(callErr)
		ev.State = history.StateResolved
		ev.Attempts += attempts
		ev.ResolvedAt = now
		return true
	}
	resolve(inst)

	// The call happened: record it even if the caller is going away.
	saveCtx := context.WithoutCancel(ctx)
	if err := e.store.Save(saveCtx, inst); err != nil {
		if !errors.Is(err, history.ErrConflict) {
			return engine.Outcome{}, fmt.Errorf("record %s result: %w", pc.def.Name, err)
		}
		fresh, lerr := e.store.Load(saveCtx, inst.ID)
		if lerr != nil {
			return engine.Outcome{}, fmt.Errorf("reload after conflict: %w", lerr)
		}
		if !resolve(fresh) {
			return engine.Outcome{}, engine.Errorf(engine.KindPersistenceConflict,
				"record %s result: ordinal %d changed concurrently", pc.def.Name, pc.ordinal)
		}
		if err := e.store.Save(saveCtx, fresh); err != nil {
			if errors.Is(err, history.ErrConflict) {
				return engine.Outcome{}, engine.Errorf(engine.KindPersistenceConflict,
					"record %s result: %v", pc.def.Name, err)
			}
			return engine.Outcome{}, fmt.Errorf("record %s result: %w", pc.def.Name, err)
		}
	}

	ev := engine.LifecycleEvent{
		Type:       engine.LifecycleActivity,
		InstanceID: inst.ID,
		Workflow:   inst.Workflow,
		SerialKey:  inst.SerialKey,
		Ordinal:    pc.ordinal,
		Activity:   pc.def.Name,
	}
	if callErr != nil {
		ev.Error = asEngineError(callErr)
	}
	e.publish(ctx, ev)
	return engine.Outcome{
		Kind:     engine.OutcomeSuspended,
		Awaiting: &engine.Awaiting{Ordinal: pc.ordinal, Kind: history.EventActivity, Name: pc.def.Name},
	}, nil
}

// invoke runs the activity with retries. Attempts run on a context that
// ignores cancellation of ctx so a started call always completes; ctx only
// interrupts the wait between attempts.
func (e *Engine) invoke(ctx context.Context, inst *history.Instance, pc *pendingCall) (json.RawMessage, int, error) {
	callCtx := context.WithoutCancel(ctx)
	cfg := e.retryConfig(pc.def.Options.RetryPolicy)
	var (
		out      any
		attempts int
	)
	err := retry.Do(ctx, cfg, func(_ context.Context, attempt int) error {
		attempts = attempt
		res, err := e.attempt(callCtx, inst, pc, attempt)
		if err == nil {
			out = res
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, attempts, errInterrupted
		}
		e.metrics.IncCounter("relay.activity.failures", 1, "activity", pc.def.Name, "kind", string(engine.KindOf(err)))
		e.logger.Warn(ctx, "activity failed", "instance", inst.ID, "activity", pc.def.Name, "attempts", attempts, "err", err)
		return nil, attempts, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, attempts, engine.Wrap(engine.KindInternal, "encode "+pc.def.Name+" result", err)
	}
	return raw, attempts, nil
}

func (e *Engine) attempt(ctx context.Context, inst *history.Instance, pc *pendingCall, attempt int) (res any, err error) {
	ctx = engine.WithActivityInfo(ctx, engine.ActivityInfo{
		InstanceID: inst.ID,
		Activity:   pc.def.Name,
		Ordinal:    pc.ordinal,
		Attempt:    attempt,
	})
	if t := pc.def.Options.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	ctx, span := e.tracer.Start(ctx, "relay.activity", trace.WithAttributes(
		attribute.String("relay.instance_id", inst.ID),
		attribute.String("relay.activity", pc.def.Name),
		attribute.Int("relay.ordinal", pc.ordinal),
		attribute.Int("relay.attempt", attempt),
	))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = engine.Errorf(engine.KindInternal, "activity %s panicked: %v", pc.def.Name, r)
		}
		e.metrics.IncCounter("relay.activity.attempts", 1, "activity", pc.def.Name)
		e.metrics.RecordTimer("relay.activity.duration", time.Since(start), "activity", pc.def.Name)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()
	return pc.def.Handler(ctx, pc.input)
}

func (e *Engine) complete(ctx context.Context, inst *history.Instance, value any) (engine.Outcome, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return e.fail(ctx, inst, engine.Wrap(engine.KindInternal, "encode workflow result", err))
	}
	inst.Status = history.StatusCompleted
	inst.Result = raw
	if err := e.store.Save(ctx, inst); err != nil {
		return engine.Outcome{}, err
	}
	e.metrics.IncCounter("relay.instances.completed", 1, "workflow", inst.Workflow)
	e.logger.Info(ctx, "instance completed", "instance", inst.ID, "workflow", inst.Workflow, "suspend_points", len(inst.History))
	e.publish(ctx, engine.LifecycleEvent{
		Type:       engine.LifecycleCompleted,
		InstanceID: inst.ID,
		Workflow:   inst.Workflow,
		SerialKey:  inst.SerialKey,
	})
	e.finished(ctx, inst)
	return engine.Outcome{Kind: engine.OutcomeCompleted, Result: raw}, nil
}

func (e *Engine) fail(ctx context.Context, inst *history.Instance, ferr *engine.Error) (engine.Outcome, error) {
	inst.Status = history.StatusFailed
	inst.Error = engine.ToCallError(ferr)
	if err := e.store.Save(ctx, inst); err != nil {
		return engine.Outcome{}, err
	}
	e.metrics.IncCounter("relay.instances.failed", 1, "workflow", inst.Workflow, "kind", string(ferr.Kind))
	e.logger.Error(ctx, "instance failed", "instance", inst.ID, "workflow", inst.Workflow, "kind", string(ferr.Kind), "err", ferr)
	e.publish(ctx, engine.LifecycleEvent{
		Type:       engine.LifecycleFailed,
		InstanceID: inst.ID,
		Workflow:   inst.Workflow,
		SerialKey:  inst.SerialKey,
		Error:      ferr,
	})
	e.finished(ctx, inst)
	return engine.Outcome{Kind: engine.OutcomeFailed, Err: ferr}, nil
}

func terminalOutcome(inst *history.Instance) engine.Outcome {
	if inst.Status == history.StatusCompleted {
		return engine.Outcome{Kind: engine.OutcomeCompleted, Result: inst.Result}
	}
	return engine.Outcome{Kind: engine.OutcomeFailed, Err: engine.FromCallError(inst.Error)}
}

// asEngineError returns err as an *engine.Error keeping its full message.
func asEngineError(err error) *engine.Error {
	if ee, ok := err.(*engine.Error); ok {
		return ee
	}
	return &engine.Error{Kind: engine.KindOf(err), Message: err.Error(), Err: err}
}
