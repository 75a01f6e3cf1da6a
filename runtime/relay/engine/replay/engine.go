// Package replay implements engine.Engine as an interpreter over a durable,
// ordinal-indexed history log.
//
// Every Resume loads the instance, re-runs the workflow from the beginning and
// substitutes recorded results for suspend points already in history. At the
// first unrecorded suspend point the engine either records it inline (clock
// reads, fired timers) or performs it: a scheduled event is persisted before an
// activity is called and the resolved event after it returns, so a crash can
// never lose a completed side effect nor silently repeat one.
//
// Unless Options.Manual is set the engine drives instances itself: one driver
// goroutine per runnable instance calls Resume until the instance is terminal,
// honoring timer deadlines between steps. Instances sharing a serial key run
// one at a time in store sequence order; later ones stay pending.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"goa.design/relay/runtime/relay/engine"
	"goa.design/relay/runtime/relay/history"
	"goa.design/relay/runtime/relay/retry"
	"goa.design/relay/runtime/relay/telemetry"
)

const (
	// DefaultMaxConcurrent bounds concurrently executing steps.
	DefaultMaxConcurrent = 64

	waitPollInterval = 500 * time.Millisecond
)

type (
	// Options configures the engine.
	Options struct {
		// Store persists instances. Required.
		Store history.Store
		// Logger receives engine logs. Defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics records engine metrics. Defaults to a no-op recorder.
		Metrics telemetry.Metrics
		// Tracer creates activity spans. Defaults to a no-op tracer.
		Tracer telemetry.Tracer
		// Sink receives lifecycle events when set.
		Sink engine.Sink
		// Clock returns the current time. Defaults to time.Now.
		Clock func() time.Time
		// MaxConcurrent bounds the number of steps executing at once across
		// instances. Defaults to DefaultMaxConcurrent.
		MaxConcurrent int64
		// DefaultRetry fills in zero fields of activity retry policies.
		DefaultRetry engine.RetryPolicy
		// Manual disables background drivers. Callers advance instances with
		// Resume. Used by tests and external schedulers.
		Manual bool
	}

	// Engine is the replay engine.
	Engine struct {
		store        history.Store
		logger       telemetry.Logger
		metrics      telemetry.Metrics
		tracer       telemetry.Tracer
		sink         engine.Sink
		clock        func() time.Time
		sem          *semaphore.Weighted
		defaultRetry engine.RetryPolicy
		manual       bool

		runCtx context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup

		// startMu keeps store sequence order and queue order consistent for
		// instances sharing a serial key.
		startMu sync.Mutex

		mu         sync.Mutex
		closed     bool
		workflows  map[string]engine.WorkflowDefinition
		activities map[string]engine.ActivityDefinition
		locks      map[string]chan struct{}
		queues     map[string][]queued
		drivers    map[string]chan struct{}
		done       map[string]chan struct{}
	}

	queued struct {
		id  string
		seq int64
	}
)

var _ engine.Engine = (*Engine)(nil)

// New returns an engine backed by opts.Store.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("history store is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	dr := opts.DefaultRetry
	if dr.MaxAttempts <= 0 {
		dr.MaxAttempts = 5
	}
	if dr.InitialInterval <= 0 {
		dr.InitialInterval = time.Second
	}
	if dr.BackoffCoefficient < 1 {
		dr.BackoffCoefficient = 2
	}
	if dr.MaxInterval <= 0 {
		dr.MaxInterval = 30 * time.Second
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:        opts.Store,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		sink:         opts.Sink,
		clock:        opts.Clock,
		sem:          semaphore.NewWeighted(opts.MaxConcurrent),
		defaultRetry: dr,
		manual:       opts.Manual,
		runCtx:       runCtx,
		cancel:       cancel,
		workflows:    make(map[string]engine.WorkflowDefinition),
		activities:   make(map[string]engine.ActivityDefinition),
		locks:        make(map[string]chan struct{}),
		queues:       make(map[string][]queued),
		drivers:      make(map[string]chan struct{}),
		done:         make(map[string]chan struct{}),
	}, nil
}

// RegisterWorkflow implements engine.Engine.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterActivity implements engine.Engine.
func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("invalid activity definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.activities[def.Name]; dup {
		return fmt.Errorf("activity %q already registered", def.Name)
	}
	e.activities[def.Name] = def
	return nil
}

// StartInstance implements engine.Engine. The instance is created pending and
// becomes running once it reaches the head of its serial queue.
func (e *Engine) StartInstance(ctx context.Context, req engine.StartRequest) (string, error) {
	if _, ok := e.workflow(req.Workflow); !ok {
		return "", engine.Errorf(engine.KindBadRequest, "workflow %q not registered", req.Workflow)
	}
	input, err := json.Marshal(req.Input)
	if err != nil {
		return "", engine.Wrap(engine.KindBadRequest, "encode workflow input", err)
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	inst := &history.Instance{
		ID:        id,
		Workflow:  req.Workflow,
		Input:     input,
		SerialKey: req.SerialKey,
		Status:    history.StatusPending,
		CreatedAt: e.clock().UTC(),
	}
	if req.SerialKey != "" {
		e.startMu.Lock()
		defer e.startMu.Unlock()
	}
	if err := e.store.Create(ctx, inst); err != nil {
		if errors.Is(err, history.ErrExists) {
			return "", engine.Wrap(engine.KindBadRequest, "start instance", err)
		}
		return "", fmt.Errorf("create instance %s: %w", id, err)
	}
	e.metrics.IncCounter("relay.instances.started", 1, "workflow", req.Workflow)
	e.logger.Info(ctx, "instance started", "instance", id, "workflow", req.Workflow, "serial_key", req.SerialKey, "seq", inst.Seq)
	e.publish(ctx, engine.LifecycleEvent{
		Type:       engine.LifecycleStarted,
		InstanceID: id,
		Workflow:   req.Workflow,
		SerialKey:  req.SerialKey,
	})
	e.enqueue(inst)
	return id, nil
}

// Resume implements engine.Engine. A pending instance queued behind an
// earlier one is left untouched and reported suspended with a nil Awaiting.
// A stale write detected before any activity call is retried once against a
// fresh read; a second conflict surfaces as KindPersistenceConflict.
func (e *Engine) Resume(ctx context.Context, id string) (engine.Outcome, error) {
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return engine.Outcome{}, err
	}
	defer unlock()

	out, err := e.step(ctx, id)
	if errors.Is(err, history.ErrConflict) {
		e.logger.Debug(ctx, "instance version conflict, retrying with fresh read", "instance", id)
		out, err = e.step(ctx, id)
		if errors.Is(err, history.ErrConflict) {
			return engine.Outcome{}, engine.Wrap(engine.KindPersistenceConflict, "resume "+id, err)
		}
	}
	return out, err
}

// Cancel implements engine.Engine. A pending instance that never ran fails
// immediately; a running one fails at its next step.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	for range 2 {
		inst, err := e.load(ctx, id)
		if err != nil {
			return err
		}
		if inst.Terminal() {
			return nil
		}
		inst.CancelRequested = true
		immediate := inst.Status == history.StatusPending && e.blocked(inst)
		if immediate {
			inst.Status = history.StatusFailed
			inst.Error = engine.ToCallError(engine.Errorf(engine.KindCancelled, "instance cancelled"))
		}
		if err := e.store.Save(ctx, inst); err != nil {
			if errors.Is(err, history.ErrConflict) {
				continue
			}
			return fmt.Errorf("cancel instance %s: %w", id, err)
		}
		e.logger.Info(ctx, "instance cancel requested", "instance", id, "immediate", immediate)
		if immediate {
			e.finished(ctx, inst)
			return nil
		}
		e.wake(id)
		return nil
	}
	return engine.Errorf(engine.KindPersistenceConflict, "cancel instance %s: concurrent updates", id)
}

// Instance implements engine.Engine.
func (e *Engine) Instance(ctx context.Context, id string) (*history.Instance, error) {
	return e.load(ctx, id)
}

// Wait implements engine.Engine. Completion observed by this process wakes
// waiters immediately; the store is also polled so instances driven by other
// processes are observed too.
func (e *Engine) Wait(ctx context.Context, id string) (*history.Instance, error) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		done := e.doneChan(id)
		inst, err := e.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Terminal() {
			e.releaseDone(id)
			return inst, nil
		}
		select {
		case <-done:
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Recover re-drives every pending or running instance found in the store,
// rebuilding serial queues in sequence order. Call it once at startup after
// registering workflows and activities.
func (e *Engine) Recover(ctx context.Context) error {
	insts, err := e.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active instances: %w", err)
	}
	for _, inst := range insts {
		if _, ok := e.workflow(inst.Workflow); !ok {
			e.logger.Warn(ctx, "skipping instance of unregistered workflow", "instance", inst.ID, "workflow", inst.Workflow)
			continue
		}
		e.enqueue(inst)
	}
	e.logger.Info(ctx, "recovered instances", "count", len(insts))
	return nil
}

// Close stops the drivers and waits for in-flight steps to return or ctx to
// be done. Activity calls already started are allowed to finish and record
// their result.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
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

func (e *Engine) workflow(name string) (engine.WorkflowDefinition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.workflows[name]
	return def, ok
}

func (e *Engine) activity(name string) (engine.ActivityDefinition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.activities[name]
	return def, ok
}

func (e *Engine) load(ctx context.Context, id string) (*history.Instance, error) {
	inst, err := e.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return nil, engine.Wrap(engine.KindNotFound, "load instance "+id, err)
		}
		return nil, fmt.Errorf("load instance %s: %w", id, err)
	}
	return inst, nil
}

// lock serializes steps of one instance within this process.
func (e *Engine) lock(ctx context.Context, id string) (func(), error) {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = make(chan struct{}, 1)
		e.locks[id] = l
	}
	e.mu.Unlock()
	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) doneChan(id string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.done[id]
	if !ok {
		ch = make(chan struct{})
		e.done[id] = ch
	}
	return ch
}

// releaseDone wakes and forgets the waiters of a terminal instance.
func (e *Engine) releaseDone(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.done[id]; ok {
		close(ch)
		delete(e.done, id)
	}
}

func (e *Engine) publish(ctx context.Context, ev engine.LifecycleEvent) {
	if e.sink == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock().UTC()
	}
	if err := e.sink.Publish(ctx, ev); err != nil {
		e.logger.Warn(ctx, "lifecycle publish failed", "instance", ev.InstanceID, "type", string(ev.Type), "err", err)
	}
}

func (e *Engine) retryConfig(p engine.RetryPolicy) retry.Config {
	d := e.defaultRetry
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.BackoffCoefficient < 1 {
		p.BackoffCoefficient = d.BackoffCoefficient
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	return retry.Config{
		MaxAttempts:       p.MaxAttempts,
		InitialBackoff:    p.InitialInterval,
		MaxBackoff:        p.MaxInterval,
		BackoffMultiplier: p.BackoffCoefficient,
		Jitter:            0.1,
		Retryable:         retryable,
	}
}

// retryable retries transient engine errors and, for errors carrying no
// engine kind, whatever retry.IsRetryable accepts.
func retryable(err error) bool {
	var ee *engine.Error
	if errors.As(err, &ee) {
		return ee.Kind == engine.KindTransient
	}
	return retry.IsRetryable(err)
}
