package replay

import (
	"context"
	"sort"
	"time"

	"goa.design/relay/runtime/relay/engine"
	"goa.design/relay/runtime/relay/history"
	"goa.design/relay/runtime/relay/retry"
)

// driverBackoff spaces Resume retries after store or engine errors.
var driverBackoff = retry.Config{
	InitialBackoff:    time.Second,
	MaxBackoff:        30 * time.Second,
	BackoffMultiplier: 2,
	Jitter:            0.2,
}

// enqueue adds inst to its serial queue in sequence order and starts a
// driver when it is runnable.
func (e *Engine) enqueue(inst *history.Instance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if inst.SerialKey == "" {
		e.startDriver(inst.ID)
		return
	}
	q := e.queues[inst.SerialKey]
	for _, it := range q {
		if it.id == inst.ID {
			return
		}
	}
	q = append(q, queued{id: inst.ID, seq: inst.Seq})
	sort.SliceStable(q, func(i, j int) bool { return q[i].seq < q[j].seq })
	e.queues[inst.SerialKey] = q
	e.startDriver(q[0].id)
}

// blocked reports whether an earlier instance with the same serial key is
// still active in this process.
func (e *Engine) blocked(inst *history.Instance) bool {
	if inst.SerialKey == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.queues[inst.SerialKey]
	return len(q) > 0 && q[0].id != inst.ID
}

// finished releases resources held for a terminal instance, wakes waiters
// and starts the next instance of its serial queue.
func (e *Engine) finished(_ context.Context, inst *history.Instance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.done[inst.ID]; ok {
		close(ch)
		delete(e.done, inst.ID)
	}
	delete(e.locks, inst.ID)
	if inst.SerialKey == "" {
		return
	}
	q := e.queues[inst.SerialKey]
	for i, it := range q {
		if it.id == inst.ID {
			q = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(e.queues, inst.SerialKey)
		return
	}
	e.queues[inst.SerialKey] = q
	e.startDriver(q[0].id)
}

// startDriver starts the driver goroutine for id. e.mu must be held.
func (e *Engine) startDriver(id string) {
	if e.manual || e.closed {
		return
	}
	if _, running := e.drivers[id]; running {
		return
	}
	wake := make(chan struct{}, 1)
	e.drivers[id] = wake
	e.wg.Add(1)
	go e.drive(id, wake)
}

// wake interrupts the timer wait of the driver of id, if any.
func (e *Engine) wake(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.drivers[id]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// drive resumes id until it is terminal, the engine closes or the instance
// can no longer be driven by this process.
func (e *Engine) drive(id string, wake chan struct{}) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		if e.drivers[id] == wake {
			delete(e.drivers, id)
		}
		e.mu.Unlock()
	}()
	ctx := e.runCtx
	failures := 0
	for {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return
		}
		out, err := e.Resume(ctx, id)
		e.sem.Release(1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			switch engine.KindOf(err) {
			case engine.KindNotFound, engine.KindPersistenceConflict:
				e.logger.Error(ctx, "instance driver stopped", "instance", id, "err", err)
				e.forget(id)
				return
			}
			failures++
			e.logger.Warn(ctx, "resume failed, retrying", "instance", id, "failures", failures, "err", err)
			if !e.pause(ctx, wake, retry.Backoff(driverBackoff, failures)) {
				return
			}
			continue
		}
		failures = 0
		switch {
		case out.Kind != engine.OutcomeSuspended:
			return
		case out.Awaiting == nil:
			// Queued behind an earlier instance; finished restarts it.
			return
		case !out.ResumeAt.IsZero():
			if !e.pause(ctx, wake, out.ResumeAt.Sub(e.clock())) {
				return
			}
		}
	}
}

// pause waits for d, a wake signal or ctx. It returns false when ctx ended.
func (e *Engine) pause(ctx context.Context, wake <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-wake:
		return true
	case <-ctx.Done():
		return false
	}
}

// forget drops id from its serial queue without touching the store. Used
// when another process owns the instance.
func (e *Engine) forget(id string) {
	e.mu.Lock()
	var key string
	for k, q := range e.queues {
		for _, it := range q {
			if it.id == id {
				key = k
			}
		}
	}
	e.mu.Unlock()
	e.finished(context.Background(), &history.Instance{ID: id, SerialKey: key})
}
