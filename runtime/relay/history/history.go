// Package history defines the durable record of an orchestration instance: its
// input, lifecycle status and the ordinal-indexed log of suspend points the
// engine replays on every resume.
//
// The engine is the only writer of Instance.History. Stores persist instances
// verbatim and enforce optimistic concurrency through Instance.Version.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of an instance.
type Status string

const (
	// StatusPending marks an instance queued behind an earlier instance with the
	// same serial key.
	StatusPending Status = "pending"
	// StatusRunning marks an instance being driven by the engine.
	StatusRunning Status = "running"
	// StatusCompleted marks an instance whose workflow returned successfully.
	StatusCompleted Status = "completed"
	// StatusFailed marks an instance that failed permanently.
	StatusFailed Status = "failed"
)

// EventKind identifies the kind of suspend point recorded by an Event.
type EventKind string

const (
	// EventActivity records an activity call and its result.
	EventActivity EventKind = "activity"
	// EventNow records a workflow clock read.
	EventNow EventKind = "now"
	// EventTimer records a durable timer.
	EventTimer EventKind = "timer"
)

// EventState tracks whether a suspend point has resolved.
type EventState string

const (
	// StateScheduled marks an activity about to be called or a timer not yet
	// fired.
	StateScheduled EventState = "scheduled"
	// StateResolved marks a suspend point whose outcome is recorded.
	StateResolved EventState = "resolved"
)

var (
	// ErrNotFound indicates no instance exists with the given id.
	ErrNotFound = errors.New("instance not found")
	// ErrExists indicates Create was called with an id already in use.
	ErrExists = errors.New("instance already exists")
	// ErrConflict indicates Save was called with a stale version.
	ErrConflict = errors.New("instance version conflict")
)

type (
	// Instance is the durable state of one orchestration instance.
	Instance struct {
		// ID uniquely identifies the instance.
		ID string `json:"id" bson:"_id"`
		// Workflow is the registered workflow name.
		Workflow string `json:"workflow" bson:"workflow"`
		// Input is the JSON-encoded workflow input.
		Input json.RawMessage `json:"input,omitempty" bson:"input,omitempty"`
		// SerialKey groups instances that must run one at a time in submission
		// order (the user id for conversation turns). Empty means unconstrained.
		SerialKey string `json:"serial_key,omitempty" bson:"serial_key,omitempty"`
		// Seq is assigned by the store on Create and increases with submission
		// order.
		Seq int64 `json:"seq" bson:"seq"`
		// Status is the lifecycle state.
		Status Status `json:"status" bson:"status"`
		// History holds the recorded suspend points indexed by ordinal.
		History []Event `json:"history,omitempty" bson:"history,omitempty"`
		// Result is the JSON-encoded workflow result once completed.
		Result json.RawMessage `json:"result,omitempty" bson:"result,omitempty"`
		// Error is the terminal failure once failed.
		Error *CallError `json:"error,omitempty" bson:"error,omitempty"`
		// CancelRequested is set by Cancel and honored at the next step.
		CancelRequested bool `json:"cancel_requested,omitempty" bson:"cancel_requested,omitempty"`
		// Version is incremented by the store on every successful Save.
		Version int64 `json:"version" bson:"version"`
		// CreatedAt is the creation time.
		CreatedAt time.Time `json:"created_at" bson:"created_at"`
		// UpdatedAt is the time of the last save.
		UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
	}

	// Event is one recorded suspend point.
	Event struct {
		// Ordinal is the position of the suspend point in the workflow replay.
		Ordinal int `json:"ordinal" bson:"ordinal"`
		// Kind is the suspend point kind.
		Kind EventKind `json:"kind" bson:"kind"`
		// Name is the activity name for activity events.
		Name string `json:"name,omitempty" bson:"name,omitempty"`
		// Input is the JSON-encoded activity input.
		Input json.RawMessage `json:"input,omitempty" bson:"input,omitempty"`
		// Result is the JSON-encoded activity result or, for clock reads, the
		// recorded time.
		Result json.RawMessage `json:"result,omitempty" bson:"result,omitempty"`
		// Error is the final activity error after retries.
		Error *CallError `json:"error,omitempty" bson:"error,omitempty"`
		// State is scheduled until the outcome is recorded.
		State EventState `json:"state" bson:"state"`
		// Attempts counts activity attempts made.
		Attempts int `json:"attempts,omitempty" bson:"attempts,omitempty"`
		// FireAt is the timer deadline for timer events.
		FireAt time.Time `json:"fire_at,omitzero" bson:"fire_at,omitempty"`
		// RecordedAt is when the event was first recorded. For activities and
		// timers this is when they were scheduled.
		RecordedAt time.Time `json:"recorded_at" bson:"recorded_at"`
		// ResolvedAt is when the outcome was recorded.
		ResolvedAt time.Time `json:"resolved_at,omitzero" bson:"resolved_at,omitempty"`
	}

	// CallError is the serializable form of an activity or instance failure.
	CallError struct {
		// Kind is the error classification (see engine.Kind).
		Kind string `json:"kind" bson:"kind"`
		// Message is the error text.
		Message string `json:"message" bson:"message"`
	}

	// Store persists instances.
	//
	// Implementations must be safe for concurrent use. Save succeeds only when
	// the stored version equals inst.Version and increments it on success.
	Store interface {
		// Create persists a new instance, assigning Seq and Version 1. It
		// returns ErrExists if the id is taken.
		Create(ctx context.Context, inst *Instance) error
		// Load returns the instance with the given id or ErrNotFound.
		Load(ctx context.Context, id string) (*Instance, error)
		// Save replaces the stored instance when versions match and returns
		// ErrConflict otherwise. On success inst.Version is incremented.
		Save(ctx context.Context, inst *Instance) error
		// ListActive returns pending and running instances ordered by Seq.
		ListActive(ctx context.Context) ([]*Instance, error)
	}
)

// Error implements the error interface.
func (e *CallError) Error() string {
	return e.Kind + ": " + e.Message
}

// Terminal reports whether the instance reached a final status.
func (i *Instance) Terminal() bool {
	return i.Status == StatusCompleted || i.Status == StatusFailed
}

// Active reports whether the instance is pending or running.
func (i *Instance) Active() bool {
	return i.Status == StatusPending || i.Status == StatusRunning
}

// Clone returns a deep copy of the instance.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.Input = cloneRaw(i.Input)
	c.Result = cloneRaw(i.Result)
	if i.Error != nil {
		e := *i.Error
		c.Error = &e
	}
	if i.History != nil {
		c.History = make([]Event, len(i.History))
		for n, ev := range i.History {
			c.History[n] = ev.Clone()
		}
	}
	return &c
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	c := e
	c.Input = cloneRaw(e.Input)
	c.Result = cloneRaw(e.Result)
	if e.Error != nil {
		ce := *e.Error
		c.Error = &ce
	}
	return c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
