// Package engine defines the durable orchestration contracts used by the
// relay runtime.
//
// # Execution model
//
// A workflow is a plain Go function re-run from its beginning on every
// Resume. Each suspend point it reaches (ExecuteActivity, Now, Sleep) is
// indexed by its ordinal position in the run. When the instance history
// already holds a result for that ordinal the recorded value is returned and
// execution moves on; otherwise the engine performs the real call, records it
// and suspends. Activity calls therefore execute at most once per ordinal, and
// workflow branching only ever depends on replayed data.
//
// Workflows must be deterministic: no direct time.Now, randomness, I/O or
// goroutines. All of those belong in activities or go through the
// WorkflowContext.
//
// # Implementations
//
// The replay subpackage implements Engine over a history.Store (in-memory,
// Redis or MongoDB).
//
//	eng, _ := replay.New(replay.Options{Store: store})
//	defer eng.Close(ctx)
//	_ = workflow.Register(ctx, eng, workflow.Options{...})
//	id, _ := eng.StartInstance(ctx, engine.StartRequest{Workflow: workflow.Name, Input: in, SerialKey: userID})
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/relay/runtime/relay/history"
	"goa.design/relay/runtime/relay/telemetry"
)

// OutcomeKind classifies the result of a Resume call.
type OutcomeKind string

const (
	// OutcomeSuspended means the instance advanced one suspend point and needs
	// another Resume, possibly not before Outcome.ResumeAt.
	OutcomeSuspended OutcomeKind = "suspended"
	// OutcomeCompleted means the workflow returned successfully.
	OutcomeCompleted OutcomeKind = "completed"
	// OutcomeFailed means the instance failed permanently.
	OutcomeFailed OutcomeKind = "failed"
)

type (
	// Engine registers workflows and activities and drives instances.
	Engine interface {
		// RegisterWorkflow makes a workflow definition available to StartInstance.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error
		// RegisterActivity makes an activity available to workflows.
		RegisterActivity(ctx context.Context, def ActivityDefinition) error
		// StartInstance persists a new instance and returns its id without
		// waiting for it to run.
		StartInstance(ctx context.Context, req StartRequest) (string, error)
		// Resume replays the instance and advances it by one suspend point.
		Resume(ctx context.Context, id string) (Outcome, error)
		// Cancel requests cancellation. The instance stops scheduling suspend
		// points and fails with KindCancelled. Calls already in flight are left
		// to finish.
		Cancel(ctx context.Context, id string) error
		// Instance returns a snapshot of the instance record.
		Instance(ctx context.Context, id string) (*history.Instance, error)
		// Wait blocks until the instance is terminal or ctx is done.
		Wait(ctx context.Context, id string) (*history.Instance, error)
	}

	// WorkflowContext is the deterministic environment handed to workflows.
	WorkflowContext interface {
		// Context returns the context of the current Resume. Do not use it to
		// perform I/O directly.
		Context() context.Context
		// InstanceID returns the id of the running instance.
		InstanceID() string
		// ExecuteActivity calls the named activity, or returns its recorded
		// result on replay. The error, if any, is an *Error whose kind
		// survived recording.
		ExecuteActivity(name string, input any) (json.RawMessage, error)
		// Now returns the recorded workflow time for this ordinal.
		Now() time.Time
		// Sleep blocks the workflow until d has elapsed, durably.
		Sleep(d time.Duration)
		// IsReplaying reports whether the current ordinal was already recorded.
		IsReplaying() bool
		// Logger returns a logger that discards entries while replaying.
		Logger() telemetry.Logger
	}

	// WorkflowFunc is a workflow implementation.
	WorkflowFunc func(wctx WorkflowContext, input json.RawMessage) (any, error)

	// ActivityFunc is an activity implementation. Activities may perform I/O.
	ActivityFunc func(ctx context.Context, input json.RawMessage) (any, error)

	// WorkflowDefinition binds a workflow name to its handler.
	WorkflowDefinition struct {
		Name    string
		Handler WorkflowFunc
	}

	// ActivityDefinition binds an activity name to its handler and options.
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
		Options ActivityOptions
	}

	// ActivityOptions configure how the engine calls an activity.
	ActivityOptions struct {
		// RetryPolicy bounds retries of transient failures. Zero value uses
		// the engine default.
		RetryPolicy RetryPolicy
		// Timeout bounds a single attempt. Zero means no per-attempt timeout.
		Timeout time.Duration
		// Idempotent marks activities that may be reissued after a crash left
		// their call unresolved. Non-idempotent activities fail the instance
		// with KindInDoubt instead.
		Idempotent bool
	}

	// RetryPolicy configures bounded exponential backoff for an activity.
	RetryPolicy struct {
		// MaxAttempts is the total attempt ceiling including the first call.
		MaxAttempts int
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration
		// BackoffCoefficient multiplies the delay after each retry.
		BackoffCoefficient float64
		// MaxInterval caps the delay between retries.
		MaxInterval time.Duration
	}

	// StartRequest describes a new instance.
	StartRequest struct {
		// ID is optional. The engine generates one when empty.
		ID string
		// Workflow is the registered workflow name.
		Workflow string
		// Input is marshaled to JSON and handed to the workflow.
		Input any
		// SerialKey orders instances: those sharing a key run one at a time
		// in submission order.
		SerialKey string
	}

	// Outcome is the result of a Resume call.
	Outcome struct {
		Kind OutcomeKind
		// Awaiting describes the suspend point just advanced, for suspended
		// outcomes.
		Awaiting *Awaiting
		// ResumeAt is the earliest time the next Resume makes progress. Zero
		// means immediately.
		ResumeAt time.Time
		// Result is the JSON-encoded workflow result for completed outcomes.
		Result json.RawMessage
		// Err is the failure for failed outcomes.
		Err *Error
	}

	// Awaiting identifies a suspend point.
	Awaiting struct {
		Ordinal int
		Kind    history.EventKind
		Name    string
	}

	// LifecycleEvent reports an instance state change to a Sink.
	LifecycleEvent struct {
		Type       LifecycleType `json:"type"`
		InstanceID string        `json:"instance_id"`
		Workflow   string        `json:"workflow"`
		SerialKey  string        `json:"serial_key,omitempty"`
		Ordinal    int           `json:"ordinal,omitempty"`
		Activity   string        `json:"activity,omitempty"`
		Error      *Error        `json:"error,omitempty"`
		Timestamp  time.Time     `json:"timestamp"`
	}

	// LifecycleType names a lifecycle transition.
	LifecycleType string

	// Sink receives lifecycle events. Publish errors are logged and never fail
	// an instance.
	Sink interface {
		Publish(ctx context.Context, ev LifecycleEvent) error
	}
)

const (
	LifecycleStarted   LifecycleType = "instance_started"
	LifecycleActivity  LifecycleType = "activity_resolved"
	LifecycleSuspended LifecycleType = "instance_suspended"
	LifecycleCompleted LifecycleType = "instance_completed"
	LifecycleFailed    LifecycleType = "instance_failed"
)

// MarshalJSON encodes the error kind and message only.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind    Kind   `json:"kind"`
		Message string `json:"message"`
	}{e.Kind, e.Error()})
}

// NewWorkflow adapts a typed workflow function into a WorkflowDefinition.
func NewWorkflow[In, Out any](name string, fn func(WorkflowContext, In) (Out, error)) WorkflowDefinition {
	return WorkflowDefinition{
		Name: name,
		Handler: func(wctx WorkflowContext, raw json.RawMessage) (any, error) {
			var in In
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &in); err != nil {
					return nil, Wrap(KindBadRequest, "decode workflow input", err)
				}
			}
			return fn(wctx, in)
		},
	}
}

// NewActivity adapts a typed activity function into an ActivityDefinition.
func NewActivity[In, Out any](name string, opts ActivityOptions, fn func(context.Context, In) (Out, error)) ActivityDefinition {
	return ActivityDefinition{
		Name:    name,
		Options: opts,
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in In
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &in); err != nil {
					return nil, Wrap(KindBadRequest, "decode activity input", err)
				}
			}
			return fn(ctx, in)
		},
	}
}

// ExecuteActivity calls the named activity and decodes its result into Out.
func ExecuteActivity[Out any](wctx WorkflowContext, name string, input any) (Out, error) {
	var out Out
	raw, err := wctx.ExecuteActivity(name, input)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, Wrap(KindNondeterminism, name, fmt.Errorf("decode recorded result: %w", err))
	}
	return out, nil
}

// ToCallError converts err into its serializable form.
func ToCallError(err error) *history.CallError {
	if err == nil {
		return nil
	}
	return &history.CallError{Kind: string(KindOf(err)), Message: err.Error()}
}

// FromCallError rebuilds an *Error from its serialized form.
func FromCallError(ce *history.CallError) *Error {
	if ce == nil {
		return nil
	}
	return &Error{Kind: Kind(ce.Kind), Message: ce.Message}
}
