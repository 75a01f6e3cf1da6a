// Package workflow defines the "conversationTurn" workflow: relay one chat
// message to the run service and deliver its answer, keeping the user's
// conversation session current.
//
// Each turn executes the following suspend points, all recorded in the
// instance history:
//
//	loadUser -> now -> [createThread] -> submitRun -> now ->
//	(sleep -> getRun -> now)* -> deliver -> [now -> saveUser]
package workflow

import (
	"context"
	"errors"
	"time"

	"goa.design/relay/runtime/relay/delivery"
	"goa.design/relay/runtime/relay/engine"
	"goa.design/relay/runtime/relay/runservice"
	"goa.design/relay/runtime/relay/session"
)

const (
	// Name is the registered workflow name.
	Name = "conversationTurn"

	// FallbackText is delivered when the run produced no usable output.
	FallbackText = "Sorry, I didn't understand that"

	// DefaultPollInterval is used when the run service advertises no
	// Retry-After hint.
	DefaultPollInterval = time.Second
	// DefaultPollTimeout bounds the total time spent polling a run.
	DefaultPollTimeout = 10 * time.Minute
)

// Activity names.
const (
	ActivityLoadUser     = "relay.loadUser"
	ActivityCreateThread = "relay.createThread"
	ActivitySubmitRun    = "relay.submitRun"
	ActivityGetRun       = "relay.getRun"
	ActivityDeliver      = "relay.deliver"
	ActivitySaveUser     = "relay.saveUser"
)

type (
	// TurnInput is the workflow input built by ingress adapters.
	TurnInput struct {
		// User identifies the sender. Only ID and DisplayName are used when
		// the state store has no record for the user.
		User session.UserSession `json:"user"`
		// Text is the message relayed to the run service.
		Text string `json:"text"`
		// DeliveryType selects the delivery adapter, e.g. "groupme".
		DeliveryType string `json:"delivery_type"`
		// PollTimeout bounds the total polling time. Zero uses the
		// registered default.
		PollTimeout time.Duration `json:"poll_timeout,omitempty"`
	}

	// TurnOutput is the workflow result.
	TurnOutput struct {
		RunID     string            `json:"run_id"`
		SessionID string            `json:"session_id"`
		Text      string            `json:"text"`
		Fallback  bool              `json:"fallback,omitempty"`
		Delivery  DeliveryResult    `json:"delivery"`
		Persisted bool              `json:"persisted,omitempty"`
		Status    runservice.Status `json:"status"`
	}

	// DeliverInput is the input of the deliver activity.
	DeliverInput struct {
		DeliveryType string `json:"delivery_type"`
		Label        string `json:"label"`
		Text         string `json:"text"`
	}

	// DeliveryResult reports what the deliver activity sent. Partial is set
	// when later segments failed after earlier ones were sent.
	DeliveryResult struct {
		delivery.Report
		Partial bool   `json:"partial,omitempty"`
		Error   string `json:"error,omitempty"`
	}

	// LoadUserResult is the output of the loadUser activity.
	LoadUserResult struct {
		Found bool                `json:"found"`
		User  session.UserSession `json:"user"`
	}

	// Deliverer sends text to a user through the adapter for deliveryType.
	// delivery.Router implements it.
	Deliverer interface {
		Deliver(ctx context.Context, deliveryType, label, text string) (delivery.Report, error)
	}

	// Options configures the workflow and its activities.
	Options struct {
		// Runs is the run service client. Required.
		Runs runservice.Client
		// Sessions is the user session store. Required.
		Sessions session.Store
		// Delivery sends answers. Required.
		Delivery Deliverer
		// Policy decides session reuse.
		Policy session.Policy
		// PollInterval is the delay between polls when the run service
		// gives no hint. Defaults to DefaultPollInterval.
		PollInterval time.Duration
		// PollTimeout is the default total polling bound. Defaults to
		// DefaultPollTimeout.
		PollTimeout time.Duration
		// Retry bounds retries of run service and store calls.
		Retry engine.RetryPolicy
		// TouchOnReuse also persists the session when its id is reused, so
		// UpdatedAt tracks the last turn.
		TouchOnReuse bool
	}
)

// Register registers the workflow and its activities with eng.
func Register(ctx context.Context, eng engine.Engine, opts Options) error {
	if eng == nil {
		return errors.New("engine is required")
	}
	if opts.Runs == nil {
		return errors.New("run service client is required")
	}
	if opts.Sessions == nil {
		return errors.New("session store is required")
	}
	if opts.Delivery == nil {
		return errors.New("deliverer is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	for _, def := range activities(opts) {
		if err := eng.RegisterActivity(ctx, def); err != nil {
			return err
		}
	}
	return eng.RegisterWorkflow(ctx, engine.NewWorkflow(Name, turn(opts)))
}
