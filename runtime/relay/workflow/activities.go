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
	callTimeout    = 30 * time.Second
	deliverTimeout = 2 * time.Minute
)

// activities builds the activity definitions backing the workflow. Reads,
// polls, thread creation and the keyed session upsert are safe to reissue;
// run submission and delivery are not.
func activities(opts Options) []engine.ActivityDefinition {
	idempotent := engine.ActivityOptions{RetryPolicy: opts.Retry, Timeout: callTimeout, Idempotent: true}
	return []engine.ActivityDefinition{
		engine.NewActivity(ActivityLoadUser, idempotent,
			func(ctx context.Context, userID string) (LoadUserResult, error) {
				u, err := opts.Sessions.Load(ctx, userID)
				if errors.Is(err, session.ErrUserNotFound) {
					return LoadUserResult{}, nil
				}
				if err != nil {
					return LoadUserResult{}, engine.Wrap(engine.KindTransient, ActivityLoadUser, err)
				}
				return LoadUserResult{Found: true, User: u}, nil
			}),
		engine.NewActivity(ActivityCreateThread, idempotent,
			func(ctx context.Context, _ struct{}) (string, error) {
				return opts.Runs.CreateThread(ctx)
			}),
		engine.NewActivity(ActivitySubmitRun,
			engine.ActivityOptions{RetryPolicy: opts.Retry, Timeout: callTimeout},
			func(ctx context.Context, req runservice.RunRequest) (runservice.Submission, error) {
				return opts.Runs.SubmitRun(ctx, req)
			}),
		engine.NewActivity(ActivityGetRun, idempotent,
			func(ctx context.Context, runID string) (runservice.RunResult, error) {
				return opts.Runs.GetRun(ctx, runID)
			}),
		engine.NewActivity(ActivityDeliver,
			engine.ActivityOptions{RetryPolicy: engine.RetryPolicy{MaxAttempts: 1}, Timeout: deliverTimeout},
			func(ctx context.Context, in DeliverInput) (DeliveryResult, error) {
				rep, err := opts.Delivery.Deliver(ctx, in.DeliveryType, in.Label, in.Text)
				var pf *delivery.PartialFailure
				if errors.As(err, &pf) {
					return DeliveryResult{Report: rep, Partial: true, Error: pf.Error()}, nil
				}
				if err != nil {
					return DeliveryResult{}, err
				}
				return DeliveryResult{Report: rep}, nil
			}),
		engine.NewActivity(ActivitySaveUser, idempotent,
			func(ctx context.Context, u session.UserSession) (struct{}, error) {
				if err := opts.Sessions.Save(ctx, u); err != nil {
					return struct{}{}, engine.Wrap(engine.KindTransient, ActivitySaveUser, err)
				}
				return struct{}{}, nil
			}),
	}
}
