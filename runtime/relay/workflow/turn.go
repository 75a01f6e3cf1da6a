package workflow

import (
	"time"

	"goa.design/relay/runtime/relay/engine"
	"goa.design/relay/runtime/relay/runservice"
	"goa.design/relay/runtime/relay/session"
)

// turnState carries the values a turn accumulates across suspend points.
type turnState struct {
	wctx    engine.WorkflowContext
	opts    Options
	in      TurnInput
	user    session.UserSession
	changed bool
	out     TurnOutput
}

func turn(opts Options) func(engine.WorkflowContext, TurnInput) (TurnOutput, error) {
	return func(wctx engine.WorkflowContext, in TurnInput) (TurnOutput, error) {
		if in.User.ID == "" {
			return TurnOutput{}, engine.Errorf(engine.KindBadRequest, "turn input has no user id")
		}
		st := &turnState{
			wctx: wctx,
			opts: opts,
			in:   in,
			user: session.UserSession{ID: in.User.ID, DisplayName: in.User.DisplayName},
		}
		return st.run()
	}
}

func (st *turnState) run() (TurnOutput, error) {
	if err := st.ensureSession(); err != nil {
		return st.fail(err)
	}
	args := []string{st.in.Text}
	sub, err := engine.ExecuteActivity[runservice.Submission](st.wctx, ActivitySubmitRun,
		runservice.RunRequest{Args: args, SessionID: st.user.SessionID})
	if err != nil {
		return st.fail(err)
	}
	st.out.RunID = sub.RunID
	res, err := st.poll(sub)
	if err != nil {
		return st.fail(err)
	}
	st.out.Status = res.Status
	if res.SessionID != "" && res.SessionID != st.user.SessionID {
		st.user.SessionID = res.SessionID
		st.changed = true
	}
	text := res.Output
	if res.Status != runservice.StatusSucceeded || text == "" {
		text = FallbackText
		st.out.Fallback = true
	}
	derr := st.deliver(text)
	if err := st.persist(); err != nil {
		return st.out, err
	}
	if derr != nil {
		return st.out, derr
	}
	st.out.SessionID = st.user.SessionID
	return st.out, nil
}

// ensureSession loads the user record and opens a new thread when the stored
// session id is absent or expired.
func (st *turnState) ensureSession() error {
	loaded, err := engine.ExecuteActivity[LoadUserResult](st.wctx, ActivityLoadUser, st.in.User.ID)
	if err != nil {
		return err
	}
	if loaded.Found {
		st.user = loaded.User
		if st.in.User.DisplayName != "" {
			st.user.DisplayName = st.in.User.DisplayName
		}
	}
	now := st.wctx.Now()
	if st.opts.Policy.Reusable(st.user, now) {
		return nil
	}
	if st.user.SessionID != "" {
		st.wctx.Logger().Info(st.wctx.Context(), "session expired", "user", st.user.ID, "session", st.user.SessionID)
	}
	id, err := engine.ExecuteActivity[string](st.wctx, ActivityCreateThread, struct{}{})
	if err != nil {
		return err
	}
	st.user.SessionID = id
	st.changed = true
	return nil
}

// poll waits for the run to reach a terminal state. Each iteration sleeps
// for at least the advertised Retry-After before polling again.
func (st *turnState) poll(sub runservice.Submission) (runservice.RunResult, error) {
	timeout := st.in.PollTimeout
	if timeout <= 0 {
		timeout = st.opts.PollTimeout
	}
	deadline := st.wctx.Now().Add(timeout)
	hint := sub.RetryAfter
	for {
		st.wctx.Sleep(st.pollDelay(hint))
		res, err := engine.ExecuteActivity[runservice.RunResult](st.wctx, ActivityGetRun, sub.RunID)
		if err != nil {
			return runservice.RunResult{}, err
		}
		if res.Terminal() {
			return res, nil
		}
		if st.wctx.Now().After(deadline) {
			return runservice.RunResult{}, engine.Errorf(engine.KindTimeout,
				"run %s did not finish within %s", sub.RunID, timeout)
		}
		hint = res.RetryAfter
	}
}

func (st *turnState) pollDelay(hint time.Duration) time.Duration {
	if hint > 0 {
		return hint
	}
	return st.opts.PollInterval
}

func (st *turnState) deliver(text string) error {
	res, err := engine.ExecuteActivity[DeliveryResult](st.wctx, ActivityDeliver, DeliverInput{
		DeliveryType: st.in.DeliveryType,
		Label:        st.user.Label(),
		Text:         text,
	})
	st.out.Text = text
	st.out.Delivery = res
	if res.Partial {
		st.wctx.Logger().Warn(st.wctx.Context(), "partial delivery", "user", st.user.ID,
			"sent", res.SegmentsSent, "segments", res.Segments)
	}
	return err
}

// persist writes the session once per turn, when its id changed or when
// TouchOnReuse asks for a refreshed timestamp.
func (st *turnState) persist() error {
	if !st.changed && !st.opts.TouchOnReuse {
		return nil
	}
	if st.user.SessionID == "" {
		return nil
	}
	st.user.UpdatedAt = st.wctx.Now()
	if _, err := engine.ExecuteActivity[struct{}](st.wctx, ActivitySaveUser, st.user); err != nil {
		return err
	}
	st.out.Persisted = true
	return nil
}

// fail delivers the fallback text, persists a newly issued session and
// returns err so the instance fails with it. The user never sees err.
func (st *turnState) fail(err error) (TurnOutput, error) {
	st.wctx.Logger().Warn(st.wctx.Context(), "turn failed", "user", st.user.ID, "err", err)
	st.out.Fallback = true
	if derr := st.deliver(FallbackText); derr != nil {
		st.wctx.Logger().Warn(st.wctx.Context(), "fallback delivery failed", "user", st.user.ID, "err", derr)
	}
	if perr := st.persist(); perr != nil {
		st.wctx.Logger().Warn(st.wctx.Context(), "persist session failed", "user", st.user.ID, "err", perr)
	}
	st.out.SessionID = st.user.SessionID
	return st.out, err
}
