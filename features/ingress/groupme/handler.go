// Package groupme turns GroupMe bot callbacks into conversation turns. It
// filters messages on a trigger phrase, greets first-time users and starts
// one workflow instance per accepted message, keyed on the sender so turns of
// the same user run in order.
package groupme

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	goahttp "goa.design/goa/v3/http"

	"goa.design/relay/runtime/relay/engine"
	"goa.design/relay/runtime/relay/session"
	"goa.design/relay/runtime/relay/telemetry"
	"goa.design/relay/runtime/relay/workflow"
)

const (
	// CallbackPath is the route GroupMe posts bot callbacks to.
	CallbackPath = "/groupme-message-callback"
	// DeliveryType routes replies through the GroupMe sender.
	DeliveryType = "groupme"
	// Greeting is prepended to the first message of an unknown user.
	Greeting = "I am new! Nice to meet you. also: "

	maxBodyBytes = 1 << 20
)

type (
	// Starter starts workflow instances. engine.Engine satisfies it.
	Starter interface {
		StartInstance(ctx context.Context, req engine.StartRequest) (string, error)
	}

	// Options configures the callback handler.
	Options struct {
		// Engine starts the conversation turns. Required.
		Engine Starter
		// Sessions tells known users apart from new ones. Required.
		Sessions session.Store
		// TriggerPhrase is the prefix a message must start with to be relayed.
		// Required.
		TriggerPhrase string
		// PollTimeout overrides the workflow poll bound when positive.
		PollTimeout time.Duration
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Handler serves GroupMe bot callbacks.
	Handler struct {
		engine      Starter
		sessions    session.Store
		trigger     string
		pollTimeout time.Duration
		logger      telemetry.Logger
	}

	// Message is the GroupMe callback payload.
	Message struct {
		ID         string `json:"id"`
		GroupID    string `json:"group_id"`
		Name       string `json:"name"`
		SenderID   string `json:"sender_id"`
		SenderType string `json:"sender_type"`
		UserID     string `json:"user_id"`
		System     bool   `json:"system"`
		Text       string `json:"text"`
		CreatedAt  int64  `json:"created_at"`
	}
)

// New returns a Handler.
func New(opts Options) (*Handler, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if opts.TriggerPhrase == "" {
		return nil, errors.New("trigger phrase is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Handler{
		engine:      opts.Engine,
		sessions:    opts.Sessions,
		trigger:     opts.TriggerPhrase,
		pollTimeout: opts.PollTimeout,
		logger:      logger,
	}, nil
}

// Mount registers the callback route on mux.
func (h *Handler) Mount(mux goahttp.Muxer) {
	mux.Handle(http.MethodPost, CallbackPath, h.ServeHTTP)
}

// ServeHTTP accepts a callback. Ignored messages get 200, started turns 202.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var msg Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		h.logger.Warn(ctx, "invalid groupme callback", "err", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	text, ok := h.accept(msg)
	if !ok {
		h.logger.Debug(ctx, "ignoring groupme message", "id", msg.ID, "sender", msg.SenderID)
		w.WriteHeader(http.StatusOK)
		return
	}
	id, err := h.start(ctx, msg, text)
	if err != nil {
		h.logger.Error(ctx, "start conversation turn", "sender", msg.SenderID, "err", err)
		http.Error(w, "could not start turn", http.StatusInternalServerError)
		return
	}
	h.logger.Info(ctx, "conversation turn started", "instance", id, "sender", msg.SenderID)
	w.WriteHeader(http.StatusAccepted)
}

// accept applies the trigger filter and returns the message text with the
// trigger removed.
func (h *Handler) accept(msg Message) (string, bool) {
	if msg.System || msg.SenderType == "bot" || msg.SenderID == "" {
		return "", false
	}
	if !strings.HasPrefix(msg.Text, h.trigger) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(msg.Text, h.trigger)), true
}

func (h *Handler) start(ctx context.Context, msg Message, text string) (string, error) {
	_, err := h.sessions.Load(ctx, msg.SenderID)
	switch {
	case errors.Is(err, session.ErrUserNotFound):
		text = Greeting + text
	case err != nil:
		return "", err
	}
	in := workflow.TurnInput{
		User:         session.UserSession{ID: msg.SenderID, DisplayName: msg.Name},
		Text:         text,
		DeliveryType: DeliveryType,
		PollTimeout:  h.pollTimeout,
	}
	return h.engine.StartInstance(ctx, engine.StartRequest{
		Workflow:  workflow.Name,
		Input:     in,
		SerialKey: msg.SenderID,
	})
}
