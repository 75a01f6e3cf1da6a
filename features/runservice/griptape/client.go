// Package griptape implements runservice.Client directly against the Griptape
// Cloud structure run API.
package griptape

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"goa.design/relay/runtime/relay/engine"
	"goa.design/relay/runtime/relay/runservice"
	"goa.design/relay/runtime/relay/transport"
)

const (
	// DefaultBaseURL is the hosted Griptape Cloud API.
	DefaultBaseURL = "https://cloud.griptape.ai/api"

	defaultTimeout = 30 * time.Second
	// Griptape does not advertise Retry-After on run status reads.
	defaultPollHint = time.Second
	threadName      = "relay"
)

type (
	// Options configures the Griptape client.
	Options struct {
		// BaseURL defaults to DefaultBaseURL.
		BaseURL string
		// APIKey is sent as a bearer token.
		APIKey string
		// AppID identifies the structure run target.
		AppID string
		// HTTPClient overrides the default instrumented client.
		HTTPClient *http.Client
	}

	// Client implements runservice.Client for Griptape Cloud.
	Client struct {
		base   string
		apiKey string
		appID  string
		http   *http.Client
	}

	createThreadRequest struct {
		Name string `json:"name"`
	}

	threadResponse struct {
		ThreadID string `json:"thread_id"`
	}

	createRunRequest struct {
		Args      []string `json:"args"`
		SessionID string   `json:"session_id,omitempty"`
	}

	runResponse struct {
		RunID     string            `json:"run_id"`
		Status    string            `json:"status"`
		Output    runservice.Output `json:"output"`
		SessionID string            `json:"session_id"`
		ThreadID  string            `json:"thread_id"`
	}
)

// New returns a Griptape Cloud client.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("griptape api key is required")
	}
	if opts.AppID == "" {
		return nil, errors.New("griptape app id is required")
	}
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse griptape URL: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = transport.NewHTTPClient(defaultTimeout)
	}
	return &Client{
		base:   strings.TrimRight(base, "/"),
		apiKey: opts.APIKey,
		appID:  opts.AppID,
		http:   hc,
	}, nil
}

var _ runservice.Client = (*Client)(nil)

// CreateThread implements runservice.Client.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	const op = "griptape.CreateThread"
	var out threadResponse
	if err := c.do(ctx, op, http.MethodPost, "/threads", createThreadRequest{Name: threadName}, &out); err != nil {
		return "", err
	}
	if out.ThreadID == "" {
		return "", engine.Errorf(engine.KindBadRequest, "%s: response carries no thread id", op)
	}
	return out.ThreadID, nil
}

// SubmitRun implements runservice.Client.
func (c *Client) SubmitRun(ctx context.Context, req runservice.RunRequest) (runservice.Submission, error) {
	const op = "griptape.SubmitRun"
	if len(req.Args) == 0 {
		return runservice.Submission{}, engine.Errorf(engine.KindBadRequest, "%s: args are required", op)
	}
	var out runResponse
	path := "/apps/" + url.PathEscape(c.appID) + "/runs"
	if err := c.do(ctx, op, http.MethodPost, path, createRunRequest(req), &out); err != nil {
		return runservice.Submission{}, err
	}
	if out.RunID == "" {
		return runservice.Submission{}, engine.Errorf(engine.KindBadRequest, "%s: response carries no run id", op)
	}
	return runservice.Submission{RunID: out.RunID, Accepted: true, RetryAfter: defaultPollHint}, nil
}

// GetRun implements runservice.Client.
func (c *Client) GetRun(ctx context.Context, runID string) (runservice.RunResult, error) {
	const op = "griptape.GetRun"
	if runID == "" {
		return runservice.RunResult{}, engine.Errorf(engine.KindBadRequest, "%s: run id is required", op)
	}
	var out runResponse
	if err := c.do(ctx, op, http.MethodGet, "/runs/"+url.PathEscape(runID), nil, &out); err != nil {
		return runservice.RunResult{}, err
	}
	sessionID := out.SessionID
	if sessionID == "" {
		sessionID = out.ThreadID
	}
	res := runservice.RunResult{
		RunID:     runID,
		Status:    runservice.NormalizeStatus(out.Status),
		Output:    string(out.Output),
		SessionID: sessionID,
	}
	if !res.Terminal() {
		res.RetryAfter = defaultPollHint
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	header := http.Header{"Authorization": {"Bearer " + c.apiKey}}
	_, err := transport.DoJSON(ctx, c.http, op, method, c.base+path, header, in, out)
	return err
}
