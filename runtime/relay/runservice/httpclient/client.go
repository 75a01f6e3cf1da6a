// Package httpclient implements runservice.Client over the relay run service
// HTTP API:
//
//	POST /threads        -> {session_id}
//	POST /runs           {args, session_id?} -> {run_id}
//	GET  /runs/{run_id}  -> 200 {status, output?, session_id?} | 202 + Retry-After
package httpclient

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

const defaultTimeout = 30 * time.Second

type (
	// Option configures the HTTP client.
	Option func(*Client)

	// Client implements runservice.Client.
	Client struct {
		base    *url.URL
		http    *http.Client
		headers http.Header
		now     func() time.Time
	}

	threadResponse struct {
		SessionID string `json:"session_id"`
		ThreadID  string `json:"thread_id"`
	}

	submitResponse struct {
		RunID string `json:"run_id"`
	}

	runResponse struct {
		RunID     string            `json:"run_id"`
		Status    string            `json:"status"`
		Output    runservice.Output `json:"output"`
		SessionID string            `json:"session_id"`
	}
)

// WithHTTPClient overrides the underlying *http.Client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithHeader adds a static header to all outgoing requests.
func WithHeader(name, value string) Option {
	return func(cl *Client) {
		cl.headers.Add(name, value)
	}
}

// WithBearerToken configures the client to send an Authorization Bearer token.
func WithBearerToken(token string) Option {
	if token == "" {
		return nil
	}
	return WithHeader("Authorization", "Bearer "+token)
}

// New returns a client for the run service rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("run service base URL is required")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse run service URL: %w", err)
	}
	cl := &Client{
		base:    u,
		headers: make(http.Header),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	if cl.http == nil {
		cl.http = transport.NewHTTPClient(defaultTimeout)
	}
	return cl, nil
}

var _ runservice.Client = (*Client)(nil)

// CreateThread implements runservice.Client.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	const op = "runservice.CreateThread"
	var out threadResponse
	if _, err := c.do(ctx, op, http.MethodPost, "/threads", struct{}{}, &out); err != nil {
		return "", err
	}
	id := out.SessionID
	if id == "" {
		id = out.ThreadID
	}
	if id == "" {
		return "", engine.Errorf(engine.KindBadRequest, "%s: response carries no session id", op)
	}
	return id, nil
}

// SubmitRun implements runservice.Client.
func (c *Client) SubmitRun(ctx context.Context, req runservice.RunRequest) (runservice.Submission, error) {
	const op = "runservice.SubmitRun"
	if len(req.Args) == 0 {
		return runservice.Submission{}, engine.Errorf(engine.KindBadRequest, "%s: args are required", op)
	}
	var out submitResponse
	resp, err := c.do(ctx, op, http.MethodPost, "/runs", req, &out)
	if err != nil {
		return runservice.Submission{}, err
	}
	if out.RunID == "" {
		return runservice.Submission{}, engine.Errorf(engine.KindBadRequest, "%s: response carries no run id", op)
	}
	return runservice.Submission{
		RunID:      out.RunID,
		Accepted:   true,
		RetryAfter: transport.ParseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
	}, nil
}

// GetRun implements runservice.Client. A 202 response is a pending run
// regardless of the status reported in its body.
func (c *Client) GetRun(ctx context.Context, runID string) (runservice.RunResult, error) {
	const op = "runservice.GetRun"
	if runID == "" {
		return runservice.RunResult{}, engine.Errorf(engine.KindBadRequest, "%s: run id is required", op)
	}
	var out runResponse
	resp, err := c.do(ctx, op, http.MethodGet, "/runs/"+url.PathEscape(runID), nil, &out)
	if err != nil {
		return runservice.RunResult{}, err
	}
	res := runservice.RunResult{
		RunID:     runID,
		Status:    runservice.NormalizeStatus(out.Status),
		Output:    string(out.Output),
		SessionID: out.SessionID,
	}
	switch {
	case resp.StatusCode == http.StatusAccepted:
		res.Status = runservice.StatusPending
	case out.Status == "":
		res.Status = runservice.StatusSucceeded
	}
	if !res.Terminal() {
		res.RetryAfter = transport.ParseRetryAfter(resp.Header.Get("Retry-After"), c.now())
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (*http.Response, error) {
	return transport.DoJSON(ctx, c.http, op, method, c.base.String()+path, c.headers, in, out)
}
