// Package transport holds the HTTP plumbing shared by the outbound clients:
// instrumented http.Client construction and classification of failed
// responses into engine error kinds.
package transport

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"goa.design/relay/runtime/relay/engine"
	"goa.design/relay/runtime/relay/retry"
)

// NewHTTPClient returns an http.Client traced with OpenTelemetry.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// ParseRetryAfter decodes a Retry-After header given as delta seconds or an
// HTTP date. It returns zero when the header is absent or malformed.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// StatusError classifies a non-2xx response. 429 and 5xx are transient and
// carry the Retry-After hint, 404 is not found and everything else is a bad
// request.
func StatusError(op string, resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	herr := &retry.HTTPStatusError{
		StatusCode: resp.StatusCode,
		Message:    msg,
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return engine.Wrap(engine.KindTransient, op, herr)
	case resp.StatusCode == http.StatusNotFound:
		return engine.Wrap(engine.KindNotFound, op, herr)
	default:
		return engine.Wrap(engine.KindBadRequest, op, herr)
	}
}

// Error classifies a failure to reach the service as transient.
func Error(op string, err error) error {
	if err == nil {
		return nil
	}
	return engine.Wrap(engine.KindTransient, op, err)
}
