package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"goa.design/relay/runtime/relay/engine"
)

// maxResponseBody bounds how much of a response body is read.
const maxResponseBody = 1 << 20

// DoJSON sends in (when non-nil) as a JSON body to url and decodes a
// successful response into out (when non-nil and the body is not empty).
// Non-2xx responses are classified with StatusError and transport failures
// with Error. The returned response has its body already closed; callers
// may inspect its status code and headers.
func DoJSON(ctx context.Context, c *http.Client, op, method, url string, header http.Header, in, out any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, engine.Wrap(engine.KindBadRequest, op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, engine.Wrap(engine.KindBadRequest, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, Error(op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, Error(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, StatusError(op, resp, data)
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, engine.Wrap(engine.KindBadRequest, op, fmt.Errorf("decode response: %w", err))
		}
	}
	return resp, nil
}
