package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/relay/engine"
)

func TestDoJSONRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var in map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"echo":"`+in["msg"]+`"}`)
	}))
	defer srv.Close()

	var out struct {
		Echo string `json:"echo"`
	}
	header := http.Header{"Authorization": {"Bearer k"}}
	resp, err := DoJSON(context.Background(), srv.Client(), "op", http.MethodPost, srv.URL, header, map[string]string{"msg": "hi"}, &out)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))
	assert.Equal(t, "hi", out.Echo)
}

func TestDoJSONEmptyBodyLeavesOutUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	out := map[string]string{"kept": "yes"}
	_, err := DoJSON(context.Background(), srv.Client(), "op", http.MethodGet, srv.URL, nil, nil, &out)
	require.NoError(t, err)
	assert.Equal(t, "yes", out["kept"])
}

func TestDoJSONClassifiesFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"server error", http.StatusServiceUnavailable, "down", engine.ErrTransient},
		{"not found", http.StatusNotFound, "", engine.ErrNotFound},
		{"rejected", http.StatusUnprocessableEntity, "bad", engine.ErrBadRequest},
		{"undecodable", http.StatusOK, "{", engine.ErrBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			var out map[string]any
			_, err := DoJSON(context.Background(), srv.Client(), "op", http.MethodGet, srv.URL, nil, nil, &out)
			require.ErrorIs(t, err, tc.want)
		})
	}

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()
	_, err := DoJSON(context.Background(), http.DefaultClient, "op", http.MethodGet, srv.URL, nil, nil, nil)
	require.ErrorIs(t, err, engine.ErrTransient)
}
