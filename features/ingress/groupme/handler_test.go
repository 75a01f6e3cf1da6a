package groupme

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	goahttp "goa.design/goa/v3/http"

	"goa.design/relay/runtime/relay/engine"
	"goa.design/relay/runtime/relay/session"
	"goa.design/relay/runtime/relay/session/inmem"
	"goa.design/relay/runtime/relay/workflow"
)

type recordingStarter struct {
	mu   sync.Mutex
	reqs []engine.StartRequest
	err  error
}

func (s *recordingStarter) StartInstance(_ context.Context, req engine.StartRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.reqs = append(s.reqs, req)
	return "inst-1", nil
}

func (s *recordingStarter) requests() []engine.StartRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.StartRequest(nil), s.reqs...)
}

func newTestServer(t *testing.T, starter Starter, sessions session.Store) *httptest.Server {
	t.Helper()
	h, err := New(Options{Engine: starter, Sessions: sessions, TriggerPhrase: "@bot", PollTimeout: time.Minute})
	require.NoError(t, err)
	mux := goahttp.NewMuxer()
	h.Mount(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, body string) int {
	t.Helper()
	resp, err := http.Post(srv.URL+CallbackPath, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode
}

func TestCallbackStartsTurnForKnownUser(t *testing.T) {
	starter := &recordingStarter{}
	sessions := inmem.New()
	require.NoError(t, sessions.Save(context.Background(), session.UserSession{ID: "u1", SessionID: "s1"}))
	srv := newTestServer(t, starter, sessions)

	code := post(t, srv, `{"sender_id":"u1","name":"Ada","sender_type":"user","text":"@bot hello"}`)
	require.Equal(t, http.StatusAccepted, code)

	reqs := starter.requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, workflow.Name, req.Workflow)
	assert.Equal(t, "u1", req.SerialKey)
	in, ok := req.Input.(workflow.TurnInput)
	require.True(t, ok)
	assert.Equal(t, "hello", in.Text)
	assert.Equal(t, "u1", in.User.ID)
	assert.Equal(t, "Ada", in.User.DisplayName)
	assert.Equal(t, DeliveryType, in.DeliveryType)
	assert.Equal(t, time.Minute, in.PollTimeout)
}

func TestCallbackGreetsNewUser(t *testing.T) {
	starter := &recordingStarter{}
	srv := newTestServer(t, starter, inmem.New())

	require.Equal(t, http.StatusAccepted, post(t, srv, `{"sender_id":"u2","name":"Bo","text":"@bot what's up"}`))
	reqs := starter.requests()
	require.Len(t, reqs, 1)
	in := reqs[0].Input.(workflow.TurnInput)
	assert.Equal(t, Greeting+"what's up", in.Text)
}

func TestCallbackIgnoresMessages(t *testing.T) {
	cases := map[string]string{
		"no trigger":   `{"sender_id":"u1","text":"hello @bot"}`,
		"bot sender":   `{"sender_id":"b1","sender_type":"bot","text":"@bot hi"}`,
		"system":       `{"sender_id":"u1","system":true,"text":"@bot hi"}`,
		"empty sender": `{"text":"@bot hi"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			starter := &recordingStarter{}
			srv := newTestServer(t, starter, inmem.New())
			require.Equal(t, http.StatusOK, post(t, srv, body))
			require.Empty(t, starter.requests())
		})
	}
}

func TestCallbackErrors(t *testing.T) {
	srv := newTestServer(t, &recordingStarter{}, inmem.New())
	require.Equal(t, http.StatusBadRequest, post(t, srv, `{not json`))

	failing := newTestServer(t, &recordingStarter{err: errors.New("store down")}, inmem.New())
	require.Equal(t, http.StatusInternalServerError, post(t, failing, `{"sender_id":"u1","text":"@bot hi"}`))
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Sessions: inmem.New(), TriggerPhrase: "@bot"})
	require.EqualError(t, err, "engine is required")
	_, err = New(Options{Engine: &recordingStarter{}, TriggerPhrase: "@bot"})
	require.EqualError(t, err, "session store is required")
	_, err = New(Options{Engine: &recordingStarter{}, Sessions: inmem.New()})
	require.EqualError(t, err, "trigger phrase is required")
}
