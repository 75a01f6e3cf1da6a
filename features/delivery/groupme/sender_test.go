package groupme

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/relay/delivery"
	"goa.design/relay/runtime/relay/engine"
)

type botServer struct {
	mu     sync.Mutex
	posts  []postRequest
	tokens []string
	status int
}

func (b *botServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.URL.Path != "/bots/post" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if b.status != 0 {
		w.WriteHeader(b.status)
		return
	}
	var p postRequest
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.posts = append(b.posts, p)
	b.tokens = append(b.tokens, r.URL.Query().Get("token"))
	w.WriteHeader(http.StatusAccepted)
}

func TestNewRequiresBotID(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestSendPostsBotMessage(t *testing.T) {
	bs := &botServer{}
	srv := httptest.NewServer(bs)
	defer srv.Close()

	s, err := New(Options{BaseURL: srv.URL, BotID: "bot-1", Token: "tok"})
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), "@u1 hi there"))

	require.Equal(t, []postRequest{{BotID: "bot-1", Text: "@u1 hi there"}}, bs.posts)
	require.Equal(t, []string{"tok"}, bs.tokens)
}

func TestSendClassifiesFailures(t *testing.T) {
	bs := &botServer{status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(bs)
	defer srv.Close()

	s, err := New(Options{BaseURL: srv.URL, BotID: "bot-1"})
	require.NoError(t, err)
	require.ErrorIs(t, s.Send(context.Background(), "x"), engine.ErrTransient)

	bs.mu.Lock()
	bs.status = http.StatusUnauthorized
	bs.mu.Unlock()
	require.ErrorIs(t, s.Send(context.Background(), "x"), engine.ErrBadRequest)
}

func TestSendHonorsRateLimit(t *testing.T) {
	bs := &botServer{}
	srv := httptest.NewServer(bs)
	defer srv.Close()

	s, err := New(Options{BaseURL: srv.URL, BotID: "bot-1", Rate: 20, Burst: 1})
	require.NoError(t, err)
	start := time.Now()
	for range 3 {
		require.NoError(t, s.Send(context.Background(), "x"))
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestSendStopsWhenLimiterContextDone(t *testing.T) {
	s, err := New(Options{BaseURL: "http://127.0.0.1:1", BotID: "bot-1", Rate: 0.001, Burst: 1})
	require.NoError(t, err)
	s.limiter.Allow()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, s.Send(ctx, "x"))
}

func TestDeliversThroughDeliverer(t *testing.T) {
	bs := &botServer{}
	srv := httptest.NewServer(bs)
	defer srv.Close()

	s, err := New(Options{BaseURL: srv.URL, BotID: "bot-1"})
	require.NoError(t, err)
	d, err := delivery.New(s, delivery.Options{ChunkSize: 4})
	require.NoError(t, err)

	rep, err := d.Deliver(context.Background(), "Ada", "abcdefghij")
	require.NoError(t, err)
	require.Equal(t, 3, rep.SegmentsSent)
	require.Equal(t, "@Ada abcd", bs.posts[0].Text)
	require.Equal(t, "efgh", bs.posts[1].Text)
	require.Equal(t, "ij", bs.posts[2].Text)
}
