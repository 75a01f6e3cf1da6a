// Package groupme implements delivery.Sender for GroupMe bots.
package groupme

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"goa.design/relay/runtime/relay/delivery"
	"goa.design/relay/runtime/relay/transport"
)

// DefaultBaseURL is the GroupMe v3 API root.
const DefaultBaseURL = "https://api.groupme.com/v3"

type (
	// Options configures the GroupMe sender.
	Options struct {
		// BaseURL defaults to DefaultBaseURL.
		BaseURL string
		// BotID identifies the posting bot.
		BotID string
		// Token is the GroupMe API access token.
		Token string
		// Rate bounds outbound posts per second. Zero disables limiting.
		Rate float64
		// Burst is the limiter burst size. Defaults to 1.
		Burst int
		// HTTPClient overrides the default instrumented client.
		HTTPClient *http.Client
	}

	// Sender posts bot messages to a GroupMe group.
	Sender struct {
		endpoint string
		botID    string
		http     *http.Client
		limiter  *rate.Limiter
	}

	postRequest struct {
		BotID string `json:"bot_id"`
		Text  string `json:"text"`
	}
)

// New returns a GroupMe sender.
func New(opts Options) (*Sender, error) {
	if opts.BotID == "" {
		return nil, errors.New("groupme bot id is required")
	}
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + "/bots/post")
	if err != nil {
		return nil, fmt.Errorf("parse groupme URL: %w", err)
	}
	if opts.Token != "" {
		q := u.Query()
		q.Set("token", opts.Token)
		u.RawQuery = q.Encode()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = transport.NewHTTPClient(15 * time.Second)
	}
	s := &Sender{endpoint: u.String(), botID: opts.BotID, http: hc}
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}
	return s, nil
}

var _ delivery.Sender = (*Sender)(nil)

// Send implements delivery.Sender. It waits for the rate limiter before
// posting.
func (s *Sender) Send(ctx context.Context, text string) error {
	const op = "groupme.Send"
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	_, err := transport.DoJSON(ctx, s.http, op, http.MethodPost, s.endpoint, nil, postRequest{BotID: s.botID, Text: text}, nil)
	return err
}
