// Package session defines the per-user conversation record relayed turns
// read and update, and the policy deciding when a stored run-service session
// can be reused.
package session

import (
	"context"
	"errors"
	"time"
)

// DefaultTimeout is the idle period after which a session is discarded.
const DefaultTimeout = 5 * time.Minute

// ErrUserNotFound indicates no session record exists for the user.
var ErrUserNotFound = errors.New("user session not found")

type (
	// UserSession is the durable per-user conversation record.
	//
	// Contract:
	// - SessionID is empty or a value issued by the run service.
	// - A conversation turn mutates a record at most once.
	// - Records are never deleted by the relay.
	UserSession struct {
		// ID is the stable chat-platform user id.
		ID string `json:"id"`
		// DisplayName is the user's display name, possibly empty.
		DisplayName string `json:"display_name,omitempty"`
		// SessionID is the opaque run-service conversation handle.
		SessionID string `json:"session_id,omitempty"`
		// UpdatedAt is the time of the last successful turn.
		UpdatedAt time.Time `json:"updated_at"`
	}

	// Store reads and writes user sessions keyed by user id. Writes are
	// last-write-wins and idempotent for identical payloads.
	Store interface {
		// Load returns the session of userID or ErrUserNotFound.
		Load(ctx context.Context, userID string) (UserSession, error)
		// Save upserts the session.
		Save(ctx context.Context, s UserSession) error
	}

	// Policy decides whether a stored session id may be reused.
	Policy struct {
		// Timeout is the idle period after which a session expires. Zero
		// uses DefaultTimeout.
		Timeout time.Duration
	}
)

// Label returns the mention label used when delivering to the user: the
// display name, or the user id when the name is empty.
func (s UserSession) Label() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.ID
}

// IsExpired reports whether s holds a session id that has been idle for
// longer than the policy timeout at now. A session without id never expires;
// it is simply absent.
func (p Policy) IsExpired(s UserSession, now time.Time) bool {
	if s.SessionID == "" {
		return false
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return now.Sub(s.UpdatedAt) > timeout
}

// Reusable reports whether the stored session id can be sent with the next
// run: present and not expired.
func (p Policy) Reusable(s UserSession, now time.Time) bool {
	return s.SessionID != "" && !p.IsExpired(s, now)
}
