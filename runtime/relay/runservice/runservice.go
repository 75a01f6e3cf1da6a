// Package runservice defines the client contract for the asynchronous AI run
// service the relay submits conversation turns to.
package runservice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	// StatusPending covers queued and running runs.
	StatusPending Status = "PENDING"
	// StatusSucceeded is terminal.
	StatusSucceeded Status = "SUCCEEDED"
	// StatusFailed is terminal.
	StatusFailed Status = "FAILED"
)

type (
	// Client submits runs and polls their status. Implementations do not
	// dedupe repeated calls.
	Client interface {
		// CreateThread opens a new conversation thread and returns its id.
		CreateThread(ctx context.Context) (string, error)
		// SubmitRun starts a run. Non-2xx responses fail with a KindTransient
		// error for 5xx and 429 and KindBadRequest otherwise.
		SubmitRun(ctx context.Context, req RunRequest) (Submission, error)
		// GetRun returns the current state of a run. Unknown ids fail with
		// KindNotFound.
		GetRun(ctx context.Context, runID string) (RunResult, error)
	}

	// RunRequest is the payload of one conversation turn.
	RunRequest struct {
		Args      []string `json:"args"`
		SessionID string   `json:"session_id,omitempty"`
	}

	// Submission is the service acknowledgement of a submitted run.
	Submission struct {
		RunID    string `json:"run_id"`
		Accepted bool   `json:"accepted"`
		// RetryAfter is the advertised delay before the first poll.
		RetryAfter time.Duration `json:"retry_after,omitempty"`
	}

	// RunResult is the observed state of a run.
	RunResult struct {
		RunID     string `json:"run_id"`
		Status    Status `json:"status"`
		Output    string `json:"output,omitempty"`
		SessionID string `json:"session_id,omitempty"`
		// RetryAfter is the advertised delay before the next poll of a
		// pending run.
		RetryAfter time.Duration `json:"retry_after,omitempty"`
	}

	// Output decodes a run output given either as a plain string or as an
	// object with a "value" field.
	Output string
)

// Terminal reports whether the run reached a final state.
func (r RunResult) Terminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Output) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*o = Output(s)
		return nil
	}
	var obj struct {
		Value *string `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("run output: %w", err)
	}
	if obj.Value != nil {
		*o = Output(*obj.Value)
	}
	return nil
}

// NormalizeStatus maps a service status onto the three run states. Unknown
// values are treated as still running.
func NormalizeStatus(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCEEDED", "SUCCESS", "COMPLETED":
		return StatusSucceeded
	case "FAILED", "ERROR", "CANCELLED", "CANCELED":
		return StatusFailed
	}
	return StatusPending
}
