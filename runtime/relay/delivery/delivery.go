// Package delivery splits outbound text into platform-sized segments and
// sends them to the chat platform in order.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"goa.design/relay/runtime/relay/engine"
	"goa.design/relay/runtime/relay/retry"
)

// DefaultChunkSize is the maximum number of characters per segment.
const DefaultChunkSize = 800

type (
	// Sender posts one message to a chat platform.
	Sender interface {
		Send(ctx context.Context, text string) error
	}

	// SenderFunc adapts a function into a Sender.
	SenderFunc func(ctx context.Context, text string) error

	// Options configures a Deliverer.
	Options struct {
		// ChunkSize defaults to DefaultChunkSize.
		ChunkSize int
		// Retry bounds the attempts made for each segment. Zero value uses
		// three attempts starting at 500ms.
		Retry retry.Config
	}

	// Deliverer sends text through a Sender one segment at a time.
	Deliverer struct {
		sender Sender
		size   int
		retry  retry.Config
	}

	// Report summarizes a delivery.
	Report struct {
		// Segments is the number of segments the text was split into.
		Segments int `json:"segments"`
		// SegmentsSent is the number of segments the platform accepted.
		SegmentsSent int `json:"segments_sent"`
	}

	// PartialFailure reports a delivery that stopped after sending some but
	// not all segments.
	PartialFailure struct {
		SegmentsSent int
		Segments     int
		Err          error
	}

	// Router picks a Deliverer by delivery type.
	Router map[string]*Deliverer
)

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, text string) error {
	return f(ctx, text)
}

// Error implements error.
func (e *PartialFailure) Error() string {
	return fmt.Sprintf("partial delivery: %d of %d segments sent: %v", e.SegmentsSent, e.Segments, e.Err)
}

// Unwrap returns the error of the failed segment.
func (e *PartialFailure) Unwrap() error {
	return e.Err
}

// Chunk splits text into consecutive segments of at most size characters.
// It never returns an empty segment. Bytes that are not valid UTF-8 count as
// one character each and are passed through unchanged, so joining the
// segments always yields text.
func Chunk(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if text == "" {
		return nil
	}
	var chunks []string
	start, n := 0, 0
	for i := 0; i < len(text); {
		_, w := utf8.DecodeRuneInString(text[i:])
		i += w
		n++
		if n == size {
			chunks = append(chunks, text[start:i])
			start, n = i, 0
		}
	}
	if start < len(text) {
		chunks = append(chunks, text[start:])
	}
	return chunks
}

// Segments chunks text and prefixes the first segment with an "@label "
// mention. An empty label adds no mention.
func Segments(label, text string, size int) []string {
	chunks := Chunk(text, size)
	if len(chunks) > 0 && label != "" {
		chunks[0] = "@" + label + " " + chunks[0]
	}
	return chunks
}

// New returns a Deliverer sending through sender.
func New(sender Sender, opts Options) (*Deliverer, error) {
	if sender == nil {
		return nil, errors.New("sender is required")
	}
	size := opts.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	cfg := opts.Retry
	if cfg.MaxAttempts <= 0 {
		cfg = retry.Config{
			MaxAttempts:       3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2,
			Jitter:            0.1,
		}
	}
	if cfg.Retryable == nil {
		cfg.Retryable = retryable
	}
	return &Deliverer{sender: sender, size: size, retry: cfg}, nil
}

// Deliver sends text to label in order, waiting for each segment before
// sending the next. When a segment fails after retries Deliver stops: it
// returns the underlying error if nothing was sent and a *PartialFailure
// otherwise.
func (d *Deliverer) Deliver(ctx context.Context, label, text string) (Report, error) {
	segments := Segments(label, text, d.size)
	rep := Report{Segments: len(segments)}
	for _, seg := range segments {
		err := retry.Do(ctx, d.retry, func(ctx context.Context, _ int) error {
			return d.sender.Send(ctx, seg)
		})
		if err != nil {
			if rep.SegmentsSent == 0 {
				return rep, err
			}
			return rep, &PartialFailure{SegmentsSent: rep.SegmentsSent, Segments: rep.Segments, Err: err}
		}
		rep.SegmentsSent++
	}
	return rep, nil
}

// Deliver routes to the Deliverer registered for deliveryType.
func (r Router) Deliver(ctx context.Context, deliveryType, label, text string) (Report, error) {
	d, ok := r[deliveryType]
	if !ok {
		return Report{}, engine.Errorf(engine.KindBadRequest, "unknown delivery type %q", deliveryType)
	}
	return d.Deliver(ctx, label, text)
}

func retryable(err error) bool {
	var e *engine.Error
	if errors.As(err, &e) {
		return e.Kind == engine.KindTransient
	}
	return retry.IsRetryable(err)
}
