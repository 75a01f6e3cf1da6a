// Package pulse publishes engine lifecycle events to goa.design/pulse streams
// and reads them back. Services build a Redis client, pass it to the Pulse
// client and hand the resulting Sink to the engine.
package pulse

import (
	"context"
	"encoding/json"
	"errors"

	"goa.design/relay/features/stream/pulse/clients/pulse"
	"goa.design/relay/runtime/relay/engine"
)

// DefaultStreamID is the stream every lifecycle event is published to unless
// Options.StreamID says otherwise.
const DefaultStreamID = "relay/lifecycle"

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client publishes the events. Required.
		Client pulse.Client
		// StreamID picks the target stream for an event. Defaults to
		// DefaultStreamID for every event.
		StreamID func(engine.LifecycleEvent) (string, error)
	}

	// Sink implements engine.Sink on Pulse. Safe for concurrent use.
	Sink struct {
		client   pulse.Client
		streamID func(engine.LifecycleEvent) (string, error)
	}
)

var _ engine.Sink = (*Sink)(nil)

// NewSink returns a Pulse-backed lifecycle sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = func(engine.LifecycleEvent) (string, error) { return DefaultStreamID, nil }
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// InstanceStreamID routes each event to a stream dedicated to its instance.
func InstanceStreamID(ev engine.LifecycleEvent) (string, error) {
	if ev.InstanceID == "" {
		return "", errors.New("lifecycle event missing instance id")
	}
	return "relay/instance/" + ev.InstanceID, nil
}

// Publish implements engine.Sink. The entry name is the lifecycle type and
// the payload is the JSON-encoded event.
func (s *Sink) Publish(ctx context.Context, ev engine.LifecycleEvent) error {
	name, err := s.streamID(ev)
	if err != nil {
		return err
	}
	str, err := s.client.Stream(name)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = str.Add(ctx, string(ev.Type), payload)
	return err
}

// Close releases the Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}
