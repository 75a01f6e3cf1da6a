package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	"goa.design/relay/features/stream/pulse/clients/pulse"
	"goa.design/relay/runtime/relay/engine"
)

type (
	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client reads the streams. Required.
		Client pulse.Client
		// SinkName is the Pulse consumer group. Defaults to "relay_lifecycle".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes lifecycle events from a Pulse stream.
	Subscriber struct {
		client pulse.Client
		name   string
		buffer int
	}

	// wireEvent mirrors engine.LifecycleEvent with a decodable error.
	wireEvent struct {
		engine.LifecycleEvent
		Error *struct {
			Kind    engine.Kind `json:"kind"`
			Message string      `json:"message"`
		} `json:"error,omitempty"`
	}
)

// NewSubscriber returns a Subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "relay_lifecycle"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, name: name, buffer: buffer}, nil
}

// Subscribe opens a consumer group on streamID and emits decoded events until
// ctx is done, the stream closes or an entry fails to decode or ack. The
// returned cancel function closes the consumer group and both channels.
func (s *Subscriber) Subscribe(ctx context.Context, streamID string, opts ...streamopts.Sink) (<-chan engine.LifecycleEvent, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan engine.LifecycleEvent, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	return events, errs, func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

func (s *Subscriber) consume(ctx context.Context, sink pulse.Sink, out chan<- engine.LifecycleEvent, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := decodeEvent(ev.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, ev); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}

func decodeEvent(payload []byte) (engine.LifecycleEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return engine.LifecycleEvent{}, err
	}
	ev := w.LifecycleEvent
	if w.Error != nil {
		ev.Error = &engine.Error{Kind: w.Error.Kind, Message: w.Error.Message}
	}
	return ev, nil
}
