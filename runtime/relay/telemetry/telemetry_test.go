package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

func TestNoopImplementations(t *testing.T) {
	ctx := context.Background()

	logger := NewNoopLogger()
	logger.Debug(ctx, "debug", "k", "v")
	logger.Info(ctx, "info", "k", "v")
	logger.Warn(ctx, "warn", "k", "v")
	logger.Error(ctx, "error", "err", errors.New("boom"))

	metrics := NewNoopMetrics()
	metrics.IncCounter("relay.test", 1, "k", "v")
	metrics.RecordTimer("relay.test", time.Second)
	metrics.RecordGauge("relay.test", 3)

	tracer := NewNoopTracer()
	got, span := tracer.Start(ctx, "relay.test")
	require.Equal(t, ctx, got)
	span.AddEvent("event", "k", 1)
	span.SetStatus(codes.Ok, "")
	span.RecordError(errors.New("boom"))
	span.End()
	require.NotNil(t, tracer.Span(ctx))
}

func TestFieldersPairsKeysAndValues(t *testing.T) {
	fs := fielders("hello", []any{"a", 1, 2, "skipped", "err", errors.New("boom"), "dangling"})
	require.Equal(t, []log.Fielder{
		log.KV{K: "msg", V: "hello"},
		log.KV{K: "a", V: 1},
		log.KV{K: "err", V: "boom"},
		log.KV{K: "dangling", V: nil},
	}, fs)
}

func TestTagsToAttrs(t *testing.T) {
	attrs := tagsToAttrs([]string{"workflow", "conversationTurn", "odd"})
	assert.Equal(t, []attribute.KeyValue{
		attribute.String("workflow", "conversationTurn"),
		attribute.String("odd", ""),
	}, attrs)
}

func TestKVToAttrsConvertsTypes(t *testing.T) {
	attrs := kvToAttrs([]any{"s", "x", "i", 2, "b", true, "d", time.Second, "n", nil})
	assert.Equal(t, []attribute.KeyValue{
		attribute.String("s", "x"),
		attribute.Int("i", 2),
		attribute.Bool("b", true),
		attribute.String("d", "1s"),
		attribute.String("n", ""),
	}, attrs)
}

func TestMergeContextCarriesSpanContext(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1},
		SpanID:     trace.SpanID{2},
		TraceFlags: trace.FlagsSampled,
	})
	base := trace.ContextWithSpanContext(context.Background(), sc)

	merged := MergeContext(context.Background(), base)
	assert.Equal(t, sc, trace.SpanContextFromContext(merged))

	ctx := context.Background()
	assert.Equal(t, ctx, MergeContext(ctx, nil))
}
