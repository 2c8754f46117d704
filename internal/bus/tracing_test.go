package bus_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/crawlfleet/internal/protocol"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func TestPublishRecordsSpan(t *testing.T) {
	recorder := withRecorder(t)

	a := newAdapter(t, &flakyBroker{}, "w1")
	require.NoError(t, a.Publish(context.Background(), signal(t, protocol.CmdScraperAvailable, "w1", protocol.Broadcast)))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "bus.publish scraper_available", spans[0].Name())
	require.Contains(t, spans[0].Attributes(), attribute.String("crawlfleet.destination_id", protocol.Broadcast))
	require.Equal(t, codes.Unset, spans[0].Status().Code)
}

func TestPublishFailureMarksSpan(t *testing.T) {
	recorder := withRecorder(t)

	broker := &flakyBroker{failures: 10, err: errors.New("broker unreachable")}
	a := newAdapter(t, broker, "w1")
	require.Error(t, a.Publish(context.Background(), signal(t, protocol.CmdShutdown, "w1", "w2")))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.NotEmpty(t, spans[0].Events())
}
