package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Tests in this file replace the global tracer provider and must not run in
// parallel.

func TestTransportPropagatesTraceContext(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "mdimg-test"}, sdktrace.WithSpanProcessor(rec))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	var traceparent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("Traceparent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ctx, span := Tracer().Start(context.Background(), "run")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := (&http.Client{Transport: Transport(nil)}).Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	span.End()

	require.NotEmpty(t, traceparent)
	require.Contains(t, traceparent, span.SpanContext().TraceID().String())

	ended := rec.Ended()
	require.Len(t, ended, 2)
	require.Equal(t, "run", ended[1].Name())
	require.Equal(t, span.SpanContext().SpanID(), ended[0].Parent().SpanID())
}

func TestInitTracerProviderSamplesByRatio(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(context.Background(), Config{SampleRatio: 0.0000001}, sdktrace.WithSpanProcessor(rec))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	for i := 0; i < 10; i++ {
		_, span := Tracer().Start(context.Background(), "unsampled")
		span.End()
	}
	require.Empty(t, rec.Ended())
}
