package tracer

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestSetupNone(t *testing.T) {
	shutdown, err := Setup(context.Background(), "none")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer shutdown(context.Background())

	if _, ok := otel.GetTracerProvider().(noop.TracerProvider); !ok {
		t.Fatalf("expected noop provider, got %T", otel.GetTracerProvider())
	}
}

func TestSetupStdout(t *testing.T) {
	shutdown, err := Setup(context.Background(), "stdout")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupUnsupported(t *testing.T) {
	if _, err := Setup(context.Background(), "zipkin"); err == nil {
		t.Fatalf("expected error for unsupported exporter")
	}
}

func TestStartSpanRecordsAttributesAndErrors(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	defer otel.SetTracerProvider(noop.NewTracerProvider())

	_, span := StartSpan(context.Background(), "dispatch.match_queue", StringAttr("queue_id", "q1"), IntAttr("attempt", 2))
	RecordError(span, errors.New("boom"))
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	s := ended[0]
	if s.Name() != "dispatch.match_queue" {
		t.Fatalf("unexpected span name %q", s.Name())
	}
	if len(s.Attributes()) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(s.Attributes()))
	}
	if len(s.Events()) != 1 {
		t.Fatalf("expected the error to be recorded as an event")
	}
}
