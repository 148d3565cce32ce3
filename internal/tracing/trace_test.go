package tracing

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestTracerProvider installs a provider with an in-memory exporter as
// the global provider for the duration of the test
func newTestTracerProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))

	origTP := otel.GetTracerProvider()
	origProp := otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(origTP)
		otel.SetTextMapPropagator(origProp)
	})
	return exp
}

func TestStartSpanRecords(t *testing.T) {
	exp := newTestTracerProvider(t)

	_, span := StartSpan(context.Background(), "dispatch.submit")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "dispatch.submit" {
		t.Fatalf("Expected one dispatch.submit span, got %+v", spans)
	}
}

func TestInjectExtractRoundTrip(t *testing.T) {
	newTestTracerProvider(t)

	ctx, span := StartSpan(context.Background(), "parent")
	defer span.End()

	headers := Inject(ctx)
	tp, ok := headers["traceparent"]
	if !ok {
		t.Fatalf("Expected traceparent header, got %v", headers)
	}
	if !strings.Contains(tp, span.SpanContext().TraceID().String()) {
		t.Errorf("traceparent %q does not carry trace id", tp)
	}

	remote := Extract(context.Background(), headers)
	_, child := StartSpan(remote, "worker")
	defer child.End()
	if child.SpanContext().TraceID() != span.SpanContext().TraceID() {
		t.Error("Child span did not continue the injected trace")
	}
}

func TestInjectWithoutSpan(t *testing.T) {
	newTestTracerProvider(t)
	if headers := Inject(context.Background()); headers != nil {
		t.Errorf("Expected no headers without a span, got %v", headers)
	}
}

func TestLoggerAddsTraceIDs(t *testing.T) {
	newTestTracerProvider(t)

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	Logger(context.Background(), base).Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Error("Did not expect trace_id without a span")
	}

	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	buf.Reset()
	Logger(ctx, base).Info("with span")
	if !strings.Contains(buf.String(), "trace_id="+span.SpanContext().TraceID().String()) {
		t.Errorf("Expected trace_id in log line, got %q", buf.String())
	}
}

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Enabled: false}, slog.Default())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func TestInitUnknownExporter(t *testing.T) {
	origTP := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "zipkin"}, slog.Default()); err == nil {
		t.Error("Expected error for unknown exporter")
	}
}

func TestLogExporter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(NewLogExporter(logger)))
	defer tp.Shutdown(context.Background())

	_, span := tp.Tracer("test").Start(context.Background(), "session.end")
	span.End()

	if !strings.Contains(buf.String(), "span session.end") {
		t.Errorf("Expected span to be logged, got %q", buf.String())
	}
}
