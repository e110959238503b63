package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/seantiz/crucible/internal/config"
)

func TestInitNone(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TracingConfig{Exporter: "none"}, "crucible")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}

	_, span := StartSpan(context.Background(), "noop")
	defer span.End()
	if span.SpanContext().IsValid() {
		t.Error("noop provider produced a recording span")
	}
}

func TestInitUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), config.TracingConfig{Exporter: "carrier-pigeon"}, "crucible"); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInitStdout(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TracingConfig{Exporter: "stdout", SampleRatio: 1}, "crucible")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { otel.SetTracerProvider(sdktrace.NewTracerProvider()) })
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestInjectExtractRoundTrip(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	ctx, span := StartSpan(context.Background(), "submit")
	carrier := Inject(ctx)
	span.End()
	if carrier["traceparent"] == "" {
		t.Fatalf("carrier = %v, want traceparent", carrier)
	}

	remote := Extract(context.Background(), carrier)
	_, child := StartSpan(remote, "run")
	child.End()

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[1].Parent().SpanID() != spans[0].SpanContext().SpanID() {
		t.Error("extracted span is not a child of the injected one")
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "ParentBased{root:AlwaysOffSampler"},
		{1, "ParentBased{root:AlwaysOnSampler"},
		{0.5, "ParentBased{root:TraceIDRatioBased{0.5}"},
	}
	for _, tt := range tests {
		got := sampler(tt.ratio).Description()
		if len(got) < len(tt.want) || got[:len(tt.want)] != tt.want {
			t.Errorf("sampler(%v) = %q, want prefix %q", tt.ratio, got, tt.want)
		}
	}
}
