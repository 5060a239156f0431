package otelx

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInit_Disabled_InstallsSDKProvider(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("TracerProvider type = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}
}

func TestInit_Disabled_SpansHaveIDsButAreNotSampled(t *testing.T) {
	shutdown, _ := Init(context.Background(), Options{Enabled: false})
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	_, span := Tracer().Start(context.Background(), "hook.run")
	defer span.End()

	sc := span.SpanContext()
	if !sc.IsValid() {
		t.Fatal("span context should carry valid ids for log correlation")
	}
	if sc.IsSampled() {
		t.Fatal("disabled tracing should not sample")
	}
}

func TestInit_Disabled_ShutdownIdempotent(t *testing.T) {
	shutdown, _ := Init(context.Background(), Options{Enabled: false})
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	// sdk returns nil or an already-shutdown error; neither should panic
	_ = shutdown(context.Background())
}

func TestInit_SetsPropagator(t *testing.T) {
	shutdown, _ := Init(context.Background(), Options{Enabled: false})
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	fields := map[string]bool{}
	for _, f := range otel.GetTextMapPropagator().Fields() {
		fields[f] = true
	}
	if !fields["traceparent"] || !fields["baggage"] {
		t.Fatalf("propagator fields = %v", fields)
	}
}

func TestInit_Enabled_ReturnsPromptly(t *testing.T) {
	// gRPC defers the connection, so an unreachable collector must not block
	start := time.Now()
	shutdown, err := Init(context.Background(), Options{
		Enabled:   true,
		Endpoint:  "localhost:1",
		Insecure:  true,
		Sample:    1.0,
		Service:   "shinylive-postrender",
		Component: "hook",
		Version:   "v0.0.0-test",
	})
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("Init took %v", elapsed)
	}
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Logf("shutdown error (expected with no collector): %v", err)
	}
}
