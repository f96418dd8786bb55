package tracing

import (
	"context"
	"os"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func TestServiceVersion(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{
			name:     "with SERVICE_VERSION set",
			envValue: "v1.0.0",
			expected: "v1.0.0",
		},
		{
			name:     "with empty SERVICE_VERSION",
			envValue: "",
			expected: "dev",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv("SERVICE_VERSION", tt.envValue)
				defer os.Unsetenv("SERVICE_VERSION")
			} else {
				os.Unsetenv("SERVICE_VERSION")
			}

			result := serviceVersion()
			if result != tt.expected {
				t.Errorf("serviceVersion() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestInstanceID(t *testing.T) {
	tests := []struct {
		name        string
		hostnameEnv string
		podNameEnv  string
		expected    string
	}{
		{
			name:        "with HOSTNAME set",
			hostnameEnv: "imagery-api-01",
			podNameEnv:  "",
			expected:    "imagery-api-01",
		},
		{
			name:        "with POD_NAME set (no HOSTNAME)",
			hostnameEnv: "",
			podNameEnv:  "imagery-dispatcher-abc123",
			expected:    "imagery-dispatcher-abc123",
		},
		{
			name:        "with both HOSTNAME and POD_NAME set (HOSTNAME takes precedence)",
			hostnameEnv: "imagery-api-01",
			podNameEnv:  "imagery-dispatcher-abc123",
			expected:    "imagery-api-01",
		},
		{
			name:        "with neither set",
			hostnameEnv: "",
			podNameEnv:  "",
			expected:    "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Clean up environment
			os.Unsetenv("HOSTNAME")
			os.Unsetenv("POD_NAME")

			// Set test environment
			if tt.hostnameEnv != "" {
				os.Setenv("HOSTNAME", tt.hostnameEnv)
				defer os.Unsetenv("HOSTNAME")
			}
			if tt.podNameEnv != "" {
				os.Setenv("POD_NAME", tt.podNameEnv)
				defer os.Unsetenv("POD_NAME")
			}

			result := instanceID()
			if result != tt.expected {
				t.Errorf("instanceID() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestOTLPEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{
			name:     "with http:// prefix",
			envValue: "http://tempo:4318",
			expected: "tempo:4318",
		},
		{
			name:     "with https:// prefix",
			envValue: "https://tempo:4318",
			expected: "tempo:4318",
		},
		{
			name:     "without protocol prefix",
			envValue: "tempo:4318",
			expected: "tempo:4318",
		},
		{
			name:     "with custom endpoint",
			envValue: "otel-collector.monitoring.svc.cluster.local:4318",
			expected: "otel-collector.monitoring.svc.cluster.local:4318",
		},
		{
			name:     "empty environment variable",
			envValue: "",
			expected: "tempo:4318",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.envValue)
				defer os.Unsetenv("OTEL_EXPORTER_OTLP_ENDPOINT")
			} else {
				os.Unsetenv("OTEL_EXPORTER_OTLP_ENDPOINT")
			}

			result := otlpEndpoint()
			if result != tt.expected {
				t.Errorf("otlpEndpoint() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestGetTracer(t *testing.T) {
	tracer := GetTracer()
	if tracer == nil {
		t.Error("GetTracer() returned nil")
	}

	ctx := context.Background()
	_, span := tracer.Start(ctx, "test-span")
	if span == nil {
		t.Error("GetTracer().Start() returned nil span")
	}
	span.End()
}

func TestStartSpan(t *testing.T) {
	tests := []struct {
		name     string
		spanName string
		attrs    []attribute.KeyValue
	}{
		{
			name:     "simple span without attributes",
			spanName: "capture-job",
			attrs:    nil,
		},
		{
			name:     "span with single attribute",
			spanName: "deliver-webhook",
			attrs:    []attribute.KeyValue{attribute.String("delivery.id", "delivery-123")},
		},
		{
			name:     "span with multiple attributes",
			spanName: "http-request",
			attrs: []attribute.KeyValue{
				attribute.String("http.method", "POST"),
				attribute.String("http.url", "/api/capture"),
				attribute.Int("http.status_code", 200),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			newCtx, span := StartSpan(ctx, tt.spanName, tt.attrs...)

			if newCtx == nil {
				t.Error("StartSpan() returned nil context")
			}
			if span == nil {
				t.Error("StartSpan() returned nil span")
			}

			spanFromCtx := oteltrace.SpanFromContext(newCtx)
			if spanFromCtx == nil {
				t.Error("StartSpan() span not found in returned context")
			}

			span.End()
		})
	}
}

func TestAddSpanEvent(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	tests := []struct {
		name      string
		eventName string
		attrs     []attribute.KeyValue
		hasSpan   bool
	}{
		{
			name:      "event with span in context",
			eventName: "attempt-started",
			attrs:     []attribute.KeyValue{attribute.String("delivery.id", "delivery-123")},
			hasSpan:   true,
		},
		{
			name:      "event without span in context",
			eventName: "attempt-started",
			attrs:     []attribute.KeyValue{attribute.String("delivery.id", "delivery-456")},
			hasSpan:   false,
		},
		{
			name:      "event with multiple attributes",
			eventName: "retry-scheduled",
			attrs: []attribute.KeyValue{
				attribute.Int("attempt.number", 3),
				attribute.String("retry.reason", "http_5xx"),
			},
			hasSpan: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()

			if tt.hasSpan {
				var span oteltrace.Span
				ctx, span = StartSpan(ctx, "test-span")
				defer span.End()
			}

			// Must not panic whether or not a span exists
			AddSpanEvent(ctx, tt.eventName, tt.attrs...)
		})
	}
}

func TestSetSpanError(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	tests := []struct {
		name    string
		err     error
		hasSpan bool
	}{
		{
			name:    "error with span in context",
			err:     context.DeadlineExceeded,
			hasSpan: true,
		},
		{
			name:    "error without span in context",
			err:     context.Canceled,
			hasSpan: false,
		},
		{
			name:    "nil error with span",
			err:     nil,
			hasSpan: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()

			if tt.hasSpan {
				var span oteltrace.Span
				ctx, span = StartSpan(ctx, "test-span")
				defer span.End()
			}

			// Must not panic whether or not a span exists or err is nil
			SetSpanError(ctx, tt.err)
		})
	}
}

func TestGetTraceID(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	tests := []struct {
		name    string
		hasSpan bool
	}{
		{
			name:    "context with valid span",
			hasSpan: true,
		},
		{
			name:    "context without span",
			hasSpan: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()

			if tt.hasSpan {
				var span oteltrace.Span
				ctx, span = StartSpan(ctx, "test-span")
				defer span.End()
			}

			traceID := GetTraceID(ctx)

			if tt.hasSpan {
				if traceID == "" {
					t.Error("GetTraceID() returned empty string for context with span")
				}
				if len(traceID) != 32 {
					t.Errorf("GetTraceID() returned trace ID with unexpected length: got %d, want 32", len(traceID))
				}
			} else {
				if traceID != "" {
					t.Errorf("GetTraceID() returned %q for context without span, want empty string", traceID)
				}
			}
		})
	}
}

func TestPropagateTraceToNSQ(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	ctx, span := StartSpan(context.Background(), "test-span")
	defer span.End()

	headers := PropagateTraceToNSQ(ctx)

	if headers == nil {
		t.Fatal("PropagateTraceToNSQ() returned nil headers")
	}
	if len(headers) == 0 {
		t.Error("PropagateTraceToNSQ() returned empty headers for context with span")
	}

	found := false
	for key := range headers {
		if strings.Contains(strings.ToLower(key), "trace") {
			found = true
			break
		}
	}
	if !found {
		t.Error("PropagateTraceToNSQ() did not include trace context headers")
	}
}

func TestExtractTraceFromNSQ(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{
			name:    "empty headers",
			headers: map[string]string{},
		},
		{
			name: "headers with trace context",
			headers: map[string]string{
				"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
			},
		},
		{
			name: "headers with invalid trace context",
			headers: map[string]string{
				"traceparent": "invalid-trace-context",
			},
		},
		{
			name:    "nil headers",
			headers: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()

			// Must not panic regardless of header content
			newCtx := ExtractTraceFromNSQ(ctx, tt.headers)

			if newCtx == nil {
				t.Error("ExtractTraceFromNSQ() returned nil context")
			}
		})
	}
}

func TestTraceRoundTrip(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	ctx := context.Background()
	ctx, span := StartSpan(ctx, "capture-job")
	defer span.End()

	originalTraceID := GetTraceID(ctx)
	if originalTraceID == "" {
		t.Fatal("Failed to get trace ID from original context")
	}

	headers := PropagateTraceToNSQ(ctx)
	if len(headers) == 0 {
		t.Fatal("PropagateTraceToNSQ() returned empty headers")
	}

	newCtx := ExtractTraceFromNSQ(context.Background(), headers)

	// Start a child span to activate the trace context
	newCtx, childSpan := StartSpan(newCtx, "deliver-webhook")
	defer childSpan.End()

	extractedTraceID := GetTraceID(newCtx)

	if extractedTraceID != originalTraceID {
		t.Errorf("Trace ID changed during round-trip: original=%s, extracted=%s", originalTraceID, extractedTraceID)
	}
}

func TestTracerNameConstant(t *testing.T) {
	expected := "github.com/geofy/imagery-hooks"
	if TracerName != expected {
		t.Errorf("TracerName constant = %q, want %q", TracerName, expected)
	}
}
