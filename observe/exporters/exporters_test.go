package exporters

import (
	"context"
	"strings"
	"testing"
)

func TestValidExporterNames(t *testing.T) {
	tests := []struct {
		name    string
		tracing bool
		metrics bool
	}{
		{"otlp", true, true},
		{"jaeger", true, false},
		{"prometheus", false, true},
		{"stdout", true, true},
		{"none", true, true},
		{"", true, true},
		{"zipkin", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidTracingExporter(tt.name); got != tt.tracing {
				t.Errorf("ValidTracingExporter(%q) = %v, want %v", tt.name, got, tt.tracing)
			}
			if got := ValidMetricsExporter(tt.name); got != tt.metrics {
				t.Errorf("ValidMetricsExporter(%q) = %v, want %v", tt.name, got, tt.metrics)
			}
		})
	}
}

func TestNewTracingExporter_Unknown(t *testing.T) {
	_, err := NewTracingExporter(context.Background(), "invalid")
	if err == nil {
		t.Fatal("expected error for invalid exporter name")
	}
	if !strings.Contains(err.Error(), "unknown exporter") {
		t.Errorf("expected 'unknown exporter' in error, got: %v", err)
	}
}

func TestNewTracingExporter_StdoutAndNone(t *testing.T) {
	for _, name := range []string{"stdout", "none", ""} {
		exp, err := NewTracingExporter(context.Background(), name)
		if err != nil {
			t.Fatalf("NewTracingExporter(%q) error = %v", name, err)
		}
		if exp == nil {
			t.Fatalf("NewTracingExporter(%q) returned nil exporter", name)
		}
	}
}

func TestNewTracingExporter_OTLPRequiresEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "")

	_, err := NewTracingExporter(context.Background(), "otlp")
	if err == nil {
		t.Fatal("expected error when OTLP endpoint not configured")
	}
	if !strings.Contains(strings.ToLower(err.Error()), "endpoint") {
		t.Errorf("expected 'endpoint' in error, got: %v", err)
	}
}

func TestNewTracingExporter_JaegerRequiresEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_JAEGER_ENDPOINT", "")

	if _, err := NewTracingExporter(context.Background(), "jaeger"); err == nil {
		t.Fatal("expected error when Jaeger endpoint not configured")
	}
}

func TestNewMetricsReader(t *testing.T) {
	for _, name := range []string{"stdout", "none", ""} {
		reader, err := NewMetricsReader(context.Background(), name)
		if err != nil {
			t.Fatalf("NewMetricsReader(%q) error = %v", name, err)
		}
		if reader == nil {
			t.Fatalf("NewMetricsReader(%q) returned nil reader", name)
		}
	}

	if _, err := NewMetricsReader(context.Background(), "graphite"); err == nil {
		t.Fatal("expected error for unknown metrics exporter")
	}
}

func TestNewMetricsReader_OTLPRequiresEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "")

	if _, err := NewMetricsReader(context.Background(), "otlp"); err == nil {
		t.Fatal("expected error when OTLP metrics endpoint not configured")
	}
}
