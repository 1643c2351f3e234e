// ABOUTME: Tests for the OpenTelemetry provider against real stdout and Prometheus exporters
// ABOUTME: Verifies disabled configs yield the no-op provider and data reaches the exporters

package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func TestNewDisabledIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	tel, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := tel.(*NoopTelemetry); !ok {
		t.Errorf("Expected no-op telemetry when disabled, got %T", tel)
	}
}

func TestNewWithInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.SampleRate = 2

	if _, err := New(cfg); err == nil {
		t.Error("Expected error for invalid config")
	}
}

func TestStdoutExport(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Output = &buf

	tel, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	attrs := []attribute.KeyValue{attribute.String(AttrMachine, "p1")}
	tel.RecordCounter(ctx, "clocksim.test.events", 3, attrs...)
	tel.RecordHistogram(ctx, "clocksim.test.depth", 2, attrs...)
	RecordDuration(ctx, tel, "clocksim.test.seconds", time.Now(), attrs...)
	_, span := tel.StartSpan(ctx, "clocksim.test.span", attrs...)
	span.End()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"clocksim.test.events", "clocksim.test.depth", "clocksim.test.seconds", "clocksim.test.span"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in exported data", want)
		}
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	port := lis.Addr().(*net.TCPAddr).Port
	lis.Close()
	return port
}

func TestPrometheusExport(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporters = []string{ExporterPrometheus}
	cfg.PrometheusPort = freePort(t)

	tel, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer tel.Shutdown(context.Background())

	tel.RecordCounter(context.Background(), "clocksim.test.ticks", 5)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", cfg.PrometheusPort))
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read scrape: %v", err)
	}
	if !strings.Contains(string(body), "clocksim_test_ticks") {
		t.Errorf("Expected counter in scrape, got:\n%s", body)
	}
}
