// ABOUTME: Core telemetry abstraction over OpenTelemetry for simulator instrumentation
// ABOUTME: Provides metric creation, tracing, and lifecycle management with a no-op implementation

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides the core abstraction over OpenTelemetry for simulator components.
// Components use this interface to record metrics and spans without depending directly on OpenTelemetry.
type Telemetry interface {
	// RecordHistogram records a histogram value with optional attributes.
	RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)

	// RecordCounter records a counter increment with optional attributes.
	RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue)

	// StartSpan creates a new tracing span with the given name and attributes.
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// Shutdown gracefully shuts down all telemetry providers and exports remaining data.
	Shutdown(ctx context.Context) error
}

// NoopTelemetry provides a no-operation implementation of Telemetry for testing or disabled scenarios.
type NoopTelemetry struct{}

// NewNoop creates a new no-operation telemetry instance.
func NewNoop() Telemetry {
	return &NoopTelemetry{}
}

// RecordHistogram is a no-op.
func (n *NoopTelemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
}

// RecordCounter is a no-op.
func (n *NoopTelemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
}

// StartSpan returns the original context and its span, which is a no-op
// span unless the caller already started one.
func (n *NoopTelemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

// Shutdown is a no-op.
func (n *NoopTelemetry) Shutdown(ctx context.Context) error {
	return nil
}

// RecordDuration records the time since start, in seconds, in a histogram.
func RecordDuration(ctx context.Context, tel Telemetry, name string, start time.Time, attrs ...attribute.KeyValue) {
	tel.RecordHistogram(ctx, name, time.Since(start).Seconds(), attrs...)
}

// Attribute keys shared by every component
const (
	AttrMachine   = "machine"
	AttrRunID     = "run.id"
	AttrOpCode    = "op.code"
	AttrEventKind = "event.kind"
	AttrLink      = "link"
	AttrReason    = "reason"
	AttrTickSeq   = "tick.seq"
	AttrStatus    = "status"
)

// Event kinds as they appear in the event.kind attribute
const (
	EventReceive  = "receive"
	EventSend     = "send"
	EventInternal = "internal"
)
