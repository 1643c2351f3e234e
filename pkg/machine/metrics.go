package machine

import (
	"context"
	"time"

	"github.com/KevoDB/clocksim/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// MachineMetrics defines the telemetry a machine records
type MachineMetrics interface {
	RecordTick(ctx context.Context, op int, barrierWait time.Duration)
	RecordEvent(ctx context.Context, kind string, link int)
	RecordQueueDepth(ctx context.Context, depth int)
	RecordDiscard(ctx context.Context, reason string)
	RecordLinkLost(ctx context.Context, link int, reason string)
	StartTickSpan(ctx context.Context, seq uint64, op int) (context.Context, func())
	Close() error
}

type machineMetrics struct {
	tel   telemetry.Telemetry
	attrs []attribute.KeyValue
}

// NewMachineMetrics records machine metrics through tel, tagging every
// data point with the machine name and run id
func NewMachineMetrics(tel telemetry.Telemetry, name, runID string) MachineMetrics {
	return &machineMetrics{
		tel: tel,
		attrs: []attribute.KeyValue{
			attribute.String(telemetry.AttrMachine, name),
			attribute.String(telemetry.AttrRunID, runID),
		},
	}
}

// NewNoopMachineMetrics creates a no-op MachineMetrics for tests or when
// telemetry is disabled
func NewNoopMachineMetrics() MachineMetrics {
	return noopMachineMetrics{}
}

func (m *machineMetrics) with(extra ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(m.attrs)+len(extra))
	out = append(out, m.attrs...)
	return append(out, extra...)
}

func (m *machineMetrics) RecordTick(ctx context.Context, op int, barrierWait time.Duration) {
	m.tel.RecordCounter(ctx, "clocksim.machine.ticks", 1, m.with(attribute.Int(telemetry.AttrOpCode, op))...)
	m.tel.RecordHistogram(ctx, "clocksim.machine.barrier.wait.seconds", barrierWait.Seconds(), m.attrs...)
}

func (m *machineMetrics) RecordEvent(ctx context.Context, kind string, link int) {
	m.tel.RecordCounter(ctx, "clocksim.machine.events", 1,
		m.with(attribute.String(telemetry.AttrEventKind, kind), attribute.Int(telemetry.AttrLink, link))...)
}

func (m *machineMetrics) RecordQueueDepth(ctx context.Context, depth int) {
	m.tel.RecordHistogram(ctx, "clocksim.machine.queue.depth", float64(depth), m.attrs...)
}

func (m *machineMetrics) RecordDiscard(ctx context.Context, reason string) {
	m.tel.RecordCounter(ctx, "clocksim.machine.discards", 1, m.with(attribute.String(telemetry.AttrReason, reason))...)
}

func (m *machineMetrics) RecordLinkLost(ctx context.Context, link int, reason string) {
	m.tel.RecordCounter(ctx, "clocksim.machine.links.lost", 1,
		m.with(attribute.Int(telemetry.AttrLink, link), attribute.String(telemetry.AttrReason, reason))...)
}

func (m *machineMetrics) StartTickSpan(ctx context.Context, seq uint64, op int) (context.Context, func()) {
	ctx, span := m.tel.StartSpan(ctx, "clocksim.machine.tick",
		m.with(attribute.Int64(telemetry.AttrTickSeq, int64(seq)), attribute.Int(telemetry.AttrOpCode, op))...)
	return ctx, func() { span.End() }
}

func (m *machineMetrics) Close() error {
	return nil
}

type noopMachineMetrics struct{}

func (noopMachineMetrics) RecordTick(context.Context, int, time.Duration) {}
func (noopMachineMetrics) RecordEvent(context.Context, string, int)       {}
func (noopMachineMetrics) RecordQueueDepth(context.Context, int)          {}
func (noopMachineMetrics) RecordDiscard(context.Context, string)          {}
func (noopMachineMetrics) RecordLinkLost(context.Context, int, string)    {}
func (noopMachineMetrics) StartTickSpan(ctx context.Context, _ uint64, _ int) (context.Context, func()) {
	return ctx, func() {}
}
func (noopMachineMetrics) Close() error { return nil }
