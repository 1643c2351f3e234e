package transport

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector collects metrics for links and inbound connections
type MetricsCollector interface {
	// RecordSend records one outbound frame, how long the write took and
	// whether it failed
	RecordSend(bytes int, startTime time.Time, err error)

	// RecordReceive records bytes read from an inbound connection
	RecordReceive(bytes int)

	// RecordFrame records a decoded inbound frame; ok is false when the
	// checksum did not match
	RecordFrame(ok bool)

	// RecordMalformed records a discarded payload token
	RecordMalformed()

	// RecordConnection records a dial or accept
	RecordConnection(successful bool)

	// GetMetrics returns the current metrics
	GetMetrics() Metrics
}

// Metrics is a snapshot of transport counters
type Metrics struct {
	FramesSent         uint64
	SendFailures       uint64
	BytesSent          uint64
	BytesReceived      uint64
	FramesReceived     uint64
	ChecksumFailures   uint64
	MalformedTokens    uint64
	Connections        uint64
	ConnectionFailures uint64
	AvgSendLatency     time.Duration
}

// BasicMetricsCollector is a simple implementation of MetricsCollector
type BasicMetricsCollector struct {
	framesSent         uint64
	sendFailures       uint64
	bytesSent          uint64
	bytesReceived      uint64
	framesReceived     uint64
	checksumFailures   uint64
	malformedTokens    uint64
	connections        uint64
	connectionFailures uint64

	mu             sync.Mutex
	avgSendLatency time.Duration
	sendCount      uint64
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() MetricsCollector {
	return &BasicMetricsCollector{}
}

// RecordSend records metrics for one outbound frame
func (c *BasicMetricsCollector) RecordSend(bytes int, startTime time.Time, err error) {
	if err != nil {
		atomic.AddUint64(&c.sendFailures, 1)
		return
	}
	atomic.AddUint64(&c.framesSent, 1)
	atomic.AddUint64(&c.bytesSent, uint64(bytes))

	latency := time.Since(startTime)

	c.mu.Lock()
	defer c.mu.Unlock()

	// new_avg = (old_avg * count + new_value) / (count + 1)
	total := c.avgSendLatency*time.Duration(c.sendCount) + latency
	c.sendCount++
	c.avgSendLatency = total / time.Duration(c.sendCount)
}

// RecordReceive records bytes read from a connection
func (c *BasicMetricsCollector) RecordReceive(bytes int) {
	atomic.AddUint64(&c.bytesReceived, uint64(bytes))
}

// RecordFrame records a decoded frame
func (c *BasicMetricsCollector) RecordFrame(ok bool) {
	if ok {
		atomic.AddUint64(&c.framesReceived, 1)
	} else {
		atomic.AddUint64(&c.checksumFailures, 1)
	}
}

// RecordMalformed records a discarded token
func (c *BasicMetricsCollector) RecordMalformed() {
	atomic.AddUint64(&c.malformedTokens, 1)
}

// RecordConnection records a connection event
func (c *BasicMetricsCollector) RecordConnection(successful bool) {
	if successful {
		atomic.AddUint64(&c.connections, 1)
	} else {
		atomic.AddUint64(&c.connectionFailures, 1)
	}
}

// GetMetrics returns the current metrics
func (c *BasicMetricsCollector) GetMetrics() Metrics {
	c.mu.Lock()
	avg := c.avgSendLatency
	c.mu.Unlock()

	return Metrics{
		FramesSent:         atomic.LoadUint64(&c.framesSent),
		SendFailures:       atomic.LoadUint64(&c.sendFailures),
		BytesSent:          atomic.LoadUint64(&c.bytesSent),
		BytesReceived:      atomic.LoadUint64(&c.bytesReceived),
		FramesReceived:     atomic.LoadUint64(&c.framesReceived),
		ChecksumFailures:   atomic.LoadUint64(&c.checksumFailures),
		MalformedTokens:    atomic.LoadUint64(&c.malformedTokens),
		Connections:        atomic.LoadUint64(&c.connections),
		ConnectionFailures: atomic.LoadUint64(&c.connectionFailures),
		AvgSendLatency:     avg,
	}
}

type noopMetrics struct{}

func (noopMetrics) RecordSend(int, time.Time, error) {}
func (noopMetrics) RecordReceive(int)                {}
func (noopMetrics) RecordFrame(bool)                 {}
func (noopMetrics) RecordMalformed()                 {}
func (noopMetrics) RecordConnection(bool)            {}
func (noopMetrics) GetMetrics() Metrics              { return Metrics{} }
