package machine

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/KevoDB/clocksim/pkg/common/log"
	"github.com/KevoDB/clocksim/pkg/stats"
	"github.com/KevoDB/clocksim/pkg/transport"
)

// Feeder moves timestamps from inbound connections into the machine's
// queue. Its Serve method is the listener's connection handler.
type Feeder struct {
	state     *MachineState
	readSize  int
	maxFrame  int
	logger    log.Logger
	stats     stats.Collector
	metrics   MachineMetrics
	transport transport.MetricsCollector
}

// NewFeeder creates a feeder reading readSize bytes at a time
func NewFeeder(state *MachineState, readSize, maxFrame int, logger log.Logger, st stats.Collector, metrics MachineMetrics, tm transport.MetricsCollector) *Feeder {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	if st == nil {
		st = stats.NewAtomicCollector()
	}
	if metrics == nil {
		metrics = NewNoopMachineMetrics()
	}
	if tm == nil {
		tm = transport.NewMetricsCollector()
	}
	return &Feeder{
		state:     state,
		readSize:  readSize,
		maxFrame:  maxFrame,
		logger:    logger,
		stats:     st,
		metrics:   metrics,
		transport: tm,
	}
}

// Serve reads conn until it closes. Corrupt frames and malformed tokens
// are dropped; an oversized or unreadable frame header ends the
// connection. Neither affects the rest of the machine.
func (f *Feeder) Serve(ctx context.Context, conn net.Conn) {
	logger := f.logger.WithField("remote", conn.RemoteAddr())
	logger.Debug("Peer connected")

	dec := transport.NewDecoder(f.maxFrame)
	buf := make([]byte, f.readSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			f.stats.TrackBytes(false, uint64(n))
			f.transport.RecordReceive(n)
			dec.Write(buf[:n])
			if derr := f.drain(ctx, dec, logger); derr != nil {
				logger.Error("Dropping connection: %v", derr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				logger.Debug("Peer disconnected")
			} else {
				logger.Warn("Read failed: %v", err)
			}
			return
		}
	}
}

func (f *Feeder) drain(ctx context.Context, dec *transport.Decoder, logger log.Logger) error {
	for {
		payload, err := dec.Next()
		if err != nil {
			if transport.IsFatalToConnection(err) {
				return err
			}
			f.transport.RecordFrame(false)
			f.discard(ctx, "checksum")
			logger.Warn("Discarded frame: %v", err)
			continue
		}
		if payload == nil {
			return nil
		}
		f.transport.RecordFrame(true)

		values, bad := transport.ParseTokens(payload)
		for _, err := range bad {
			f.transport.RecordMalformed()
			f.discard(ctx, "malformed")
			logger.Warn("Discarded token: %v", err)
		}
		if len(values) == 0 {
			continue
		}

		depth := f.state.Enqueue(values...)
		for range values {
			f.stats.TrackOperation(stats.OpEnqueue)
		}
		f.stats.TrackQueueDepth(uint64(depth))
		f.metrics.RecordQueueDepth(ctx, depth)
	}
}

func (f *Feeder) discard(ctx context.Context, reason string) {
	f.stats.TrackOperation(stats.OpDiscard)
	f.metrics.RecordDiscard(ctx, reason)
}
