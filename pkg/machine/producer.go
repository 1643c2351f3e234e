package machine

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevoDB/clocksim/pkg/common/log"
	"github.com/KevoDB/clocksim/pkg/config"
	"github.com/KevoDB/clocksim/pkg/eventlog"
	"github.com/KevoDB/clocksim/pkg/stats"
	"github.com/KevoDB/clocksim/pkg/telemetry"
)

// Sender is the outbound side of a peer link
type Sender interface {
	Send(ts uint64) error
	Close() error
}

// Producer acts for one peer link. Each tick it either receives a queued
// message, sends the clock to its peer, logs an internal event, or stays
// silent because another producer acted.
type Producer struct {
	index    int
	state    *MachineState
	link     Sender
	recorder eventlog.Recorder
	logger   log.Logger
	stats    stats.Collector
	metrics  MachineMetrics
}

// NewProducer creates the producer with thread index idx (1 based)
func NewProducer(idx int, state *MachineState, link Sender, recorder eventlog.Recorder, logger log.Logger, st stats.Collector, metrics MachineMetrics) *Producer {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	if st == nil {
		st = stats.NewAtomicCollector()
	}
	if metrics == nil {
		metrics = NewNoopMachineMetrics()
	}
	return &Producer{
		index:    idx,
		state:    state,
		link:     link,
		recorder: recorder,
		logger:   logger.WithField("link", idx),
		stats:    st,
		metrics:  metrics,
	}
}

// Index returns the thread index
func (p *Producer) Index() int {
	return p.index
}

// Run takes part in every tick until ctx ends or the link fails. A failed
// send is fatal to this producer only; the link is closed and the machine
// carries on with the rest.
func (p *Producer) Run(ctx context.Context) error {
	after := p.state.Join(p.index)
	defer p.state.Leave(p.index)
	defer p.link.Close()

	for {
		t, err := p.state.WaitTick(ctx, after)
		if err != nil {
			return err
		}
		after = t.Seq

		err = p.handle(ctx, t)
		p.state.Finish(p.index, t)
		if err != nil {
			p.stats.TrackOperation(stats.OpLinkLost)
			p.metrics.RecordLinkLost(ctx, p.index, "send")
			p.logger.Error("Link lost: %v", err)
			return err
		}
	}
}

// Step handles a single tick without waiting for it; used by tests that
// drive the rendezvous by hand
func (p *Producer) Step(ctx context.Context, t *Tick) error {
	err := p.handle(ctx, t)
	p.state.Finish(p.index, t)
	return err
}

func (p *Producer) handle(ctx context.Context, t *Tick) error {
	d := p.state.Decide(p.index, t)

	switch d.Action {
	case ActionReceive:
		c := p.state.ApplyReceive(d.Timestamp)
		p.stats.TrackOperation(stats.OpReceive)
		p.stats.TrackQueueDepth(uint64(d.QueueLen))
		p.metrics.RecordQueueDepth(ctx, d.QueueLen)
		p.record(ctx, eventlog.Record{Op: eventlog.Receive(), Clock: c, QueueLen: d.QueueLen})

	case ActionGenerate:
		c := p.state.Clock()
		switch {
		case t.Op > config.BroadcastOpCode && !d.Routed:
			if d.Designated {
				p.stats.TrackOperation(stats.OpInternal)
				p.record(ctx, eventlog.Record{Op: eventlog.Internal(), Clock: c})
			} else {
				p.stats.TrackOperation(stats.OpIdle)
			}
		case t.Op == p.index || t.Op == config.BroadcastOpCode:
			if err := p.link.Send(c); err != nil {
				return fmt.Errorf("send clock %d: %w", c, err)
			}
			p.stats.TrackOperation(stats.OpSend)
			// Every producer sends on a broadcast; the first successful
			// sender writes the one record covering them all
			if t.Op != config.BroadcastOpCode || p.state.ClaimBroadcast(t) {
				p.record(ctx, eventlog.Record{Op: eventlog.Send(t.Op), Clock: c})
			}
		default:
			p.stats.TrackOperation(stats.OpIdle)
		}

	default:
		p.stats.TrackOperation(stats.OpIdle)
	}
	return nil
}

func (p *Producer) record(ctx context.Context, rec eventlog.Record) {
	p.metrics.RecordEvent(ctx, eventKind(rec.Op.Kind), p.index)
	if err := p.recorder.Append(ctx, rec); err != nil {
		if errors.Is(err, eventlog.ErrBuffered) {
			p.logger.Warn("Event record buffered: %v", err)
			return
		}
		p.stats.TrackError("event_log_error")
		p.logger.Error("Failed to record %s: %v", rec.Op, err)
	}
}

func eventKind(k eventlog.Kind) string {
	switch k {
	case eventlog.KindReceive:
		return telemetry.EventReceive
	case eventlog.KindSend:
		return telemetry.EventSend
	default:
		return telemetry.EventInternal
	}
}
