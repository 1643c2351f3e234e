package machine

import (
	"context"
	"math/rand"
	"time"

	"github.com/KevoDB/clocksim/pkg/common/log"
	"github.com/KevoDB/clocksim/pkg/stats"
)

// OpSource yields one operation code per tick
type OpSource interface {
	Next() int
}

// RandomOps draws codes uniformly from [Min, Max]
type RandomOps struct {
	Min, Max int
	Rand     *rand.Rand
}

func (r *RandomOps) Next() int {
	return r.Min + r.Rand.Intn(r.Max-r.Min+1)
}

// ScriptedOps replays a fixed sequence, then repeats its last code
type ScriptedOps struct {
	Ops []int
	pos int
}

func (s *ScriptedOps) Next() int {
	if len(s.Ops) == 0 {
		return 0
	}
	op := s.Ops[s.pos]
	if s.pos < len(s.Ops)-1 {
		s.pos++
	}
	return op
}

// TickPeriod returns the sleep between ticks. A positive rate is used as
// is; otherwise an integer rate is drawn from [minRate, maxRate].
func TickPeriod(rate float64, minRate, maxRate int, rng *rand.Rand) time.Duration {
	if rate <= 0 {
		rate = float64(minRate + rng.Intn(maxRate-minRate+1))
	}
	return time.Duration(float64(time.Second) / rate)
}

// Scheduler publishes ticks: each one draws an op code, advances the
// clock and releases the producers, then waits for all of them before the
// next tick starts
type Scheduler struct {
	state   *MachineState
	ops     OpSource
	period  time.Duration
	logger  log.Logger
	stats   stats.Collector
	metrics MachineMetrics
}

// NewScheduler creates a scheduler; a nil logger, stats or metrics is
// replaced by a default
func NewScheduler(state *MachineState, ops OpSource, period time.Duration, logger log.Logger, st stats.Collector, metrics MachineMetrics) *Scheduler {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	if st == nil {
		st = stats.NewAtomicCollector()
	}
	if metrics == nil {
		metrics = NewNoopMachineMetrics()
	}
	return &Scheduler{
		state:   state,
		ops:     ops,
		period:  period,
		logger:  logger,
		stats:   st,
		metrics: metrics,
	}
}

// Period returns the tick period
func (s *Scheduler) Period() time.Duration {
	return s.period
}

// Step runs exactly one tick without sleeping and returns once every
// producer has finished it
func (s *Scheduler) Step(ctx context.Context) (*Tick, error) {
	t := s.begin(ctx)
	return t, s.await(ctx, t)
}

// Run ticks until ctx ends
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(s.period)
	defer timer.Stop()

	for {
		t := s.begin(ctx)

		timer.Reset(s.period)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if err := s.await(ctx, t); err != nil {
			return err
		}
	}
}

func (s *Scheduler) begin(ctx context.Context) *Tick {
	t := s.state.BeginTick(s.ops.Next())
	s.stats.TrackOperation(stats.OpTick)
	s.logger.Debug("Tick %d: op %d clock %d", t.Seq, t.Op, t.Clock)
	return t
}

func (s *Scheduler) await(ctx context.Context, t *Tick) error {
	_, end := s.metrics.StartTickSpan(ctx, t.Seq, t.Op)
	defer end()

	start := time.Now()
	if err := s.state.AwaitTick(ctx, t); err != nil {
		return err
	}
	s.metrics.RecordTick(ctx, t.Op, time.Since(start))
	return nil
}
