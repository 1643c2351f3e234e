package machine

import (
	"context"
	"sync"

	"github.com/KevoDB/clocksim/pkg/clock"
)

// Tick is one scheduling quantum. Its op code and clock value are fixed
// when the scheduler publishes it, so every producer released for the tick
// sees the same values.
type Tick struct {
	Seq   uint64
	Op    int
	Clock uint64

	// Rendezvous state, guarded by the owning MachineState's lock. A new
	// Tick starts with all flags clear.
	pending         map[int]struct{}
	receiveClaimed  bool
	suppressReceive bool
	broadcastLogged bool
	// routed is set when Op is the index of a producer live at publish time
	routed bool
	done   chan struct{}
}

// Action is what a producer must do for a tick
type Action int

const (
	// ActionNone means another producer already received this tick
	ActionNone Action = iota
	// ActionReceive means the producer popped a message and must apply it
	ActionReceive
	// ActionGenerate means the producer may send or log an internal event
	ActionGenerate
)

func (a Action) String() string {
	switch a {
	case ActionReceive:
		return "receive"
	case ActionGenerate:
		return "generate"
	default:
		return "none"
	}
}

// Decision is the outcome of MachineState.Decide
type Decision struct {
	Action Action

	// Timestamp and QueueLen are set for ActionReceive. QueueLen is the
	// queue length after the pop.
	Timestamp uint64
	QueueLen  int

	// Designated is true for the lowest indexed live producer, which logs
	// the tick's internal event.
	Designated bool

	// Routed is true when the tick's op code names a live producer; that
	// producer sends and no internal event is logged.
	Routed bool
}

// MachineState owns everything producers, feeders and the scheduler share:
// the inbound queue, the logical clock and the current tick. One lock (the
// queue lock) guards the queue and the tick; the clock has its own lock and
// is only taken after the queue lock.
type MachineState struct {
	mu    sync.Mutex
	queue []uint64
	tick  *Tick
	ready chan struct{}
	live  map[int]struct{}
	// lowest is the smallest index in live, 0 when live is empty
	lowest int

	clock *clock.LamportClock
}

// NewMachineState creates state with an empty queue and the clock at zero
func NewMachineState() *MachineState {
	return NewMachineStateAt(0)
}

// NewMachineStateAt creates state with the clock at value
func NewMachineStateAt(value uint64) *MachineState {
	return &MachineState{
		ready: make(chan struct{}),
		live:  make(map[int]struct{}),
		clock: clock.NewLamportClockAt(value),
	}
}

// Enqueue appends timestamps in arrival order
func (s *MachineState) Enqueue(ts ...uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, ts...)
	return len(s.queue)
}

// QueueLen returns the number of queued messages
func (s *MachineState) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Clock returns the current logical clock value
func (s *MachineState) Clock() uint64 {
	return s.clock.Current()
}

// CurrentTick returns the most recently published tick, or nil
func (s *MachineState) CurrentTick() *Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// Join registers a live producer and returns the sequence number of the
// current tick; the producer takes part from the next tick on.
func (s *MachineState) Join(idx int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[idx] = struct{}{}
	if s.lowest == 0 || idx < s.lowest {
		s.lowest = idx
	}
	if s.tick == nil {
		return 0
	}
	return s.tick.Seq
}

// Leave unregisters a producer and releases the current tick's barrier
// from waiting on it
func (s *MachineState) Leave(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, idx)
	if idx == s.lowest {
		s.lowest = 0
		for i := range s.live {
			if s.lowest == 0 || i < s.lowest {
				s.lowest = i
			}
		}
	}
	if s.tick != nil {
		s.finishLocked(idx, s.tick)
	}
}

// Live returns the number of registered producers
func (s *MachineState) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// BeginTick advances the clock by one, publishes a new tick carrying op
// and wakes every producer waiting in WaitTick. The caller must wait for
// the previous tick with AwaitTick first.
func (s *MachineState) BeginTick(op int) *Tick {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq uint64 = 1
	if s.tick != nil {
		seq = s.tick.Seq + 1
	}

	t := &Tick{
		Seq:     seq,
		Op:      op,
		Clock:   s.clock.Tick(),
		pending: make(map[int]struct{}, len(s.live)),
		done:    make(chan struct{}),
	}
	for idx := range s.live {
		t.pending[idx] = struct{}{}
	}
	_, t.routed = s.live[op]
	if len(t.pending) == 0 {
		close(t.done)
	}

	s.tick = t
	close(s.ready)
	s.ready = make(chan struct{})
	return t
}

// WaitTick blocks until a tick newer than after is published
func (s *MachineState) WaitTick(ctx context.Context, after uint64) (*Tick, error) {
	for {
		s.mu.Lock()
		if t := s.tick; t != nil && t.Seq > after {
			s.mu.Unlock()
			return t, nil
		}
		ready := s.ready
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ready:
		}
	}
}

// Decide runs the rendezvous for producer idx. At most one producer gets
// ActionReceive per tick, and once any producer has been told to generate
// no other producer may receive during the same tick.
func (s *MachineState) Decide(idx int, t *Tick) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := t.pending[idx]; !ok || t.receiveClaimed {
		return Decision{Action: ActionNone}
	}

	if len(s.queue) > 0 && !t.suppressReceive {
		t.receiveClaimed = true
		ts := s.queue[0]
		s.queue = s.queue[1:]
		if len(s.queue) == 0 {
			s.queue = nil
		}
		return Decision{Action: ActionReceive, Timestamp: ts, QueueLen: len(s.queue)}
	}

	t.suppressReceive = true
	return Decision{Action: ActionGenerate, Designated: s.lowest == idx, Routed: t.routed}
}

// ClaimBroadcast returns true to the first producer that reports a
// successful broadcast send for t; that producer writes the tick's single
// Send record
func (s *MachineState) ClaimBroadcast(t *Tick) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.broadcastLogged {
		return false
	}
	t.broadcastLogged = true
	return true
}

// ApplyReceive sets the clock to max(ts, baseline) + 1 where baseline is
// the value before this tick's increment, and returns the new value
func (s *MachineState) ApplyReceive(ts uint64) uint64 {
	return s.clock.ReceiveInTick(ts)
}

// Finish acknowledges that producer idx is done with t
func (s *MachineState) Finish(idx int, t *Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(idx, t)
}

func (s *MachineState) finishLocked(idx int, t *Tick) {
	if _, ok := t.pending[idx]; !ok {
		return
	}
	delete(t.pending, idx)
	if len(t.pending) == 0 {
		close(t.done)
	}
}

// AwaitTick blocks until every producer live at the start of t has
// finished or left
func (s *MachineState) AwaitTick(ctx context.Context, t *Tick) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return nil
	}
}
