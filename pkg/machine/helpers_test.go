package machine

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/KevoDB/clocksim/pkg/common/log"
	"github.com/KevoDB/clocksim/pkg/eventlog"
)

type recordingLog struct {
	mu      sync.Mutex
	records []eventlog.Record
}

func (r *recordingLog) Append(ctx context.Context, rec eventlog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingLog) Records() []eventlog.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventlog.Record(nil), r.records...)
}

type recordingLink struct {
	mu     sync.Mutex
	sent   []uint64
	fail   bool
	closed bool
}

func (l *recordingLink) Send(ts uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail || l.closed {
		return errors.New("broken pipe")
	}
	l.sent = append(l.sent, ts)
	return nil
}

func (l *recordingLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *recordingLink) Sent() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint64(nil), l.sent...)
}

func quietLogger() log.Logger {
	return log.NewStandardLogger(log.WithOutput(io.Discard))
}

// rig is one machine's state with producers driven by hand
type rig struct {
	state     *MachineState
	log       *recordingLog
	links     []*recordingLink
	producers []*Producer
}

func newRig(clock uint64, n int) *rig {
	r := &rig{state: NewMachineStateAt(clock), log: &recordingLog{}}
	for i := 1; i <= n; i++ {
		link := &recordingLink{}
		r.links = append(r.links, link)
		r.producers = append(r.producers, NewProducer(i, r.state, link, r.log, quietLogger(), nil, nil))
		r.state.Join(i)
	}
	return r
}

// tick publishes op and lets the producers act in the given order
// (1 based indexes); all producers act when order is empty
func (r *rig) tick(op int, order ...int) *Tick {
	if len(order) == 0 {
		for i := range r.producers {
			order = append(order, i+1)
		}
	}
	t := r.state.BeginTick(op)
	for _, idx := range order {
		r.producers[idx-1].Step(context.Background(), t)
	}
	return t
}
