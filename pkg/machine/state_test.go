package machine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBarrierWaitsForEveryProducer(t *testing.T) {
	s := NewMachineState()
	s.Join(1)
	s.Join(2)

	tk := s.BeginTick(4)
	if tk.Seq != 1 || tk.Clock != 1 || tk.Op != 4 {
		t.Fatalf("unexpected tick %+v", tk)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.Finish(1, tk)
	if err := s.AwaitTick(ctx, tk); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("barrier released with a producer outstanding: %v", err)
	}

	s.Finish(2, tk)
	if err := s.AwaitTick(context.Background(), tk); err != nil {
		t.Errorf("barrier should be released: %v", err)
	}
}

func TestLeaveReleasesBarrier(t *testing.T) {
	s := NewMachineState()
	s.Join(1)
	s.Join(2)
	tk := s.BeginTick(9)

	s.Finish(1, tk)
	s.Leave(2)
	if err := s.AwaitTick(context.Background(), tk); err != nil {
		t.Errorf("leave should release the barrier: %v", err)
	}
	if s.Live() != 1 {
		t.Errorf("expected 1 live producer, got %d", s.Live())
	}
}

func TestTickWithoutProducers(t *testing.T) {
	s := NewMachineState()
	tk := s.BeginTick(1)
	if err := s.AwaitTick(context.Background(), tk); err != nil {
		t.Errorf("empty tick should complete at once: %v", err)
	}
}

func TestJoinMidTickSkipsCurrentTick(t *testing.T) {
	s := NewMachineState()
	s.Join(1)
	tk := s.BeginTick(4)

	after := s.Join(2)
	if after != tk.Seq {
		t.Fatalf("expected join to report seq %d, got %d", tk.Seq, after)
	}
	if d := s.Decide(2, tk); d.Action != ActionNone {
		t.Errorf("late producer must not act on the current tick, got %v", d.Action)
	}

	s.Finish(1, tk)
	if err := s.AwaitTick(context.Background(), tk); err != nil {
		t.Errorf("barrier should not wait on a late producer: %v", err)
	}
}

func TestWaitTickDeliversLatest(t *testing.T) {
	s := NewMachineState()

	got := make(chan *Tick, 1)
	go func() {
		tk, err := s.WaitTick(context.Background(), 0)
		if err == nil {
			got <- tk
		}
	}()

	published := s.BeginTick(6)
	select {
	case tk := <-got:
		if tk != published {
			t.Errorf("expected the published tick")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not woken")
	}

	// A tick already newer than after returns at once
	tk, err := s.WaitTick(context.Background(), 0)
	if err != nil || tk.Seq != 1 {
		t.Errorf("expected seq 1, got %v, %v", tk, err)
	}
}

func TestWaitTickCancel(t *testing.T) {
	s := NewMachineState()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.WaitTick(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDecideDesignatesLowestLive(t *testing.T) {
	s := NewMachineState()
	s.Join(2)
	s.Join(3)
	tk := s.BeginTick(5)

	if d := s.Decide(3, tk); d.Action != ActionGenerate || d.Designated {
		t.Errorf("producer 3: %+v", d)
	}
	if d := s.Decide(2, tk); d.Action != ActionGenerate || !d.Designated {
		t.Errorf("producer 2 should be designated: %+v", d)
	}
}

func TestDesignationFollowsLeave(t *testing.T) {
	s := NewMachineState()
	s.Join(3)
	s.Join(1)
	s.Join(2)

	s.Leave(1)
	tk := s.BeginTick(5)
	if d := s.Decide(2, tk); !d.Designated {
		t.Errorf("producer 2 should take over after 1 left: %+v", d)
	}
	if d := s.Decide(3, tk); d.Designated {
		t.Errorf("producer 3 should not be designated: %+v", d)
	}

	s.Leave(2)
	s.Leave(3)
	s.Join(4)
	tk = s.BeginTick(5)
	if d := s.Decide(4, tk); !d.Designated {
		t.Errorf("sole producer 4 should be designated: %+v", d)
	}
}

func TestDecideRoutedOnlyForLiveIndex(t *testing.T) {
	s := NewMachineState()
	for i := 1; i <= 4; i++ {
		s.Join(i)
	}

	tests := []struct {
		op     int
		routed bool
	}{
		{4, true},
		{5, false},
		{2, true},
	}
	for _, tt := range tests {
		tk := s.BeginTick(tt.op)
		for i := 1; i <= 4; i++ {
			if d := s.Decide(i, tk); d.Routed != tt.routed {
				t.Errorf("op %d producer %d: routed %v, want %v", tt.op, i, d.Routed, tt.routed)
			}
			s.Finish(i, tk)
		}
	}
}

func TestClaimBroadcastOncePerTick(t *testing.T) {
	s := NewMachineState()
	s.Join(1)
	s.Join(2)

	tk := s.BeginTick(3)
	if !s.ClaimBroadcast(tk) {
		t.Fatal("first claim should succeed")
	}
	if s.ClaimBroadcast(tk) {
		t.Error("second claim in the same tick should fail")
	}
	s.Finish(1, tk)
	s.Finish(2, tk)

	if !s.ClaimBroadcast(s.BeginTick(3)) {
		t.Error("a new tick should allow a new claim")
	}
}
