package machine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevoDB/clocksim/pkg/config"
	"github.com/KevoDB/clocksim/pkg/eventlog"
	"github.com/KevoDB/clocksim/pkg/stats"
	"github.com/KevoDB/clocksim/pkg/transport"
)

func testConfig(t *testing.T, name string) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig(name, "127.0.0.1:0", filepath.Join(t.TempDir(), name+"_log.csv"))
	cfg.TickRate = 200
	cfg.Seed = 11
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.NewDefaultConfig("", "127.0.0.1:0", "x.csv")
	if _, err := New(cfg); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestMachineLifecycle(t *testing.T) {
	cfg := testConfig(t, "solo")
	m, err := New(cfg, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := m.Stop(ctx); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := m.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}

	waitFor(t, func() bool { return m.Status().Ticks >= 3 })
	st := m.Status()
	if st.Phase != PhaseRunning || st.Period != 5*time.Millisecond || st.Clock < 3 {
		t.Errorf("unexpected status %+v", st)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.Stop(stopCtx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if m.Status().Phase != PhaseStopped {
		t.Errorf("expected stopped phase")
	}

	// No peers means no producers, so the log holds only its header
	sum, err := eventlog.VerifyFile(cfg.LogPath)
	if err != nil || sum.Records != 0 {
		t.Errorf("expected empty valid log, got %+v, %v", sum, err)
	}
}

func TestMachineBindFailure(t *testing.T) {
	first, err := New(testConfig(t, "a"), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Listen(); err != nil {
		t.Fatal(err)
	}
	defer first.listener.Close()

	cfg := testConfig(t, "b")
	cfg.ListenAddr = first.Addr()
	second, err := New(cfg, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if err := second.Start(context.Background()); !errors.Is(err, transport.ErrBind) {
		t.Errorf("expected ErrBind, got %v", err)
	}
}

func TestMachineSurvivesUnreachablePeer(t *testing.T) {
	probe, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := probe.Addr().String()
	probe.Close()

	cfg := testConfig(t, "lonely")
	cfg.Peers = []string{dead}
	cfg.DialTimeout = config.Duration(time.Second)

	m, err := New(cfg, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Stop(context.Background())

	waitFor(t, func() bool { return m.Status().Ticks >= 3 })
	if m.Status().LiveLinks != 0 {
		t.Errorf("expected no live links")
	}
	if m.Stats().GetStats()["link_lost_ops"] != uint64(1) {
		t.Errorf("expected one lost link, stats %v", m.Stats().GetStats())
	}
}

func TestMachineReceivesFromPeer(t *testing.T) {
	rec := &recordingLog{}
	cfg := testConfig(t, "target")
	cfg.TickRate = 100
	m, err := New(cfg, WithLogger(quietLogger()), WithRecorder(rec), WithOpSource(&ScriptedOps{Ops: []int{9}}))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Listen(); err != nil {
		t.Fatal(err)
	}

	// A peer of the target so a producer exists to consume the queue
	sink, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()
	m.setPeers([]string{sink.Addr().String()})

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Stop(context.Background())

	link, err := transport.Dial(context.Background(), m.Addr(), time.Second, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer link.Close()
	if err := link.Send(1000); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		for _, r := range rec.Records() {
			if r.Op == eventlog.Receive() {
				return true
			}
		}
		return false
	})
	for _, r := range rec.Records() {
		if r.Op == eventlog.Receive() && r.Clock <= 1000 {
			t.Errorf("receive clock %d not past the sent value", r.Clock)
		}
	}
	if m.Stats().Count(stats.OpEnqueue) != 1 {
		t.Errorf("expected one enqueue")
	}
}
