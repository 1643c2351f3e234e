// Package machine runs one simulated machine: a tick scheduler, one
// producer per peer link, and a feeder per inbound connection, all sharing
// a MachineState.
package machine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KevoDB/clocksim/pkg/admin"
	"github.com/KevoDB/clocksim/pkg/common/log"
	"github.com/KevoDB/clocksim/pkg/config"
	"github.com/KevoDB/clocksim/pkg/eventlog"
	"github.com/KevoDB/clocksim/pkg/stats"
	"github.com/KevoDB/clocksim/pkg/telemetry"
	"github.com/KevoDB/clocksim/pkg/transport"
)

var (
	// ErrAlreadyStarted is returned by Start on a running machine
	ErrAlreadyStarted = errors.New("machine already started")
	// ErrNotStarted is returned by Stop before Start
	ErrNotStarted = errors.New("machine not started")
)

// Phase is where a machine is in its lifecycle
type Phase string

const (
	PhaseNew       Phase = "new"
	PhaseListening Phase = "listening"
	PhaseWaiting   Phase = "waiting"
	PhaseRunning   Phase = "running"
	PhaseStopped   Phase = "stopped"
)

// Status is a point in time view of a machine
type Status struct {
	Name      string
	RunID     string
	Addr      string
	Phase     Phase
	Clock     uint64
	QueueLen  int
	Ticks     uint64
	LiveLinks int
	Period    time.Duration
}

// Option configures a Machine
type Option func(*Machine)

// WithLogger sets the diagnostic logger; machine, run and link fields are
// added to it
func WithLogger(logger log.Logger) Option {
	return func(m *Machine) {
		m.baseLogger = logger
	}
}

// WithTelemetry records machine metrics and tick spans through tel
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(m *Machine) {
		m.tel = tel
	}
}

// WithRecorder replaces the event log file with rec
func WithRecorder(rec eventlog.Recorder) Option {
	return func(m *Machine) {
		m.recorder = rec
	}
}

// WithOpSource replaces the random op code draw
func WithOpSource(ops OpSource) Option {
	return func(m *Machine) {
		m.ops = ops
	}
}

// Machine is one simulated process
type Machine struct {
	cfg        *config.Config
	runID      string
	baseLogger log.Logger
	logger     log.Logger
	tel        telemetry.Telemetry

	state     *MachineState
	stats     *stats.AtomicCollector
	transport transport.MetricsCollector
	metrics   MachineMetrics
	ops       OpSource
	period    time.Duration

	recorder eventlog.Recorder
	eventLog *eventlog.Log
	listener *transport.Listener
	admin    *admin.Server

	mu     sync.Mutex
	phase  Phase
	links  []*transport.Link
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a machine from a validated config
func New(cfg *config.Config, opts ...Option) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:       cfg.Clone(),
		runID:     uuid.NewString(),
		state:     NewMachineState(),
		stats:     stats.NewAtomicCollector(),
		transport: transport.NewMetricsCollector(),
		phase:     PhaseNew,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.baseLogger == nil {
		level, _ := log.ParseLevel(cfg.LogLevel)
		m.baseLogger = log.NewStandardLogger(log.WithLevel(level))
	}
	m.logger = m.baseLogger.WithFields(map[string]interface{}{
		"machine": cfg.Name,
		"run":     m.runID,
	})

	if m.tel == nil {
		m.tel = telemetry.NewNoop()
	}
	m.metrics = NewMachineMetrics(m.tel, cfg.Name, m.runID)

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	if m.ops == nil {
		m.ops = &RandomOps{Min: cfg.MinOpCode, Max: cfg.MaxOpCode, Rand: rng}
	}
	m.period = TickPeriod(cfg.TickRate, cfg.MinTickRate, cfg.MaxTickRate, rng)

	return m, nil
}

// Name returns the machine name
func (m *Machine) Name() string {
	return m.cfg.Name
}

// Config returns a copy of the machine's config
func (m *Machine) Config() *config.Config {
	return m.cfg.Clone()
}

// State exposes the shared state, mainly for tests and the console
func (m *Machine) State() *MachineState {
	return m.state
}

// Stats returns the machine's operation counters
func (m *Machine) Stats() stats.Collector {
	return m.stats
}

// TransportMetrics returns link and connection counters
func (m *Machine) TransportMetrics() transport.Metrics {
	return m.transport.GetMetrics()
}

// Listen binds the inbound port. Failure is fatal to the machine and
// wraps transport.ErrBind.
func (m *Machine) Listen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listenLocked()
}

func (m *Machine) listenLocked() error {
	if m.listener != nil {
		return nil
	}
	l, err := transport.Listen(m.cfg.ListenAddr,
		transport.WithLogger(m.logger),
		transport.WithMetrics(m.transport))
	if err != nil {
		return err
	}
	m.listener = l
	m.phase = PhaseListening
	return nil
}

// Addr returns the bound address, or the configured one before Listen
func (m *Machine) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.cfg.ListenAddr
}

// setPeers replaces the peer list; only valid before Start
func (m *Machine) setPeers(peers []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Peers = append([]string(nil), peers...)
}

// Start listens if needed, truncates the event log and accepts peers. After
// the initial wait it dials every peer, starts one producer per connected
// link and the scheduler. Start returns once the background work is
// running.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return ErrAlreadyStarted
	}
	if err := m.listenLocked(); err != nil {
		return err
	}

	if m.recorder == nil {
		el, err := eventlog.Open(m.cfg.LogPath,
			eventlog.WithArchive(m.cfg.LogArchive),
			eventlog.WithLogger(m.logger))
		if err != nil {
			return fmt.Errorf("machine %s: %w", m.cfg.Name, err)
		}
		m.eventLog = el
		m.recorder = el
	}

	if m.cfg.AdminAddr != "" {
		m.admin = admin.NewServer(m.cfg.AdminAddr, m.cfg.Name, m.logger)
		if err := m.admin.Start(); err != nil {
			m.logger.Warn("Admin service unavailable: %v", err)
			m.admin = nil
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.phase = PhaseWaiting

	m.logger.Info("Listening on %s, tick period %v (%.2f ticks/s)",
		m.listener.Addr(), m.period, float64(time.Second)/float64(m.period))

	feeder := NewFeeder(m.state, m.cfg.ReadBufferSize, m.cfg.MaxFrameSize, m.logger, m.stats, m.metrics, m.transport)
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.listener.Serve(runCtx, feeder.Serve)
	}()
	go func() {
		defer m.wg.Done()
		if err := m.run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("Machine stopped: %v", err)
		}
	}()
	return nil
}

func (m *Machine) run(ctx context.Context) error {
	if wait := m.cfg.InitialWait.Std(); wait > 0 {
		m.logger.Info("Waiting %v for peers to start", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	var producers []*Producer
	for i, addr := range m.cfg.Peers {
		idx := i + 1
		link, err := transport.Dial(ctx, addr, m.cfg.DialTimeout.Std(), m.cfg.SendTimeout.Std(),
			transport.WithLogger(m.logger),
			transport.WithMetrics(m.transport))
		if err != nil {
			m.stats.TrackOperation(stats.OpLinkLost)
			m.metrics.RecordLinkLost(ctx, idx, "connect")
			m.logger.WithField("link", idx).Error("Link unavailable: %v", err)
			continue
		}
		m.mu.Lock()
		m.links = append(m.links, link)
		m.mu.Unlock()
		producers = append(producers, NewProducer(idx, m.state, link, m.recorder, m.logger, m.stats, m.metrics))
	}

	for _, p := range producers {
		m.wg.Add(1)
		go func(p *Producer) {
			defer m.wg.Done()
			if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.WithField("link", p.Index()).Warn("Producer exited: %v", err)
			}
		}(p)
	}

	m.mu.Lock()
	m.phase = PhaseRunning
	m.mu.Unlock()
	if m.admin != nil {
		m.admin.SetServing(true)
	}
	m.logger.Info("Running with %d of %d links", len(producers), len(m.cfg.Peers))

	sched := NewScheduler(m.state, m.ops, m.period, m.logger, m.stats, m.metrics)
	return sched.Run(ctx)
}

// Stop cancels every task, closes the sockets and the event log, and waits
// for the machine's goroutines unless ctx ends first
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return ErrNotStarted
	}
	if m.phase == PhaseStopped {
		m.mu.Unlock()
		return nil
	}
	m.phase = PhaseStopped
	m.cancel()
	listener, links, adm := m.listener, m.links, m.admin
	m.mu.Unlock()

	if adm != nil {
		adm.SetServing(false)
	}

	var errs []error
	if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}
	for _, l := range links {
		l.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("machine %s: %w", m.cfg.Name, ctx.Err()))
	}

	if m.eventLog != nil {
		if err := m.eventLog.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if adm != nil {
		if err := adm.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	m.logger.Info("Stopped at logical time %d", m.state.Clock())
	return errors.Join(errs...)
}

// Status reports the machine's current phase and counters
func (m *Machine) Status() Status {
	m.mu.Lock()
	phase := m.phase
	addr := m.cfg.ListenAddr
	if m.listener != nil {
		addr = m.listener.Addr().String()
	}
	m.mu.Unlock()

	return Status{
		Name:      m.cfg.Name,
		RunID:     m.runID,
		Addr:      addr,
		Phase:     phase,
		Clock:     m.state.Clock(),
		QueueLen:  m.state.QueueLen(),
		Ticks:     m.stats.Count(stats.OpTick),
		LiveLinks: m.state.Live(),
		Period:    m.period,
	}
}

// AdminAddr returns the bound admin address, empty when disabled
func (m *Machine) AdminAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.admin == nil || m.admin.Addr() == nil {
		return ""
	}
	return m.admin.Addr().String()
}
