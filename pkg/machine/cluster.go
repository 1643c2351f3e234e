package machine

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevoDB/clocksim/pkg/common/log"
	"github.com/KevoDB/clocksim/pkg/config"
	"github.com/KevoDB/clocksim/pkg/eventlog"
)

// Cluster runs every machine of a cluster config in one process
type Cluster struct {
	machines []*Machine
	// derived[i] is true when machine i links to all the others by default
	derived []bool
	logger  log.Logger
}

// NewCluster creates the machines; opts apply to each of them
func NewCluster(cfg *config.Cluster, opts ...Option) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Cluster{logger: log.GetDefaultLogger()}
	for i, mc := range cfg.MachineConfigs() {
		m, err := New(mc, opts...)
		if err != nil {
			return nil, err
		}
		c.machines = append(c.machines, m)
		c.derived = append(c.derived, len(cfg.Machines[i].Peers) == 0)
	}
	if len(c.machines) > 0 {
		c.logger = c.machines[0].baseLogger
	}
	return c, nil
}

// Machines returns the machines in declaration order
func (c *Cluster) Machines() []*Machine {
	return c.machines
}

// Machine returns the named machine
func (c *Cluster) Machine(name string) (*Machine, bool) {
	for _, m := range c.machines {
		if m.Name() == name {
			return m, true
		}
	}
	return nil, false
}

// Start binds every machine before any of them dials, so ports given as
// ":0" resolve to real addresses in the derived peer lists
func (c *Cluster) Start(ctx context.Context) error {
	for _, m := range c.machines {
		if err := m.Listen(); err != nil {
			c.closeListeners()
			return fmt.Errorf("machine %s: %w", m.Name(), err)
		}
	}

	for i, m := range c.machines {
		if !c.derived[i] {
			continue
		}
		var peers []string
		for j, other := range c.machines {
			if j != i {
				peers = append(peers, other.Addr())
			}
		}
		m.setPeers(peers)
	}

	for i, m := range c.machines {
		if err := m.Start(ctx); err != nil {
			for _, started := range c.machines[:i] {
				started.Stop(ctx)
			}
			c.closeListeners()
			return err
		}
	}
	c.logger.Info("Cluster of %d machines started", len(c.machines))
	return nil
}

func (c *Cluster) closeListeners() {
	for _, m := range c.machines {
		m.mu.Lock()
		l := m.listener
		m.mu.Unlock()
		if l != nil {
			l.Close()
		}
	}
}

// Stop stops every machine
func (c *Cluster) Stop(ctx context.Context) error {
	var errs []error
	for _, m := range c.machines {
		if err := m.Stop(ctx); err != nil && !errors.Is(err, ErrNotStarted) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Verify checks every machine's event log file
func (c *Cluster) Verify() (map[string]eventlog.Summary, error) {
	out := make(map[string]eventlog.Summary, len(c.machines))
	var errs []error
	for _, m := range c.machines {
		sum, err := eventlog.VerifyFile(m.cfg.LogPath)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
			continue
		}
		out[m.Name()] = sum
	}
	return out, errors.Join(errs...)
}
