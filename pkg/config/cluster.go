package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Cluster is a set of machines that all link to each other
type Cluster struct {
	Version  int      `json:"version" yaml:"version"`
	Machines []Config `json:"machines" yaml:"machines"`
}

// NewDefaultCluster builds the classic three machine layout: ports
// 8000 to 8002 on localhost, logs p1_log.csv to p3_log.csv under logDir.
func NewDefaultCluster(logDir string) *Cluster {
	c := &Cluster{Version: CurrentConfigVersion}
	for i := 1; i <= 3; i++ {
		cfg := NewDefaultConfig(
			fmt.Sprintf("p%d", i),
			fmt.Sprintf("%s:%d", LocalHost, DefaultBasePort+i-1),
			filepath.Join(logDir, fmt.Sprintf("p%d_log.csv", i)),
		)
		cfg.InitialWait = Duration(DefaultInitialWait)
		c.Machines = append(c.Machines, *cfg)
	}
	return c
}

// ApplyDefaults fills unset fields of every machine
func (c *Cluster) ApplyDefaults() {
	if c.Version == 0 {
		c.Version = CurrentConfigVersion
	}
	for i := range c.Machines {
		c.Machines[i].ApplyDefaults()
	}
}

// Validate checks every machine and the uniqueness of names, addresses and log paths
func (c *Cluster) Validate() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}
	if len(c.Machines) == 0 {
		return fmt.Errorf("%w: cluster has no machines", ErrInvalidConfig)
	}

	names := make(map[string]struct{}, len(c.Machines))
	logs := make(map[string]struct{}, len(c.Machines))
	addrs := make(map[string]struct{}, len(c.Machines))
	for i := range c.Machines {
		m := &c.Machines[i]
		if err := m.Validate(); err != nil {
			return err
		}
		if _, dup := names[m.Name]; dup {
			return fmt.Errorf("%w: duplicate machine name %q", ErrInvalidConfig, m.Name)
		}
		names[m.Name] = struct{}{}

		if _, dup := logs[m.LogPath]; dup {
			return fmt.Errorf("%w: duplicate log path %q", ErrInvalidConfig, m.LogPath)
		}
		logs[m.LogPath] = struct{}{}

		// Port zero means "any free port" and may repeat.
		if !strings.HasSuffix(m.ListenAddr, ":0") {
			if _, dup := addrs[m.ListenAddr]; dup {
				return fmt.Errorf("%w: duplicate listen address %q", ErrInvalidConfig, m.ListenAddr)
			}
			addrs[m.ListenAddr] = struct{}{}
		}
	}
	return nil
}

// MachineConfigs expands the cluster into one config per machine. A
// machine without explicit peers links to every other machine in
// declaration order.
func (c *Cluster) MachineConfigs() []*Config {
	out := make([]*Config, 0, len(c.Machines))
	for i := range c.Machines {
		cfg := c.Machines[i].Clone()
		if len(cfg.Peers) == 0 {
			for j := range c.Machines {
				if j != i {
					cfg.Peers = append(cfg.Peers, c.Machines[j].ListenAddr)
				}
			}
		}
		out = append(out, cfg)
	}
	return out
}

// Machine returns the named machine's config
func (c *Cluster) Machine(name string) (*Config, bool) {
	for _, cfg := range c.MachineConfigs() {
		if cfg.Name == name {
			return cfg, true
		}
	}
	return nil, false
}

type format int

const (
	formatJSON format = iota
	formatYAML
)

func formatFor(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// LoadCluster reads a cluster file (.json, .yaml or .yml), applies
// defaults and validates it
func LoadCluster(path string) (*Cluster, error) {
	f, err := formatFor(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var c Cluster
	switch f {
	case formatJSON:
		err = json.Unmarshal(data, &c)
	case formatYAML:
		err = yaml.Unmarshal(data, &c)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save writes the cluster to path atomically, choosing the encoding from
// the file extension
func (c *Cluster) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	f, err := formatFor(path)
	if err != nil {
		return err
	}

	var data []byte
	switch f {
	case formatJSON:
		data, err = json.MarshalIndent(c, "", "  ")
	case formatYAML:
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename config: %w", err)
	}
	return nil
}
