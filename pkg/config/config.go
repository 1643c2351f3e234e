package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/KevoDB/clocksim/pkg/common/log"
)

const (
	CurrentConfigVersion = 1

	DefaultMinOpCode      = 1
	DefaultMaxOpCode      = 10
	DefaultMinTickRate    = 1
	DefaultMaxTickRate    = 6
	DefaultInitialWait    = 3 * time.Second
	DefaultDialTimeout    = 5 * time.Second
	DefaultSendTimeout    = 2 * time.Second
	DefaultReadBufferSize = 64
	DefaultMaxFrameSize   = 1024

	// Operation codes at or below this value are sends; above it the tick
	// is an internal event.
	BroadcastOpCode = 3

	LocalHost       = "127.0.0.1"
	DefaultBasePort = 8000
)

// Archive codecs applied to a previous run's event log before it is truncated
const (
	ArchiveNone   = "none"
	ArchiveZstd   = "zstd"
	ArchiveSnappy = "snappy"
)

var (
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrConfigNotFound    = errors.New("configuration file not found")
	ErrUnsupportedFormat = errors.New("unsupported configuration format")
)

// Config describes one virtual machine: where it listens, which peers it
// links to, where it writes its event log and how fast it ticks.
type Config struct {
	Name       string `json:"name" yaml:"name"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`

	// Peers is ordered; the producer for Peers[i] has thread index i+1.
	Peers []string `json:"peers,omitempty" yaml:"peers,omitempty"`

	LogPath    string `json:"log_path" yaml:"log_path"`
	LogArchive string `json:"log_archive,omitempty" yaml:"log_archive,omitempty"`

	// TickRate is in ticks per second. Zero draws an integer rate from
	// [MinTickRate, MaxTickRate] once at startup.
	TickRate    float64 `json:"tick_rate,omitempty" yaml:"tick_rate,omitempty"`
	MinTickRate int     `json:"min_tick_rate,omitempty" yaml:"min_tick_rate,omitempty"`
	MaxTickRate int     `json:"max_tick_rate,omitempty" yaml:"max_tick_rate,omitempty"`
	MinOpCode   int     `json:"min_op_code,omitempty" yaml:"min_op_code,omitempty"`
	MaxOpCode   int     `json:"max_op_code,omitempty" yaml:"max_op_code,omitempty"`

	// Seed fixes the scheduler's random source; zero seeds from the clock.
	Seed int64 `json:"seed,omitempty" yaml:"seed,omitempty"`

	InitialWait Duration `json:"initial_wait,omitempty" yaml:"initial_wait,omitempty"`
	DialTimeout Duration `json:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty"`
	SendTimeout Duration `json:"send_timeout,omitempty" yaml:"send_timeout,omitempty"`

	ReadBufferSize int `json:"read_buffer_size,omitempty" yaml:"read_buffer_size,omitempty"`
	MaxFrameSize   int `json:"max_frame_size,omitempty" yaml:"max_frame_size,omitempty"`

	LogLevel  string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	AdminAddr string `json:"admin_addr,omitempty" yaml:"admin_addr,omitempty"`
}

// NewDefaultConfig creates a Config with the default simulation constants
func NewDefaultConfig(name, listenAddr, logPath string) *Config {
	cfg := &Config{
		Name:       name,
		ListenAddr: listenAddr,
		LogPath:    logPath,
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field with its default value.
// InitialWait is left alone because zero is a meaningful setting.
func (c *Config) ApplyDefaults() {
	if c.LogArchive == "" {
		c.LogArchive = ArchiveNone
	}
	if c.MinTickRate == 0 {
		c.MinTickRate = DefaultMinTickRate
	}
	if c.MaxTickRate == 0 {
		c.MaxTickRate = DefaultMaxTickRate
	}
	if c.MinOpCode == 0 {
		c.MinOpCode = DefaultMinOpCode
	}
	if c.MaxOpCode == 0 {
		c.MaxOpCode = DefaultMaxOpCode
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = Duration(DefaultDialTimeout)
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = Duration(DefaultSendTimeout)
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: machine name not specified", ErrInvalidConfig)
	}

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("%w: machine %s: bad listen address %q", ErrInvalidConfig, c.Name, c.ListenAddr)
	}

	for i, peer := range c.Peers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			return fmt.Errorf("%w: machine %s: bad peer address %d %q", ErrInvalidConfig, c.Name, i+1, peer)
		}
	}

	if c.LogPath == "" {
		return fmt.Errorf("%w: machine %s: log path not specified", ErrInvalidConfig, c.Name)
	}

	switch c.LogArchive {
	case ArchiveNone, ArchiveZstd, ArchiveSnappy:
	default:
		return fmt.Errorf("%w: machine %s: unknown log archive codec %q", ErrInvalidConfig, c.Name, c.LogArchive)
	}

	if c.TickRate < 0 {
		return fmt.Errorf("%w: machine %s: tick rate must not be negative", ErrInvalidConfig, c.Name)
	}

	if c.MinTickRate <= 0 || c.MaxTickRate < c.MinTickRate {
		return fmt.Errorf("%w: machine %s: tick rate range [%d, %d] is empty", ErrInvalidConfig, c.Name, c.MinTickRate, c.MaxTickRate)
	}

	if c.MinOpCode <= 0 || c.MaxOpCode < c.MinOpCode {
		return fmt.Errorf("%w: machine %s: operation code range [%d, %d] is empty", ErrInvalidConfig, c.Name, c.MinOpCode, c.MaxOpCode)
	}

	if c.InitialWait < 0 || c.DialTimeout <= 0 || c.SendTimeout <= 0 {
		return fmt.Errorf("%w: machine %s: timeouts must be positive", ErrInvalidConfig, c.Name)
	}

	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("%w: machine %s: read buffer size must be positive", ErrInvalidConfig, c.Name)
	}

	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("%w: machine %s: max frame size must be positive", ErrInvalidConfig, c.Name)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: machine %s: %v", ErrInvalidConfig, c.Name, err)
	}

	if c.AdminAddr != "" {
		if _, _, err := net.SplitHostPort(c.AdminAddr); err != nil {
			return fmt.Errorf("%w: machine %s: bad admin address %q", ErrInvalidConfig, c.Name, c.AdminAddr)
		}
	}

	return nil
}

// Clone returns a deep copy of the configuration
func (c *Config) Clone() *Config {
	clone := *c
	clone.Peers = append([]string(nil), c.Peers...)
	return &clone
}
