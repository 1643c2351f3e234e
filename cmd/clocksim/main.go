package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/KevoDB/clocksim/pkg/common/log"
	"github.com/KevoDB/clocksim/pkg/config"
	"github.com/KevoDB/clocksim/pkg/machine"
	"github.com/KevoDB/clocksim/pkg/telemetry"
)

const shutdownTimeout = 5 * time.Second

// Options holds the command line configuration
type Options struct {
	ConfigPath  string
	MachineName string
	ListenAddr  string
	Peers       string
	LogPath     string
	LogDir      string
	LogLevel    string
	LogArchive  string
	AdminAddr   string
	InitConfig  string
	TickRate    float64
	MaxOpCode   int
	Seed        int64
	InitialWait time.Duration
	Duration    time.Duration
	Console     bool

	// set records which flags were given explicitly
	set map[string]bool
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "verify" {
		os.Exit(runVerify(os.Args[2:], os.Stdout, os.Stderr))
	}

	opts := parseFlags(flag.CommandLine, os.Args[1:])

	if opts.InitConfig != "" {
		c := config.NewDefaultCluster(opts.LogDir)
		if err := c.Save(opts.InitConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %d machine cluster to %s\n", len(c.Machines), opts.InitConfig)
		return
	}

	clusterCfg, err := buildCluster(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if isUsageError(err) {
			flag.Usage()
			os.Exit(2)
		}
		os.Exit(1)
	}

	if err := run(opts, clusterCfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses args into Options
func parseFlags(fs *flag.FlagSet, args []string) Options {
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, "clocksim - Lamport clock simulation of message passing machines\n\n")
		fmt.Fprintf(out, "Usage:\n")
		fmt.Fprintf(out, "  clocksim [options]              - Run the default three machine cluster\n")
		fmt.Fprintf(out, "  clocksim -config FILE           - Run every machine of a cluster file\n")
		fmt.Fprintf(out, "  clocksim -config FILE -machine N - Run one machine of a cluster file\n")
		fmt.Fprintf(out, "  clocksim -listen ADDR -peers A,B - Run a single machine\n")
		fmt.Fprintf(out, "  clocksim verify LOG...          - Check event logs\n\n")
		fmt.Fprintf(out, "Options:\n")
		fs.PrintDefaults()
	}

	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Cluster config file (.json, .yaml or .yml)")
	fs.StringVar(&opts.MachineName, "machine", "", "Machine name; with -config runs only that machine")
	fs.StringVar(&opts.ListenAddr, "listen", "", "Listen address for a single machine")
	fs.StringVar(&opts.Peers, "peers", "", "Comma separated peer addresses for a single machine")
	fs.StringVar(&opts.LogPath, "log", "", "Event log path for a single machine (default <machine>_log.csv)")
	fs.StringVar(&opts.LogDir, "log-dir", ".", "Directory for the default cluster's event logs")
	fs.StringVar(&opts.LogLevel, "log-level", "info", "Diagnostic log level: debug, info, warn, error")
	fs.StringVar(&opts.LogArchive, "archive", "", "Archive the previous event log before truncating: none, zstd, snappy")
	fs.StringVar(&opts.AdminAddr, "admin", "", "gRPC health service address for a single machine")
	fs.StringVar(&opts.InitConfig, "init-config", "", "Write the default cluster config to this path and exit")
	fs.Float64Var(&opts.TickRate, "tick-rate", 0, "Ticks per second; 0 draws a random integer rate")
	fs.IntVar(&opts.MaxOpCode, "max-op", 0, "Largest operation code drawn each tick")
	fs.Int64Var(&opts.Seed, "seed", 0, "Random seed; 0 seeds from the clock")
	fs.DurationVar(&opts.InitialWait, "initial-wait", config.DefaultInitialWait, "Delay between listening and dialing peers")
	fs.DurationVar(&opts.Duration, "duration", 0, "Stop after this long and verify the logs; 0 runs until interrupted")
	fs.BoolVar(&opts.Console, "console", false, "Run an interactive console")

	fs.Parse(args)

	opts.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		opts.set[f.Name] = true
	})
	return opts
}

// buildCluster turns the options into the set of machines this process runs
func buildCluster(opts Options) (*config.Cluster, error) {
	var c *config.Cluster

	switch {
	case opts.ConfigPath != "":
		loaded, err := config.LoadCluster(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		c = loaded
		if opts.MachineName != "" {
			cfg, ok := c.Machine(opts.MachineName)
			if !ok {
				return nil, fmt.Errorf("machine %q not found in %s", opts.MachineName, opts.ConfigPath)
			}
			c = &config.Cluster{Version: c.Version, Machines: []config.Config{*cfg}}
		}

	case opts.ListenAddr != "":
		name := opts.MachineName
		if name == "" {
			name = "p1"
		}
		logPath := opts.LogPath
		if logPath == "" {
			logPath = name + "_log.csv"
		}
		cfg := config.NewDefaultConfig(name, opts.ListenAddr, logPath)
		for _, p := range strings.Split(opts.Peers, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Peers = append(cfg.Peers, p)
			}
		}
		cfg.InitialWait = config.Duration(opts.InitialWait)
		cfg.AdminAddr = opts.AdminAddr
		c = &config.Cluster{Version: config.CurrentConfigVersion, Machines: []config.Config{*cfg}}

	default:
		c = config.NewDefaultCluster(opts.LogDir)
	}

	for i := range c.Machines {
		m := &c.Machines[i]
		if opts.set["tick-rate"] {
			m.TickRate = opts.TickRate
		}
		if opts.set["max-op"] {
			m.MaxOpCode = opts.MaxOpCode
		}
		if opts.set["seed"] && opts.Seed != 0 {
			// Distinct streams per machine from one seed
			m.Seed = opts.Seed + int64(i)
		}
		if opts.set["archive"] {
			m.LogArchive = opts.LogArchive
		}
		if opts.set["initial-wait"] {
			m.InitialWait = config.Duration(opts.InitialWait)
		}
		if opts.set["log-level"] {
			m.LogLevel = opts.LogLevel
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// run starts the machines and blocks until a signal, the run duration or
// the console ends the run
func run(opts Options, clusterCfg *config.Cluster) error {
	level, err := log.ParseLevel(opts.LogLevel)
	if err != nil {
		return err
	}

	var con *console
	logOpts := []log.LoggerOption{log.WithLevel(level)}
	if opts.Console {
		con, err = newConsole()
		if err != nil {
			return fmt.Errorf("failed to initialize console: %w", err)
		}
		defer con.Close()
		logOpts = append(logOpts, log.WithOutput(con.Stderr()))
	}
	logger := log.NewStandardLogger(logOpts...)

	telCfg := telemetry.DefaultConfig()
	telCfg.LoadFromEnv()
	tel, err := telemetry.New(telCfg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			logger.Warn("Telemetry shutdown: %v", err)
		}
	}()

	cluster, err := machine.NewCluster(clusterCfg,
		machine.WithLogger(logger),
		machine.WithTelemetry(tel))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := cluster.Start(ctx); err != nil {
		return err
	}
	for _, m := range cluster.Machines() {
		st := m.Status()
		fmt.Printf("%s listening on %s, %.2f ticks/s\n", st.Name, st.Addr, float64(time.Second)/float64(st.Period))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var timeout <-chan time.Time
	if opts.Duration > 0 {
		timer := time.NewTimer(opts.Duration)
		defer timer.Stop()
		timeout = timer.C
	}

	consoleDone := make(chan struct{})
	if con != nil {
		go func() {
			defer close(consoleDone)
			con.Run(ctx, cluster)
		}()
	}

	select {
	case sig := <-sigChan:
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
	case <-timeout:
		fmt.Printf("Ran for %v, shutting down...\n", opts.Duration)
	case <-consoleDone:
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := cluster.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping machines: %v\n", err)
	}

	if opts.Duration > 0 {
		sums, err := cluster.Verify()
		printSummaries(os.Stdout, sums)
		if err != nil {
			return fmt.Errorf("event log verification failed: %w", err)
		}
	}

	fmt.Println("Shutdown complete")
	return nil
}

// isUsageError reports whether err came from bad command line input
func isUsageError(err error) bool {
	return errors.Is(err, config.ErrInvalidConfig) ||
		errors.Is(err, config.ErrConfigNotFound) ||
		errors.Is(err, config.ErrUnsupportedFormat)
}
