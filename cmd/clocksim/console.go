package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"

	"github.com/KevoDB/clocksim/pkg/admin"
	"github.com/KevoDB/clocksim/pkg/machine"
)

const consoleHelp = `
Commands:
  .help                   - Show this help message
  .status                 - Show every machine's phase, clock and queue
  .stats NAME             - Show operation and transport counters for a machine
  .health [NAME]          - Query the admin health service
  .verify                 - Check every machine's event log
  .stop NAME              - Stop one machine; its peers lose their links to it
  .exit                   - Stop every machine and exit
`

type console struct {
	rl      *readline.Instance
	out     io.Writer
	cluster *machine.Cluster
}

func newConsole() (*console, error) {
	c := &console{}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "clocksim> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".clocksim_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    c.completer(),
	})
	if err != nil {
		return nil, err
	}
	c.rl = rl
	c.out = rl.Stdout()
	return c, nil
}

func (c *console) completer() *readline.PrefixCompleter {
	names := func(string) []string {
		if c.cluster == nil {
			return nil
		}
		var out []string
		for _, m := range c.cluster.Machines() {
			out = append(out, m.Name())
		}
		return out
	}
	return readline.NewPrefixCompleter(
		readline.PcItem(".help"),
		readline.PcItem(".status"),
		readline.PcItem(".stats", readline.PcItemDynamic(names)),
		readline.PcItem(".health", readline.PcItemDynamic(names)),
		readline.PcItem(".verify"),
		readline.PcItem(".stop", readline.PcItemDynamic(names)),
		readline.PcItem(".exit"),
	)
}

// Stderr is where diagnostics go so they do not break the prompt
func (c *console) Stderr() io.Writer {
	return c.rl.Stderr()
}

func (c *console) Close() error {
	return c.rl.Close()
}

// Run reads commands until .exit, end of input or an interrupt on an
// empty line
func (c *console) Run(ctx context.Context, cluster *machine.Cluster) {
	c.cluster = cluster
	fmt.Fprintln(c.out, "Enter .help for usage hints.")

	for {
		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt && len(line) > 0 {
				continue
			}
			return
		}

		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}

		switch strings.ToLower(parts[0]) {
		case ".help":
			fmt.Fprint(c.out, consoleHelp)
		case ".status":
			c.status()
		case ".stats":
			if m, ok := c.machineArg(parts); ok {
				c.stats(m)
			}
		case ".health":
			c.health(ctx, parts[1:])
		case ".verify":
			sums, err := cluster.Verify()
			printSummaries(c.out, sums)
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		case ".stop":
			if m, ok := c.machineArg(parts); ok {
				stopCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
				if err := m.Stop(stopCtx); err != nil {
					fmt.Fprintf(c.out, "Error stopping %s: %v\n", m.Name(), err)
				} else {
					fmt.Fprintf(c.out, "%s stopped\n", m.Name())
				}
				cancel()
			}
		case ".exit":
			return
		default:
			fmt.Fprintf(c.out, "Unknown command %q, enter .help for usage hints.\n", parts[0])
		}
	}
}

func (c *console) machineArg(parts []string) (*machine.Machine, bool) {
	if len(parts) < 2 {
		fmt.Fprintln(c.out, "Error: Missing machine name")
		return nil, false
	}
	m, ok := c.cluster.Machine(parts[1])
	if !ok {
		fmt.Fprintf(c.out, "Error: No machine named %q\n", parts[1])
	}
	return m, ok
}

func (c *console) status() {
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPHASE\tADDR\tCLOCK\tQUEUE\tTICKS\tLINKS\tPERIOD")
	for _, m := range c.cluster.Machines() {
		st := m.Status()
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%v\n",
			st.Name, st.Phase, st.Addr, st.Clock, st.QueueLen, st.Ticks, st.LiveLinks, st.Period)
	}
	tw.Flush()
}

func (c *console) stats(m *machine.Machine) {
	counters := m.Stats().GetStats()
	keys := make([]string, 0, len(counters))
	for k := range counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(c.out, "Operations (%s):\n", m.Name())
	for _, k := range keys {
		fmt.Fprintf(c.out, "  %-24s %v\n", k, counters[k])
	}

	tm := m.TransportMetrics()
	fmt.Fprintln(c.out, "Transport:")
	fmt.Fprintf(c.out, "  frames sent %d (%d failed, %d bytes, avg %v)\n",
		tm.FramesSent, tm.SendFailures, tm.BytesSent, tm.AvgSendLatency)
	fmt.Fprintf(c.out, "  frames received %d (%d bytes, %d bad checksums, %d malformed)\n",
		tm.FramesReceived, tm.BytesReceived, tm.ChecksumFailures, tm.MalformedTokens)
	fmt.Fprintf(c.out, "  connections %d (%d failed)\n", tm.Connections, tm.ConnectionFailures)
}

func (c *console) health(ctx context.Context, names []string) {
	targets := c.cluster.Machines()
	if len(names) > 0 {
		m, ok := c.cluster.Machine(names[0])
		if !ok {
			fmt.Fprintf(c.out, "Error: No machine named %q\n", names[0])
			return
		}
		targets = []*machine.Machine{m}
	}

	for _, m := range targets {
		addr := m.AdminAddr()
		if addr == "" {
			fmt.Fprintf(c.out, "%s: admin service disabled\n", m.Name())
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		status, err := admin.Check(checkCtx, addr, m.Name())
		cancel()
		if err != nil {
			fmt.Fprintf(c.out, "%s: %v\n", m.Name(), err)
			continue
		}
		fmt.Fprintf(c.out, "%s: %s\n", m.Name(), status)
	}
}
