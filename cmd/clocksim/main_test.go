package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/KevoDB/clocksim/pkg/config"
	"github.com/KevoDB/clocksim/pkg/eventlog"
)

func parse(t *testing.T, args ...string) Options {
	t.Helper()
	fs := flag.NewFlagSet("clocksim", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return parseFlags(fs, args)
}

func TestBuildDefaultCluster(t *testing.T) {
	dir := t.TempDir()
	c, err := buildCluster(parse(t, "-log-dir", dir, "-tick-rate", "4", "-seed", "7"))
	if err != nil {
		t.Fatalf("buildCluster failed: %v", err)
	}
	if len(c.Machines) != 3 {
		t.Fatalf("expected 3 machines, got %d", len(c.Machines))
	}
	for i, m := range c.Machines {
		if m.TickRate != 4 {
			t.Errorf("%s: expected tick rate 4, got %v", m.Name, m.TickRate)
		}
		if m.Seed != 7+int64(i) {
			t.Errorf("%s: expected seed %d, got %d", m.Name, 7+i, m.Seed)
		}
		if filepath.Dir(m.LogPath) != dir {
			t.Errorf("%s: log outside %s: %s", m.Name, dir, m.LogPath)
		}
	}
}

func TestBuildSingleMachine(t *testing.T) {
	opts := parse(t,
		"-machine", "solo",
		"-listen", "127.0.0.1:9100",
		"-peers", "127.0.0.1:9101, 127.0.0.1:9102",
		"-initial-wait", "0s",
		"-archive", "zstd",
		"-admin", "127.0.0.1:9200")

	c, err := buildCluster(opts)
	if err != nil {
		t.Fatalf("buildCluster failed: %v", err)
	}
	if len(c.Machines) != 1 {
		t.Fatalf("expected 1 machine, got %d", len(c.Machines))
	}
	m := c.Machines[0]
	if m.Name != "solo" || m.LogPath != "solo_log.csv" {
		t.Errorf("unexpected identity: %s %s", m.Name, m.LogPath)
	}
	if len(m.Peers) != 2 || m.Peers[1] != "127.0.0.1:9102" {
		t.Errorf("unexpected peers: %v", m.Peers)
	}
	if m.InitialWait != 0 || m.LogArchive != config.ArchiveZstd || m.AdminAddr != "127.0.0.1:9200" {
		t.Errorf("flags not applied: %+v", m)
	}
}

func TestBuildFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")
	if err := config.NewDefaultCluster(dir).Save(path); err != nil {
		t.Fatal(err)
	}

	c, err := buildCluster(parse(t, "-config", path, "-machine", "p2", "-max-op", "5"))
	if err != nil {
		t.Fatalf("buildCluster failed: %v", err)
	}
	if len(c.Machines) != 1 || c.Machines[0].Name != "p2" {
		t.Fatalf("expected only p2, got %+v", c.Machines)
	}
	if got := c.Machines[0].Peers; len(got) != 2 || got[0] != "127.0.0.1:8000" || got[1] != "127.0.0.1:8002" {
		t.Errorf("expected peers derived from the file, got %v", got)
	}
	if c.Machines[0].MaxOpCode != 5 {
		t.Errorf("expected max op 5, got %d", c.Machines[0].MaxOpCode)
	}

	if _, err := buildCluster(parse(t, "-config", path, "-machine", "p9")); err == nil {
		t.Error("expected error for unknown machine")
	}
}

func TestBuildClusterErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := buildCluster(parse(t, "-config", filepath.Join(dir, "missing.yaml")))
	if !errors.Is(err, config.ErrConfigNotFound) || !isUsageError(err) {
		t.Errorf("expected usage error for missing file, got %v", err)
	}

	_, err = buildCluster(parse(t, "-listen", "nope"))
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	_, err = buildCluster(parse(t, "-log-dir", dir, "-archive", "gzip"))
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for archive codec, got %v", err)
	}
}

func writeLog(t *testing.T, path string, records ...eventlog.Record) {
	t.Helper()
	l, err := eventlog.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range records {
		rec.Time = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		if err := l.Append(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRunVerify(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.csv")
	writeLog(t, good,
		eventlog.Record{Op: eventlog.Internal(), Clock: 1},
		eventlog.Record{Op: eventlog.Send(2), Clock: 2},
		eventlog.Record{Op: eventlog.Receive(), Clock: 9, QueueLen: 0},
	)

	bad := filepath.Join(dir, "bad.csv")
	data := eventlog.Header + "\nInternal Event,2024-01-01 00:00:00.000000,5,N/A\nInternal Event,2024-01-01 00:00:00.000000,4,N/A\n"
	if err := os.WriteFile(bad, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if code := runVerify([]string{good}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected success, got %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "3 records (1 receive, 1 send, 1 internal), last logical time 9") {
		t.Errorf("unexpected summary: %s", stdout.String())
	}

	stdout.Reset()
	stderr.Reset()
	if code := runVerify([]string{"-q", good, bad}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected failure, got %d", code)
	}
	if stdout.Len() != 0 {
		t.Errorf("quiet mode printed: %s", stdout.String())
	}
	if !strings.Contains(stderr.String(), "bad.csv: FAIL: line 3") {
		t.Errorf("expected failing line in report, got: %s", stderr.String())
	}

	if code := runVerify(nil, &stdout, &stderr); code != 2 {
		t.Errorf("expected usage exit code, got %d", code)
	}
}

func TestRunVerifyArchive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p1_log.csv")
	writeLog(t, path, eventlog.Record{Op: eventlog.Internal(), Clock: 1})

	archived, err := eventlog.Archive(path, eventlog.CodecSnappy)
	if err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if code := runVerify([]string{archived}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected archived log to verify, got %d: %s", code, stderr.String())
	}
}
