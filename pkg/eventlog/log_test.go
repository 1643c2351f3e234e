package eventlog

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/KevoDB/clocksim/pkg/common/retry"
)

var fixedTime = time.Date(2024, 1, 2, 3, 4, 5, 123456000, time.Local)

func fixedClock() time.Time { return fixedTime }

func TestRecordFormat(t *testing.T) {
	tests := []struct {
		rec  Record
		want string
	}{
		{Record{Op: Internal(), Time: fixedTime, Clock: 1}, "Internal Event,2024-01-02 03:04:05.123456,1,N/A"},
		{Record{Op: Send(2), Time: fixedTime, Clock: 2}, "Send (2),2024-01-02 03:04:05.123456,2,N/A"},
		{Record{Op: Receive(), Time: fixedTime, Clock: 11, QueueLen: 0}, "Receive,2024-01-02 03:04:05.123456,11,0"},
		// The queue length only applies to receives.
		{Record{Op: Send(3), Time: fixedTime, Clock: 4, QueueLen: 7}, "Send (3),2024-01-02 03:04:05.123456,4,N/A"},
	}
	for _, tt := range tests {
		if got := tt.rec.Format(); got != tt.want {
			t.Errorf("Format() = %q, want %q", got, tt.want)
		}
	}
}

func TestParseOperation(t *testing.T) {
	tests := []struct {
		in      string
		want    Operation
		wantErr bool
	}{
		{"Receive", Receive(), false},
		{"Internal Event", Internal(), false},
		{"Send (3)", Send(3), false},
		{"Send (10)", Send(10), false},
		{"Send ()", Operation{}, true},
		{"Send (x)", Operation{}, true},
		{"Send (0)", Operation{}, true},
		{"receive", Operation{}, true},
	}
	for _, tt := range tests {
		got, err := ParseOperation(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseOperation(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("ParseOperation(%q) error should wrap ErrInvalidRecord, got %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseOperation(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogAppend(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, WithClock(fixedClock))
	if err != nil {
		t.Fatalf("failed to create log: %v", err)
	}

	ctx := context.Background()
	for _, rec := range []Record{
		{Op: Internal(), Clock: 1},
		{Op: Send(2), Clock: 2},
		{Op: Receive(), Clock: 11, QueueLen: 0},
	} {
		if err := l.Append(ctx, rec); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	want := Header + "\n" +
		"Internal Event,2024-01-02 03:04:05.123456,1,N/A\n" +
		"Send (2),2024-01-02 03:04:05.123456,2,N/A\n" +
		"Receive,2024-01-02 03:04:05.123456,11,0\n"
	if buf.String() != want {
		t.Errorf("unexpected log contents:\n%s\nwant:\n%s", buf.String(), want)
	}
}

// flakyWriter fails the next n writes
type flakyWriter struct {
	failures int
	buf      bytes.Buffer
}

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.failures > 0 {
		w.failures--
		return 0, errors.New("disk unavailable")
	}
	return w.buf.Write(p)
}

func TestLogBuffersFailedWrites(t *testing.T) {
	w := &flakyWriter{}
	l, err := New(w, WithClock(fixedClock), WithRetryPolicy(retry.Policy{MaxRetries: 0}))
	if err != nil {
		t.Fatalf("failed to create log: %v", err)
	}
	ctx := context.Background()

	w.failures = 1
	err = l.Append(ctx, Record{Op: Internal(), Clock: 1})
	if !errors.Is(err, ErrBuffered) {
		t.Fatalf("expected ErrBuffered, got %v", err)
	}
	if l.Pending() != 1 {
		t.Fatalf("expected 1 pending line, got %d", l.Pending())
	}

	if err := l.Append(ctx, Record{Op: Send(1), Clock: 2}); err != nil {
		t.Fatalf("append after recovery failed: %v", err)
	}
	if l.Pending() != 0 {
		t.Errorf("expected buffer drained, got %d", l.Pending())
	}

	lines := strings.Split(strings.TrimSpace(w.buf.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[1], "Internal Event,") || !strings.HasPrefix(lines[2], "Send (1),") {
		t.Errorf("records lost or reordered: %q", lines)
	}
}

func TestLogRetriesTransientFailures(t *testing.T) {
	w := &flakyWriter{}
	policy := retry.Policy{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1}
	l, err := New(w, WithClock(fixedClock), WithRetryPolicy(policy))
	if err != nil {
		t.Fatalf("failed to create log: %v", err)
	}

	w.failures = 2
	if err := l.Append(context.Background(), Record{Op: Internal(), Clock: 1}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if !strings.Contains(w.buf.String(), "Internal Event,") {
		t.Errorf("record not written: %q", w.buf.String())
	}
}

func TestLogClosed(t *testing.T) {
	l, err := New(io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := l.Append(context.Background(), Record{Op: Internal(), Clock: 1}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
}

func TestOpenTruncatesAndArchives(t *testing.T) {
	for _, codec := range []string{CodecZstd, CodecSnappy} {
		t.Run(codec, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "logs", "p1_log.csv")

			first, err := Open(path, WithClock(fixedClock))
			if err != nil {
				t.Fatalf("first open failed: %v", err)
			}
			if err := first.Append(context.Background(), Record{Op: Send(2), Clock: 1}); err != nil {
				t.Fatal(err)
			}
			if err := first.Close(); err != nil {
				t.Fatal(err)
			}
			previous, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}

			second, err := Open(path, WithClock(fixedClock), WithArchive(codec))
			if err != nil {
				t.Fatalf("second open failed: %v", err)
			}
			defer second.Close()

			current, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if string(current) != Header+"\n" {
				t.Errorf("expected truncated log with header, got %q", current)
			}

			rc, err := OpenArchive(ArchivePath(path, codec))
			if err != nil {
				t.Fatalf("failed to open archive: %v", err)
			}
			defer rc.Close()
			restored, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("failed to read archive: %v", err)
			}
			if !bytes.Equal(restored, previous) {
				t.Errorf("archive mismatch:\n got %q\nwant %q", restored, previous)
			}

			sum, err := VerifyFile(ArchivePath(path, codec))
			if err != nil || sum.Sends != 1 {
				t.Errorf("archived log should verify with one send, got %+v, %v", sum, err)
			}
		})
	}
}

func TestArchiveMissingFile(t *testing.T) {
	name, err := Archive(filepath.Join(t.TempDir(), "none.csv"), CodecZstd)
	if err != nil || name != "" {
		t.Errorf("expected nothing archived, got %q, %v", name, err)
	}
	if _, err := Archive("x.csv", "lz4"); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("expected ErrUnknownCodec, got %v", err)
	}
}
