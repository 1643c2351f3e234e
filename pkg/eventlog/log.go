package eventlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/KevoDB/clocksim/pkg/common/log"
	"github.com/KevoDB/clocksim/pkg/common/retry"
)

// Recorder accepts event records. The machine writes through this interface
// so tests can capture records without touching the filesystem.
type Recorder interface {
	Append(ctx context.Context, rec Record) error
}

// Log is an append-only event log. One lock is held for the whole of each
// append, so lines are never interleaved or reordered.
type Log struct {
	mu      sync.Mutex
	w       io.Writer
	closer  io.Closer
	path    string
	pending []string
	closed  bool

	policy  retry.Policy
	now     func() time.Time
	archive string
	logger  log.Logger
}

// Option configures a Log
type Option func(*Log)

// WithRetryPolicy sets how failed writes are retried before the record is
// kept in the pending buffer
func WithRetryPolicy(p retry.Policy) Option {
	return func(l *Log) {
		l.policy = p
	}
}

// WithClock replaces time.Now for stamping records
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// WithArchive compresses an existing log with codec before Open truncates it
func WithArchive(codec string) Option {
	return func(l *Log) {
		l.archive = codec
	}
}

// WithLogger sets the diagnostic logger
func WithLogger(logger log.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

func newLog(opts []Option) *Log {
	l := &Log{
		policy:  retry.DefaultPolicy(),
		now:     time.Now,
		archive: CodecNone,
		logger:  log.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open truncates the file at path and writes the header. When an archive
// codec is configured the previous contents are compressed beside it first.
func Open(path string, opts ...Option) (*Log, error) {
	l := newLog(opts)
	l.path = path

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	if l.archive != CodecNone {
		archived, err := Archive(path, l.archive)
		if err != nil {
			return nil, err
		}
		if archived != "" {
			l.logger.Info("Archived previous event log to %s", archived)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	l.w = f
	l.closer = f

	if err := l.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// New writes the header to w and returns a Log appending to it
func New(w io.Writer, opts ...Option) (*Log, error) {
	l := newLog(opts)
	l.w = w
	if c, ok := w.(io.Closer); ok {
		l.closer = c
	}
	if err := l.writeHeader(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) writeHeader() error {
	if _, err := io.WriteString(l.w, Header+"\n"); err != nil {
		return fmt.Errorf("failed to write event log header: %w", err)
	}
	return nil
}

// Path returns the file path, empty for a Log built with New
func (l *Log) Path() string {
	return l.path
}

// Append writes one record, stamping its time when unset. A write that
// still fails after retries leaves the line buffered; it is written ahead
// of the next record and the returned error wraps ErrBuffered.
func (l *Log) Append(ctx context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if rec.Time.IsZero() {
		rec.Time = l.now()
	}

	l.pending = append(l.pending, rec.Format()+"\n")
	return l.flushLocked(ctx)
}

// Pending returns the number of lines waiting for a successful write
func (l *Log) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Flush retries writing any buffered lines
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	return l.flushLocked(ctx)
}

func (l *Log) flushLocked(ctx context.Context) error {
	if len(l.pending) == 0 {
		return nil
	}

	err := retry.Do(ctx, l.policy, func(ctx context.Context) error {
		for len(l.pending) > 0 {
			n, err := io.WriteString(l.w, l.pending[0])
			if err != nil {
				// Keep the unwritten tail so a retry never duplicates bytes.
				l.pending[0] = l.pending[0][n:]
				return err
			}
			l.pending = l.pending[1:]
		}
		return nil
	})
	if err != nil {
		l.logger.Warn("Event log write failed, %d line(s) buffered: %v", len(l.pending), err)
		return fmt.Errorf("%w: %v", ErrBuffered, err)
	}
	return nil
}

// Close flushes what it can and closes the underlying file
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error
	if len(l.pending) > 0 {
		if err := l.flushLocked(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	if l.closer != nil {
		if err := l.closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
