package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevoDB/clocksim/pkg/common/log"
)

// Handler serves one accepted connection until it closes or ctx ends.
// The listener closes conn after the handler returns.
type Handler func(ctx context.Context, conn net.Conn)

// Listener accepts inbound peer connections and runs a Handler for each
type Listener struct {
	ln      net.Listener
	logger  log.Logger
	metrics MetricsCollector

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Listener or a Link
type Option func(*options)

type options struct {
	logger  log.Logger
	metrics MetricsCollector
}

// WithLogger sets the diagnostic logger
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m MetricsCollector) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:  log.GetDefaultLogger(),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Listen binds addr. A failure wraps ErrBind.
func Listen(addr string, opts ...Option) (*Listener, error) {
	o := buildOptions(opts)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w on %s: %v", ErrBind, addr, err)
	}

	return &Listener{
		ln:      ln,
		logger:  o.logger,
		metrics: o.metrics,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the bound address, useful when listening on port 0
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until ctx ends or Close is called. A failed
// accept is logged and the loop continues.
func (l *Listener) Serve(ctx context.Context, handler Handler) error {
	stop := context.AfterFunc(ctx, func() {
		l.Close()
	})
	defer stop()

	var backoff time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.isClosed() || errors.Is(err, net.ErrClosed) {
				return ErrListenerClosed
			}
			l.metrics.RecordConnection(false)
			l.logger.Warn("Accept failed: %v", err)

			// Back off on repeated accept failures, as net/http does
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			select {
			case <-ctx.Done():
				return ErrListenerClosed
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		if !l.track(conn) {
			conn.Close()
			return ErrListenerClosed
		}
		l.metrics.RecordConnection(true)

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.untrack(conn)
			handler(ctx, conn)
		}()
	}
}

func (l *Listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
	conn.Close()
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops accepting, closes every open connection and waits for the
// handlers to return
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	err := l.ln.Close()
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()
	return err
}
