package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevoDB/clocksim/pkg/common/log"
)

// Link is the outbound connection to one peer. There is no reconnect: once
// dialing or a send fails the link is done.
type Link struct {
	addr        string
	conn        net.Conn
	sendTimeout time.Duration
	logger      log.Logger
	metrics     MetricsCollector

	mu     sync.Mutex
	closed bool
}

// Dial connects to addr. A failure wraps ErrConnectionFailed.
func Dial(ctx context.Context, addr string, dialTimeout, sendTimeout time.Duration, opts ...Option) (*Link, error) {
	o := buildOptions(opts)

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		o.metrics.RecordConnection(false)
		return nil, fmt.Errorf("%w to %s: %v", ErrConnectionFailed, addr, err)
	}
	o.metrics.RecordConnection(true)

	return &Link{
		addr:        addr,
		conn:        conn,
		sendTimeout: sendTimeout,
		logger:      o.logger,
		metrics:     o.metrics,
	}, nil
}

// Addr returns the peer address
func (l *Link) Addr() string {
	return l.addr
}

// Send writes one framed timestamp
func (l *Link) Send(ts uint64) error {
	return l.write(EncodeTimestamp(ts))
}

// SendPayload frames and writes a raw payload
func (l *Link) SendPayload(payload []byte) error {
	return l.write(AppendFrame(nil, payload))
}

func (l *Link) write(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLinkClosed
	}

	start := time.Now()
	if l.sendTimeout > 0 {
		l.conn.SetWriteDeadline(start.Add(l.sendTimeout))
	}
	_, err := l.conn.Write(frame)
	l.metrics.RecordSend(len(frame), start, err)
	if err != nil {
		return fmt.Errorf("send to %s: %w", l.addr, err)
	}
	return nil
}

// Close closes the connection
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.conn.Close()
}
