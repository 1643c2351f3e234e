// Package retry runs an operation again with exponential backoff until it
// succeeds, the attempts run out, or the context ends.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrMaxRetriesExceeded wraps the last error once every attempt has failed
var ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

// Policy defines how retries are handled
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         float64
}

// DefaultPolicy suits short local I/O such as appending to a log file.
// The event log retries while holding its lock, so the worst case total
// backoff (84ms, 10+20+40ms with 20% jitter) also bounds how long one
// failing append can stretch a tick.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		BackoffFactor:  2.0,
		Jitter:         0.2,
	}
}

// Func is a function that can be retried
type Func func(ctx context.Context) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do executes fn, retrying on failure according to policy
func Do(ctx context.Context, policy Policy, fn Func) error {
	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}
		if attempt == policy.MaxRetries {
			break
		}

		jitter := 1.0
		if policy.Jitter > 0 {
			jitter = 1.0 + rand.Float64()*policy.Jitter
		}
		wait := time.Duration(float64(backoff) * jitter)
		if wait > policy.MaxBackoff {
			wait = policy.MaxBackoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * policy.BackoffFactor)
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}

	return errors.Join(ErrMaxRetriesExceeded, err)
}

// ExponentialBackoff calculates the backoff for a given zero-based attempt
func ExponentialBackoff(attempt int, initial, max time.Duration, factor float64) time.Duration {
	backoff := initial * time.Duration(math.Pow(factor, float64(attempt)))
	if backoff > max || backoff <= 0 {
		return max
	}
	return backoff
}
