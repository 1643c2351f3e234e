package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrBind indicates the local listening port could not be bound.
	// The machine cannot run without it.
	ErrBind = errors.New("failed to bind listener")

	// ErrConnectionFailed indicates a peer could not be dialed; only that
	// link is lost
	ErrConnectionFailed = errors.New("connection failed")

	// ErrLinkClosed indicates a send on a closed link
	ErrLinkClosed = errors.New("link is closed")

	// ErrListenerClosed is returned by Serve after Close
	ErrListenerClosed = errors.New("listener is closed")

	// ErrFrameTooLarge indicates a frame header announced more than the
	// configured maximum; the connection is dropped
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrMalformedFrame indicates a frame header that is not a valid varint
	ErrMalformedFrame = errors.New("malformed frame header")

	// ErrChecksumMismatch indicates a corrupted frame; it is skipped
	ErrChecksumMismatch = errors.New("frame checksum mismatch")

	// ErrMalformedToken indicates a payload token that is not a decimal
	// integer; it is discarded
	ErrMalformedToken = errors.New("malformed timestamp token")
)

// TokenError reports a discarded payload token
type TokenError struct {
	Token string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("%v: %q", ErrMalformedToken, e.Token)
}

func (e *TokenError) Unwrap() error {
	return ErrMalformedToken
}

// IsFatalToConnection reports whether a decode error means the rest of the
// stream cannot be trusted
func IsFatalToConnection(err error) bool {
	return errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrMalformedFrame)
}
