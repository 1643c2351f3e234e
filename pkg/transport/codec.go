package transport

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"google.golang.org/protobuf/encoding/protowire"
)

// A frame is a varint length-prefixed payload followed by the fixed64
// xxhash of the payload. The payload holds one or more decimal timestamps
// separated by whitespace.

// AppendFrame appends the framed payload to dst
func AppendFrame(dst, payload []byte) []byte {
	dst = protowire.AppendBytes(dst, payload)
	return protowire.AppendFixed64(dst, xxhash.Sum64(payload))
}

// EncodeTimestamp frames the decimal text of a logical clock value
func EncodeTimestamp(ts uint64) []byte {
	return AppendFrame(nil, strconv.AppendUint(nil, ts, 10))
}

// Decoder splits a byte stream back into frame payloads. Reads may end
// anywhere, so bytes are kept until a whole frame is available.
type Decoder struct {
	buf      []byte
	maxFrame int
}

// NewDecoder creates a decoder rejecting payloads longer than maxFrame
func NewDecoder(maxFrame int) *Decoder {
	return &Decoder{maxFrame: maxFrame}
}

// Write buffers a chunk read from the connection
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes not yet consumed
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete payload. It returns nil, nil when more
// data is needed. ErrChecksumMismatch means one frame was dropped and Next
// may be called again; IsFatalToConnection errors leave the decoder stuck.
func (d *Decoder) Next() ([]byte, error) {
	size, n := protowire.ConsumeVarint(d.buf)
	if n < 0 {
		if len(d.buf) >= binary.MaxVarintLen64 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		return nil, nil
	}
	if size > uint64(d.maxFrame) {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, size, d.maxFrame)
	}

	payload, pn := protowire.ConsumeBytes(d.buf)
	if pn < 0 {
		return nil, nil
	}
	sum, sn := protowire.ConsumeFixed64(d.buf[pn:])
	if sn < 0 {
		return nil, nil
	}

	out := append([]byte(nil), payload...)
	d.consume(pn + sn)

	if xxhash.Sum64(out) != sum {
		return nil, ErrChecksumMismatch
	}
	return out, nil
}

func (d *Decoder) consume(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}

// ParseTokens splits a payload into timestamps. Tokens that are not
// non-negative decimal integers are returned as TokenErrors and skipped.
func ParseTokens(payload []byte) ([]uint64, []error) {
	var (
		values []uint64
		errs   []error
	)
	for _, tok := range strings.Fields(string(payload)) {
		v, err := strconv.ParseUint(tok, 10, 64)
		if err != nil {
			errs = append(errs, &TokenError{Token: tok})
			continue
		}
		values = append(values, v)
	}
	return values, errs
}
