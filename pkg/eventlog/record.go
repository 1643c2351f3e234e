// Package eventlog writes, archives, parses and verifies the append-only
// per-machine event log.
//
// Each line after the header is
//
//	<operation>,<wall clock time>,<logical clock>,<queue length or N/A>
//
// where operation is one of "Receive", "Internal Event" or "Send (<code>)".
package eventlog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	Header        = "Operation,Global Time,Logical Time,Length of Message Queue"
	TimeFormat    = "2006-01-02 15:04:05.000000"
	NotApplicable = "N/A"
)

var (
	ErrClosed        = errors.New("event log is closed")
	ErrBuffered      = errors.New("event record buffered after write failure")
	ErrInvalidHeader = errors.New("invalid event log header")
	ErrInvalidRecord = errors.New("invalid event record")
	ErrUnknownCodec  = errors.New("unknown archive codec")
)

// Kind is the kind of event a record describes
type Kind int

const (
	KindReceive Kind = iota + 1
	KindInternal
	KindSend
)

// Operation names the event in the first column
type Operation struct {
	Kind Kind
	// Code is the operation code that caused a send
	Code int
}

func Receive() Operation      { return Operation{Kind: KindReceive} }
func Internal() Operation     { return Operation{Kind: KindInternal} }
func Send(code int) Operation { return Operation{Kind: KindSend, Code: code} }

func (o Operation) String() string {
	switch o.Kind {
	case KindReceive:
		return "Receive"
	case KindInternal:
		return "Internal Event"
	case KindSend:
		return fmt.Sprintf("Send (%d)", o.Code)
	default:
		return fmt.Sprintf("Unknown(%d)", o.Kind)
	}
}

// ParseOperation is the inverse of Operation.String
func ParseOperation(s string) (Operation, error) {
	switch {
	case s == "Receive":
		return Receive(), nil
	case s == "Internal Event":
		return Internal(), nil
	case strings.HasPrefix(s, "Send (") && strings.HasSuffix(s, ")"):
		code, err := strconv.Atoi(s[len("Send (") : len(s)-1])
		if err != nil || code < 1 {
			return Operation{}, fmt.Errorf("%w: bad send code in %q", ErrInvalidRecord, s)
		}
		return Send(code), nil
	default:
		return Operation{}, fmt.Errorf("%w: unknown operation %q", ErrInvalidRecord, s)
	}
}

// Record is one event log line
type Record struct {
	Op    Operation
	Time  time.Time
	Clock uint64
	// QueueLen is the inbound queue length right after the pop; it is only
	// written for receives.
	QueueLen int
}

// HasQueueLen reports whether the queue length column applies
func (r Record) HasQueueLen() bool {
	return r.Op.Kind == KindReceive
}

// Format renders the record as a log line without the trailing newline
func (r Record) Format() string {
	queue := NotApplicable
	if r.HasQueueLen() {
		queue = strconv.Itoa(r.QueueLen)
	}
	return r.Op.String() + "," + r.Time.Format(TimeFormat) + "," +
		strconv.FormatUint(r.Clock, 10) + "," + queue
}

func parseRecord(fields []string) (Record, error) {
	if len(fields) != 4 {
		return Record{}, fmt.Errorf("%w: expected 4 columns, got %d", ErrInvalidRecord, len(fields))
	}

	op, err := ParseOperation(fields[0])
	if err != nil {
		return Record{}, err
	}

	ts, err := time.ParseInLocation(TimeFormat, fields[1], time.Local)
	if err != nil {
		return Record{}, fmt.Errorf("%w: bad global time %q", ErrInvalidRecord, fields[1])
	}

	clock, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: bad logical time %q", ErrInvalidRecord, fields[2])
	}

	rec := Record{Op: op, Time: ts, Clock: clock}
	if op.Kind == KindReceive {
		n, err := strconv.Atoi(fields[3])
		if err != nil || n < 0 {
			return Record{}, fmt.Errorf("%w: receive needs a queue length, got %q", ErrInvalidRecord, fields[3])
		}
		rec.QueueLen = n
	} else if fields[3] != NotApplicable {
		return Record{}, fmt.Errorf("%w: %s must have %s queue length, got %q", ErrInvalidRecord, op, NotApplicable, fields[3])
	}
	return rec, nil
}
