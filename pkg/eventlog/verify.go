package eventlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// VerifyError reports the first line of a log that breaks the format
type VerifyError struct {
	Line   int
	Reason string
	// Err is ErrInvalidHeader or ErrInvalidRecord
	Err error
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

func (e *VerifyError) Unwrap() error {
	return e.Err
}

// Summary counts what a verified log contains
type Summary struct {
	Records   int
	Receives  int
	Sends     int
	Internals int
	// LastClock is the logical time of the final record
	LastClock uint64
}

// Parse reads a complete log, header included
func Parse(r io.Reader) ([]Record, error) {
	var records []Record
	err := scan(r, func(line int, rec Record) error {
		records = append(records, rec)
		return nil
	})
	return records, err
}

// Verify checks the header, the column count and operation names, the
// queue length column against the operation, and that logical time
// strictly increases from one record to the next.
func Verify(r io.Reader) (Summary, error) {
	var (
		sum  Summary
		prev uint64
	)
	err := scan(r, func(line int, rec Record) error {
		if sum.Records > 0 && rec.Clock <= prev {
			return &VerifyError{
				Line:   line,
				Reason: fmt.Sprintf("logical time %d does not advance past %d", rec.Clock, prev),
				Err:    ErrInvalidRecord,
			}
		}
		prev = rec.Clock
		sum.Records++
		sum.LastClock = rec.Clock
		switch rec.Op.Kind {
		case KindReceive:
			sum.Receives++
		case KindSend:
			sum.Sends++
		case KindInternal:
			sum.Internals++
		}
		return nil
	})
	return sum, err
}

// VerifyFile runs Verify on a plain or archived log file
func VerifyFile(path string) (Summary, error) {
	rc, err := OpenArchive(path)
	if err != nil {
		return Summary{}, err
	}
	defer rc.Close()
	return Verify(rc)
}

func scan(r io.Reader, fn func(line int, rec Record) error) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return &VerifyError{Line: 1, Reason: "empty log", Err: ErrInvalidHeader}
		}
		return fmt.Errorf("failed to read header: %w", err)
	}
	if got := strings.Join(header, ","); got != Header {
		return &VerifyError{Line: 1, Reason: fmt.Sprintf("unexpected header %q", got), Err: ErrInvalidHeader}
	}

	for {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return &VerifyError{Line: perr.Line, Reason: perr.Err.Error(), Err: ErrInvalidRecord}
			}
			return err
		}

		line, _ := cr.FieldPos(0)
		rec, err := parseRecord(fields)
		if err != nil {
			return &VerifyError{Line: line, Reason: err.Error(), Err: ErrInvalidRecord}
		}
		if err := fn(line, rec); err != nil {
			return err
		}
	}
}
