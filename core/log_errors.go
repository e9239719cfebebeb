package core

import (
	"errors"
	"fmt"
)

var (
	// ErrProcessorClosed is returned by Enqueue once shutdown has begun.
	ErrProcessorClosed = errors.New("sync processor is shut down")
	// ErrTruncatedRecord marks a partial record at the tail of a segment.
	ErrTruncatedRecord = errors.New("truncated log record")
	// ErrBadRecordMarker is returned when a record does not end with RecordEndMarker.
	ErrBadRecordMarker = errors.New("log record end marker mismatch")
	// ErrCorruptRecord is returned for a record whose length field cannot be valid.
	ErrCorruptRecord = errors.New("corrupt log record")
	// ErrRecordTooLarge is returned when a payload cannot fit a record's length field.
	ErrRecordTooLarge = errors.New("log record exceeds size limit")
)

// FatalError wraps an I/O failure after which the log can no longer honor
// "forwarded implies durable". The process is expected to halt.
type FatalError struct {
	Op  string // "write", "pad", "flush", "open", ...
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal txn log %s failure: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err (or any error in its chain) is a FatalError.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
