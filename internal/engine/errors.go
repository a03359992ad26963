package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies sync failures
type ErrorKind string

const (
	// ConfigurationError means the target set was rejected before any table ran
	ConfigurationError ErrorKind = "ConfigurationError"
	// ConnectionError means the shared source session could not be opened
	ConnectionError ErrorKind = "ConnectionError"
	ExtractionError ErrorKind = "ExtractionError"
	SinkWriteError  ErrorKind = "SinkWriteError"
	WatermarkError  ErrorKind = "WatermarkError"
	// LockError means the table is being synced by another process
	LockError ErrorKind = "LockError"
)

// Fatal reports whether the kind aborts the whole run
func (k ErrorKind) Fatal() bool {
	return k == ConfigurationError || k == ConnectionError
}

// Error is a classified sync failure
type Error struct {
	Kind  ErrorKind
	Table string
	Err   error
}

func (e *Error) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: table %s: %v", e.Kind, e.Table, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
