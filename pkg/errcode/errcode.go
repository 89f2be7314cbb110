// Package errcode defines the stable error kinds shared by the sampling,
// storage and logging components.
package errcode

import "errors"

// Code is a comparable error identifier. It implements error so a bare code
// can be returned or matched with errors.Is.
type Code string

func (c Code) Error() string { return string(c) }

const (
	OK                 Code = "ok"
	SensorReadFailed   Code = "sensor_read_failed"
	LockTimeout        Code = "lock_timeout"
	StorageUnavailable Code = "storage_unavailable"
	FileOpenFailed     Code = "file_open_failed"
	PathTooLong        Code = "path_too_long"
	InvalidInterval    Code = "invalid_interval"
	LoggingUnavailable Code = "logging_unavailable"

	Error Code = "error" // generic fallback
)

// E wraps a cause with its code and the operation that failed.
type E struct {
	C   Code
	Op  string
	Err error
}

func New(c Code, op string, err error) *E {
	return &E{C: c, Op: op, Err: err}
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, errcode.LockTimeout) match a wrapped E.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// Of extracts a Code from an error chain, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var e *E
	if errors.As(err, &e) {
		return e.C
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Error
}
