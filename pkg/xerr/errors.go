package xerr

import (
	"errors"
	"fmt"
)

// Code classifies an engine error so callers can tell "stop gracefully"
// from "lost one item, continue" from "abort this stage".
type Code int

const (
	OK Code = iota
	EndOfStream
	CapacityExceeded
	Fatal
	TransportClosed
	InvalidConfig
	InvalidState
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case EndOfStream:
		return "end_of_stream"
	case CapacityExceeded:
		return "capacity_exceeded"
	case Fatal:
		return "fatal"
	case TransportClosed:
		return "transport_closed"
	case InvalidConfig:
		return "invalid_config"
	case InvalidState:
		return "invalid_state"
	default:
		return "unknown"
	}
}

type CodeError struct {
	Code  Code
	Msg   string
	Cause error
}

func (e *CodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.Cause }

// Is matches any CodeError carrying the same code, so a wrapped error
// still satisfies errors.Is against the package sentinels.
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func New(code Code, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func Newf(code Code, format string, args ...any) error {
	return &CodeError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to cause. A nil cause yields nil.
func Wrap(code Code, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &CodeError{Code: code, Msg: msg, Cause: cause}
}

// CodeOf returns the outermost code found in err's chain, Fatal for
// uncoded errors and OK for nil.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return Fatal
}

func Is(err error, code Code) bool {
	var ce *CodeError
	for err != nil {
		if !errors.As(err, &ce) {
			return false
		}
		if ce.Code == code {
			return true
		}
		err = ce.Cause
	}
	return false
}
