// Package errs defines the typed error kinds shared across remdis
// modules so callers can branch on failure class with errors.As
// instead of string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for programmatic handling: each
// module-facing failure mode gets exactly one Kind.
type Kind string

const (
	KindCausalityViolation Kind = "causality_violation"
	KindProtocolViolation  Kind = "protocol_violation"
	KindBackpressure       Kind = "backpressure"
	KindUpstreamTimeout    Kind = "upstream_timeout"
	KindUpstreamFailure    Kind = "upstream_failure"
	KindConfigInvalid      Kind = "config_invalid"
	KindParseFailure       Kind = "parse_failure"
	KindShutdown           Kind = "shutdown"
	KindBusUnavailable     Kind = "bus_unavailable"
)

// Error wraps an underlying error with an operation name and a Kind,
// in the style cerebras.go and deepgram.go already use ad hoc.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error. Err may be nil for sentinel-style errors.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
