package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSession is returned when an operation needs a session and none is stored
	ErrNoSession = errors.New("no session")

	// ErrNoChannel is returned when a flow needs an interaction channel that was not configured
	ErrNoChannel = errors.New("no interaction channel configured")

	// ErrClosed is returned by operations on a closed manager
	ErrClosed = errors.New("session manager closed")

	// ErrSessionExpired is returned by a token source when another instance
	// held the renewal lock and no fresh token appeared before the lock expired
	ErrSessionExpired = errors.New("session expired and renewal did not complete")
)

// CorrelationNotFoundError means an authorization response carried a state
// with no pending request: it was tampered with, replayed, or evicted.
type CorrelationNotFoundError struct {
	State string
}

func (e *CorrelationNotFoundError) Error() string {
	if e.State == "" {
		return "authorization response has no state"
	}
	return fmt.Sprintf("no pending authorization request for state %q", e.State)
}

// PreconditionError means a required grant parameter was missing locally.
// No request is sent to the provider.
type PreconditionError struct {
	Op    string
	Param string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s is required", e.Op, e.Param)
}

// SubjectMismatchError means a response described a different user than the
// current session.
type SubjectMismatchError struct {
	Source   string
	Expected string
	Actual   string
}

func (e *SubjectMismatchError) Error() string {
	return fmt.Sprintf("%s subject %q does not match %q", e.Source, e.Actual, e.Expected)
}
