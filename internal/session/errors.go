package session

import "errors"

// Session errors returned by Manager.Open, per spec.md §4.3.
var (
	// ErrEntryUnavailable means the entry node itself could not be reached.
	ErrEntryUnavailable = errors.New("entry node unavailable")
	// ErrDestinationUnreachable means the entry node was reached but could
	// not route to the requested destination.
	ErrDestinationUnreachable = errors.New("destination unreachable")
	// ErrPortInUse means the requested local UDP port is already bound.
	ErrPortInUse = errors.New("local port in use")
	// ErrProtocol means the entry node responded with something the
	// session manager could not understand; never retried.
	ErrProtocol = errors.New("entry node protocol error")
)

// Probe errors returned by Manager.Verify.
var (
	// ErrProbeTimeout means no echo was received within probe_timeout.
	ErrProbeTimeout = errors.New("probe timed out")
	// ErrProbeMismatch means an echo was received but did not match the
	// payload byte-for-byte.
	ErrProbeMismatch = errors.New("probe payload mismatch")
	// ErrSessionClosed means Verify was called on a session already closed.
	ErrSessionClosed = errors.New("session closed")
)
