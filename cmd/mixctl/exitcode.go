package main

import (
	"errors"
	"net"

	"mixvpn/internal/control"
)

// Exit codes per spec.md §6.
const (
	ExitOK           = 0
	ExitUsage        = 2
	ExitUnreachable  = 3
	ExitBusy         = 4
	ExitEngineFailed = 5
)

// exitError pairs an error with the process exit code it should produce,
// mirroring ployz's cmdutil error wrapping without adopting its richer
// diagnostics machinery (mixctl has one socket to report, not a fleet).
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error { return &exitError{code: ExitUsage, err: err} }

// classify maps a control-client error to the exit code spec.md §6 assigns
// it: dial/network failures mean the socket is unreachable, a busy reply
// means another mutating command is in flight, any other error reply is an
// engine-side failure surfaced verbatim, and an error that is neither (for
// example the connection ending mid-reply) is reported as unreachable.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, net.ErrClosed) {
		return &exitError{code: ExitUnreachable, err: err}
	}

	var replyErr *control.ReplyError
	if errors.As(err, &replyErr) {
		switch replyErr.Code {
		case control.ErrCodeBusy:
			return &exitError{code: ExitBusy, err: err}
		default:
			return &exitError{code: ExitEngineFailed, err: err}
		}
	}

	return &exitError{code: ExitUnreachable, err: err}
}

// exitCode extracts the process exit code from an error returned by a
// cobra RunE, defaulting to ExitEngineFailed for anything unclassified.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitEngineFailed
}
