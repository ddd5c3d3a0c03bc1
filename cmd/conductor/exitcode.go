package main

import "errors"

// exitError carries the process exit code spec.md §6 assigns to each
// control-plane failure mode, so main can translate any RunE error into
// the right os.Exit status without every subcommand repeating the
// mapping.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func exitCodeFor(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// mapErrorKind maps a control-plane Response.Error kind to spec.md §6's
// CLI exit codes: 1 engine error, 2 invalid request. "not running" (3) is
// signalled by controlserver.ErrNotRunning before a Response even exists.
func mapErrorKind(kind string) int {
	if kind == "invalid_request" {
		return 2
	}
	return 1
}
