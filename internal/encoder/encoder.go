// Package encoder launches and supervises transcoder subprocesses. One
// Supervise call covers one subprocess from spawn to reap: stdin is fed from
// the tuner, stdout streams transcoded TS to the sink, stderr is classified
// line by line, and a watchdog trips when output stalls.
package encoder

import "errors"

var (
	// ErrUnsupported means the configured encoder binary is not present on
	// this host.
	ErrUnsupported = errors.New("encoder not supported on this host")

	// ErrStartFailed means the subprocess could not be spawned.
	ErrStartFailed = errors.New("encoder failed to start")

	// ErrFroze means the watchdog saw no output within the freeze window.
	ErrFroze = errors.New("encoder output froze")

	// ErrFatalLog means stderr carried a condition a restart cannot fix.
	ErrFatalLog = errors.New("encoder reported a fatal condition")

	// ErrExited means the subprocess ended on its own without a fatal log
	// line. Callers treat this as recoverable.
	ErrExited = errors.New("encoder exited unexpectedly")
)
