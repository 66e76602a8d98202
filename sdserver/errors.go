// Package sdserver supervises the sd-server child process: it builds the
// command line, spawns the process with merged output, waits for the HTTP
// API to come up and tears everything down on shutdown.
package sdserver

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by spawn when a live process exists.
	// Supervisor.Start treats it as success.
	ErrAlreadyRunning = errors.New("sdserver: sd-server already running")

	// ErrStartupTimeout means sd-server never answered its readiness probe.
	ErrStartupTimeout = errors.New("sdserver: sd-server did not become ready")

	// ErrClientClosed is returned by Client calls after Close.
	ErrClientClosed = errors.New("sdserver: client is closed")
)

// ProcessExitedError reports that sd-server exited before it became ready.
type ProcessExitedError struct {
	Code int
}

func (e *ProcessExitedError) Error() string {
	return fmt.Sprintf("sdserver: sd-server exited during startup with code %d", e.Code)
}

// SpawnError wraps a failure to launch the sd-server binary.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("sdserver: failed to start %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
