// internal/agent/errors.go
package agent

import "errors"

// Session errors
var (
	// ErrRegisterRejected indicates the server answered Register with an Error.
	ErrRegisterRejected = errors.New("registration rejected")

	// ErrRegisterTimeout indicates no RegisterAck arrived in time.
	ErrRegisterTimeout = errors.New("registration timed out")

	// ErrUnsupportedScheme indicates a server URL that is neither tcp nor ws.
	ErrUnsupportedScheme = errors.New("unsupported server url scheme")
)

// Task errors
var (
	// ErrNoHandler indicates a task type with no registered handler.
	ErrNoHandler = errors.New("no handler for task type")
)
