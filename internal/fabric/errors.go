// internal/fabric/errors.go
package fabric

import "errors"

// Connection errors
var (
	// ErrIdleTimeout indicates no heartbeat arrived within twice the interval.
	ErrIdleTimeout = errors.New("connection closed: no heartbeat within idle timeout")

	// ErrRegisterTimeout indicates the peer never sent Register.
	ErrRegisterTimeout = errors.New("connection closed: registration timed out")

	// ErrSuperseded indicates a newer connection registered the same client.
	ErrSuperseded = errors.New("connection superseded by a newer registration")

	// ErrClosed indicates the handle is closed.
	ErrClosed = errors.New("connection closed")

	// ErrQueueFull indicates the outbound queue had no room.
	ErrQueueFull = errors.New("outbound queue full")
)

// Dispatch errors
var (
	// ErrNotActive indicates a dispatch to a handle that is not Active.
	ErrNotActive = errors.New("worker is not active")

	// ErrDraining indicates a dispatch to a handle that is draining.
	ErrDraining = errors.New("worker is draining")

	// ErrUnknownClient indicates no connection is registered for the client.
	ErrUnknownClient = errors.New("no connection for client")

	// ErrUnknownTask indicates a task id with no outstanding slot.
	ErrUnknownTask = errors.New("unknown task")
)

// Task errors
var (
	// ErrTaskTimeout indicates the task deadline passed before a result arrived.
	ErrTaskTimeout = errors.New("task timed out")

	// ErrTaskCancelled indicates the task was cancelled locally.
	ErrTaskCancelled = errors.New("task cancelled")

	// ErrTaskFailed indicates a TaskResult with success=false.
	ErrTaskFailed = errors.New("task failed")

	// ErrRemote indicates the worker reported an Error for the task.
	ErrRemote = errors.New("worker reported an error")
)

// Server errors
var (
	// ErrRateLimited indicates the peer exceeded the connection rate limit.
	ErrRateLimited = errors.New("rate limit exceeded, please try again later")
)
