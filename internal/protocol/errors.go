package protocol

import (
	"errors"
	"fmt"
)

// Decoding errors
var (
	// ErrDecode indicates a payload whose body could not be parsed.
	ErrDecode = errors.New("malformed command")

	// ErrUnsupportedCommand indicates a version or kind this side does not know.
	// It is recoverable: the receiver ignores the command and keeps going.
	ErrUnsupportedCommand = errors.New("unsupported command")

	// ErrFrameTooLarge indicates a length prefix above the configured limit.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Transfer errors
var (
	// ErrChecksumMismatch indicates a reassembled payload that is incomplete,
	// has duplicate parts, or does not match its checksum.
	ErrChecksumMismatch = errors.New("embedding checksum mismatch")
)

// Session errors
var (
	// ErrProtocolViolation indicates a peer that broke the session rules.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrNoCommonVersion indicates the peer's newest version is older than V1.
	ErrNoCommonVersion = errors.New("no common protocol version")
)

// UnsupportedCommandError carries the tags that could not be handled.
type UnsupportedCommandError struct {
	Version Version
	Kind    Kind
}

func (e *UnsupportedCommandError) Error() string {
	return fmt.Sprintf("unsupported command: version %d kind %s", e.Version, e.Kind)
}

func (e *UnsupportedCommandError) Is(target error) bool {
	return target == ErrUnsupportedCommand
}
