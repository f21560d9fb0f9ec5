// Package protocol implements the versioned binary command protocol spoken
// between the control plane and compute nodes.
//
// A payload is one version byte, one kind byte and a kind-specific body. All
// integers are little-endian; variable-length fields carry a u32 length.
// Each protocol version is served by its own adapter, so handlers work with
// plain Command values and never look at the version.
package protocol

import (
	"fmt"

	"github.com/aceteam-ai/citadel-fabric/internal/telemetry"
	"github.com/google/uuid"
)

// Version is the protocol version discriminant.
type Version uint8

const (
	V1 Version = 1
	V2 Version = 2

	// Latest is the newest version this build speaks.
	Latest = V2
)

// Kind tags the command variant.
type Kind uint8

const (
	KindHeartbeat      Kind = 1
	KindRegister       Kind = 2
	KindRegisterAck    Kind = 3
	KindTaskDispatch   Kind = 4
	KindTaskResult     Kind = 5
	KindTaskProgress   Kind = 6
	KindEmbeddingChunk Kind = 7
	KindCancel         Kind = 8
	KindCancelAck      Kind = 9
	KindError          Kind = 10
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindRegister:
		return "register"
	case KindRegisterAck:
		return "register_ack"
	case KindTaskDispatch:
		return "task_dispatch"
	case KindTaskResult:
		return "task_result"
	case KindTaskProgress:
		return "task_progress"
	case KindEmbeddingChunk:
		return "embedding_chunk"
	case KindCancel:
		return "cancel"
	case KindCancelAck:
		return "cancel_ack"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Command is one variant of the command union.
type Command interface {
	Kind() Kind
}

// Message is a decoded payload: the command plus the version it arrived in.
type Message struct {
	Version Version
	Command Command
}

// Heartbeat carries a node's periodic telemetry sample.
type Heartbeat struct {
	Message telemetry.HeartbeatMessage
}

// Register opens a session. It must be the first command a node sends.
type Register struct {
	ClientID     telemetry.ClientID
	MaxVersion   Version
	AgentVersion string
	Hostname     string
}

// RegisterAck confirms a session and fixes its version and heartbeat cadence.
type RegisterAck struct {
	Version             Version
	HeartbeatIntervalMs uint32
}

// TaskDispatch asks a node to run a task. TaskID is scoped to the connection.
type TaskDispatch struct {
	TaskID    uint64
	Type      string
	Params    map[string]any
	Input     []byte
	TimeoutMs uint32
}

// TaskResult reports the terminal outcome of a task.
// DurationMs is only carried from V2 on.
type TaskResult struct {
	TaskID     uint64
	Success    bool
	Error      string
	Output     []byte
	DurationMs uint32
}

// TaskProgress reports intermediate progress (V2).
type TaskProgress struct {
	TaskID  uint64
	Percent uint8
	Message string
}

// EmbeddingChunk is one part of a large tensor payload (V2).
type EmbeddingChunk struct {
	EmbeddingID      uuid.UUID
	TaskID           uint64
	ChunkIndex       uint32
	TotalChunks      uint32
	Checksum         uint32
	Compression      CompressionTag
	UncompressedSize uint64
	DType            DType
	Shape            []uint32
	Data             []byte
}

// Cancel asks a node to stop a task. Delivery is best effort.
type Cancel struct {
	TaskID uint64
}

// CancelAck confirms a Cancel.
type CancelAck struct {
	TaskID uint64
}

// ErrorCode classifies an Error command.
type ErrorCode uint16

const (
	CodeInternal          ErrorCode = 1
	CodeChecksumMismatch  ErrorCode = 2
	CodeProtocolViolation ErrorCode = 3
	CodeUnsupported       ErrorCode = 4
)

// Error reports a problem to the peer. TaskID is zero when not task scoped.
type Error struct {
	Code    ErrorCode
	TaskID  uint64
	Message string
}

func (Heartbeat) Kind() Kind      { return KindHeartbeat }
func (Register) Kind() Kind       { return KindRegister }
func (RegisterAck) Kind() Kind    { return KindRegisterAck }
func (TaskDispatch) Kind() Kind   { return KindTaskDispatch }
func (TaskResult) Kind() Kind     { return KindTaskResult }
func (TaskProgress) Kind() Kind   { return KindTaskProgress }
func (EmbeddingChunk) Kind() Kind { return KindEmbeddingChunk }
func (Cancel) Kind() Kind         { return KindCancel }
func (CancelAck) Kind() Kind      { return KindCancelAck }
func (Error) Kind() Kind          { return KindError }

// Negotiate picks the version a session runs at.
func Negotiate(peerMax, localMax Version) (Version, error) {
	v := peerMax
	if localMax < v {
		v = localMax
	}
	if v < V1 {
		return 0, fmt.Errorf("%w: peer max %d", ErrNoCommonVersion, peerMax)
	}
	return v, nil
}
