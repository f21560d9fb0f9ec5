package protocol

import (
	"fmt"

	"github.com/aceteam-ai/citadel-fabric/internal/telemetry"
	"github.com/aceteam-ai/citadel-fabric/internal/wire"
)

// MaxShapeDims bounds the rank of an embedding tensor.
const MaxShapeDims = 8

type bodyCodec struct {
	encode func(buf []byte, c Command) ([]byte, error)
	decode func(r *wire.Reader) (Command, error)
}

func body[T Command](enc func([]byte, T) ([]byte, error), dec func(*wire.Reader) (T, error)) bodyCodec {
	return bodyCodec{
		encode: func(buf []byte, c Command) ([]byte, error) {
			v, ok := c.(T)
			if !ok {
				return nil, fmt.Errorf("command type mismatch: %T", c)
			}
			return enc(buf, v)
		},
		decode: func(r *wire.Reader) (Command, error) {
			return dec(r)
		},
	}
}

// adapter maps one protocol version's kinds to body codecs.
type adapter struct {
	version Version
	kinds   map[Kind]bodyCodec
}

var adapters = map[Version]*adapter{
	V1: {
		version: V1,
		kinds: map[Kind]bodyCodec{
			KindHeartbeat:    body(appendHeartbeat, readHeartbeat),
			KindRegister:     body(appendRegister, readRegister),
			KindRegisterAck:  body(appendRegisterAck, readRegisterAck),
			KindTaskDispatch: body(appendTaskDispatch, readTaskDispatch),
			KindTaskResult:   body(appendTaskResultV1, readTaskResultV1),
			KindCancel:       body(appendCancel, readCancel),
			KindCancelAck:    body(appendCancelAck, readCancelAck),
			KindError:        body(appendError, readError),
		},
	},
	V2: {
		version: V2,
		kinds: map[Kind]bodyCodec{
			KindHeartbeat:      body(appendHeartbeat, readHeartbeat),
			KindRegister:       body(appendRegister, readRegister),
			KindRegisterAck:    body(appendRegisterAck, readRegisterAck),
			KindTaskDispatch:   body(appendTaskDispatch, readTaskDispatch),
			KindTaskResult:     body(appendTaskResultV2, readTaskResultV2),
			KindTaskProgress:   body(appendTaskProgress, readTaskProgress),
			KindEmbeddingChunk: body(appendEmbeddingChunk, readEmbeddingChunk),
			KindCancel:         body(appendCancel, readCancel),
			KindCancelAck:      body(appendCancelAck, readCancelAck),
			KindError:          body(appendError, readError),
		},
	},
}

// Heartbeat: telemetry bus layout.

func appendHeartbeat(buf []byte, c Heartbeat) ([]byte, error) {
	return telemetry.AppendMessage(buf, &c.Message), nil
}

func readHeartbeat(r *wire.Reader) (Heartbeat, error) {
	m, err := telemetry.ReadMessage(r)
	if err != nil {
		return Heartbeat{}, err
	}
	return Heartbeat{Message: *m}, nil
}

// Register: [16]client_id + u8(max_version) + str(agent_version) + str(hostname)

func appendRegister(buf []byte, c Register) ([]byte, error) {
	buf = append(buf, c.ClientID[:]...)
	buf = wire.AppendU8(buf, uint8(c.MaxVersion))
	buf = wire.AppendString(buf, c.AgentVersion)
	buf = wire.AppendString(buf, c.Hostname)
	return buf, nil
}

func readRegister(r *wire.Reader) (Register, error) {
	var c Register
	r.Fixed(c.ClientID[:])
	c.MaxVersion = Version(r.U8())
	c.AgentVersion = r.Str()
	c.Hostname = r.Str()
	return c, r.Err()
}

// RegisterAck: u8(version) + u32(heartbeat_interval_ms)

func appendRegisterAck(buf []byte, c RegisterAck) ([]byte, error) {
	buf = wire.AppendU8(buf, uint8(c.Version))
	buf = wire.AppendU32(buf, c.HeartbeatIntervalMs)
	return buf, nil
}

func readRegisterAck(r *wire.Reader) (RegisterAck, error) {
	var c RegisterAck
	c.Version = Version(r.U8())
	c.HeartbeatIntervalMs = r.U32()
	return c, r.Err()
}

// TaskDispatch: u64(task_id) + str(type) + bytes(cbor params) + bytes(input) + u32(timeout_ms)

func appendTaskDispatch(buf []byte, c TaskDispatch) ([]byte, error) {
	params, err := marshalParams(c.Params)
	if err != nil {
		return nil, fmt.Errorf("encode task params: %w", err)
	}
	buf = wire.AppendU64(buf, c.TaskID)
	buf = wire.AppendString(buf, c.Type)
	buf = wire.AppendBytes(buf, params)
	buf = wire.AppendBytes(buf, c.Input)
	buf = wire.AppendU32(buf, c.TimeoutMs)
	return buf, nil
}

func readTaskDispatch(r *wire.Reader) (TaskDispatch, error) {
	var c TaskDispatch
	c.TaskID = r.U64()
	c.Type = r.Str()
	raw := r.Bytes()
	c.Input = r.Bytes()
	c.TimeoutMs = r.U32()
	if err := r.Err(); err != nil {
		return c, err
	}
	params, err := unmarshalParams(raw)
	if err != nil {
		return c, fmt.Errorf("task params: %w", err)
	}
	c.Params = params
	return c, nil
}

// TaskResult V1: u64(task_id) + bool(success) + str(error) + bytes(output)
// TaskResult V2: V1 layout + u32(duration_ms)

func appendTaskResultV1(buf []byte, c TaskResult) ([]byte, error) {
	buf = wire.AppendU64(buf, c.TaskID)
	buf = wire.AppendBool(buf, c.Success)
	buf = wire.AppendString(buf, c.Error)
	buf = wire.AppendBytes(buf, c.Output)
	return buf, nil
}

func readTaskResultV1(r *wire.Reader) (TaskResult, error) {
	var c TaskResult
	c.TaskID = r.U64()
	c.Success = r.Bool()
	c.Error = r.Str()
	c.Output = r.Bytes()
	return c, r.Err()
}

func appendTaskResultV2(buf []byte, c TaskResult) ([]byte, error) {
	buf, _ = appendTaskResultV1(buf, c)
	return wire.AppendU32(buf, c.DurationMs), nil
}

func readTaskResultV2(r *wire.Reader) (TaskResult, error) {
	c, _ := readTaskResultV1(r)
	c.DurationMs = r.U32()
	return c, r.Err()
}

// TaskProgress: u64(task_id) + u8(percent) + str(message)

func appendTaskProgress(buf []byte, c TaskProgress) ([]byte, error) {
	buf = wire.AppendU64(buf, c.TaskID)
	buf = wire.AppendU8(buf, c.Percent)
	buf = wire.AppendString(buf, c.Message)
	return buf, nil
}

func readTaskProgress(r *wire.Reader) (TaskProgress, error) {
	var c TaskProgress
	c.TaskID = r.U64()
	c.Percent = r.U8()
	c.Message = r.Str()
	if r.Err() == nil && c.Percent > 100 {
		return c, fmt.Errorf("progress %d out of range", c.Percent)
	}
	return c, r.Err()
}

// EmbeddingChunk: [16]embedding_id + u64(task_id) + u32(index) + u32(total) +
// u32(crc32) + u8(compression) + u64(uncompressed_size) + u8(dtype) +
// u16(rank) + rank*u32(dim) + bytes(data)

func appendEmbeddingChunk(buf []byte, c EmbeddingChunk) ([]byte, error) {
	if len(c.Shape) > MaxShapeDims {
		return nil, fmt.Errorf("embedding rank %d exceeds %d", len(c.Shape), MaxShapeDims)
	}
	buf = append(buf, c.EmbeddingID[:]...)
	buf = wire.AppendU64(buf, c.TaskID)
	buf = wire.AppendU32(buf, c.ChunkIndex)
	buf = wire.AppendU32(buf, c.TotalChunks)
	buf = wire.AppendU32(buf, c.Checksum)
	buf = wire.AppendU8(buf, uint8(c.Compression))
	buf = wire.AppendU64(buf, c.UncompressedSize)
	buf = wire.AppendU8(buf, uint8(c.DType))
	buf = wire.AppendU16(buf, uint16(len(c.Shape)))
	for _, d := range c.Shape {
		buf = wire.AppendU32(buf, d)
	}
	buf = wire.AppendBytes(buf, c.Data)
	return buf, nil
}

func readEmbeddingChunk(r *wire.Reader) (EmbeddingChunk, error) {
	var c EmbeddingChunk
	r.Fixed(c.EmbeddingID[:])
	c.TaskID = r.U64()
	c.ChunkIndex = r.U32()
	c.TotalChunks = r.U32()
	c.Checksum = r.U32()
	c.Compression = CompressionTag(r.U8())
	c.UncompressedSize = r.U64()
	c.DType = DType(r.U8())
	rank := int(r.U16())
	if r.Err() == nil && rank > MaxShapeDims {
		return c, fmt.Errorf("embedding rank %d exceeds %d", rank, MaxShapeDims)
	}
	if rank > 0 {
		c.Shape = make([]uint32, rank)
		for i := range c.Shape {
			c.Shape[i] = r.U32()
		}
	}
	c.Data = r.Bytes()
	if err := r.Err(); err != nil {
		return c, err
	}
	if c.TotalChunks == 0 {
		return c, fmt.Errorf("embedding chunk with zero total")
	}
	return c, nil
}

// Cancel / CancelAck: u64(task_id)

func appendCancel(buf []byte, c Cancel) ([]byte, error) {
	return wire.AppendU64(buf, c.TaskID), nil
}

func readCancel(r *wire.Reader) (Cancel, error) {
	return Cancel{TaskID: r.U64()}, r.Err()
}

func appendCancelAck(buf []byte, c CancelAck) ([]byte, error) {
	return wire.AppendU64(buf, c.TaskID), nil
}

func readCancelAck(r *wire.Reader) (CancelAck, error) {
	return CancelAck{TaskID: r.U64()}, r.Err()
}

// Error: u16(code) + u64(task_id) + str(message)

func appendError(buf []byte, c Error) ([]byte, error) {
	buf = wire.AppendU16(buf, uint16(c.Code))
	buf = wire.AppendU64(buf, c.TaskID)
	buf = wire.AppendString(buf, c.Message)
	return buf, nil
}

func readError(r *wire.Reader) (Error, error) {
	var c Error
	c.Code = ErrorCode(r.U16())
	c.TaskID = r.U64()
	c.Message = r.Str()
	return c, r.Err()
}
