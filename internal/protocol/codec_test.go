package protocol

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/aceteam-ai/citadel-fabric/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeTaskDispatch(t *testing.T) {
	c := NewCodec(Latest)
	in := TaskDispatch{
		TaskID:    7,
		Type:      "embed",
		Params:    map[string]any{"model": "llama-3-8b", "layers": uint64(32)},
		Input:     []byte("hello"),
		TimeoutMs: 30000,
	}

	b, err := c.Encode(V2, in)
	require.NoError(t, err)
	assert.Equal(t, byte(V2), b[0])
	assert.Equal(t, byte(KindTaskDispatch), b[1])

	msg, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, V2, msg.Version)
	got, ok := msg.Command.(TaskDispatch)
	require.True(t, ok, "got %T", msg.Command)
	assert.Equal(t, in.TaskID, got.TaskID)
	assert.Equal(t, in.Type, got.Type)
	assert.Equal(t, in.Input, got.Input)
	assert.Equal(t, in.TimeoutMs, got.TimeoutMs)
	assert.Equal(t, "llama-3-8b", got.Params["model"])
	assert.Equal(t, uint64(32), got.Params["layers"])
}

func TestParamsEncodingIsDeterministic(t *testing.T) {
	c := NewCodec(Latest)
	params := map[string]any{"b": 1, "a": 2, "c": "x", "d": []any{1, 2}}
	first, err := c.Encode(V1, TaskDispatch{TaskID: 1, Params: params})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := c.Encode(V1, TaskDispatch{TaskID: 1, Params: params})
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestTaskResultLayoutDiffersByVersion(t *testing.T) {
	c := NewCodec(Latest)
	res := TaskResult{TaskID: 3, Success: false, Error: "oom", DurationMs: 1500}

	v1, err := c.Encode(V1, res)
	require.NoError(t, err)
	v2, err := c.Encode(V2, res)
	require.NoError(t, err)
	assert.Equal(t, len(v1)+4, len(v2))

	m1, err := c.Decode(v1)
	require.NoError(t, err)
	assert.Equal(t, TaskResult{TaskID: 3, Error: "oom"}, m1.Command)

	m2, err := c.Decode(v2)
	require.NoError(t, err)
	assert.Equal(t, res, m2.Command)
}

func TestHeartbeatCommand(t *testing.T) {
	c := NewCodec(Latest)
	hb := Heartbeat{Message: telemetry.HeartbeatMessage{
		ClientID: telemetry.ClientID{1},
		System:   telemetry.SystemInfo{CPUUsage: 50},
		Devices:  []telemetry.DeviceInfo{{Index: 0, Usage: 10}},
	}}
	b, err := c.Encode(V1, hb)
	require.NoError(t, err)

	msg, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, hb, msg.Command)
}

func TestVersionTolerance(t *testing.T) {
	newer := NewCodec(V2)
	older := NewCodec(V1)

	progress, err := newer.Encode(V2, TaskProgress{TaskID: 1, Percent: 40, Message: "layer 12"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		codec   *Codec
		payload []byte
		version Version
		kind    Kind
	}{
		{"v2 payload at v1 receiver", older, progress, V2, KindTaskProgress},
		{"kind absent from v1", older, []byte{byte(V1), byte(KindTaskProgress), 0}, V1, KindTaskProgress},
		{"unknown kind", newer, []byte{byte(V2), 99}, V2, Kind(99)},
		{"future version", newer, []byte{9, byte(KindCancel), 1, 2, 3}, Version(9), KindCancel},
		{"version zero", newer, []byte{0, byte(KindCancel)}, Version(0), KindCancel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.codec.Decode(tt.payload)
			require.ErrorIs(t, err, ErrUnsupportedCommand)
			require.NotErrorIs(t, err, ErrDecode)

			var uc *UnsupportedCommandError
			require.True(t, errors.As(err, &uc))
			assert.Equal(t, tt.version, uc.Version)
			assert.Equal(t, tt.kind, uc.Kind)
		})
	}
}

func TestEncodeKindMissingFromVersion(t *testing.T) {
	c := NewCodec(Latest)
	_, err := c.Encode(V1, EmbeddingChunk{TotalChunks: 1})
	assert.ErrorIs(t, err, ErrUnsupportedCommand)
	assert.False(t, c.Supports(V1, KindEmbeddingChunk))
	assert.True(t, c.Supports(V2, KindEmbeddingChunk))
}

func TestDecodeMalformed(t *testing.T) {
	c := NewCodec(Latest)
	good, err := c.Encode(V2, TaskResult{TaskID: 1, Success: true, Output: []byte("ok")})
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"one byte", []byte{byte(V2)}},
		{"truncated body", good[:len(good)-2]},
		{"trailing bytes", append(append([]byte{}, good...), 0)},
		{"bad bool", []byte{byte(V1), byte(KindTaskResult), 1, 0, 0, 0, 0, 0, 0, 0, 7, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"progress over 100", []byte{byte(V2), byte(KindTaskProgress), 1, 0, 0, 0, 0, 0, 0, 0, 101, 0, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode(tt.payload)
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestDecodeRandomInputNeverPanics(t *testing.T) {
	c := NewCodec(Latest)
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		b := make([]byte, rng.Intn(64))
		rng.Read(b)
		if len(b) > 1 {
			b[0] = byte(1 + rng.Intn(2))
			b[1] = byte(1 + rng.Intn(10))
		}
		_, err := c.Decode(b)
		if err != nil && !errors.Is(err, ErrDecode) && !errors.Is(err, ErrUnsupportedCommand) {
			t.Fatalf("unexpected error class: %v", err)
		}
	}
}

func TestNegotiate(t *testing.T) {
	v, err := Negotiate(V2, V1)
	require.NoError(t, err)
	assert.Equal(t, V1, v)

	v, err = Negotiate(Version(5), V2)
	require.NoError(t, err)
	assert.Equal(t, V2, v)

	_, err = Negotiate(0, V2)
	assert.ErrorIs(t, err, ErrNoCommonVersion)
}

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("abc")))
	require.NoError(t, WriteFrame(&buf, nil))
	assert.Equal(t, []byte{3, 0, 0, 0, 'a', 'b', 'c', 0, 0, 0, 0}, buf.Bytes())

	got, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)

	got, err = ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ReadFrame(&buf, 0)
	assert.ErrorIs(t, err, io.EOF)

	_, err = ReadFrame(bytes.NewReader([]byte{10, 0, 0, 0, 1, 2}), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 1}), 1024)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
