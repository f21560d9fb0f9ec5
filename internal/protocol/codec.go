package protocol

import (
	"fmt"

	"github.com/aceteam-ai/citadel-fabric/internal/wire"
)

// Codec encodes and decodes command payloads up to a maximum version.
// A Codec is immutable and safe for concurrent use.
type Codec struct {
	max Version
}

// NewCodec returns a codec that accepts versions V1 through max.
// A max above Latest is clamped to Latest.
func NewCodec(max Version) *Codec {
	if max == 0 || max > Latest {
		max = Latest
	}
	return &Codec{max: max}
}

// MaxVersion returns the newest version the codec accepts.
func (c *Codec) MaxVersion() Version { return c.max }

// Supports reports whether kind k exists in version v.
func (c *Codec) Supports(v Version, k Kind) bool {
	a := c.adapter(v)
	if a == nil {
		return false
	}
	_, ok := a.kinds[k]
	return ok
}

func (c *Codec) adapter(v Version) *adapter {
	if v == 0 || v > c.max {
		return nil
	}
	return adapters[v]
}

// Encode renders cmd as a version v payload. Asking for a kind the version
// lacks returns an *UnsupportedCommandError.
func (c *Codec) Encode(v Version, cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("encode: nil command")
	}
	a := c.adapter(v)
	if a == nil {
		return nil, &UnsupportedCommandError{Version: v, Kind: cmd.Kind()}
	}
	bc, ok := a.kinds[cmd.Kind()]
	if !ok {
		return nil, &UnsupportedCommandError{Version: v, Kind: cmd.Kind()}
	}
	buf := make([]byte, 2, 64)
	buf[0] = byte(v)
	buf[1] = byte(cmd.Kind())
	buf, err := bc.encode(buf, cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Kind(), err)
	}
	return buf, nil
}

// Decode parses a payload. Unknown versions and kinds yield an
// *UnsupportedCommandError; malformed bodies yield an error wrapping
// ErrDecode. Decode never panics on hostile input.
func (c *Codec) Decode(b []byte) (msg Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg, err = Message{}, fmt.Errorf("%w: %v", ErrDecode, r)
		}
	}()

	if len(b) < 2 {
		return Message{}, fmt.Errorf("%w: payload of %d bytes", ErrDecode, len(b))
	}
	v, k := Version(b[0]), Kind(b[1])
	a := c.adapter(v)
	if a == nil {
		return Message{}, &UnsupportedCommandError{Version: v, Kind: k}
	}
	bc, ok := a.kinds[k]
	if !ok {
		return Message{}, &UnsupportedCommandError{Version: v, Kind: k}
	}

	r := wire.NewReader(b[2:])
	cmd, err := bc.decode(r)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %s: %v", ErrDecode, k, err)
	}
	if err := r.Done(); err != nil {
		return Message{}, fmt.Errorf("%w: %s: %v", ErrDecode, k, err)
	}
	return Message{Version: v, Command: cmd}, nil
}
