// internal/fabric/transport.go
package fabric

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/aceteam-ai/citadel-fabric/internal/protocol"
	"github.com/gorilla/websocket"
)

// Transport moves whole payloads. Reads and writes may run concurrently with
// each other but not with themselves.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte) error
	Close() error
	RemoteAddr() string
}

// streamTransport frames payloads over a byte stream with a u32 length prefix.
type streamTransport struct {
	conn     net.Conn
	r        *bufio.Reader
	maxFrame int
}

// NewStreamTransport frames payloads over conn. maxFrame <= 0 uses
// protocol.DefaultMaxFrameSize.
func NewStreamTransport(conn net.Conn, maxFrame int) Transport {
	if maxFrame <= 0 {
		maxFrame = protocol.DefaultMaxFrameSize
	}
	return &streamTransport{conn: conn, r: bufio.NewReader(conn), maxFrame: maxFrame}
}

func (t *streamTransport) ReadFrame() ([]byte, error) {
	return protocol.ReadFrame(t.r, t.maxFrame)
}

func (t *streamTransport) WriteFrame(payload []byte) error {
	return protocol.WriteFrame(t.conn, payload)
}

func (t *streamTransport) Close() error { return t.conn.Close() }

func (t *streamTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

const wsWriteWait = 10 * time.Second

// wsTransport carries one payload per binary WebSocket message.
type wsTransport struct {
	conn    *websocket.Conn
	closeMu sync.Once
}

// NewWebSocketTransport wraps an established WebSocket connection.
func NewWebSocketTransport(conn *websocket.Conn, maxFrame int) Transport {
	if maxFrame <= 0 {
		maxFrame = protocol.DefaultMaxFrameSize
	}
	conn.SetReadLimit(int64(maxFrame))
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return data, nil
		}
		// Text frames carry nothing for us.
	}
}

func (t *wsTransport) WriteFrame(payload []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := t.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (t *wsTransport) Close() error {
	var err error
	t.closeMu.Do(func() {
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }
