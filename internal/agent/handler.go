// internal/agent/handler.go
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/aceteam-ai/citadel-fabric/internal/protocol"
)

// Task is a dispatched unit of work as the node sees it.
type Task struct {
	ID     uint64
	Type   string
	Params map[string]any
	Input  []byte
}

// Output is what a handler produced. Embeddings are uploaded as chunked
// transfers before the result is sent.
type Output struct {
	Data       []byte
	Embeddings []protocol.Embedding
}

// ProgressFunc reports intermediate progress. It is a no-op on sessions that
// do not support progress.
type ProgressFunc func(percent uint8, message string)

// TaskHandler executes tasks. Handle must return promptly once ctx is done.
type TaskHandler interface {
	Handle(ctx context.Context, task Task, progress ProgressFunc) (*Output, error)
}

// HandlerFunc adapts a function to TaskHandler.
type HandlerFunc func(ctx context.Context, task Task, progress ProgressFunc) (*Output, error)

func (f HandlerFunc) Handle(ctx context.Context, task Task, progress ProgressFunc) (*Output, error) {
	return f(ctx, task, progress)
}

// Mux routes tasks to handlers by type.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

// NewMux creates an empty router.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]TaskHandler)}
}

// Register adds h for task type typ, replacing any previous handler.
func (m *Mux) Register(typ string, h TaskHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[typ] = h
}

// RegisterFunc adds f for task type typ.
func (m *Mux) RegisterFunc(typ string, f HandlerFunc) {
	m.Register(typ, f)
}

// Types returns the registered task types.
func (m *Mux) Types() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		out = append(out, t)
	}
	return out
}

func (m *Mux) route(typ string) (TaskHandler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[typ]
	return h, ok
}

// Handle routes task to the handler registered for its type.
func (m *Mux) Handle(ctx context.Context, task Task, progress ProgressFunc) (*Output, error) {
	h, ok := m.route(task.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoHandler, task.Type)
	}
	return h.Handle(ctx, task, progress)
}

// EchoHandler returns the task input unchanged. It backs the
// "echo" task type used for connectivity checks.
func EchoHandler(ctx context.Context, task Task, progress ProgressFunc) (*Output, error) {
	progress(100, "echo")
	return &Output{Data: task.Input}, nil
}
