// internal/fabric/task.go
package fabric

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aceteam-ai/citadel-fabric/internal/protocol"
)

// Task is a unit of work sent to a worker.
type Task struct {
	Type   string
	Params map[string]any
	Input  []byte

	// Timeout bounds the whole task. Zero uses the handle's default.
	Timeout time.Duration
}

// EventKind classifies a TaskEvent.
type EventKind int

const (
	EventProgress EventKind = iota + 1
	EventEmbedding
	EventTransferFailed
	EventResult
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventEmbedding:
		return "embedding"
	case EventTransferFailed:
		return "transfer_failed"
	case EventResult:
		return "result"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Final reports whether no event follows this one.
func (k EventKind) Final() bool {
	return k == EventResult || k == EventFailed
}

// TaskEvent is one thing that happened to a dispatched task.
type TaskEvent struct {
	TaskID    uint64
	Kind      EventKind
	Progress  *protocol.TaskProgress
	Embedding *protocol.Embedding
	Result    *protocol.TaskResult
	Err       error
}

// Pending is the caller's side of a dispatched task. Events are queued
// without blocking the connection, so a slow reader never stalls the worker.
type Pending struct {
	TaskID uint64

	h      *WorkerHandle
	mu     sync.Mutex
	queue  []TaskEvent
	notify chan struct{}
	final  bool
}

func newPending(id uint64, h *WorkerHandle) *Pending {
	return &Pending{TaskID: id, h: h, notify: make(chan struct{}, 1)}
}

// push queues ev. Events after the final one are dropped.
func (p *Pending) push(ev TaskEvent) {
	ev.TaskID = p.TaskID
	p.mu.Lock()
	if p.final {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, ev)
	p.final = ev.Kind.Final()
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Next returns the next event. After the final event has been returned it
// returns io.EOF.
func (p *Pending) Next(ctx context.Context) (TaskEvent, error) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			ev := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return ev, nil
		}
		if p.final {
			p.mu.Unlock()
			return TaskEvent{}, io.EOF
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-ctx.Done():
			return TaskEvent{}, ctx.Err()
		}
	}
}

// Events streams the remaining events on a channel that is closed after the
// final event or when ctx is cancelled.
func (p *Pending) Events(ctx context.Context) <-chan TaskEvent {
	ch := make(chan TaskEvent)
	go func() {
		defer close(ch)
		for {
			ev, err := p.Next(ctx)
			if err != nil {
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Outcome collects what a finished task produced.
type Outcome struct {
	Result     *protocol.TaskResult
	Embeddings []*protocol.Embedding
}

// Wait consumes events until the task finishes. A result with success=false
// is returned together with an error wrapping ErrTaskFailed.
func (p *Pending) Wait(ctx context.Context) (*Outcome, error) {
	out := &Outcome{}
	for {
		ev, err := p.Next(ctx)
		if err != nil {
			return out, err
		}
		switch ev.Kind {
		case EventEmbedding:
			out.Embeddings = append(out.Embeddings, ev.Embedding)
		case EventResult:
			out.Result = ev.Result
			if !ev.Result.Success {
				return out, fmt.Errorf("%w: %s", ErrTaskFailed, ev.Result.Error)
			}
			return out, nil
		case EventFailed:
			return out, ev.Err
		}
	}
}

// Cancel asks the worker to stop the task.
func (p *Pending) Cancel(ctx context.Context) error {
	return p.h.Cancel(ctx, p.TaskID)
}
