// internal/fabric/registry.go
package fabric

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aceteam-ai/citadel-fabric/internal/telemetry"
	"github.com/rs/zerolog"
)

type claimReq struct {
	h    *WorkerHandle
	done chan struct{}
}

// Registry maps client ids to their active connection. All mutations run on
// one coordinator goroutine started by Run.
type Registry struct {
	log     zerolog.Logger
	workers map[telemetry.ClientID]*WorkerHandle

	claims   chan claimReq
	releases chan *WorkerHandle
	queries  chan func()
	stopped  chan struct{}
}

// NewRegistry creates an empty registry. Call Run before serving connections.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:      log,
		workers:  make(map[telemetry.ClientID]*WorkerHandle),
		claims:   make(chan claimReq),
		releases: make(chan *WorkerHandle),
		queries:  make(chan func()),
		stopped:  make(chan struct{}),
	}
}

// Run processes registrations until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.claims:
			id := req.h.ClientID()
			if old, ok := r.workers[id]; ok && old != req.h {
				r.log.Info().Str("client_id", id.String()).Str("remote", old.t.RemoteAddr()).Msg("replacing existing connection")
				old.Close(ErrSuperseded)
			}
			r.workers[id] = req.h
			close(req.done)
		case h := <-r.releases:
			id := h.ClientID()
			if cur, ok := r.workers[id]; ok && cur == h {
				delete(r.workers, id)
			}
		case fn := <-r.queries:
			fn()
		}
	}
}

// claim makes h the connection of its client. A previous connection of the
// same client is closed with ErrSuperseded.
func (r *Registry) claim(ctx context.Context, h *WorkerHandle) error {
	req := claimReq{h: h, done: make(chan struct{})}
	select {
	case r.claims <- req:
	case <-r.stopped:
		return fmt.Errorf("%w: registry stopped", ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
	<-req.done
	return nil
}

// release forgets h if it is still the connection of its client.
func (r *Registry) release(h *WorkerHandle) {
	select {
	case r.releases <- h:
	case <-r.stopped:
	}
}

func (r *Registry) query(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case r.queries <- func() { fn(); close(done) }:
	case <-r.stopped:
		return fmt.Errorf("%w: registry stopped", ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Lookup returns the connection registered for id.
func (r *Registry) Lookup(ctx context.Context, id telemetry.ClientID) (*WorkerHandle, error) {
	var h *WorkerHandle
	if err := r.query(ctx, func() { h = r.workers[id] }); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	return h, nil
}

// handles returns every registered connection.
func (r *Registry) handles(ctx context.Context) ([]*WorkerHandle, error) {
	var hs []*WorkerHandle
	err := r.query(ctx, func() {
		hs = make([]*WorkerHandle, 0, len(r.workers))
		for _, h := range r.workers {
			hs = append(hs, h)
		}
	})
	return hs, err
}

// List describes every registered connection, ordered by client id.
func (r *Registry) List(ctx context.Context) ([]Info, error) {
	hs, err := r.handles(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

// Count returns the number of registered connections.
func (r *Registry) Count(ctx context.Context) (int, error) {
	var n int
	err := r.query(ctx, func() { n = len(r.workers) })
	return n, err
}

// Dispatch sends task to the connection of client id.
func (r *Registry) Dispatch(ctx context.Context, id telemetry.ClientID, task Task) (*Pending, error) {
	h, err := r.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return h.Dispatch(ctx, task)
}

// DrainAll drains every registered connection and waits until they have
// closed or ctx is done.
func (r *Registry) DrainAll(ctx context.Context, timeout time.Duration) error {
	hs, err := r.handles(ctx)
	if err != nil {
		return err
	}
	for _, h := range hs {
		if err := h.Drain(ctx, timeout); err != nil && ctx.Err() != nil {
			return err
		}
	}
	for _, h := range hs {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
