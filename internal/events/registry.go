package events

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/marcus/rowsync/internal/syncerr"
)

// Handle identifies a registration for later removal.
type Handle struct {
	kind Kind
	id   uint64
}

type entry struct {
	id uint64
	fn func(context.Context, Args)
}

// Registry dispatches events to handlers registered per kind. The zero value
// is not usable; a nil *Registry accepts dispatches and drops them.
type Registry struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[Kind][]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Kind][]entry)}
}

// On registers fn for the event type A, which must be a pointer args type
// such as *ConflictArgs.
func On[A Args](r *Registry, fn func(ctx context.Context, args A)) Handle {
	var zero A
	kind := zero.Kind()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.handlers[kind] = append(r.handlers[kind], entry{
		id: id,
		fn: func(ctx context.Context, a Args) { fn(ctx, a.(A)) },
	})
	return Handle{kind: kind, id: id}
}

// Remove unregisters a handler. It reports whether the handle was registered.
func (r *Registry) Remove(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[h.kind]
	for i, e := range list {
		if e.id == h.id {
			r.handlers[h.kind] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of handlers registered for kind.
func (r *Registry) Len(kind Kind) int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[kind])
}

// Dispatch calls every handler for the event's kind synchronously, in
// registration order. Handlers registered or removed during dispatch take
// effect on the next event. If any handler cancels, dispatch stops and an
// error wrapping syncerr.ErrCancelled is returned.
func (r *Registry) Dispatch(ctx context.Context, args Args) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	list := r.handlers[args.Kind()]
	snapshot := make([]entry, len(list))
	copy(snapshot, list)
	r.mu.RUnlock()

	for _, e := range snapshot {
		e.fn(ctx, args)
		if args.Cancelled() {
			return errors.Wrapf(syncerr.ErrCancelled, "cancelled by %s handler", args.Kind())
		}
	}
	return nil
}
