// Package channels keeps the set of realtime channels the console has joined,
// keyed by name.
//
// A name is bound to a handle only after its subscription succeeded, and is
// unbound only after the handle's unsubscribe succeeded. While a subscription
// is in flight the name is pending: a second subscribe for the same name waits
// for the first instead of opening another channel.
package channels

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

var (
	// ErrInvalidHandle is returned when registering a nil handle.
	ErrInvalidHandle = errors.New("invalid channel handle")
	// ErrAlreadyRegistered is returned when a name is already bound.
	ErrAlreadyRegistered = errors.New("channel already registered")
)

// Handle is a subscribed channel.
type Handle interface {
	Unsubscribe(ctx context.Context) error
}

// OpenFunc subscribes to a channel and returns its handle.
type OpenFunc func(ctx context.Context) (Handle, error)

type pending struct {
	done   chan struct{}
	handle Handle
	err    error
}

// Registry maps channel names to subscribed handles. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.Mutex
	handles map[string]Handle
	pending map[string]*pending
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]Handle),
		pending: make(map[string]*pending),
	}
}

// Register binds name to h.
func (r *Registry) Register(name string, h Handle) error {
	if isNil(h) {
		return fmt.Errorf("%w: %s", ErrInvalidHandle, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.handles[name] = h
	return nil
}

// Subscribe returns the handle bound to name. If none is bound it calls open
// and binds the result on success. If a subscription for name is already in
// flight, Subscribe waits for it and returns its outcome. The bool result
// reports whether this call opened the channel.
func (r *Registry) Subscribe(ctx context.Context, name string, open OpenFunc) (Handle, bool, error) {
	r.mu.Lock()
	if h, ok := r.handles[name]; ok {
		r.mu.Unlock()
		return h, false, nil
	}
	if p, ok := r.pending[name]; ok {
		r.mu.Unlock()
		select {
		case <-p.done:
			return p.handle, false, p.err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	p := &pending{done: make(chan struct{})}
	r.pending[name] = p
	r.mu.Unlock()

	h, err := open(ctx)
	if err == nil && isNil(h) {
		err = fmt.Errorf("%w: %s", ErrInvalidHandle, name)
	}

	r.mu.Lock()
	delete(r.pending, name)
	if err == nil {
		r.handles[name] = h
	}
	r.mu.Unlock()

	if err != nil {
		h = nil
	}
	p.handle, p.err = h, err
	close(p.done)
	return h, err == nil, err
}

// Unsubscribe unsubscribes the handle bound to name and unbinds it. The name
// stays bound if the handle returns an error. An unknown name is a no-op.
func (r *Registry) Unsubscribe(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	h, ok := r.handles[name]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}

	if err := h.Unsubscribe(ctx); err != nil {
		return false, err
	}

	r.mu.Lock()
	if r.handles[name] == h {
		delete(r.handles, name)
	}
	r.mu.Unlock()
	return true, nil
}

// Get returns the handle bound to name.
func (r *Registry) Get(name string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[name]
	return h, ok
}

// Remove unbinds name without unsubscribing, if it is still bound to h. It is
// used when the server closes a channel on its own.
func (r *Registry) Remove(name string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[name]; !ok || cur != h {
		return false
	}
	delete(r.handles, name)
	return true
}

// List returns the bound names in sorted order.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.handles))
	for name := range r.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pending returns the names whose subscription is in flight, sorted.
func (r *Registry) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.pending))
	for name := range r.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of bound names.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Close unsubscribes every bound channel, returning the first error.
func (r *Registry) Close(ctx context.Context) error {
	var first error
	for _, name := range r.List() {
		if _, err := r.Unsubscribe(ctx, name); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// isNil reports whether h is nil or wraps a nil pointer.
func isNil(h Handle) bool {
	if h == nil {
		return true
	}
	v := reflect.ValueOf(h)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
