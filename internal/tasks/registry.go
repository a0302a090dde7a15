// Package tasks keeps a diagnostic record of in-flight background work.
package tasks

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrTaskNotFound is returned when an attribute is set on a task that was
// never registered or has already been deregistered.
var ErrTaskNotFound = errors.New("task not found")

// Record describes one registered task.
type Record struct {
	ID        int64
	Name      string
	Started   time.Time
	Attribute map[string]any
}

// String renders the record on one line with attributes in key order.
func (r Record) String() string {
	keys := make([]string, 0, len(r.Attribute))
	for k := range r.Attribute {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := fmt.Sprintf("%d %s", r.ID, r.Name)
	for _, k := range keys {
		s += fmt.Sprintf(" %s=%v", k, r.Attribute[k])
	}
	return s
}

// Registry assigns task IDs from a single monotonically increasing counter.
// IDs are never reused, even after a task is deregistered.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*Record
	now    func() time.Time
}

// NewRegistry creates an empty registry. The first ID handed out is 1.
func NewRegistry() *Registry {
	return &Registry{
		nextID: 1,
		tasks:  make(map[int64]*Record),
		now:    time.Now,
	}
}

// Register creates a record for a task of the given kind and returns its ID.
func (r *Registry) Register(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.tasks[id] = &Record{
		ID:        id,
		Name:      name,
		Started:   r.now(),
		Attribute: make(map[string]any),
	}
	return id
}

// SetAttribute sets one attribute on a live task.
func (r *Registry) SetAttribute(id int64, key string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	t.Attribute[key] = value
	return nil
}

// Deregister removes a task. Unknown IDs are ignored.
func (r *Registry) Deregister(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

// Len returns the number of live tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// List returns a snapshot of all live tasks ordered by ID.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.tasks))
	for _, t := range r.tasks {
		attrs := make(map[string]any, len(t.Attribute))
		for k, v := range t.Attribute {
			attrs[k] = v
		}
		out = append(out, Record{ID: t.ID, Name: t.Name, Started: t.Started, Attribute: attrs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
