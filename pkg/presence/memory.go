package presence

import (
	"context"
	"sync"
)

// Memory is an in-process Registry used by tests and single-process
// demos. Watchers receive deltas synchronously with each mutation.
type Memory struct {
	mu       sync.Mutex
	users    map[string]struct{}
	watchers map[chan Change]struct{}
}

// NewMemory creates an in-process registry.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]struct{}),
		watchers: make(map[chan Change]struct{}),
	}
}

// Snapshot reads the full current membership.
func (r *Memory) Snapshot() (map[string]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneSet(r.users), nil
}

// Add records the name as present.
func (r *Memory) Add(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[name]; exists {
		return nil
	}
	r.users[name] = struct{}{}
	r.notifyLocked(Change{LoggedOn: []string{name}})
	return nil
}

// Remove withdraws the name.
func (r *Memory) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[name]; !exists {
		return nil
	}
	delete(r.users, name)
	r.notifyLocked(Change{LoggedOff: []string{name}})
	return nil
}

// Reset clears all membership.
func (r *Memory) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.users) == 0 {
		return nil
	}
	change := diff(r.users, nil)
	r.users = make(map[string]struct{})
	r.notifyLocked(change)
	return nil
}

// Watch yields membership deltas until the context ends.
func (r *Memory) Watch(ctx context.Context) (<-chan Change, error) {
	changes := make(chan Change, subscriberBuffer)

	r.mu.Lock()
	r.watchers[changes] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.watchers, changes)
		r.mu.Unlock()
		close(changes)
	}()

	return changes, nil
}

const subscriberBuffer = 16

func (r *Memory) notifyLocked(change Change) {
	for watcher := range r.watchers {
		select {
		case watcher <- change:
		default:
			// Watcher fell behind; it will resync from a later delta.
		}
	}
}

var _ Registry = (*Memory)(nil)
