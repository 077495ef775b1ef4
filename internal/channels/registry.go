package channels

import (
	"sort"
	"sync"

	"github.com/nextlevelbuilder/omnigate/internal/message"
)

// Registry holds the adapters available for dispatch, keyed by channel.
// Adapters may be registered and swapped at runtime; all methods are safe
// for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[message.Channel]Adapter
}

// NewRegistry creates an empty registry. Adapters are registered externally
// by the dispatch facade.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[message.Channel]Adapter)}
}

// Register adds an adapter under its own name, replacing any previous one.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Unregister removes the adapter for a channel.
func (r *Registry) Unregister(ch message.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, ch)
}

// Get returns the adapter for a channel.
func (r *Registry) Get(ch message.Channel) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[ch]
	return a, ok
}

// All returns every registered adapter, sorted by channel name.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Enabled returns the names of all adapters that report themselves enabled,
// sorted.
func (r *Registry) Enabled() []message.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]message.Channel, 0, len(r.adapters))
	for name, a := range r.adapters {
		if a.Enabled() {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Status reports the enabled state of every registered adapter.
func (r *Registry) Status() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := make(map[string]bool, len(r.adapters))
	for name, a := range r.adapters {
		status[string(name)] = a.Enabled()
	}
	return status
}
