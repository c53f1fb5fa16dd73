package provider

import (
	"sort"
	"sync"

	"github.com/uniedit/taskorch/internal/port/outbound"
)

// Registry maps task kinds to provider clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]outbound.TaskClientPort
}

var _ outbound.TaskClientRegistry = (*Registry)(nil)

// NewRegistry creates a registry holding clients.
func NewRegistry(clients ...outbound.TaskClientPort) *Registry {
	r := &Registry{clients: make(map[string]outbound.TaskClientPort)}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

// Register adds or replaces the client for its kind.
func (r *Registry) Register(client outbound.TaskClientPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.Kind()] = client
}

// Get returns the client for kind.
func (r *Registry) Get(kind string) (outbound.TaskClientPort, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[kind]
	return c, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.clients))
	for k := range r.clients {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
