// Package router dispatches operations to the connector that owns a
// permission request. A Registry is a named, typed lookup table; the engine
// keeps one per connector facet (validation, transport, reconciliation) so a
// missing registration fails loudly with the registry's name.
package router

import (
	"sync"

	"github.com/gridaccess/permission-service/domain"
)

// Registry maps connector ids to an implementation of one connector facet.
type Registry[S any] struct {
	name string

	mu      sync.RWMutex
	entries map[string]S
}

func NewRegistry[S any](name string) *Registry[S] {
	return &Registry[S]{name: name, entries: map[string]S{}}
}

// Register binds a connector id. Later registrations replace earlier ones,
// which keeps tests free to swap implementations in.
func (r *Registry[S]) Register(connectorID string, impl S) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[connectorID] = impl
}

// Route resolves the implementation for a connector id.
func (r *Registry[S]) Route(connectorID string) (S, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.entries[connectorID]
	if !ok {
		var zero S
		return zero, domain.UnknownConnectorError{Registry: r.name, ConnectorID: connectorID}
	}
	return impl, nil
}

// ConnectorIDs lists all registered connectors, for reconciliation sweeps.
func (r *Registry[S]) ConnectorIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}
