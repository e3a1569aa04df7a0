// Package registry implements the handler registry (§4.5): a flat map
// from facet name to a dispatch function, with qualified → short →
// default fallback lookup. Grounded on the teacher's mutex-guarded
// registry shape (pkg/api/mel.go's melImpl), adapted from node
// definitions to facet handlers.
package registry

import (
	"strings"
	"sync"

	"github.com/agentflow/agentflow/flow"
)

// Handler dispatches one event facet call to its external effect.
type Handler func(payload *flow.Attributes) (*flow.Attributes, error)

// DefaultHandler is the catch-all fallback, also given the facet name.
type DefaultHandler func(name string, payload *flow.Attributes) (*flow.Attributes, error)

// Registry is the mutex-guarded facet name → Handler map.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	def      DefaultHandler
}

func New() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds name to h, overwriting any previous binding.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// SetDefault installs the fallback handler used when no name matches.
func (r *Registry) SetDefault(h DefaultHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.def = h
}

// HasHandler reports whether name would resolve to a registered
// (non-default) handler — used by the worker's poll cycle to pass over
// pending tasks that a registered event handler claims (§12).
func (r *Registry) HasHandler(name string) bool {
	_, ok := r.lookupRegistered(name)
	return ok
}

func (r *Registry) lookupRegistered(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[name]; ok {
		return h, true
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		if h, ok := r.handlers[name[i+1:]]; ok {
			return h, true
		}
	}
	return nil, false
}

// Lookup resolves name through the fallback chain: (1) exact qualified
// name, (2) the short leaf name after the final dot, (3) the default
// handler (wrapped to the Handler shape), (4) nil.
func (r *Registry) Lookup(name string) (Handler, bool) {
	if h, ok := r.lookupRegistered(name); ok {
		return h, true
	}
	r.mu.RLock()
	def := r.def
	r.mu.RUnlock()
	if def == nil {
		return nil, false
	}
	return func(payload *flow.Attributes) (*flow.Attributes, error) {
		return def(name, payload)
	}, true
}

// Names returns every registered qualified facet name (for diagnostics;
// not part of the lookup chain).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}
