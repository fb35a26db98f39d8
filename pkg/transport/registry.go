package transport

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

type registryEntry struct {
	scheme    string
	transport Transport
}

// Registry maps scheme names ("tcp", "ssl", "ws", "wss") to transports in
// insertion order. It owns the registered transports: Destroy destroys all
// of them.
type Registry struct {
	mu        sync.Mutex
	entries   []registryEntry
	destroyed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers t under scheme. Duplicate schemes are accepted; lookups
// return the first registered match.
func (r *Registry) Add(t Transport, scheme string) error {
	if t == nil || scheme == "" {
		return fmt.Errorf("%w: transport and scheme are required", ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return ErrDestroyed
	}
	r.entries = append(r.entries, registryEntry{scheme: scheme, transport: t})

	if s, ok := t.(schemeSetter); ok {
		s.SetScheme(scheme)
	}
	return nil
}

// Get returns the first transport registered under scheme, compared
// case-insensitively. An empty scheme returns the first registered
// transport. It returns nil when nothing matches.
func (r *Registry) Get(scheme string) Transport {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if scheme == "" || strings.EqualFold(e.scheme, scheme) {
			return e.transport
		}
	}
	return nil
}

// Schemes returns the registered schemes in insertion order.
func (r *Registry) Schemes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.scheme
	}
	return out
}

// Len returns the number of registered transports.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Destroy destroys every registered transport exactly once and empties the
// registry. Entries are destroyed newest first: chains are registered
// bottom-up, so each decorator closes its parent while the parent is still
// alive. All errors are joined.
func (r *Registry) Destroy() error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrDestroyed
	}
	r.destroyed = true
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if err := e.transport.Destroy(); err != nil && !errors.Is(err, ErrDestroyed) {
			errs = append(errs, fmt.Errorf("destroy %s: %w", e.scheme, err))
		}
	}
	return errors.Join(errs...)
}
