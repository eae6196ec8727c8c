package portal

import (
	"sort"
	"strings"
	"sync"

	"github.com/tbourn/portal-integrator/internal/failure"
)

// Registry resolves adapters by portal code. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns a registry holding adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Code().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(a.Code())] = a
}

// Lookup returns the adapter for code. Unknown codes yield a
// configuration failure.
func (r *Registry) Lookup(code string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[strings.ToLower(code)]
	r.mu.RUnlock()
	if !ok {
		return nil, failure.Configuration("portal.lookup", "unknown portal %q", code)
	}
	return a, nil
}

// Has reports whether code is registered.
func (r *Registry) Has(code string) bool {
	_, err := r.Lookup(code)
	return err == nil
}

// Codes returns the registered portal codes, sorted.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for c := range r.adapters {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
