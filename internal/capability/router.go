package capability

import (
	"context"
	"fmt"
	"sync"
)

// Router dispatches calls to a per-domain Invoker, falling back to a
// default for unregistered domains.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	domains  map[string]Invoker
	fallback Invoker
}

// NewRouter creates a router. fallback may be nil, in which case unknown
// domains fail with ErrNotFound.
func NewRouter(fallback Invoker) *Router {
	return &Router{domains: make(map[string]Invoker), fallback: fallback}
}

// Register routes every call in domain to inv, replacing any earlier handler.
func (r *Router) Register(domain string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domains[domain] = inv
}

// Unregister removes a domain handler.
func (r *Router) Unregister(domain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.domains, domain)
}

// Invoke implements Invoker.
func (r *Router) Invoke(ctx context.Context, call Call) (Result, error) {
	if call.Domain == "" || call.Service == "" {
		return Result{}, fmt.Errorf("%w: missing domain or service", ErrInvalidCall)
	}

	r.mu.RLock()
	inv, ok := r.domains[call.Domain]
	if !ok {
		inv = r.fallback
	}
	r.mu.RUnlock()

	if inv == nil {
		return Result{}, fmt.Errorf("%w: service %s", ErrNotFound, call.Name())
	}
	return inv.Invoke(ctx, call)
}
