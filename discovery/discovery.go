// Package discovery resolves domain -> endpoint (both for the aggregate
// coordinator's command address and for its event-query address), backed
// either by a Kubernetes Service watcher or by the ANGZARR_STATIC_ENDPOINTS
// environment variable outside Kubernetes.
package discovery

import (
	"context"
	"sync"

	"github.com/angzarr-io/angzarr/errs"
)

// Wildcard is the fallback domain key consulted when no exact match exists.
const Wildcard = "*"

// Endpoint is a resolved pair of addresses for a domain: where to send
// commands, and where to query its event store for repair/fetch.
type Endpoint struct {
	CommandAddress    string
	EventQueryAddress string
}

// Registry maps domain -> Endpoint behind a reader-writer lock; watchers
// write, every other component only reads.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string]Endpoint)}
}

// Set installs or replaces the endpoint for domain.
func (r *Registry) Set(domain string, ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[domain] = ep
}

// Delete removes domain, used when a watcher observes a Service deleted.
func (r *Registry) Delete(domain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, domain)
}

// Resolve looks up domain, falling back to Wildcard if present.
func (r *Registry) Resolve(domain string) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ep, ok := r.endpoints[domain]; ok {
		return ep, nil
	}
	if ep, ok := r.endpoints[Wildcard]; ok {
		return ep, nil
	}
	return Endpoint{}, errs.New(errs.NotFound, "no endpoint registered for domain "+domain)
}

// Snapshot returns a copy of the current domain -> Endpoint map, for
// diagnostics and the meta aggregate's topology view.
func (r *Registry) Snapshot() map[string]Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Endpoint, len(r.endpoints))
	for k, v := range r.endpoints {
		out[k] = v
	}
	return out
}

// Static loads the registry from ANGZARR_STATIC_ENDPOINTS-style maps
// (domain -> host:port), used as the non-Kubernetes discovery path and
// as the event-query address table.
func Static(commandEndpoints, eventQueryEndpoints map[string]string) *Registry {
	r := NewRegistry()
	for domain, addr := range commandEndpoints {
		ep := r.endpoints[domain]
		ep.CommandAddress = addr
		r.endpoints[domain] = ep
	}
	for domain, addr := range eventQueryEndpoints {
		ep := r.endpoints[domain]
		ep.EventQueryAddress = addr
		r.endpoints[domain] = ep
	}
	return r
}

// Watcher reconciles a Registry from some external source until ctx is
// canceled. The Kubernetes implementation lives in discovery/kubernetes.go.
type Watcher interface {
	Watch(ctx context.Context, registry *Registry) error
}
