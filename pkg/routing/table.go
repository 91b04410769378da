// Package routing holds a hub's routing plan: which providers and peer
// hubs an artifact of a given domain is forwarded to, and where they live.
package routing

import (
	"slices"
	"sync"
)

// Route is the fan-out for one domain.
type Route struct {
	Providers []string // provider ids, forwarded to in order
	Hubs      []string // peer hub ids to relay to
}

type Table struct {
	mu        sync.RWMutex
	routes    map[string]Route  // domain -> route
	providers map[string]string // provider id -> ingest URL
	hubs      map[string]string // hub id -> submit URL
}

func NewTable() *Table {
	return &Table{
		routes:    make(map[string]Route),
		providers: make(map[string]string),
		hubs:      make(map[string]string),
	}
}

// SetRoute installs the route for domain. Intended for setup only; traffic
// never mutates a table.
func (t *Table) SetRoute(domain string, r Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[domain] = Route{
		Providers: slices.Clone(r.Providers),
		Hubs:      slices.Clone(r.Hubs),
	}
}

func (t *Table) AddProvider(id, ingestURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.providers[id] = ingestURL
}

func (t *Table) AddHub(id, submitURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hubs[id] = submitURL
}

// Lookup returns a copy of the route for domain. Unknown domains report
// ok=false and callers must forward nothing.
func (t *Table) Lookup(domain string) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[domain]
	if !ok {
		return Route{}, false
	}
	return Route{Providers: slices.Clone(r.Providers), Hubs: slices.Clone(r.Hubs)}, true
}

func (t *Table) ProviderAddr(id string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.providers[id]
	return a, ok && a != ""
}

func (t *Table) HubAddr(id string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.hubs[id]
	return a, ok && a != ""
}

// Domains lists routed domains in sorted order.
func (t *Table) Domains() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.routes))
	for d := range t.routes {
		out = append(out, d)
	}
	slices.Sort(out)
	return out
}

// Uniform installs the same route for every listed domain.
func Uniform(domains []string, r Route) *Table {
	t := NewTable()
	for _, d := range domains {
		t.SetRoute(d, r)
	}
	return t
}
