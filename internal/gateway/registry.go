package gateway

import "sort"

// Registry holds the closed set of gateway adapters, resolved once at
// startup. Lookup is by the adapter's Name.
type Registry struct {
	gateways map[string]Gateway
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(gws ...Gateway) *Registry {
	m := make(map[string]Gateway, len(gws))
	for _, g := range gws {
		m[g.Name()] = g
	}
	return &Registry{gateways: m}
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Gateway, bool) {
	g, ok := r.gateways[name]
	return g, ok
}

// Names returns the registered gateway names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered adapters in name order.
func (r *Registry) All() []Gateway {
	gws := make([]Gateway, 0, len(r.gateways))
	for _, name := range r.Names() {
		gws = append(gws, r.gateways[name])
	}
	return gws
}
