package api

import "sort"

// Endpoint describes how requests for one service family are executed:
// which provider namespace they route through and which API version applies
// when a request does not pin one.
type Endpoint struct {
	Service        ServiceType
	Provider       string
	DefaultVersion string
}

// Registry resolves service types to endpoints. It is populated once at
// construction; request execution only reads it.
type Registry struct {
	endpoints map[ServiceType]Endpoint
}

// NewRegistry builds a registry from the given endpoints.
func NewRegistry(endpoints ...Endpoint) *Registry {
	m := make(map[ServiceType]Endpoint, len(endpoints))
	for _, e := range endpoints {
		m[e.Service] = e
	}
	return &Registry{endpoints: m}
}

// DefaultRegistry returns the built-in service map mirroring the management
// API provider namespaces.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Endpoint{Service: ServiceCompute, Provider: "Microsoft.Compute", DefaultVersion: "2023-07-01"},
		Endpoint{Service: ServiceNetwork, Provider: "Microsoft.Network", DefaultVersion: "2023-05-01"},
		Endpoint{Service: ServiceStorage, Provider: "Microsoft.Storage", DefaultVersion: "2023-01-01"},
		Endpoint{Service: ServiceResource, Provider: "Microsoft.Resources", DefaultVersion: "2023-07-01"},
		Endpoint{Service: ServiceSecurity, Provider: "Microsoft.Security", DefaultVersion: "2023-01-01"},
		Endpoint{Service: ServiceDatabase, Provider: "Microsoft.Sql", DefaultVersion: "2023-05-01"},
		Endpoint{Service: ServiceContainer, Provider: "Microsoft.ContainerService", DefaultVersion: "2023-06-01"},
	)
}

// Lookup returns the endpoint for a service type.
func (r *Registry) Lookup(s ServiceType) (Endpoint, bool) {
	e, ok := r.endpoints[s]
	return e, ok
}

// Services returns the registered service types in stable order.
func (r *Registry) Services() []ServiceType {
	out := make([]ServiceType, 0, len(r.endpoints))
	for s := range r.endpoints {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
