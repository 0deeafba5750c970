package api

import (
	"strings"

	"github.com/rzbill/harvest/internal/faults"
)

// ServiceType identifies which remote service family a request targets. The
// set is closed: adding a service means adding a registry entry, not a
// dynamic lookup.
type ServiceType string

// Known service types.
const (
	ServiceCompute   ServiceType = "compute"
	ServiceNetwork   ServiceType = "network"
	ServiceStorage   ServiceType = "storage"
	ServiceResource  ServiceType = "resource"
	ServiceSecurity  ServiceType = "security"
	ServiceDatabase  ServiceType = "database"
	ServiceContainer ServiceType = "container"
)

// Request describes one remote API call. Immutable once constructed.
type Request struct {
	Service      ServiceType       `json:"service"`
	APIVersion   string            `json:"api_version"`
	Method       string            `json:"method"`
	ResourcePath string            `json:"resource_path"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	QueryParams  map[string]string `json:"query_params,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

var validMethods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "DELETE": {},
}

// Validate checks the request descriptor. Violations are permanent faults:
// re-running a malformed request cannot succeed.
func (r Request) Validate(reg *Registry) error {
	if _, ok := reg.Lookup(r.Service); !ok {
		return faults.Permanentf("unknown service %q", r.Service)
	}
	method := strings.ToUpper(r.Method)
	if _, ok := validMethods[method]; !ok {
		return faults.Permanentf("unsupported method %q", r.Method)
	}
	if r.ResourcePath == "" || !strings.HasPrefix(r.ResourcePath, "/") {
		return faults.Permanentf("resource_path must start with /, got %q", r.ResourcePath)
	}
	return nil
}
