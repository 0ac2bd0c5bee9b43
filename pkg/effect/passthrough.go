package effect

import (
	"context"
	"fmt"
)

// PassthroughPort is an opaque capability to an external integration
// (payment, email, SMS, etc.). Per spec.md §4.5, the core treats these as
// "may throw, may succeed" — it has no knowledge of what a port actually
// does.
type PassthroughPort interface {
	Invoke(ctx context.Context, tenantID string, args map[string]any) (any, error)
}

// PassthroughRegistry holds the passthrough ports available to effect
// tables, keyed by wire-stable name. It is shared across invocations;
// individual calls curry the tenantId so a port can never observe or
// act across tenants.
type PassthroughRegistry struct {
	ports map[string]PassthroughPort
}

// NewPassthroughRegistry builds a registry from name -> port.
func NewPassthroughRegistry(ports map[string]PassthroughPort) *PassthroughRegistry {
	if ports == nil {
		ports = map[string]PassthroughPort{}
	}
	return &PassthroughRegistry{ports: ports}
}

// Invoke dispatches to the named port, curried with tenantID.
func (r *PassthroughRegistry) Invoke(ctx context.Context, name, tenantID string, args map[string]any) (any, error) {
	port, ok := r.ports[name]
	if !ok {
		return nil, fmt.Errorf("passthrough %q: not registered", name)
	}
	return port.Invoke(ctx, tenantID, args)
}
