package schema

import "fmt"

// Registry maps listening ports to device types. It is built once before the
// event loop starts and never mutated afterwards.
type Registry struct {
	byPort map[int]*DeviceType
	order  []*DeviceType
}

func NewRegistry(types []DeviceType) (*Registry, error) {
	r := &Registry{byPort: make(map[int]*DeviceType, len(types))}
	for i := range types {
		dt := &types[i]
		if _, ok := r.byPort[dt.Port]; ok {
			return nil, fmt.Errorf("%w: duplicate port %d", ErrInvalidSchema, dt.Port)
		}
		r.byPort[dt.Port] = dt
		r.order = append(r.order, dt)
	}
	return r, nil
}

// Lookup returns the device type bound to port.
func (r *Registry) Lookup(port int) (*DeviceType, error) {
	dt, ok := r.byPort[port]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPort, port)
	}
	return dt, nil
}

// Types returns the registered device types in declaration order.
func (r *Registry) Types() []*DeviceType {
	out := make([]*DeviceType, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Len() int { return len(r.order) }
