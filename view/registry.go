package view

import "sync"

// Registry maps view names to descriptors. It is populated once at process
// initialization and read-only afterwards; Deregister exists only so tests
// can tear down transient descriptors.
type Registry struct {
	mu    sync.RWMutex
	views map[ViewName]*Descriptor
	order []ViewName
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{views: map[ViewName]*Descriptor{}}
}

// Register adds a descriptor. Duplicate names fail with ErrDuplicateView.
func (r *Registry) Register(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.views[d.Name()]; ok {
		return ErrDuplicateView.New(d.Name())
	}
	r.views[d.Name()] = d
	r.order = append(r.order, d.Name())
	return nil
}

// MustRegister is Register, panicking on error.
func (r *Registry) MustRegister(d *Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Lookup resolves a view name, or fails with ErrUnknownView.
func (r *Registry) Lookup(name ViewName) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.views[name]
	if !ok {
		return nil, ErrUnknownView.New(name)
	}
	return d, nil
}

// Roots returns every root descriptor in registration order.
func (r *Registry) Roots() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var roots []*Descriptor
	for _, name := range r.order {
		if d := r.views[name]; d.Root() {
			roots = append(roots, d)
		}
	}
	return roots
}

// All returns every descriptor in registration order.
func (r *Registry) All() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*Descriptor, 0, len(r.order))
	for _, name := range r.order {
		all = append(all, r.views[name])
	}
	return all
}

// Deregister removes a descriptor. Test use only; production code never
// removes views.
func (r *Registry) Deregister(name ViewName) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.views[name]; !ok {
		return
	}
	delete(r.views, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
