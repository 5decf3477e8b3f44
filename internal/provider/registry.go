package provider

import "strings"

// Registry is the set of configured provider instances, keyed by ID and by
// lowercased name for the router's label lookups.
type Registry struct {
	byID   map[string]*Instance
	byName map[string]*Instance
	all    []*Instance
}

// NewRegistry builds a Registry from a set of instances.
func NewRegistry(instances ...*Instance) *Registry {
	r := &Registry{
		byID:   make(map[string]*Instance, len(instances)),
		byName: make(map[string]*Instance, len(instances)),
	}
	for _, inst := range instances {
		r.Add(inst)
	}
	return r
}

// Add registers a new instance, replacing any prior instance with the same ID.
func (r *Registry) Add(inst *Instance) {
	r.Remove(inst.ID)
	r.byID[inst.ID] = inst
	r.byName[strings.ToLower(inst.Name)] = inst
	r.all = append(r.all, inst)
}

// Remove drops an instance by ID.
func (r *Registry) Remove(id string) {
	inst, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	delete(r.byName, strings.ToLower(inst.Name))
	for idx, x := range r.all {
		if x.ID == id {
			r.all = append(r.all[:idx], r.all[idx+1:]...)
			break
		}
	}
}

// ByID looks up an instance by its local UUID.
func (r *Registry) ByID(id string) (*Instance, bool) {
	inst, ok := r.byID[id]
	return inst, ok
}

// ByName looks up an instance by its unique human name, case-insensitive.
func (r *Registry) ByName(name string) (*Instance, bool) {
	inst, ok := r.byName[strings.ToLower(name)]
	return inst, ok
}

// Default returns the single provider with IsDefault set, if any.
func (r *Registry) Default() (*Instance, bool) {
	for _, inst := range r.all {
		if inst.IsDefault && inst.Enabled {
			return inst, true
		}
	}
	return nil, false
}

// Enabled returns every enabled instance.
func (r *Registry) Enabled() []*Instance {
	out := make([]*Instance, 0, len(r.all))
	for _, inst := range r.all {
		if inst.Enabled {
			out = append(out, inst)
		}
	}
	return out
}

// All returns every registered instance, enabled or not.
func (r *Registry) All() []*Instance {
	out := make([]*Instance, len(r.all))
	copy(out, r.all)
	return out
}
