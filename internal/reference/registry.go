package reference

import "sort"

// Characteristic is the registered data type and canonical unit of a characteristic
type Characteristic struct {
	Name     string
	DataType string
	Unit     string
}

// Registry maps characteristic names to their data type and unit
type Registry struct {
	entries map[string]Characteristic
}

// NewRegistry builds a registry from rule definitions
func NewRegistry(defs map[string]CharacteristicDef) *Registry {
	entries := make(map[string]Characteristic, len(defs))
	for name, def := range defs {
		entries[name] = Characteristic{Name: name, DataType: def.Type, Unit: def.Unit}
	}
	return &Registry{entries: entries}
}

// Lookup returns the entry for name
func (r *Registry) Lookup(name string) (Characteristic, bool) {
	c, ok := r.entries[name]
	return c, ok
}

// Len returns the number of registered characteristics
func (r *Registry) Len() int {
	return len(r.entries)
}

// Incomplete lists registered characteristics without a data type, sorted
func (r *Registry) Incomplete() []string {
	var out []string
	for name, c := range r.entries {
		if c.DataType == "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
