package theme

import (
	"nocturne/internal/filter"
	"nocturne/internal/sheet"
)

// Variables is the shared custom property table. Entries keep their first
// insertion order and are only ever added or overwritten until Reset.
type Variables struct {
	names  []string
	values map[string]string
}

// NewVariables returns an empty table.
func NewVariables() *Variables {
	return &Variables{values: make(map[string]string)}
}

// Update merges vars into the table and then makes one substitution pass
// over every entry in insertion order. Entries are rewritten in place, so a
// later entry sees the already substituted value of an earlier one, but a
// reference to a later entry only sees its previous value. Chains that are
// not resolved by this pass resolve on a following Update.
func (v *Variables) Update(vars []sheet.Variable) {
	if len(vars) == 0 {
		return
	}
	for _, x := range vars {
		if _, ok := v.values[x.Name]; !ok {
			v.names = append(v.names, x.Name)
		}
		v.values[x.Name] = x.Value
	}
	for _, name := range v.names {
		v.values[name] = filter.ReplaceVars(v.values[name], v.Get)
	}
}

// Get returns the current value of name.
func (v *Variables) Get(name string) (string, bool) {
	val, ok := v.values[name]
	return val, ok
}

// Len reports the number of entries.
func (v *Variables) Len() int { return len(v.names) }

// Map returns a copy of the table for a render pass.
func (v *Variables) Map() map[string]string {
	out := make(map[string]string, len(v.values))
	for k, val := range v.values {
		out[k] = val
	}
	return out
}

// Reset empties the table.
func (v *Variables) Reset() {
	v.names = nil
	v.values = make(map[string]string)
}
