package core

// Properties is an insertion-ordered map of property name to raw value.
// The zero value is ready to use.
type Properties struct {
	keys   []string
	values map[string]string
}

// NewProperties builds Properties from alternating name/value pairs.
func NewProperties(pairs ...string) *Properties {
	p := &Properties{}
	for i := 0; i+1 < len(pairs); i += 2 {
		p.Set(pairs[i], pairs[i+1])
	}
	return p
}

// PropertiesFromMap builds Properties from a map; keys are added in the order given.
func PropertiesFromMap(m map[string]string, order []string) *Properties {
	p := &Properties{}
	for _, k := range order {
		if v, ok := m[k]; ok {
			p.Set(k, v)
		}
	}
	for k, v := range m {
		if !p.Has(k) {
			p.Set(k, v)
		}
	}
	return p
}

// Get returns the value for name and whether it is present.
func (p *Properties) Get(name string) (string, bool) {
	if p == nil || p.values == nil {
		return "", false
	}
	v, ok := p.values[name]
	return v, ok
}

// Value returns the value for name, or "" when absent.
func (p *Properties) Value(name string) string {
	v, _ := p.Get(name)
	return v
}

// Has reports whether name is present.
func (p *Properties) Has(name string) bool {
	_, ok := p.Get(name)
	return ok
}

// Set stores value under name. Existing names keep their position.
func (p *Properties) Set(name, value string) {
	if p.values == nil {
		p.values = make(map[string]string)
	}
	if _, ok := p.values[name]; !ok {
		p.keys = append(p.keys, name)
	}
	p.values[name] = value
}

// Delete removes name.
func (p *Properties) Delete(name string) {
	if p == nil || p.values == nil {
		return
	}
	if _, ok := p.values[name]; !ok {
		return
	}
	delete(p.values, name)
	for i, k := range p.keys {
		if k == name {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
}

// Keys returns property names in insertion order.
func (p *Properties) Keys() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Len returns the number of properties.
func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Map returns an unordered copy of the properties.
func (p *Properties) Map() map[string]string {
	out := make(map[string]string, p.Len())
	if p == nil {
		return out
	}
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// Clone returns a deep copy.
func (p *Properties) Clone() *Properties {
	c := &Properties{}
	if p == nil {
		return c
	}
	for _, k := range p.keys {
		c.Set(k, p.values[k])
	}
	return c
}
