package resource

// Mapper is a many-to-one alias table: several user- or host-facing spellings
// of a resource name resolve to one canonical name before any pool lookup,
// acquisition, or availability check happens. For example {"cpus": "ncpus",
// "cpu": "ncpus"} lets a request for "cpus" or "cpu" reconcile against a host
// pool declared under "ncpus".
type Mapper map[string]string

// NewMapper builds a Mapper from alias -> canonical pairs.
func NewMapper(aliases map[string]string) Mapper {
	m := make(Mapper, len(aliases))
	for alias, canonical := range aliases {
		m[alias] = canonical
	}
	return m
}

// Canonical returns the canonical name for a resource, or name unchanged if
// it has no alias registered.
func (m Mapper) Canonical(name string) string {
	if canonical, ok := m[name]; ok {
		return canonical
	}
	return name
}

// Apply rewrites every key of request through Canonical, returning a new map.
// When two aliases of the same canonical name collide, the later one (in Go's
// undefined map iteration order) wins; callers should not declare a request
// with both a resource and its own alias.
func (m Mapper) Apply(request map[string]string) map[string]string {
	out := make(map[string]string, len(request))
	for k, v := range request {
		out[m.Canonical(k)] = v
	}
	return out
}
