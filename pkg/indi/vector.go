package indi

import "sync"

// Vector is a named, permissioned group of same-kind properties owned by a
// device. The parser updates a vector in place on redefinition, so a pointer
// obtained once keeps reflecting the latest state.
type Vector[P Property] struct {
	mu sync.RWMutex

	device    string
	name      string
	label     string
	group     string
	perm      Permission
	rule      string
	state     State
	timeout   float64
	timestamp string

	values []P
}

type (
	TextVector   = Vector[Text]
	NumberVector = Vector[Number]
	SwitchVector = Vector[Switch]
	BlobVector   = Vector[Blob]
)

// NewVector creates a vector, typically for a locally owned device.
// An empty permission defaults to read-only.
func NewVector[P Property](device, name, label, group string, perm Permission, rule string, values ...P) *Vector[P] {
	if perm == "" {
		perm = PermRO
	}
	return &Vector[P]{
		device: device,
		name:   name,
		label:  label,
		group:  group,
		perm:   perm,
		rule:   rule,
		state:  StateIdle,
		values: append([]P(nil), values...),
	}
}

func (v *Vector[P]) Kind() Kind {
	var p P
	return p.Kind()
}

func (v *Vector[P]) Device() string { return v.device }
func (v *Vector[P]) Name() string   { return v.name }

func (v *Vector[P]) Label() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.label
}

func (v *Vector[P]) Group() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.group
}

func (v *Vector[P]) Perm() Permission {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.perm
}

// Rule is the switch selection discipline ("OneOfMany", "AtMostOne", "AnyOfMany").
// It is opaque for other kinds.
func (v *Vector[P]) Rule() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.rule
}

func (v *Vector[P]) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

func (v *Vector[P]) Timestamp() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.timestamp
}

// Values returns a copy of the properties in arrival order.
func (v *Vector[P]) Values() []P {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]P(nil), v.values...)
}

func (v *Vector[P]) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.values)
}

// Get returns the member property with the given name.
func (v *Vector[P]) Get(name string) (P, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, p := range v.values {
		if p.Info().Name == name {
			return p, true
		}
	}
	var zero P
	return zero, false
}

// commit applies a parsed vector element: its attributes and either the whole
// member list or, for partial updates, the members it names. Readers see the
// element applied entirely or not at all.
func (v *Vector[P]) commit(a vectorAttrs, created, partial bool, values []P) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.applyAttrs(a, created)
	if partial {
		v.merge(values)
	} else {
		v.replace(values)
	}
}

// replace swaps the whole property list, keeping the first occurrence of
// duplicated names. The caller holds v.mu.
func (v *Vector[P]) replace(values []P) {
	seen := make(map[string]struct{}, len(values))
	unique := make([]P, 0, len(values))
	for _, p := range values {
		name := p.Info().Name
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		unique = append(unique, p)
	}
	v.values = unique
}

// merge sets the value of the members named in values and appends unknown
// ones, leaving the rest untouched. The caller holds v.mu.
func (v *Vector[P]) merge(values []P) {
next:
	for _, p := range values {
		name := p.Info().Name
		for i := range v.values {
			if v.values[i].Info().Name == name {
				v.values[i] = withValue(v.values[i], p)
				continue next
			}
		}
		v.values = append(v.values, p)
	}
}

// update applies fn to the named member.
func (v *Vector[P]) update(name string, fn func(p *P)) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.values {
		if v.values[i].Info().Name == name {
			fn(&v.values[i])
			return nil
		}
	}
	return ErrPropertyNotFound
}

// updateAll applies fn to every member in order.
func (v *Vector[P]) updateAll(fn func(i int, p *P)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.values {
		fn(i, &v.values[i])
	}
}

// applyAttrs copies the attributes read from a vector element. On an existing
// vector only the attributes actually present on the element are changed.
// The caller holds v.mu.
func (v *Vector[P]) applyAttrs(a vectorAttrs, created bool) {
	if created || a.label != "" {
		v.label = a.label
	}
	if created || a.group != "" {
		v.group = a.group
	}
	if created || a.perm != "" {
		v.perm = a.perm
		if v.perm == "" {
			v.perm = PermRO
		}
	}
	if created || a.rule != "" {
		v.rule = a.rule
	}
	if a.state != "" {
		v.state = a.state
	} else if created {
		v.state = StateIdle
	}
	if a.hasTimeout {
		v.timeout = a.timeout
	}
	if a.timestamp != "" {
		v.timestamp = a.timestamp
	}
}

// VectorSnapshot is a point-in-time copy of a vector suitable for encoding.
type VectorSnapshot struct {
	Device    string     `json:"device"`
	Name      string     `json:"name"`
	Kind      string     `json:"kind"`
	Label     string     `json:"label"`
	Group     string     `json:"group"`
	Perm      Permission `json:"perm"`
	Rule      string     `json:"rule,omitempty"`
	State     State      `json:"state"`
	Timestamp string     `json:"timestamp,omitempty"`
	Values    []Property `json:"values"`
}

func (v *Vector[P]) Snapshot() VectorSnapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()

	values := make([]Property, 0, len(v.values))
	for _, p := range v.values {
		values = append(values, p)
	}
	return VectorSnapshot{
		Device:    v.device,
		Name:      v.name,
		Kind:      v.Kind().String(),
		Label:     v.label,
		Group:     v.group,
		Perm:      v.perm,
		Rule:      v.rule,
		State:     v.state,
		Timestamp: v.timestamp,
		Values:    values,
	}
}
