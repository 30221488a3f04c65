package indi

import (
	"fmt"
	"strings"
	"sync"
)

// BLOBMode controls whether a peer sends BLOB data on this connection.
type BLOBMode string

const (
	BLOBNever BLOBMode = "Never"
	BLOBAlso  BLOBMode = "Also"
	BLOBOnly  BLOBMode = "Only"
)

// outbox receives fully formed protocol messages for transmission.
type outbox interface {
	enqueue(msg string)
}

// vectorSet keeps the vectors of one kind keyed by name in arrival order.
type vectorSet[P Property] struct {
	order  []string
	byName map[string]*Vector[P]
}

func (s *vectorSet[P]) get(name string) (*Vector[P], bool) {
	v, ok := s.byName[name]
	return v, ok
}

func (s *vectorSet[P]) put(v *Vector[P]) {
	if s.byName == nil {
		s.byName = make(map[string]*Vector[P])
	}
	if _, ok := s.byName[v.name]; !ok {
		s.order = append(s.order, v.name)
	}
	s.byName[v.name] = v
}

func (s *vectorSet[P]) remove(name string) bool {
	if _, ok := s.byName[name]; !ok {
		return false
	}
	delete(s.byName, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *vectorSet[P]) all() []*Vector[P] {
	out := make([]*Vector[P], 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.byName[name])
	}
	return out
}

// Device is a named owner of vectors. Remote devices are discovered by the
// parser; local devices are created by application code and announced to the
// peer through DefineProperties.
type Device struct {
	name  string
	local bool

	mu       sync.RWMutex
	out      outbox
	texts    vectorSet[Text]
	numbers  vectorSet[Number]
	switches vectorSet[Switch]
	blobs    vectorSet[Blob]
}

// NewDevice creates a device representing a remote peer endpoint.
func NewDevice(name string) *Device {
	return &Device{name: name}
}

// NewLocalDevice creates a device owned by this process. Value changes made
// through the Set* methods are announced with set*Vector instead of
// new*Vector.
func NewLocalDevice(name string) *Device {
	return &Device{name: name, local: true}
}

func (d *Device) Name() string { return d.name }
func (d *Device) Local() bool  { return d.local }

func (d *Device) attach(out outbox) {
	d.mu.Lock()
	d.out = out
	d.mu.Unlock()
}

func (d *Device) send(msg string) error {
	d.mu.RLock()
	out := d.out
	d.mu.RUnlock()

	if out == nil {
		return ErrNotAttached
	}
	out.enqueue(msg)
	return nil
}

func (d *Device) TextVector(name string) (*TextVector, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.texts.get(name)
}

func (d *Device) NumberVector(name string) (*NumberVector, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.numbers.get(name)
}

func (d *Device) SwitchVector(name string) (*SwitchVector, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.switches.get(name)
}

func (d *Device) BlobVector(name string) (*BlobVector, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.blobs.get(name)
}

func (d *Device) TextVectors() []*TextVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.texts.all()
}

func (d *Device) NumberVectors() []*NumberVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.numbers.all()
}

func (d *Device) SwitchVectors() []*SwitchVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.switches.all()
}

func (d *Device) BlobVectors() []*BlobVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.blobs.all()
}

// AddTextVector registers v under its name, replacing any vector of the same
// kind and name. The same applies to the other Add*Vector methods.
func (d *Device) AddTextVector(v *TextVector) error {
	if err := d.checkOwner(v.device, v.name); err != nil {
		return err
	}
	d.mu.Lock()
	d.texts.put(v)
	d.mu.Unlock()
	return nil
}

func (d *Device) AddNumberVector(v *NumberVector) error {
	if err := d.checkOwner(v.device, v.name); err != nil {
		return err
	}
	d.mu.Lock()
	d.numbers.put(v)
	d.mu.Unlock()
	return nil
}

func (d *Device) AddSwitchVector(v *SwitchVector) error {
	if err := d.checkOwner(v.device, v.name); err != nil {
		return err
	}
	d.mu.Lock()
	d.switches.put(v)
	d.mu.Unlock()
	return nil
}

func (d *Device) AddBlobVector(v *BlobVector) error {
	if err := d.checkOwner(v.device, v.name); err != nil {
		return err
	}
	d.mu.Lock()
	d.blobs.put(v)
	d.mu.Unlock()
	return nil
}

func (d *Device) checkOwner(device, name string) error {
	if device == "" || name == "" {
		return fmt.Errorf("%w: empty device or vector name", ErrInvalidVector)
	}
	if device != d.name {
		return fmt.Errorf("%w: vector %s belongs to %s, not %s", ErrInvalidVector, name, device, d.name)
	}
	return nil
}

// RemoveVector drops every vector with the given name, whatever its kind.
func (d *Device) RemoveVector(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := d.texts.remove(name)
	removed = d.numbers.remove(name) || removed
	removed = d.switches.remove(name) || removed
	removed = d.blobs.remove(name) || removed
	return removed
}

func (d *Device) Text(vector, name string) (Text, error) {
	v, ok := d.TextVector(vector)
	return member(v, ok, name)
}

func (d *Device) Number(vector, name string) (Number, error) {
	v, ok := d.NumberVector(vector)
	return member(v, ok, name)
}

func (d *Device) Switch(vector, name string) (Switch, error) {
	v, ok := d.SwitchVector(vector)
	return member(v, ok, name)
}

func (d *Device) Blob(vector, name string) (Blob, error) {
	v, ok := d.BlobVector(vector)
	return member(v, ok, name)
}

func member[P Property](v *Vector[P], ok bool, name string) (P, error) {
	var zero P
	if !ok {
		return zero, ErrVectorNotFound
	}
	p, found := v.Get(name)
	if !found {
		return zero, ErrPropertyNotFound
	}
	return p, nil
}

// SetText updates one text member and sends it to the peer.
func (d *Device) SetText(vector, name, value string) error {
	v, ok := d.TextVector(vector)
	if !ok {
		return ErrVectorNotFound
	}
	if err := v.update(name, func(p *Text) { p.Value = value }); err != nil {
		return err
	}
	p, _ := v.Get(name)
	return d.send(renderVector(d.updateVerb(), v, []Text{p}))
}

// SetNumber updates one number member and sends it to the peer.
func (d *Device) SetNumber(vector, name string, value float64) error {
	v, ok := d.NumberVector(vector)
	if !ok {
		return ErrVectorNotFound
	}
	if err := v.update(name, func(p *Number) { p.Value = value }); err != nil {
		return err
	}
	p, _ := v.Get(name)
	return d.send(renderVector(d.updateVerb(), v, []Number{p}))
}

// SetSwitch updates one switch member and sends it to the peer.
func (d *Device) SetSwitch(vector, name string, value bool) error {
	v, ok := d.SwitchVector(vector)
	if !ok {
		return ErrVectorNotFound
	}
	if err := v.update(name, func(p *Switch) { p.Value = value }); err != nil {
		return err
	}
	p, _ := v.Get(name)
	return d.send(renderVector(d.updateVerb(), v, []Switch{p}))
}

// SetTexts updates several text members and sends them in one message.
func (d *Device) SetTexts(vector string, values map[string]string) error {
	v, ok := d.TextVector(vector)
	return setMembers(d, v, ok, values, func(p *Text, value string) { p.Value = value })
}

// SetNumbers updates several number members and sends them in one message.
func (d *Device) SetNumbers(vector string, values map[string]float64) error {
	v, ok := d.NumberVector(vector)
	return setMembers(d, v, ok, values, func(p *Number, value float64) { p.Value = value })
}

// SetSwitches updates several switch members and sends them in one message.
func (d *Device) SetSwitches(vector string, values map[string]bool) error {
	v, ok := d.SwitchVector(vector)
	return setMembers(d, v, ok, values, func(p *Switch, value bool) { p.Value = value })
}

// setMembers applies values to the named members of v and sends the changed
// members in the order the vector lists them. Nothing changes if a name is
// unknown.
func setMembers[P Property, T any](d *Device, v *Vector[P], ok bool, values map[string]T, set func(p *P, value T)) error {
	if !ok {
		return ErrVectorNotFound
	}
	if len(values) == 0 {
		return nil
	}
	for name := range values {
		if _, found := v.Get(name); !found {
			return fmt.Errorf("%w: %s", ErrPropertyNotFound, name)
		}
	}

	changed := make([]P, 0, len(values))
	v.updateAll(func(_ int, p *P) {
		if value, ok := values[(*p).Info().Name]; ok {
			set(p, value)
			changed = append(changed, *p)
		}
	})
	return d.send(renderVector(d.updateVerb(), v, changed))
}

// SetSwitchVector turns the switch at index On and every other member Off,
// then sends the whole vector.
func (d *Device) SetSwitchVector(vector string, index int) error {
	v, ok := d.SwitchVector(vector)
	if !ok {
		return ErrVectorNotFound
	}
	if index < 0 || index >= v.Len() {
		return fmt.Errorf("%w: switch index %d out of range", ErrPropertyNotFound, index)
	}
	v.updateAll(func(i int, p *Switch) { p.Value = i == index })
	return d.send(renderVector(d.updateVerb(), v, v.Values()))
}

// SetBlob updates one BLOB member and sends it base64 encoded.
func (d *Device) SetBlob(vector, name, format string, data []byte) error {
	v, ok := d.BlobVector(vector)
	if !ok {
		return ErrVectorNotFound
	}
	err := v.update(name, func(p *Blob) {
		p.Format = format
		p.Value = append([]byte(nil), data...)
		p.Size = len(data)
	})
	if err != nil {
		return err
	}
	p, _ := v.Get(name)
	return d.send(renderVector(d.updateVerb(), v, []Blob{p}))
}

// EnableBLOB asks the peer to send (or stop sending) BLOBs for this device.
func (d *Device) EnableBLOB(mode BLOBMode) error {
	var b strings.Builder
	writeStart(&b, "enableBLOB", "device", d.name)
	writeText(&b, string(mode))
	writeEnd(&b, "enableBLOB")
	return d.send(b.String())
}

// DefineProperties renders every vector of the device as def*Vector elements.
func (d *Device) DefineProperties() string {
	d.mu.RLock()
	texts := d.texts.all()
	numbers := d.numbers.all()
	switches := d.switches.all()
	blobs := d.blobs.all()
	d.mu.RUnlock()

	var b strings.Builder
	for _, v := range texts {
		b.WriteString(renderVector("def", v, v.Values()))
	}
	for _, v := range numbers {
		b.WriteString(renderVector("def", v, v.Values()))
	}
	for _, v := range switches {
		b.WriteString(renderVector("def", v, v.Values()))
	}
	for _, v := range blobs {
		b.WriteString(renderVector("def", v, v.Values()))
	}
	return b.String()
}

// updateVerb is "new" for commands to a remote device and "set" for updates
// published by a local one.
func (d *Device) updateVerb() string {
	if d.local {
		return "set"
	}
	return "new"
}

// PublishState changes the state light of a vector and sends its current
// values. It is meant for local devices reporting progress (Busy, Ok, Alert).
func (d *Device) PublishState(vector string, state State) error {
	if v, ok := d.TextVector(vector); ok {
		return d.send(withState(d.updateVerb(), v, state))
	}
	if v, ok := d.NumberVector(vector); ok {
		return d.send(withState(d.updateVerb(), v, state))
	}
	if v, ok := d.SwitchVector(vector); ok {
		return d.send(withState(d.updateVerb(), v, state))
	}
	if v, ok := d.BlobVector(vector); ok {
		return d.send(withState(d.updateVerb(), v, state))
	}
	return ErrVectorNotFound
}

func withState[P Property](verb string, v *Vector[P], state State) string {
	v.mu.Lock()
	v.state = state
	v.mu.Unlock()
	return renderVector(verb, v, v.Values())
}
