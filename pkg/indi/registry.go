package indi

import "sync"

// registry maps device names to devices. It is written by the reader worker
// and by application code, and read from any goroutine.
type registry struct {
	mu      sync.RWMutex
	order   []string
	devices map[string]*Device
}

func newRegistry() *registry {
	return &registry{devices: make(map[string]*Device)}
}

// add inserts dev unless a device with the same name exists. It returns the
// registered device and whether an insertion happened.
func (r *registry) add(dev *Device) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.devices[dev.name]; ok {
		return existing, false
	}
	r.devices[dev.name] = dev
	r.order = append(r.order, dev.name)
	return dev, true
}

func (r *registry) remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[name]; !ok {
		return false
	}
	delete(r.devices, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *registry) get(name string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[name]
	return dev, ok
}

// all returns the devices in insertion order.
func (r *registry) all() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Device, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.devices[name])
	}
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

func (r *registry) clear() {
	r.mu.Lock()
	r.devices = make(map[string]*Device)
	r.order = nil
	r.mu.Unlock()
}
