package indi

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Message is a free-form notice sent by a device, either as a standalone
// message element or as the message attribute of a vector.
type Message struct {
	Device    string `json:"device"`
	Text      string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

// subscribers is an ordered list of handlers for one event kind.
type subscribers[F any] struct {
	mu   sync.RWMutex
	list []F
}

func (s *subscribers[F]) add(fn F) {
	s.mu.Lock()
	s.list = append(s.list, fn)
	s.mu.Unlock()
}

func (s *subscribers[F]) snapshot() []F {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]F(nil), s.list...)
}

// events holds the subscriber lists of a client. Handlers run synchronously
// on the worker that raised the event, in subscription order.
type events struct {
	logger log.FieldLogger

	deviceAdded     subscribers[func(*Device)]
	textVector      subscribers[func(*TextVector, string)]
	numberVector    subscribers[func(*NumberVector, string)]
	switchVector    subscribers[func(*SwitchVector, string)]
	blobVector      subscribers[func(*BlobVector, string)]
	propertyDeleted subscribers[func(name, device string)]
	messageSent     subscribers[func(string)]
	message         subscribers[func(Message)]
}

// OnDeviceAdded registers fn to be called the first time a device name is
// inserted in the registry.
func (e *events) OnDeviceAdded(fn func(dev *Device)) { e.deviceAdded.add(fn) }

// OnTextVector registers fn for every defined or updated text vector.
func (e *events) OnTextVector(fn func(v *TextVector, device string)) { e.textVector.add(fn) }

func (e *events) OnNumberVector(fn func(v *NumberVector, device string)) { e.numberVector.add(fn) }

func (e *events) OnSwitchVector(fn func(v *SwitchVector, device string)) { e.switchVector.add(fn) }

func (e *events) OnBlobVector(fn func(v *BlobVector, device string)) { e.blobVector.add(fn) }

// OnPropertyDeleted registers fn for deleteProperty notices. Deletion is
// advisory: the vector is not removed from the registry.
func (e *events) OnPropertyDeleted(fn func(name, device string)) { e.propertyDeleted.add(fn) }

// OnMessageSent registers fn to receive the exact text of every message
// written to the transport.
func (e *events) OnMessageSent(fn func(msg string)) { e.messageSent.add(fn) }

func (e *events) OnMessage(fn func(msg Message)) { e.message.add(fn) }

// dispatch calls every subscriber of s. A panicking handler is logged and
// does not prevent the remaining handlers, or the worker, from running.
func dispatch[F any](logger log.FieldLogger, s *subscribers[F], call func(F)) {
	for _, fn := range s.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("Event handler panicked: %v", r)
				}
			}()
			call(fn)
		}()
	}
}

func (e *events) emitDeviceAdded(dev *Device) {
	dispatch(e.logger, &e.deviceAdded, func(fn func(*Device)) { fn(dev) })
}

func (e *events) emitTextVector(v *TextVector) {
	dispatch(e.logger, &e.textVector, func(fn func(*TextVector, string)) { fn(v, v.device) })
}

func (e *events) emitNumberVector(v *NumberVector) {
	dispatch(e.logger, &e.numberVector, func(fn func(*NumberVector, string)) { fn(v, v.device) })
}

func (e *events) emitSwitchVector(v *SwitchVector) {
	dispatch(e.logger, &e.switchVector, func(fn func(*SwitchVector, string)) { fn(v, v.device) })
}

func (e *events) emitBlobVector(v *BlobVector) {
	dispatch(e.logger, &e.blobVector, func(fn func(*BlobVector, string)) { fn(v, v.device) })
}

func (e *events) emitPropertyDeleted(name, device string) {
	dispatch(e.logger, &e.propertyDeleted, func(fn func(string, string)) { fn(name, device) })
}

func (e *events) emitMessageSent(msg string) {
	dispatch(e.logger, &e.messageSent, func(fn func(string)) { fn(msg) })
}

func (e *events) emitMessage(msg Message) {
	dispatch(e.logger, &e.message, func(fn func(Message)) { fn(msg) })
}
