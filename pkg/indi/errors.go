package indi

import "errors"

var (
	// ErrNotConnected is returned when an operation needs a live transport.
	ErrNotConnected = errors.New("indi: not connected")

	// ErrAlreadyConnected is returned by Connect on a client that is not
	// disconnected.
	ErrAlreadyConnected = errors.New("indi: already connected")

	// ErrNoAddress is returned by Connect when neither an address nor a
	// stream has been configured.
	ErrNoAddress = errors.New("indi: no address or stream configured")

	// ErrDeviceNotFound is returned for lookups of unknown device names.
	ErrDeviceNotFound = errors.New("indi: device not found")

	// ErrVectorNotFound is returned when a device has no vector of the
	// requested kind and name.
	ErrVectorNotFound = errors.New("indi: vector not found")

	// ErrPropertyNotFound is returned when a vector has no member with the
	// requested name.
	ErrPropertyNotFound = errors.New("indi: property not found")

	// ErrInvalidVector is returned when a vector lacks a device or a name, or
	// is added to the wrong device.
	ErrInvalidVector = errors.New("indi: invalid vector")

	// ErrNotAttached is returned by Set* on a device that was never added to
	// a client.
	ErrNotAttached = errors.New("indi: device not attached to a client")
)
