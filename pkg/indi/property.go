package indi

import "strings"

// Kind identifies one of the four INDI value kinds.
type Kind int

const (
	KindText Kind = iota
	KindNumber
	KindSwitch
	KindBlob
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "Text"
	case KindNumber:
		return "Number"
	case KindSwitch:
		return "Switch"
	case KindBlob:
		return "BLOB"
	}
	return "Unknown"
}

// kindOf maps a lowercased element target ("numbervector", "blob", ...) to a kind.
func kindOf(target string) (Kind, bool) {
	switch {
	case strings.Contains(target, "blob"):
		return KindBlob, true
	case strings.Contains(target, "switch"):
		return KindSwitch, true
	case strings.Contains(target, "number"):
		return KindNumber, true
	case strings.Contains(target, "text"):
		return KindText, true
	}
	return 0, false
}

// Permission is the access mode of a vector as declared by its device.
type Permission string

const (
	PermRO Permission = "ro"
	PermRW Permission = "rw"
	PermWO Permission = "wo"
)

// Writable reports whether a client may send new values for the vector.
func (p Permission) Writable() bool {
	return p == PermRW || p == PermWO
}

// State is the INDI vector state light.
type State string

const (
	StateIdle  State = "Idle"
	StateOk    State = "Ok"
	StateBusy  State = "Busy"
	StateAlert State = "Alert"
)

// PropertyInfo holds the attributes shared by every property kind.
type PropertyInfo struct {
	Name  string `json:"name"`
	Label string `json:"label"`
}

func (p PropertyInfo) Info() PropertyInfo {
	return p
}

// Property is implemented by Text, Number, Switch and Blob.
type Property interface {
	Info() PropertyInfo
	Kind() Kind
}

type Text struct {
	PropertyInfo
	Value string `json:"value"`
}

func (Text) Kind() Kind { return KindText }

// Number carries a float value plus the display hints sent by the device.
// Min, Max and Step are informational and never enforced here.
type Number struct {
	PropertyInfo
	Format string  `json:"format"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Step   float64 `json:"step"`
	Value  float64 `json:"value"`
}

func (Number) Kind() Kind { return KindNumber }

type Switch struct {
	PropertyInfo
	Value bool `json:"value"`
}

func (Switch) Kind() Kind { return KindSwitch }

// Blob holds decoded binary data. Size is the byte count declared on the
// wire, which may differ from len(Value) for compressed payloads.
type Blob struct {
	PropertyInfo
	Format string `json:"format"`
	Size   int    `json:"size"`
	Value  []byte `json:"-"`
}

func (Blob) Kind() Kind { return KindBlob }

// withValue returns cur carrying only the value of upd. Commands sent with
// new*Vector name members without repeating their definition.
func withValue[P Property](cur, upd P) P {
	switch c := any(&cur).(type) {
	case *Text:
		c.Value = any(upd).(Text).Value
	case *Number:
		c.Value = any(upd).(Number).Value
	case *Switch:
		c.Value = any(upd).(Switch).Value
	case *Blob:
		b := any(upd).(Blob)
		c.Value, c.Size = b.Value, b.Size
		if b.Format != "" {
			c.Format = b.Format
		}
	}
	return cur
}

// switchState renders a switch value the way the protocol spells it.
func switchState(on bool) string {
	if on {
		return "On"
	}
	return "Off"
}
