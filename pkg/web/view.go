package web

import (
	"fmt"

	"indi/pkg/indi"
)

type deviceView struct {
	Name    string       `json:"name"`
	Local   bool         `json:"local"`
	Vectors []vectorView `json:"vectors"`
}

type vectorView struct {
	indi.VectorSnapshot
	Members []memberView `json:"-"`
}

type memberView struct {
	Name  string
	Label string
	Value string
}

func deviceViews(devices []*indi.Device) []deviceView {
	views := make([]deviceView, 0, len(devices))
	for _, dev := range devices {
		views = append(views, newDeviceView(dev))
	}
	return views
}

func newDeviceView(dev *indi.Device) deviceView {
	view := deviceView{Name: dev.Name(), Local: dev.Local(), Vectors: []vectorView{}}

	for _, v := range dev.TextVectors() {
		view.Vectors = append(view.Vectors, newVectorView(v.Snapshot(), v.Values(), func(t indi.Text) string {
			return t.Value
		}))
	}
	for _, v := range dev.NumberVectors() {
		view.Vectors = append(view.Vectors, newVectorView(v.Snapshot(), v.Values(), func(n indi.Number) string {
			return fmt.Sprintf("%g", n.Value)
		}))
	}
	for _, v := range dev.SwitchVectors() {
		view.Vectors = append(view.Vectors, newVectorView(v.Snapshot(), v.Values(), func(s indi.Switch) string {
			if s.Value {
				return "On"
			}
			return "Off"
		}))
	}
	for _, v := range dev.BlobVectors() {
		view.Vectors = append(view.Vectors, newVectorView(v.Snapshot(), v.Values(), func(b indi.Blob) string {
			return fmt.Sprintf("%s, %d bytes", b.Format, len(b.Value))
		}))
	}
	return view
}

func newVectorView[P indi.Property](snap indi.VectorSnapshot, values []P, format func(P) string) vectorView {
	view := vectorView{VectorSnapshot: snap}
	for _, p := range values {
		info := p.Info()
		label := info.Label
		if label == "" {
			label = info.Name
		}
		view.Members = append(view.Members, memberView{Name: info.Name, Label: label, Value: format(p)})
	}
	return view
}
