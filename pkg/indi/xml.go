package indi

import (
	"encoding/base64"
	"encoding/xml"
	"strconv"
	"strings"
)

const protocolVersion = "1.7"

// writeStart writes an opening tag. attrs are key/value pairs; pairs with an
// empty value are skipped except for device and name.
func writeStart(b *strings.Builder, tag string, attrs ...string) {
	b.WriteByte('<')
	b.WriteString(tag)
	writeAttrs(b, attrs)
	b.WriteByte('>')
}

// writeEmpty writes a self-closing element.
func writeEmpty(b *strings.Builder, tag string, attrs ...string) {
	b.WriteByte('<')
	b.WriteString(tag)
	writeAttrs(b, attrs)
	b.WriteString("/>")
}

func writeAttrs(b *strings.Builder, attrs []string) {
	for i := 0; i+1 < len(attrs); i += 2 {
		key, value := attrs[i], attrs[i+1]
		if value == "" && key != "device" && key != "name" {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteString(`="`)
		writeText(b, value)
		b.WriteByte('"')
	}
}

func writeEnd(b *strings.Builder, tag string) {
	b.WriteString("</")
	b.WriteString(tag)
	b.WriteByte('>')
}

func writeText(b *strings.Builder, s string) {
	// strings.Builder never fails to write.
	_ = xml.EscapeText(b, []byte(s))
}

// formatNumber renders a float with a fixed '.' decimal separator and no
// precision loss, independent of any locale.
func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// getPropertiesMessage renders a discovery query, optionally scoped to one device.
func getPropertiesMessage(device string) string {
	var b strings.Builder
	if device == "" {
		writeEmpty(&b, "getProperties", "version", protocolVersion)
	} else {
		writeEmpty(&b, "getProperties", "version", protocolVersion, "device", device)
	}
	return b.String()
}

// renderVector serializes a vector with the given members. verb is "def" for
// full definitions, "set" for device-side updates and "new" for client
// commands.
func renderVector[P Property](verb string, v *Vector[P], members []P) string {
	kind := v.Kind().String()
	vectorTag := verb + kind + "Vector"
	memberTag := "one" + kind
	if verb == "def" {
		memberTag = "def" + kind
	}

	v.mu.RLock()
	attrs := []string{"device", v.device, "name", v.name}
	switch verb {
	case "def":
		attrs = append(attrs,
			"label", v.label,
			"group", v.group,
			"state", string(v.state),
			"perm", string(v.perm))
		if v.Kind() == KindSwitch {
			attrs = append(attrs, "rule", v.rule)
		}
		if v.timeout != 0 {
			attrs = append(attrs, "timeout", formatNumber(v.timeout))
		}
		attrs = append(attrs, "timestamp", v.timestamp)
	case "set":
		attrs = append(attrs, "state", string(v.state), "timestamp", v.timestamp)
	}
	v.mu.RUnlock()

	var b strings.Builder
	writeStart(&b, vectorTag, attrs...)
	for _, p := range members {
		writeMember(&b, memberTag, verb == "def", p)
	}
	writeEnd(&b, vectorTag)
	return b.String()
}

func writeMember(b *strings.Builder, tag string, full bool, p Property) {
	info := p.Info()
	label := ""
	if full {
		label = info.Label
	}

	switch m := p.(type) {
	case Text:
		writeStart(b, tag, "name", info.Name, "label", label)
		writeText(b, m.Value)
	case Number:
		if full {
			writeStart(b, tag, "name", info.Name, "label", label,
				"format", m.Format,
				"min", formatNumber(m.Min),
				"max", formatNumber(m.Max),
				"step", formatNumber(m.Step))
		} else {
			writeStart(b, tag, "name", info.Name)
		}
		writeText(b, formatNumber(m.Value))
	case Switch:
		writeStart(b, tag, "name", info.Name, "label", label)
		writeText(b, switchState(m.Value))
	case Blob:
		size := m.Size
		if size == 0 {
			size = len(m.Value)
		}
		writeStart(b, tag, "name", info.Name, "label", label,
			"size", strconv.Itoa(size),
			"format", m.Format)
		b.WriteString(base64.StdEncoding.EncodeToString(m.Value))
	}
	writeEnd(b, tag)
}
