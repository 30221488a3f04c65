package indi

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
)

// vectorAttrs are the attributes read from a *Vector element.
type vectorAttrs struct {
	device     string
	name       string
	label      string
	group      string
	perm       Permission
	rule       string
	state      State
	timeout    float64
	hasTimeout bool
	timestamp  string
	message    string
}

// memberAttrs are the attributes read from a member element. Numeric
// attributes stay as text until the member value is decoded.
type memberAttrs struct {
	name   string
	label  string
	format string
	size   string
	min    string
	max    string
	step   string
}

// construction is a vector being assembled from the stream.
type construction interface {
	kind() Kind
	add(m memberAttrs, text string) error
	commit()
}

// builder accumulates the members of one vector element. The vector itself
// is only touched in commit, so subscribers never observe a half-built list.
type builder[P Property] struct {
	vector  *Vector[P]
	attrs   vectorAttrs
	created bool
	partial bool
	values  []P
	decode  func(m memberAttrs, text string) (P, error)
	publish func(v *Vector[P])
}

func (b *builder[P]) kind() Kind { return b.vector.Kind() }

func (b *builder[P]) add(m memberAttrs, text string) error {
	p, err := b.decode(m, text)
	if err != nil {
		return err
	}
	b.values = append(b.values, p)
	return nil
}

func (b *builder[P]) commit() {
	b.vector.commit(b.attrs, b.created, b.partial, b.values)
	b.publish(b.vector)
}

// openBuilder starts a vector construction. Definitions and updates restate
// the whole member list; new*Vector commands only carry the changed members.
func openBuilder[P Property](action string, a vectorAttrs, lookup func(string) (*Vector[P], bool),
	decode func(memberAttrs, string) (P, error), publish func(*Vector[P])) *builder[P] {
	v, ok := lookup(a.name)
	if !ok {
		v = &Vector[P]{device: a.device, name: a.name}
	}
	return &builder[P]{
		vector:  v,
		attrs:   a,
		created: !ok,
		partial: ok && action == "new",
		values:  []P{},
		decode:  decode,
		publish: publish,
	}
}

// parser turns a rootless stream of INDI elements into registry updates and
// events. It keeps at most one vector and one member under construction.
type parser struct {
	c      *Client
	logger log.FieldLogger

	current construction

	inMember   bool
	memberKind Kind
	member     memberAttrs
	text       strings.Builder

	// lastName is the most recent member name seen, used for deleteProperty
	// elements that carry no name of their own.
	lastName string
}

func newParser(c *Client, logger log.FieldLogger) *parser {
	return &parser{c: c, logger: logger}
}

// xmlChars reads runes from the stream and drops everything XML 1.0 does not
// allow in a document, such as NUL and other C0 controls or invalid UTF-8.
// It implements io.ByteReader so the decoder reads it directly and no
// bytes are buffered inside a decoder that a resync throws away.
type xmlChars struct {
	r       *bufio.Reader
	pending [utf8.UTFMax]byte
	off, n  int
}

func (x *xmlChars) ReadByte() (byte, error) {
	for x.off == x.n {
		r, size, err := x.r.ReadRune()
		if err != nil {
			return 0, err
		}
		if (r == utf8.RuneError && size == 1) || !isXMLChar(r) {
			continue
		}
		x.off, x.n = 0, utf8.EncodeRune(x.pending[:], r)
	}
	b := x.pending[x.off]
	x.off++
	return b, nil
}

func (x *xmlChars) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if n > 0 && x.off == x.n && x.r.Buffered() == 0 {
			break
		}
		b, err := x.ReadByte()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		p[n] = b
		n++
	}
	return n, nil
}

func isXMLChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		r >= 0x20 && r <= 0xD7FF ||
		r >= 0xE000 && r <= 0xFFFD ||
		r >= 0x10000 && r <= 0x10FFFF
}

func newDecoder(r *xmlChars) *xml.Decoder {
	dec := xml.NewDecoder(r)
	dec.Strict = false
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	return dec
}

// run reads elements until the stream ends, a read fails, ctx is cancelled
// or keepRunning reports false. A syntax error abandons the element in
// progress and resumes with a fresh decoder at the current stream position.
func (p *parser) run(ctx context.Context, r *bufio.Reader, keepRunning func() bool) error {
	src := &xmlChars{r: r}
	dec := newDecoder(src)

	for keepRunning() {
		if err := ctx.Err(); err != nil {
			return err
		}

		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			var syntaxErr *xml.SyntaxError
			if errors.As(err, &syntaxErr) {
				p.logger.Warnf("Malformed XML at line %d: %s", syntaxErr.Line, syntaxErr.Msg)
				p.reset()
				dec = newDecoder(src)
				continue
			}
			return err
		}

		p.handle(tok)
	}
	return nil
}

// handle processes one token. A panic while handling is logged and the
// token is dropped.
func (p *parser) handle(tok xml.Token) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("Dropping element after panic: %v", r)
			p.reset()
		}
	}()

	switch t := tok.(type) {
	case xml.StartElement:
		p.c.metrics.elementParsed()
		p.start(t)
	case xml.CharData:
		if p.inMember {
			p.text.Write(t)
		}
	case xml.EndElement:
		p.end(t)
	}
}

func (p *parser) reset() {
	p.current = nil
	p.inMember = false
	p.text.Reset()
}

// splitName separates an element name into its 3-letter action prefix and
// lowercased target, e.g. "defNumberVector" -> ("def", "numbervector").
func splitName(name string) (action, target string) {
	if len(name) < 3 {
		return strings.ToLower(name), ""
	}
	return strings.ToLower(name[:3]), strings.ToLower(name[3:])
}

func (p *parser) start(t xml.StartElement) {
	name := t.Name.Local
	action, target := splitName(name)

	if name == "message" {
		p.message(t)
		return
	}
	if action == "del" && strings.Contains(target, "property") {
		p.deleteProperty(t)
		return
	}
	if action == "get" && strings.Contains(target, "properties") {
		p.getProperties(t)
		return
	}

	if strings.Contains(target, "vector") {
		p.openVector(action, target, readVectorAttrs(t))
		return
	}
	p.openMember(target, t)
}

func (p *parser) end(t xml.EndElement) {
	if strings.Contains(strings.ToLower(t.Name.Local), "vector") {
		p.closeVector()
		return
	}
	if p.inMember {
		p.closeMember()
	}
}

func (p *parser) deleteProperty(t xml.StartElement) {
	device, _ := attr(t, "device")
	name, ok := attr(t, "name")
	if !ok || name == "" {
		name = p.lastName
	}
	if name == "" {
		p.logger.Debugf("deleteProperty for %q without a property name", device)
		return
	}

	p.c.metrics.propertyDeleted()
	p.c.emitPropertyDeleted(name, device)
}

// getProperties answers a peer's discovery query. The reply is rendered from
// the registry and queued; no parser state is touched.
func (p *parser) getProperties(t xml.StartElement) {
	device, _ := attr(t, "device")
	p.c.DefineProperties(device)
}

func (p *parser) message(t xml.StartElement) {
	text, _ := attr(t, "message")
	if text == "" {
		return
	}
	device, _ := attr(t, "device")
	timestamp, _ := attr(t, "timestamp")
	p.c.emitMessage(Message{Device: device, Text: text, Timestamp: timestamp})
}

func (p *parser) openVector(action, target string, a vectorAttrs) {
	p.current = nil
	p.inMember = false

	if a.device == "" || a.name == "" {
		p.logger.Debugf("Ignoring %s vector without device or name", target)
		return
	}
	kind, ok := kindOf(target)
	if !ok {
		p.logger.Debugf("Ignoring unsupported vector %s %s.%s", target, a.device, a.name)
		return
	}

	dev := p.c.ensureDevice(a.device)

	switch kind {
	case KindText:
		p.current = openBuilder(action, a, dev.TextVector, decodeText, func(v *TextVector) { p.c.publishText(dev, v) })
	case KindNumber:
		p.current = openBuilder(action, a, dev.NumberVector, decodeNumber, func(v *NumberVector) { p.c.publishNumber(dev, v) })
	case KindSwitch:
		p.current = openBuilder(action, a, dev.SwitchVector, decodeSwitch, func(v *SwitchVector) { p.c.publishSwitch(dev, v) })
	case KindBlob:
		p.current = openBuilder(action, a, dev.BlobVector, decodeBlob, func(v *BlobVector) { p.c.publishBlob(dev, v) })
	}

	if a.message != "" {
		p.c.emitMessage(Message{Device: a.device, Text: a.message, Timestamp: a.timestamp})
	}
}

func (p *parser) closeVector() {
	current := p.current
	p.current = nil
	p.inMember = false

	// A close matching an abandoned open has nothing to publish.
	if current == nil {
		return
	}
	current.commit()
}

func (p *parser) openMember(target string, t xml.StartElement) {
	m := memberAttrs{}
	m.name, _ = attr(t, "name")
	m.label, _ = attr(t, "label")
	p.lastName = m.name

	kind, ok := kindOf(target)
	if !ok || p.current == nil {
		return
	}
	if kind != p.current.kind() {
		p.logger.Debugf("Ignoring %s member %q inside a %s vector", kind, m.name, p.current.kind())
		return
	}

	switch kind {
	case KindBlob:
		m.format, _ = attr(t, "format")
		m.size = attrOr(t, "size", "1")
	case KindNumber:
		m.format, _ = attr(t, "format")
		m.min = attrOr(t, "min", attrOr(t, "minimum", "1"))
		m.max = attrOr(t, "max", attrOr(t, "maximum", "1"))
		m.step = attrOr(t, "step", "1")
	}

	p.inMember = true
	p.memberKind = kind
	p.member = m
	p.text.Reset()
}

func (p *parser) closeMember() {
	p.inMember = false
	text := p.text.String()
	p.text.Reset()

	if p.current == nil {
		return
	}
	if err := p.current.add(p.member, text); err != nil {
		p.c.metrics.propertyFault()
		p.logger.WithFields(log.Fields{
			"kind":     p.memberKind.String(),
			"property": p.member.name,
		}).Warnf("Skipping property: %v", err)
	}
}

func decodeText(m memberAttrs, text string) (Text, error) {
	return Text{
		PropertyInfo: PropertyInfo{Name: m.name, Label: m.label},
		Value:        stripNewlines(text),
	}, nil
}

func decodeSwitch(m memberAttrs, text string) (Switch, error) {
	return Switch{
		PropertyInfo: PropertyInfo{Name: m.name, Label: m.label},
		Value:        strings.Contains(text, "On"),
	}, nil
}

func decodeNumber(m memberAttrs, text string) (Number, error) {
	value, err := parseNumber(stripNewlines(text))
	if err != nil {
		return Number{}, fmt.Errorf("value: %w", err)
	}
	minimum, err := parseAttrNumber(m.min)
	if err != nil {
		return Number{}, fmt.Errorf("min: %w", err)
	}
	maximum, err := parseAttrNumber(m.max)
	if err != nil {
		return Number{}, fmt.Errorf("max: %w", err)
	}
	step, err := parseAttrNumber(m.step)
	if err != nil {
		return Number{}, fmt.Errorf("step: %w", err)
	}
	return Number{
		PropertyInfo: PropertyInfo{Name: m.name, Label: m.label},
		Format:       m.format,
		Min:          minimum,
		Max:          maximum,
		Step:         step,
		Value:        value,
	}, nil
}

func decodeBlob(m memberAttrs, text string) (Blob, error) {
	data, err := base64.StdEncoding.DecodeString(stripSpace(text))
	if err != nil {
		return Blob{}, fmt.Errorf("base64: %w", err)
	}
	size, err := strconv.Atoi(strings.TrimSpace(m.size))
	if err != nil {
		return Blob{}, fmt.Errorf("size: %w", err)
	}
	return Blob{
		PropertyInfo: PropertyInfo{Name: m.name, Label: m.label},
		Format:       m.format,
		Size:         size,
		Value:        data,
	}, nil
}

func readVectorAttrs(t xml.StartElement) vectorAttrs {
	a := vectorAttrs{}
	a.device, _ = attr(t, "device")
	a.name, _ = attr(t, "name")
	a.label, _ = attr(t, "label")
	a.group, _ = attr(t, "group")
	if perm, ok := attr(t, "perm"); ok {
		a.perm = Permission(perm)
	}
	a.rule, _ = attr(t, "rule")
	if state, ok := attr(t, "state"); ok {
		a.state = State(state)
	}
	if timeout, ok := attr(t, "timeout"); ok {
		if f, err := parseNumber(timeout); err == nil {
			a.timeout = f
			a.hasTimeout = true
		}
	}
	a.timestamp, _ = attr(t, "timestamp")
	a.message, _ = attr(t, "message")
	return a
}

func attr(t xml.StartElement, name string) (string, bool) {
	for _, a := range t.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func attrOr(t xml.StartElement, name, def string) string {
	if v, ok := attr(t, name); ok {
		return v
	}
	return def
}

func stripNewlines(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

func stripSpace(s string) string {
	return strings.Join(strings.Fields(s), "")
}
