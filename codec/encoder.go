package codec

import (
	"strings"

	"github.com/juju/errors"
)

// Encode returns wire form of m, see AppendMessage.
func Encode(m Message) []byte {
	return AppendMessage(make([]byte, 0, encodedLenHint(&m)), m)
}

// AppendMessage appends wire form of m to dst.
//
// - identity query (ControlWho without device ID) omits device segment
// - trailing empty fields are omitted
// - empty field followed by non-empty one is rendered NotAvailable, positions must survive
// - separator and terminator bytes inside values are replaced with space
func AppendMessage(dst []byte, m Message) []byte {
	dst = append(dst, Separator)
	if !m.IsQuery() {
		dst = appendClean(dst, m.DeviceID)
		dst = append(dst, Separator)
	}
	dst = appendClean(dst, m.ControlToken())

	fields := [...]string{m.ID, m.Payload, m.Payload2}
	last := -1
	for i, f := range fields {
		if f != "" {
			last = i
		}
	}
	for i := 0; i <= last; i++ {
		dst = append(dst, Separator)
		if fields[i] == "" {
			dst = append(dst, NotAvailable...)
		} else {
			dst = appendClean(dst, fields[i])
		}
	}
	return append(dst, Terminator)
}

// EncodeAll concatenates wire forms, transports send it in one write.
func EncodeAll(ms []Message) []byte {
	n := 0
	for i := range ms {
		n += encodedLenHint(&ms[i])
	}
	b := make([]byte, 0, n)
	for _, m := range ms {
		b = AppendMessage(b, m)
	}
	return b
}

// EncodeWhoQuery is dashboard side identity query.
func EncodeWhoQuery() []byte {
	return []byte{Separator, 'W', 'H', 'O', Terminator}
}

// Validate reports messages which can not survive encode-decode unchanged.
func Validate(m *Message) error {
	if !m.IsQuery() && m.DeviceID == "" {
		return errors.NotValidf("message device ID empty")
	}
	if m.Control == ControlUnknown && m.Token == "" && m.ID == "" && m.Payload == "" && m.Payload2 == "" {
		return errors.NotValidf("message control type empty")
	}
	if !m.IsQuery() && m.DeviceID == WhoToken {
		return errors.NotValidf("message device ID %s", WhoToken)
	}
	if m.Control == ControlUnknown && ParseControlType(m.Token) != ControlUnknown {
		return errors.NotValidf("message raw token=%s of known control type", m.Token)
	}
	// empty field before non-empty one is encoded NotAvailable
	if (m.ID == "" && (m.Payload != "" || m.Payload2 != "")) || (m.Payload == "" && m.Payload2 != "") {
		return errors.NotValidf("message empty field before non-empty")
	}
	for _, s := range [...]string{m.DeviceID, m.Token, m.ID, m.Payload, m.Payload2} {
		if !ValidField(s) {
			return errors.NotValidf("message field=%q contains separator or terminator", s)
		}
	}
	return nil
}

// ValidField reports that s contains no separator or terminator.
func ValidField(s string) bool {
	return strings.IndexByte(s, Separator) < 0 && strings.IndexByte(s, Terminator) < 0
}

// Builder assembles message with arbitrary number of fields,
// for device replies that carry more than three payload fields.
// Zero Builder is not usable, see NewBuilder.
type Builder struct {
	b   []byte
	gap int
}

// NewBuilder starts message. Empty deviceID with ControlWho starts identity query.
func NewBuilder(deviceID string, ct ControlType) *Builder {
	return NewBuilderToken(deviceID, ct.String())
}

func NewBuilderToken(deviceID, token string) *Builder {
	b := &Builder{b: make([]byte, 0, 64)}
	b.b = append(b.b, Separator)
	if !(token == WhoToken && (deviceID == "" || deviceID == AnyDevice)) {
		b.b = appendClean(b.b, deviceID)
		b.b = append(b.b, Separator)
	}
	b.b = appendClean(b.b, token)
	return b
}

// Field appends s, empty values are omitted if nothing non-empty follows.
func (b *Builder) Field(s string) *Builder {
	if s == "" {
		b.gap++
		return b
	}
	b.flushGap()
	b.b = append(b.b, Separator)
	b.b = appendClean(b.b, s)
	return b
}

// Keep appends required field, empty value renders NotAvailable.
func (b *Builder) Keep(s string) *Builder {
	if s == "" {
		s = NotAvailable
	}
	return b.Field(s)
}

func (b *Builder) Int(v int) *Builder           { return b.Field(FormatInt(v)) }
func (b *Builder) Float(v float64) *Builder     { return b.Field(FormatFloat(v)) }
func (b *Builder) Floats(vs []float64) *Builder { return b.Keep(FormatFloats(vs)) }

func (b *Builder) Bool(v bool, on, off string) *Builder {
	if v {
		return b.Field(on)
	}
	return b.Field(off)
}

// Bytes returns complete message with terminator. Builder stays usable.
func (b *Builder) Bytes() []byte {
	r := make([]byte, len(b.b), len(b.b)+1)
	copy(r, b.b)
	return append(r, Terminator)
}

func (b *Builder) String() string { return string(b.Bytes()) }

func (b *Builder) flushGap() {
	for ; b.gap > 0; b.gap-- {
		b.b = append(b.b, Separator)
		b.b = append(b.b, NotAvailable...)
	}
}

func appendClean(dst []byte, s string) []byte {
	if ValidField(s) {
		return append(dst, s...)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == Separator || c == Terminator {
			c = ' '
		}
		dst = append(dst, c)
	}
	return dst
}

func encodedLenHint(m *Message) int {
	return 6 + len(m.DeviceID) + len(m.Token) + 8 + len(m.ID) + len(m.Payload) + len(m.Payload2)
}
