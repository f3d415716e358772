package widget

import (
	"strings"

	"github.com/dashio-connect/dashio-go/codec"
	"github.com/juju/errors"
)

// Values is typed payload of decoded widget message.
// Fields[i] corresponds to Shape.Fields[i]: string, int, float64, bool or []float64,
// nil when absent.
type Values struct {
	Control codec.ControlType
	ID      string
	Fields  []interface{}
}

// Parse reads dashboard to device widget message. Decoded messages carry at most
// two payload fields, further shape fields stay nil. Required fields are not
// enforced, dashboard sends bare control events (e.g. button press) without payload.
func Parse(m codec.Message) (Values, error) {
	shape, ok := catalog[m.Control]
	if !ok {
		return Values{}, errors.NotFoundf("widget control=%s", m.ControlToken())
	}
	v := Values{Control: m.Control, ID: m.ID, Fields: make([]interface{}, len(shape.Fields))}
	if m.ID == "" {
		return v, errors.NotValidf("widget %s without control ID", m.Control.String())
	}
	payload := [...]string{m.Payload, m.Payload2}
	for i, f := range shape.Fields {
		if i >= len(payload) {
			break
		}
		if payload[i] == "" {
			continue
		}
		x, err := parseValue(f.Kind, payload[i])
		if err != nil {
			return v, errors.Annotatef(err, "widget %s field=%s", m.Control.String(), f.Name)
		}
		v.Fields[i] = x
	}
	return v, nil
}

func parseValue(k Kind, s string) (interface{}, error) {
	switch k {
	case KindText:
		return s, nil
	case KindColor:
		if !validColor(s) && s != codec.NotAvailable {
			return nil, errors.NotValidf("color=%q", s)
		}
		return s, nil
	case KindInt:
		x, err := codec.ParseInt(s)
		return x, errors.Trace(err)
	case KindFloat:
		x, err := codec.ParseFloat(s)
		return x, errors.Trace(err)
	case KindOnOff:
		switch s {
		case On:
			return true, nil
		case Off:
			return false, nil
		}
		return nil, errors.NotValidf("on/off=%q", s)
	case KindFloats:
		parts := strings.Split(s, ",")
		xs := make([]float64, len(parts))
		for i, p := range parts {
			x, err := codec.ParseFloat(p)
			if err != nil {
				return nil, errors.Trace(err)
			}
			xs[i] = x
		}
		return xs, nil
	}
	return nil, errors.NotValidf("kind=%d", k)
}

func (v *Values) Len() int { return len(v.Fields) }

func (v *Values) Text(i int) (string, bool) {
	if i >= len(v.Fields) {
		return "", false
	}
	s, ok := v.Fields[i].(string)
	return s, ok
}

func (v *Values) Float(i int) (float64, bool) {
	if i >= len(v.Fields) {
		return codec.InvalidFloat, false
	}
	x, ok := v.Fields[i].(float64)
	if !ok || x == codec.InvalidFloat {
		return codec.InvalidFloat, false
	}
	return x, true
}

func (v *Values) Int(i int) (int, bool) {
	if i >= len(v.Fields) {
		return codec.InvalidInt, false
	}
	x, ok := v.Fields[i].(int)
	if !ok || x == codec.InvalidInt {
		return codec.InvalidInt, false
	}
	return x, true
}

func (v *Values) On(i int) (bool, bool) {
	if i >= len(v.Fields) {
		return false, false
	}
	x, ok := v.Fields[i].(bool)
	return x, ok
}
