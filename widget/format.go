package widget

import (
	"strings"

	"github.com/dashio-connect/dashio-go/codec"
	"github.com/juju/errors"
)

// Format builds device to dashboard update of control.
// Values follow Shape order, nil or absent values are omitted when optional
// and rendered codec.NotAvailable when required.
func Format(deviceID string, ct codec.ControlType, controlID string, values ...interface{}) ([]byte, error) {
	shape, ok := catalog[ct]
	if !ok {
		return nil, errors.NotFoundf("widget control=%s", ct.String())
	}
	if deviceID == "" || !codec.ValidField(deviceID) {
		return nil, errors.NotValidf("widget device ID=%q", deviceID)
	}
	if controlID == "" || !codec.ValidField(controlID) {
		return nil, errors.NotValidf("widget %s control ID=%q", ct.String(), controlID)
	}
	if len(values) > len(shape.Fields) {
		return nil, errors.NotValidf("widget %s values=%d max=%d", ct.String(), len(values), len(shape.Fields))
	}

	b := codec.NewBuilder(deviceID, ct).Field(controlID)
	for i, f := range shape.Fields {
		var v interface{}
		if i < len(values) {
			v = values[i]
		}
		s, err := formatValue(f, v)
		if err != nil {
			return nil, errors.Annotatef(err, "widget %s field=%s", ct.String(), f.Name)
		}
		if f.Required {
			b.Keep(s)
		} else {
			b.Field(s)
		}
	}
	return b.Bytes(), nil
}

func formatValue(f Field, v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	switch f.Kind {
	case KindText:
		if s, ok := v.(string); ok {
			if !codec.ValidField(s) {
				return "", errors.NotValidf("text=%q contains separator", s)
			}
			return s, nil
		}

	case KindColor:
		if s, ok := v.(string); ok {
			if !validColor(s) {
				return "", errors.NotValidf("color=%q", s)
			}
			return s, nil
		}

	case KindInt:
		switch x := v.(type) {
		case int:
			return codec.FormatInt(x), nil
		case int32:
			return codec.FormatInt(int(x)), nil
		case int64:
			return codec.FormatInt(int(x)), nil
		}

	case KindFloat:
		switch x := v.(type) {
		case float64:
			return codec.FormatFloat(x), nil
		case float32:
			return codec.FormatFloat(float64(x)), nil
		case int:
			return codec.FormatFloat(float64(x)), nil
		}

	case KindOnOff:
		if x, ok := v.(bool); ok {
			if x {
				return On, nil
			}
			return Off, nil
		}

	case KindFloats:
		if x, ok := v.([]float64); ok {
			return codec.FormatFloats(x), nil
		}
	}
	return "", errors.NotValidf("value=%#v for %s", v, f.Kind.String())
}

// validColor accepts "#rrggbb" or a color name.
func validColor(s string) bool {
	if s == "" || !codec.ValidField(s) || strings.ContainsRune(s, ',') {
		return false
	}
	if s[0] != '#' {
		return true
	}
	if len(s) != 7 {
		return false
	}
	for _, c := range s[1:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
