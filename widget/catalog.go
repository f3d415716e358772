// Package widget formats and parses per-control payloads from one
// declarative table instead of a function per control type.
package widget

import "github.com/dashio-connect/dashio-go/codec"

type Kind uint8

const (
	KindText Kind = iota
	KindInt
	KindFloat
	KindOnOff
	KindColor
	// comma separated floats
	KindFloats
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindOnOff:
		return "on/off"
	case KindColor:
		return "color"
	case KindFloats:
		return "floats"
	}
	return "kind?"
}

const (
	On  = "ON"
	Off = "OFF"
)

type Field struct {
	Name     string
	Kind     Kind
	Required bool
}

// Shape is ordered payload fields after control ID.
type Shape struct {
	Fields []Field
}

func (s Shape) required() int {
	n := 0
	for i, f := range s.Fields {
		if f.Required {
			n = i + 1
		}
	}
	return n
}

func req(name string, k Kind) Field { return Field{Name: name, Kind: k, Required: true} }
func opt(name string, k Kind) Field { return Field{Name: name, Kind: k} }

var catalog = map[codec.ControlType]Shape{
	codec.ControlButton:      {[]Field{req("state", KindOnOff), opt("icon", KindText), opt("text", KindText)}},
	codec.ControlTextBox:     {[]Field{req("text", KindText)}},
	codec.ControlSlider:      {[]Field{req("value", KindFloat), opt("bar2", KindFloat)}},
	codec.ControlKnob:        {[]Field{req("value", KindFloat)}},
	codec.ControlDial:        {[]Field{req("value", KindFloat)}},
	codec.ControlDirection:   {[]Field{req("direction", KindFloat), opt("speed", KindFloat), opt("text", KindText)}},
	codec.ControlSelector:    {[]Field{req("index", KindInt)}},
	codec.ControlLabel:       {[]Field{opt("text", KindText)}},
	codec.ControlMap:         {[]Field{req("latitude", KindFloat), req("longitude", KindFloat), opt("message", KindText)}},
	codec.ControlColor:       {[]Field{req("color", KindColor)}},
	codec.ControlEventLog:    {[]Field{opt("time", KindText), req("color", KindColor), req("text", KindText)}},
	codec.ControlAudioVisual: {[]Field{req("url", KindText)}},
	codec.ControlMenu:        {},
	codec.ControlButtonGroup: {},
	codec.ControlTimeGraph: {[]Field{req("line", KindText), opt("name", KindText), opt("style", KindText),
		opt("color", KindColor), req("data", KindFloats)}},
	codec.ControlChart: {[]Field{req("line", KindText), opt("name", KindText), opt("style", KindText),
		opt("color", KindColor), req("data", KindFloats)}},
	codec.ControlAlarm: {[]Field{req("title", KindText), req("description", KindText)}},
}

// Lookup returns payload shape of control type.
func Lookup(ct codec.ControlType) (Shape, bool) {
	s, ok := catalog[ct]
	return s, ok
}

// Controls lists control types present in catalog, in vocabulary order.
func Controls() []codec.ControlType {
	r := make([]codec.ControlType, 0, len(catalog))
	for _, ct := range codec.ControlTypes() {
		if _, ok := catalog[ct]; ok {
			r = append(r, ct)
		}
	}
	return r
}
