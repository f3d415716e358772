package codec

// ControlType is the semantic kind of a message, second field on the wire.
// Closed vocabulary, extend by adding to controlTokens.
type ControlType uint8

const (
	ControlUnknown ControlType = iota

	// handshake and system
	ControlWho
	ControlConnect
	ControlCtrl
	ControlStatus
	ControlConfig
	ControlClock
	ControlAlarm

	// provisioning
	ControlName
	ControlWifi
	ControlTCP
	ControlDashio
	ControlMQTT

	// layout
	ControlDevice
	ControlDeviceView

	// widgets
	ControlMenu
	ControlButtonGroup
	ControlEventLog
	ControlLabel
	ControlButton
	ControlTextBox
	ControlSelector
	ControlSlider
	ControlKnob
	ControlDial
	ControlDirection
	ControlTimeGraph
	ControlChart
	ControlColor
	ControlAudioVisual
	ControlMap

	controlTypeCount
)

var controlTokens = [controlTypeCount]string{
	ControlUnknown: "",

	ControlWho:     "WHO",
	ControlConnect: "CONNECT",
	ControlCtrl:    "CTRL",
	ControlStatus:  "STATUS",
	ControlConfig:  "CFG",
	ControlClock:   "CLK",
	ControlAlarm:   "ALM",

	ControlName:   "NAME",
	ControlWifi:   "WIFI",
	ControlTCP:    "TCP",
	ControlDashio: "DASHIO",
	ControlMQTT:   "MQTT",

	ControlDevice:     "DVCE",
	ControlDeviceView: "DVVW",

	ControlMenu:        "MNU",
	ControlButtonGroup: "BTGP",
	ControlEventLog:    "LOG",
	ControlLabel:       "LBL",
	ControlButton:      "BTTN",
	ControlTextBox:     "TEXT",
	ControlSelector:    "SLCTR",
	ControlSlider:      "SLDR",
	ControlKnob:        "KNOB",
	ControlDial:        "DIAL",
	ControlDirection:   "DIR",
	ControlTimeGraph:   "TGRPH",
	ControlChart:       "CHRT",
	ControlColor:       "CLR",
	ControlAudioVisual: "AVD",
	ControlMap:         "MAP",
}

var controlByToken = func() map[string]ControlType {
	m := make(map[string]ControlType, controlTypeCount)
	for ct := ControlUnknown + 1; ct < controlTypeCount; ct++ {
		tok := controlTokens[ct]
		if tok == "" {
			panic("code error control type without token")
		}
		if prev, ok := m[tok]; ok {
			panic("code error duplicate control token=" + tok + " " + prev.String())
		}
		m[tok] = ct
	}
	return m
}()

// ParseControlType is total: unmatched tokens give ControlUnknown.
// Matching is exact and case-sensitive.
func ParseControlType(token string) ControlType {
	if ct, ok := controlByToken[token]; ok {
		return ct
	}
	return ControlUnknown
}

// String returns wire token, empty for ControlUnknown and out of range values.
func (ct ControlType) String() string {
	if ct >= controlTypeCount {
		return ""
	}
	return controlTokens[ct]
}

func (ct ControlType) Valid() bool { return ct > ControlUnknown && ct < controlTypeCount }

// IsWidget reports whether ct names a dashboard UI control.
func (ct ControlType) IsWidget() bool { return ct >= ControlMenu && ct < controlTypeCount }

// IsProvisioning reports setup messages which change device settings.
func (ct ControlType) IsProvisioning() bool { return ct >= ControlName && ct <= ControlMQTT }

// ControlTypes returns all known control types, ControlUnknown excluded.
func ControlTypes() []ControlType {
	r := make([]ControlType, 0, controlTypeCount-1)
	for ct := ControlUnknown + 1; ct < controlTypeCount; ct++ {
		r = append(r, ct)
	}
	return r
}
