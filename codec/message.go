package codec

import (
	"fmt"
	"strings"
)

const (
	Separator  byte = '\t'
	Terminator byte = '\n'

	WhoToken = "WHO"
	// AnyDevice is device ID placeholder set by decoder for identity query.
	AnyDevice = "--"

	// MaxFields is count of fields in one message.
	MaxFields = 5
)

// ConnID is opaque connection handle of multiplexed transport.
// Zero for inherently single connection transports.
type ConnID uint16

// Message is one protocol unit. Positions on the wire:
// 0 DeviceID, 1 Control (Token), 2 ID, 3 Payload, 4 Payload2.
type Message struct {
	DeviceID string
	Control  ControlType
	// Token is control type field as received, useful when Control=ControlUnknown.
	// Encoder uses it only for ControlUnknown.
	Token    string
	ID       string
	Payload  string
	Payload2 string
	// Fields is number of fields committed by decoder.
	Fields int
	Conn   ConnID
}

// NewMessage is shortcut for outgoing messages.
func NewMessage(deviceID string, ct ControlType, fields ...string) Message {
	m := Message{DeviceID: deviceID, Control: ct, Token: ct.String()}
	for i, f := range fields {
		switch i {
		case 0:
			m.ID = f
		case 1:
			m.Payload = f
		case 2:
			m.Payload2 = f
		default:
			panic(fmt.Sprintf("code error NewMessage fields=%d > %d", len(fields), MaxFields-2))
		}
	}
	return m
}

// IsQuery reports identity query, the only message without device ID.
func (m *Message) IsQuery() bool {
	return m.Control == ControlWho && (m.DeviceID == "" || m.DeviceID == AnyDevice)
}

// ControlToken returns wire token: canonical for known types, raw otherwise.
func (m *Message) ControlToken() string {
	if m.Control.Valid() {
		return m.Control.String()
	}
	return m.Token
}

// Equal compares protocol fields, ignores Fields and Conn.
func (m Message) Equal(other Message) bool {
	return m.DeviceID == other.DeviceID &&
		m.Control == other.Control &&
		m.ControlToken() == other.ControlToken() &&
		m.ID == other.ID &&
		m.Payload == other.Payload &&
		m.Payload2 == other.Payload2
}

func (m Message) String() string {
	b := make([]byte, 0, 64)
	b = AppendMessage(b, m)
	s := strings.NewReplacer("\t", `\t`, "\n", `\n`).Replace(string(b))
	if m.Conn != 0 {
		return fmt.Sprintf("conn=%d %s", m.Conn, s)
	}
	return s
}
