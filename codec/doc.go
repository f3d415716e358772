// Package codec implements the tab separated dashboard/device message protocol.
//
// Wire format, ASCII text:
//
//	\t<deviceID>\t<controlType>\t<id>\t<payload>\t<payload2>\n
//
// - field separator is TAB 0x09, message terminator is LF 0x0a
// - no escaping, field values must not contain separator or terminator
// - at most five fields, trailing empty fields are omitted
// - identity query omits device ID: \tWHO\n
// - numbers are decimal text, see FormatInt and FormatFloat
//
// Decoder is an incremental state machine fed one byte (or chunk) at a time.
// It tolerates arbitrary fragmentation and concatenation of input and never
// returns errors: malformed input is dropped and decoder resynchronizes on
// the next plausible message start.
//
// Decoder is not safe for concurrent use, it belongs to exactly one connection.
// Encoder functions are pure.
package codec
