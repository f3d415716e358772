package codec

import (
	"expvar"
	"fmt"
	"time"

	"github.com/dashio-connect/dashio-go/helpers/atomic_clock"
	"github.com/dashio-connect/dashio-go/log2"
)

const (
	posIdle = -1

	DefaultMaxFieldLen = 256
)

// Decoder turns byte stream into messages, one byte at a time.
//
// Single outstanding message contract: after IngestByte returns true
// the message is available via Message() until Clear(). Decoding may continue
// before Clear(), next completed message then replaces unconsumed one
// and Stat().Overrun is incremented.
type Decoder struct {
	acc      []byte
	maxField int
	pos      int
	pending  Message
	last     Message
	ready    bool
	skip     bool
	conn     ConnID

	emptyControl ControlType
	log          *log2.Log
	active       atomic_clock.Clock
	stat         DecoderStat
}

type DecoderStat struct {
	Messages  expvar.Int
	Discarded expvar.Int
	Overrun   expvar.Int
	Resets    expvar.Int
	Noise     expvar.Int
}

func (s *DecoderStat) String() string {
	return fmt.Sprintf(`{"messages":%d,"discarded":%d,"overrun":%d,"resets":%d,"noise":%d}`,
		s.Messages.Value(), s.Discarded.Value(), s.Overrun.Value(), s.Resets.Value(), s.Noise.Value())
}

type DecoderOption func(*Decoder)

// WithEmptyControl sets control type for explicitly empty second field.
// Default ControlUnknown.
func WithEmptyControl(ct ControlType) DecoderOption {
	return func(d *Decoder) { d.emptyControl = ct }
}

// WithMaxFieldLen bounds field accumulator, longer fields drop the message.
func WithMaxFieldLen(n int) DecoderOption {
	return func(d *Decoder) { d.maxField = n }
}

func WithLog(log *log2.Log) DecoderOption {
	return func(d *Decoder) { d.log = log }
}

func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		pos:      posIdle,
		maxField: DefaultMaxFieldLen,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.acc = make([]byte, 0, d.maxField)
	return d
}

// IngestByte consumes exactly one byte and reports whether it completed a message.
func (self *Decoder) IngestByte(c byte) bool {
	self.active.SetNow()
	if self.skip {
		if c == Terminator {
			self.skip = false
			self.pos = posIdle
		}
		return false
	}
	if c != Separator && c != Terminator {
		if self.pos == posIdle {
			// bytes between messages without leading separator
			self.stat.Noise.Add(1)
			return false
		}
		if len(self.acc) >= self.maxField {
			// rest of this message is unreliable, wait for terminator
			self.discard("field overflow")
			self.acc = self.acc[:0]
			self.pos = posIdle
			self.pending = Message{}
			self.skip = true
			return false
		}
		self.acc = append(self.acc, c)
		return false
	}

	defer func() { self.acc = self.acc[:0] }()
	if len(self.acc) == 0 && self.pos != 1 {
		if self.pos > 0 {
			self.discard("restart")
		}
		self.pending = Message{}
		if c == Terminator {
			// nothing to terminate
			self.pos = posIdle
		} else {
			self.pos = 0
		}
		return false
	}

	if !self.commit() {
		if c == Terminator {
			self.pos = posIdle
		}
		return false
	}
	self.pos++
	if c == Terminator {
		self.complete()
		return true
	}
	return false
}

// Ingest feeds bytes from p until one message completes or p is exhausted.
// Equivalent to IngestByte in sequence stopping at first true.
// Returns number of bytes consumed and whether a message completed.
func (self *Decoder) Ingest(p []byte) (int, bool) {
	for i, c := range p {
		if self.IngestByte(c) {
			return i + 1, true
		}
	}
	return len(p), false
}

// DecodeAll feeds whole p, calls fn and Clear for every completed message.
func (self *Decoder) DecodeAll(p []byte, fn func(Message)) int {
	count := 0
	for len(p) > 0 {
		n, done := self.Ingest(p)
		p = p[n:]
		if done {
			count++
			m := self.Message()
			self.Clear()
			if fn != nil {
				fn(m)
			}
		}
	}
	return count
}

// Write implements io.Writer, completed messages stay available one at a time.
// Use DecodeAll when a chunk may contain several messages.
func (self *Decoder) Write(p []byte) (int, error) {
	for _, c := range p {
		self.IngestByte(c)
	}
	return len(p), nil
}

func (self *Decoder) Ready() bool      { return self.ready }
func (self *Decoder) Message() Message { return self.last }
func (self *Decoder) Clear()           { self.ready = false }

// Pending reports partial message in progress.
func (self *Decoder) Pending() bool { return self.pos != posIdle || self.skip }

// SetConn stamps originating connection on messages completed from now on.
func (self *Decoder) SetConn(id ConnID) { self.conn = id }
func (self *Decoder) Conn() ConnID      { return self.conn }

func (self *Decoder) Stat() *DecoderStat { return &self.stat }

// Reset drops partial message and returns decoder to idle.
// Completed but not yet cleared message is kept.
func (self *Decoder) Reset() {
	if self.Pending() {
		self.stat.Resets.Add(1)
		self.log.Debugf("decoder conn=%d reset partial pos=%d acc=%q", self.conn, self.pos, self.acc)
	}
	self.acc = self.acc[:0]
	self.pos = posIdle
	self.skip = false
	self.pending = Message{}
}

// ResetIfIdle is inactivity watchdog: reset partial message when no byte
// arrived for timeout. Returns true if reset happened.
func (self *Decoder) ResetIfIdle(timeout time.Duration) bool {
	if timeout <= 0 || !self.Pending() {
		return false
	}
	if atomic_clock.Since(&self.active) < timeout {
		return false
	}
	self.Reset()
	return true
}

// commit stores accumulator into field at current position.
// Returns false when message was abandoned.
func (self *Decoder) commit() bool {
	switch self.pos {
	case 0:
		self.pending = Message{}
		if string(self.acc) == WhoToken {
			self.pending.Control = ControlWho
			self.pending.Token = WhoToken
			self.pending.DeviceID = AnyDevice
		} else {
			self.pending.DeviceID = string(self.acc)
			self.pending.Control = ControlUnknown
		}

	case 1:
		self.pending.Token = string(self.acc)
		if len(self.acc) == 0 {
			self.pending.Control = self.emptyControl
		} else {
			self.pending.Control = ParseControlType(self.pending.Token)
			if self.pending.Control == ControlUnknown {
				self.log.Debugf("decoder conn=%d unknown control=%q", self.conn, self.pending.Token)
			}
		}

	case 2:
		self.pending.ID = string(self.acc)
	case 3:
		self.pending.Payload = string(self.acc)
	case 4:
		self.pending.Payload2 = string(self.acc)

	default:
		// too many fields, non-conformant sender
		self.discard("excess fields")
		self.pos = 0
		self.pending = Message{}
		return false
	}
	self.pending.Fields = self.pos + 1
	return true
}

func (self *Decoder) complete() {
	if self.ready {
		self.stat.Overrun.Add(1)
		if self.log.Enabled(log2.LDebug) {
			self.log.Debugf("decoder conn=%d overrun, unconsumed message=%s", self.conn, self.last.String())
		}
	}
	self.pending.Conn = self.conn
	self.last = self.pending
	self.pending = Message{}
	self.ready = true
	self.pos = posIdle
	self.stat.Messages.Add(1)
}

func (self *Decoder) discard(reason string) {
	self.stat.Discarded.Add(1)
	self.log.Debugf("decoder conn=%d discard %s pos=%d acc=%q", self.conn, reason, self.pos, self.acc)
}
