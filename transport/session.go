package transport

import (
	"sync"
	"time"

	"github.com/dashio-connect/dashio-go/codec"
	"github.com/dashio-connect/dashio-go/stage"
)

// Session is decode state of one connection, owned by that connection.
type Session struct {
	conn codec.ConnID
	dec  *codec.Decoder
}

func NewSession(conn codec.ConnID, opts ...codec.DecoderOption) *Session {
	d := codec.NewDecoder(opts...)
	d.SetConn(conn)
	return &Session{conn: conn, dec: d}
}

func (self *Session) Conn() codec.ConnID       { return self.conn }
func (self *Session) Decoder() *codec.Decoder { return self.dec }

// Feed decodes chunk, fn is called for every completed message.
func (self *Session) Feed(p []byte, fn func(codec.Message)) int {
	return self.dec.DecodeAll(p, fn)
}

// Watch resets partial message after inactivity timeout.
func (self *Session) Watch(timeout time.Duration) bool {
	return self.dec.ResetIfIdle(timeout)
}

// Sessions is per-connection decoders of one adapter.
//
// Closed connection keeps a tombstone until Release: bytes of that handle
// still staged are dropped instead of creating a new session.
type Sessions struct {
	mu     sync.Mutex
	m      map[codec.ConnID]*Session
	closed map[codec.ConnID]struct{}
	opts   []codec.DecoderOption
}

func NewSessions(opts ...codec.DecoderOption) *Sessions {
	return &Sessions{
		m:      make(map[codec.ConnID]*Session),
		closed: make(map[codec.ConnID]struct{}),
		opts:   opts,
	}
}

// Get returns session of conn, creating it on first use.
// Nil for closed conn.
func (self *Sessions) Get(conn codec.ConnID) *Session {
	self.mu.Lock()
	defer self.mu.Unlock()
	if _, ok := self.closed[conn]; ok {
		return nil
	}
	s, ok := self.m[conn]
	if !ok {
		s = NewSession(conn, self.opts...)
		self.m[conn] = s
	}
	return s
}

// Close forgets decode state of conn and marks it closed.
func (self *Sessions) Close(conn codec.ConnID) {
	self.mu.Lock()
	delete(self.m, conn)
	self.closed[conn] = struct{}{}
	self.mu.Unlock()
}

// Release allows conn handle to be used again.
func (self *Sessions) Release(conn codec.ConnID) {
	self.mu.Lock()
	delete(self.closed, conn)
	self.mu.Unlock()
}

func (self *Sessions) Closed(conn codec.ConnID) bool {
	self.mu.Lock()
	_, ok := self.closed[conn]
	self.mu.Unlock()
	return ok
}

func (self *Sessions) Len() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.m)
}

// Watch applies inactivity timeout to all sessions, returns count of resets.
func (self *Sessions) Watch(timeout time.Duration) int {
	self.mu.Lock()
	defer self.mu.Unlock()
	n := 0
	for _, s := range self.m {
		if s.Watch(timeout) {
			n++
		}
	}
	return n
}

// DecoderFunc gives stage.Ring per-connection decoders.
func (self *Sessions) DecoderFunc() stage.DecoderFunc {
	return func(conn codec.ConnID) *codec.Decoder {
		if s := self.Get(conn); s != nil {
			return s.Decoder()
		}
		return nil
	}
}
