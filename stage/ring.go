// Package stage is bounded staging between callback-driven receivers
// (radio, broker client) and the decoder which runs on poll ticks.
//
// Record layout with TagWidth > 0:
//   [tag TagWidth bytes big-endian][length 2 bytes big-endian][payload]
// Zero length record marks end of connection, see PushEnd.
// With TagWidth == 0 stored bytes are one untagged stream.
package stage

import (
	"sync"

	"github.com/dashio-connect/dashio-go/codec"
	"github.com/dashio-connect/dashio-go/log2"
)

const (
	MaxTagWidth = 2
	lengthWidth = 2
	maxRecord   = 1<<(8*lengthWidth) - 1
)

type Options struct {
	// Size is capacity in bytes including record headers. Zero disables staging.
	Size     int
	TagWidth int
	// OnEnd is called by Drain when end record of connection is reached,
	// all bytes pushed before PushEnd are consumed by then.
	OnEnd func(conn codec.ConnID)
	Log   *log2.Log
}

// DecoderFunc picks decoder for connection: one shared instance
// (message assembly serialized across peers) or one per connection.
// Returning nil drops the record.
type DecoderFunc func(conn codec.ConnID) *codec.Decoder

// SharedDecoder ignores connection handle.
func SharedDecoder(d *codec.Decoder) DecoderFunc {
	return func(codec.ConnID) *codec.Decoder { return d }
}

// Ring is fixed capacity circular byte queue.
// Push is safe from any goroutine including driver callbacks, never blocks on consumer.
type Ring struct {
	// mu protects cursors, held by Push and briefly by Drain
	mu       sync.Mutex
	buf      []byte // len = capacity+1, one slot keeps full and empty apart
	rd       int
	wr       int
	tagWidth int

	// dmu serializes consumers, decoding runs without mu
	dmu sync.Mutex
	// current record being drained
	cur   codec.ConnID
	left  int
	onEnd func(conn codec.ConnID)

	ready chan struct{}
	log   *log2.Log
	stat  Stat
}

// NewRing returns nil for Size=0. Methods of nil Ring report disabled staging.
func NewRing(opt Options) *Ring {
	if opt.Size <= 0 {
		return nil
	}
	if opt.TagWidth < 0 || opt.TagWidth > MaxTagWidth {
		panic("code error stage TagWidth must be 0..2")
	}
	return &Ring{
		buf:      make([]byte, opt.Size+1),
		tagWidth: opt.TagWidth,
		ready:    make(chan struct{}, 1),
		onEnd:    opt.OnEnd,
		log:      opt.Log,
	}
}

func (self *Ring) overhead() int {
	if self.tagWidth == 0 {
		return 0
	}
	return self.tagWidth + lengthWidth
}

// Overhead is bytes added to every Push.
func (self *Ring) Overhead() int {
	if self == nil {
		return 0
	}
	return self.overhead()
}

func (self *Ring) Cap() int {
	if self == nil {
		return 0
	}
	return len(self.buf) - 1
}

func (self *Ring) Len() int {
	if self == nil {
		return 0
	}
	self.mu.Lock()
	n := self.length()
	self.mu.Unlock()
	return n
}

func (self *Ring) Available() int {
	if self == nil {
		return 0
	}
	self.mu.Lock()
	n := self.available()
	self.mu.Unlock()
	return n
}

func (self *Ring) length() int {
	if self.wr >= self.rd {
		return self.wr - self.rd
	}
	// write cursor wrapped
	return len(self.buf) - self.rd + self.wr
}

func (self *Ring) available() int { return len(self.buf) - 1 - self.length() }

func (self *Ring) Stat() *Stat {
	if self == nil {
		return nil
	}
	return &self.stat
}

// Ready is signalled after successful Push, consumers may select on it
// between poll ticks. Nil for nil Ring.
func (self *Ring) Ready() <-chan struct{} {
	if self == nil {
		return nil
	}
	return self.ready
}

// Push stores p tagged with conn. All or nothing: when p with header
// does not fit, nothing is stored, drop is logged and counted.
func (self *Ring) Push(conn codec.ConnID, p []byte) bool {
	if self == nil {
		return false
	}
	if len(p) == 0 {
		return true
	}
	if !self.push(conn, p) {
		return false
	}
	self.stat.Pushed.Add(1)
	self.stat.PushedBytes.Add(int64(len(p)))
	return true
}

// PushEnd stores end record of conn. Drain passes OnEnd after every
// earlier record of conn, so handle may be reused safely after that.
// Only for tagged ring, false when ring is full.
func (self *Ring) PushEnd(conn codec.ConnID) bool {
	if self == nil || self.tagWidth == 0 {
		return false
	}
	return self.push(conn, nil)
}

func (self *Ring) push(conn codec.ConnID, p []byte) bool {
	self.mu.Lock()
	need := len(p) + self.overhead()
	if need > self.available() || (self.tagWidth != 0 && len(p) > maxRecord) || !self.tagFits(conn) {
		avail := self.available()
		self.mu.Unlock()
		self.stat.Dropped.Add(1)
		self.stat.DroppedBytes.Add(int64(len(p)))
		self.log.Errorf("stage drop conn=%d len=%d need=%d available=%d", conn, len(p), need, avail)
		return false
	}
	if self.tagWidth != 0 {
		var hdr [MaxTagWidth + lengthWidth]byte
		putUint(hdr[:self.tagWidth], uint64(conn))
		putUint(hdr[self.tagWidth:self.tagWidth+lengthWidth], uint64(len(p)))
		self.put(hdr[:self.tagWidth+lengthWidth])
	}
	self.put(p)
	self.mu.Unlock()

	select {
	case self.ready <- struct{}{}:
	default:
	}
	return true
}

// Drain feeds staged bytes into decoder chosen by pick, stamping connection
// on it first. Every completed message is passed to fn after decoder Clear.
// With one=true stops after first message, remaining bytes wait for next call.
// Partial records are remembered between calls. Returns count of messages.
// fn runs without ring lock held, it may Push.
func (self *Ring) Drain(pick DecoderFunc, fn func(codec.Message), one bool) int {
	if self == nil {
		return 0
	}
	count := 0
	for {
		m, ok := self.next(pick)
		if !ok {
			return count
		}
		count++
		self.stat.Messages.Add(1)
		if fn != nil {
			fn(m)
		}
		if one {
			return count
		}
	}
}

// next holds mu only to move cursors. Bytes in [rd, rd+left) are owned
// by consumer, Push never writes there.
func (self *Ring) next(pick DecoderFunc) (codec.Message, bool) {
	self.dmu.Lock()
	defer self.dmu.Unlock()
	for {
		self.mu.Lock()
		if self.left == 0 {
			if self.length() == 0 {
				self.mu.Unlock()
				return codec.Message{}, false
			}
			if self.tagWidth == 0 {
				self.cur, self.left = 0, self.length()
			} else {
				self.cur = codec.ConnID(self.getUint(self.tagWidth))
				self.left = int(self.getUint(lengthWidth))
				if self.left == 0 {
					self.mu.Unlock()
					self.log.Debugf("stage conn=%d end", self.cur)
					if self.onEnd != nil {
						self.onEnd(self.cur)
					}
					continue
				}
			}
		}
		conn, left, rd := self.cur, self.left, self.rd
		self.mu.Unlock()

		d := pick(conn)
		if d == nil {
			self.log.Debugf("stage no decoder conn=%d skip=%d", conn, left)
			self.mu.Lock()
			self.skip(left)
			self.mu.Unlock()
			continue
		}
		d.SetConn(conn)
		n, done := 0, false
		for n < left && !done {
			done = d.IngestByte(self.buf[(rd+n)%len(self.buf)])
			n++
		}
		self.mu.Lock()
		self.advance(n)
		self.mu.Unlock()
		self.stat.DrainedBytes.Add(int64(n))
		if done {
			m := d.Message()
			d.Clear()
			return m, true
		}
	}
}

// Reset discards staged bytes.
func (self *Ring) Reset() {
	if self == nil {
		return
	}
	self.dmu.Lock()
	self.mu.Lock()
	if n := self.length(); n != 0 {
		self.log.Debugf("stage reset discard=%d", n)
	}
	self.rd, self.wr, self.left, self.cur = 0, 0, 0, 0
	self.mu.Unlock()
	self.dmu.Unlock()
}

func (self *Ring) tagFits(conn codec.ConnID) bool {
	if self.tagWidth == 0 {
		return true
	}
	return uint64(conn)>>(8*uint(self.tagWidth)) == 0
}

// put assumes space was checked.
func (self *Ring) put(p []byte) {
	n := copy(self.buf[self.wr:], p)
	if n < len(p) {
		copy(self.buf, p[n:])
	}
	self.wr = (self.wr + len(p)) % len(self.buf)
}

func (self *Ring) advance(n int) {
	self.rd = (self.rd + n) % len(self.buf)
	self.left -= n
}

func (self *Ring) skip(n int) {
	self.stat.DroppedBytes.Add(int64(n))
	self.advance(n)
}

func (self *Ring) getUint(width int) uint64 {
	var v uint64
	for i := 0; i < width; i++ {
		v = v<<8 | uint64(self.buf[self.rd])
		self.rd = (self.rd + 1) % len(self.buf)
	}
	return v
}

func putUint(b []byte, v uint64) {
	for i := len(b) - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
