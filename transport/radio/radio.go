// Package radio adapts callback driven radio stacks (BLE GATT, nRF) with
// many peers and small packets.
//
// Stack callbacks only call OnWrite which stages bytes tagged with peer handle.
// Messages are decoded and handled from Poll or Run, replies are split into
// MTU sized notifications.
package radio

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/dashio-connect/dashio-go/codec"
	"github.com/dashio-connect/dashio-go/helpers"
	"github.com/dashio-connect/dashio-go/log2"
	"github.com/dashio-connect/dashio-go/stage"
	"github.com/dashio-connect/dashio-go/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

const (
	DefaultMTU       = 20
	DefaultStageSize = 1024
)

// Driver is the radio stack.
type Driver interface {
	// MTU is max notification payload size.
	MTU() int
	// Notify sends one chunk to peer, AllConns means every subscribed peer.
	Notify(conn codec.ConnID, chunk []byte) error
}

type Options struct {
	StageSize    int
	Handler      transport.Handler
	Log          *log2.Log
	Watchdog     time.Duration
	PollInterval time.Duration
}

type Stat struct {
	RecvBytes expvar.Int
	Dropped   expvar.Int
	SendBytes expvar.Int
	Chunks    expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"recv.size":%d,"dropped":%d,"send.size":%d,"chunks":%d}`,
		s.RecvBytes.Value(), s.Dropped.Value(), s.SendBytes.Value(), s.Chunks.Value())
}

type Transport struct {
	alive  *alive.Alive
	driver Driver
	log    *log2.Log
	ring   *stage.Ring
	poller *transport.Poller
	// serializes chunks of one message
	sendmu sync.Mutex
	// disconnected peers whose end record did not fit into stage yet
	endmu   sync.Mutex
	unended map[codec.ConnID]struct{}
	stat    Stat
}

var _ transport.Runner = &Transport{}

func New(d Driver, opt Options) *Transport {
	if opt.StageSize <= 0 {
		opt.StageSize = DefaultStageSize
	}
	self := &Transport{
		alive:   alive.NewAlive(),
		driver:  d,
		log:     opt.Log,
		unended: make(map[codec.ConnID]struct{}),
	}
	sessions := transport.NewSessions(codec.WithLog(opt.Log))
	self.ring = stage.NewRing(stage.Options{
		Size:     opt.StageSize,
		TagWidth: 2,
		OnEnd:    sessions.Release,
		Log:      opt.Log,
	})
	self.poller = &transport.Poller{
		Ring:     self.ring,
		Sessions: sessions,
		Handler:  opt.Handler,
		Sender:   self,
		Interval: opt.PollInterval,
		Watchdog: opt.Watchdog,
		Log:      opt.Log,
	}
	return self
}

func (self *Transport) String() string { return "radio" }
func (self *Transport) Stat() *Stat    { return &self.stat }

// OnWrite is called by radio stack with bytes received from peer.
// Safe to call from interrupt-like callback context: it never blocks on handler.
// Returns false if bytes were dropped because stage is full.
func (self *Transport) OnWrite(conn codec.ConnID, p []byte) bool {
	self.stat.RecvBytes.Add(int64(len(p)))
	if !self.endPending(conn) || !self.ring.Push(conn, p) {
		self.stat.Dropped.Add(int64(len(p)))
		return false
	}
	return true
}

// Disconnected forgets decode state of peer. Bytes of conn still staged
// are dropped, handle reused by next peer starts clean.
func (self *Transport) Disconnected(conn codec.ConnID) {
	self.poller.Sessions.Close(conn)
	if !self.ring.PushEnd(conn) {
		helpers.WithLock(&self.endmu, func() { self.unended[conn] = struct{}{} })
	}
	self.log.Debugf("radio conn=%d disconnected", conn)
}

// endPending retries end record of reused handle before its new bytes.
// False while stage has no room for it.
func (self *Transport) endPending(conn codec.ConnID) bool {
	self.endmu.Lock()
	defer self.endmu.Unlock()
	if _, ok := self.unended[conn]; !ok {
		return true
	}
	if !self.ring.PushEnd(conn) {
		return false
	}
	delete(self.unended, conn)
	return true
}

// Poll is for main loop integration without Run: dispatch staged messages once.
func (self *Transport) Poll(ctx context.Context) int {
	return self.poller.Poll(log2.WithContext(ctx, self.log))
}

func (self *Transport) Run(ctx context.Context) error {
	if !self.alive.Add(1) {
		return transport.ErrClosed
	}
	defer self.alive.Done()
	self.poller.Run(ctx, self.alive)
	return nil
}

func (self *Transport) Close() {
	self.alive.Stop()
	self.alive.Wait()
}

// Send splits b into MTU sized notifications.
func (self *Transport) Send(ctx context.Context, conn codec.ConnID, b []byte) error {
	if !self.alive.IsRunning() {
		return transport.ErrClosed
	}
	mtu := self.driver.MTU()
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	self.sendmu.Lock()
	defer self.sendmu.Unlock()
	for len(b) > 0 {
		if err := ctx.Err(); err != nil {
			return errors.Annotatef(err, "radio conn=%d", conn)
		}
		n := len(b)
		if n > mtu {
			n = mtu
		}
		if err := self.driver.Notify(conn, b[:n]); err != nil {
			return errors.Annotatef(err, "radio conn=%d notify", conn)
		}
		self.stat.Chunks.Add(1)
		self.stat.SendBytes.Add(int64(n))
		b = b[n:]
	}
	return nil
}
