// Package serial talks to dashboard bridge over UART, single connection.
package serial

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dashio-connect/dashio-go/codec"
	"github.com/dashio-connect/dashio-go/helpers"
	"github.com/dashio-connect/dashio-go/log2"
	"github.com/dashio-connect/dashio-go/stage"
	"github.com/dashio-connect/dashio-go/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"go.bug.st/serial"
)

const (
	DefaultBaud       = 115200
	DefaultRetryDelay = 3 * time.Second
	readTimeout       = 200 * time.Millisecond
	readBufferSize    = 256
)

type Config struct {
	Enable        bool   `hcl:"enable"`
	Device        string `hcl:"device"`
	Baud          int    `hcl:"baud"`
	StageSize     int    `hcl:"stage_size"`
	RetryDelaySec int    `hcl:"retry_delay_sec"`
}

// OpenFunc opens configured port. Port Read should time out with (0, nil)
// so that watchdog works in unstaged mode.
type OpenFunc func(device string, baud int) (io.ReadWriteCloser, error)

type Options struct {
	Config
	Handler      transport.Handler
	Log          *log2.Log
	Watchdog     time.Duration
	PollInterval time.Duration
	RetryDelay   time.Duration
	Open         OpenFunc
}

type Stat struct {
	Opens     expvar.Int
	RecvBytes expvar.Int
	SendBytes expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"opens":%d,"recv.size":%d,"send.size":%d}`,
		s.Opens.Value(), s.RecvBytes.Value(), s.SendBytes.Value())
}

// OpenPort is default OpenFunc: 8N1 with read timeout.
func OpenPort(device string, baud int) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, errors.Annotatef(err, "serial open device=%s", device)
	}
	if err = port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, errors.Annotatef(err, "serial device=%s set read timeout", device)
	}
	return port, nil
}

type Transport struct {
	alive   *alive.Alive
	opt     Options
	log     *log2.Log
	backoff *helpers.Backoff
	mu      sync.Mutex // protects port
	port    io.ReadWriteCloser
	sess    *transport.Session
	ring    *stage.Ring
	poller  *transport.Poller
	stat    Stat
}

var _ transport.Runner = &Transport{}

func New(opt Options) (*Transport, error) {
	if opt.Device == "" {
		return nil, errors.NotValidf("serial device empty")
	}
	if opt.Baud == 0 {
		opt.Baud = DefaultBaud
	}
	if opt.Open == nil {
		opt.Open = OpenPort
	}
	if opt.Watchdog == 0 {
		opt.Watchdog = transport.DefaultWatchdog
	}
	if opt.RetryDelay == 0 {
		opt.RetryDelay = helpers.IntSecondDefault(opt.RetryDelaySec, DefaultRetryDelay)
	}
	self := &Transport{
		alive: alive.NewAlive(),
		opt:   opt,
		log:   opt.Log,
		backoff: &helpers.Backoff{
			Min: opt.RetryDelay,
			Max: 10 * opt.RetryDelay,
			K:   2,
		},
		sess: transport.NewSession(0, codec.WithLog(opt.Log)),
	}
	self.ring = stage.NewRing(stage.Options{Size: opt.StageSize, Log: opt.Log})
	if self.ring != nil {
		self.poller = &transport.Poller{
			Ring:     self.ring,
			Shared:   self.sess.Decoder(),
			Handler:  opt.Handler,
			Sender:   self,
			Interval: opt.PollInterval,
			Watchdog: opt.Watchdog,
			Log:      opt.Log,
		}
	}
	return self, nil
}

func (self *Transport) String() string { return "serial " + self.opt.Device }
func (self *Transport) Stat() *Stat    { return &self.stat }

// Run keeps port open and dispatches incoming messages until ctx is done or Close.
func (self *Transport) Run(ctx context.Context) error {
	if !self.alive.Add(1) {
		return transport.ErrClosed
	}
	defer self.alive.Done()
	go func() {
		select {
		case <-ctx.Done():
			self.alive.Stop()
			self.closePort()
		case <-self.alive.StopChan():
		}
	}()
	if self.poller != nil {
		pollDone := make(chan struct{})
		go func() {
			defer close(pollDone)
			self.poller.Run(ctx, self.alive)
		}()
		defer func() { <-pollDone }()
	}

	ctx = log2.WithContext(ctx, self.log)
	for self.alive.IsRunning() {
		delay := self.backoff.DelayBefore()
		if delay != 0 {
			self.log.Debugf("serial reopen delay=%s", delay)
		}
		if !self.backoff.Wait(self.alive.StopChan()) {
			return nil
		}
		port, err := self.opt.Open(self.opt.Device, self.opt.Baud)
		if err != nil {
			self.log.Error(err)
			self.backoff.Failure()
			continue
		}
		self.stat.Opens.Add(1)
		helpers.WithLock(&self.mu, func() { self.port = port })
		if !self.alive.IsRunning() {
			self.closePort()
			return nil
		}
		self.log.Infof("serial open device=%s baud=%d", self.opt.Device, self.opt.Baud)

		err = self.readLoop(ctx, port)
		self.closePort()
		if self.alive.IsRunning() {
			self.log.Errorf("serial device=%s err=%v", self.opt.Device, err)
			self.backoff.Failure()
		}
	}
	return nil
}

func (self *Transport) Close() {
	self.alive.Stop()
	self.closePort()
	self.alive.Wait()
}

// Send writes whole message to current port.
func (self *Transport) Send(ctx context.Context, conn codec.ConnID, b []byte) error {
	if !self.alive.IsRunning() {
		return transport.ErrClosed
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.port == nil {
		return errors.Errorf("serial device=%s not open", self.opt.Device)
	}
	w := &helpers.StatWriter{W: self.port, V: &self.stat.SendBytes}
	if err := helpers.WriteAll(w, b); err != nil {
		return errors.Annotatef(err, "serial device=%s write", self.opt.Device)
	}
	return nil
}

func (self *Transport) closePort() {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.port != nil {
		_ = self.port.Close()
		self.port = nil
	}
}

func (self *Transport) readLoop(ctx context.Context, port io.Reader) error {
	r := &helpers.StatReader{R: port, V: &self.stat.RecvBytes}
	buf := make([]byte, readBufferSize)
	dispatch := func(m codec.Message) { _ = transport.Dispatch(ctx, self.opt.Handler, self, m) }
	for self.alive.IsRunning() {
		n, err := r.Read(buf)
		if n > 0 {
			self.backoff.Reset()
			if self.ring != nil {
				self.ring.Push(0, buf[:n])
			} else {
				self.sess.Feed(buf[:n], dispatch)
			}
		} else if err == nil && self.ring == nil {
			// read timeout
			if self.sess.Watch(self.opt.Watchdog) {
				self.log.Debugf("serial watchdog reset")
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}
