// Package tcp serves dashboards over stream sockets, many peers per device.
package tcp

import (
	"context"
	"expvar"
	"fmt"
	"net"
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
	DefaultListen         = ":5650"
	DefaultNetworkTimeout = 10 * time.Second
	readBufferSize        = 512
	maxConns              = 1<<16 - 1
)

type Config struct {
	Enable            bool   `hcl:"enable"`
	Listen            string `hcl:"listen"`
	StageSize         int    `hcl:"stage_size"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
}

type Options struct {
	Config
	Handler transport.Handler
	Log     *log2.Log
	// Watchdog resets partial message of silent peer.
	Watchdog     time.Duration
	PollInterval time.Duration
}

type Stat struct {
	Conns     expvar.Int
	RecvBytes expvar.Int
	SendBytes expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"conns":%d,"recv.size":%d,"send.size":%d}`,
		s.Conns.Value(), s.RecvBytes.Value(), s.SendBytes.Value())
}

type peer struct {
	id   codec.ConnID
	conn net.Conn
	r    *helpers.StatReader
	wmu  sync.Mutex
	w    *helpers.StatWriter
	sess *transport.Session
}

type Server struct {
	alive *alive.Alive
	conns struct {
		sync.RWMutex
		m map[codec.ConnID]*peer
	}
	listener net.Listener
	handler  transport.Handler
	log      *log2.Log
	opt      Options
	timeout  time.Duration
	lastID   codec.ConnID
	ring     *stage.Ring
	poller   *transport.Poller
	stat     Stat
}

var _ transport.Runner = &Server{}

func New(opt Options) *Server {
	if opt.Listen == "" {
		opt.Listen = DefaultListen
	}
	if opt.Watchdog == 0 {
		opt.Watchdog = transport.DefaultWatchdog
	}
	s := &Server{
		alive:   alive.NewAlive(),
		handler: opt.Handler,
		log:     opt.Log,
		opt:     opt,
		timeout: helpers.IntSecondDefault(opt.NetworkTimeoutSec, DefaultNetworkTimeout),
	}
	s.conns.m = make(map[codec.ConnID]*peer)
	sessions := transport.NewSessions(codec.WithLog(opt.Log))
	s.ring = stage.NewRing(stage.Options{
		Size:     opt.StageSize,
		TagWidth: 2,
		OnEnd:    sessions.Release,
		Log:      opt.Log,
	})
	if s.ring != nil {
		s.poller = &transport.Poller{
			Ring:     s.ring,
			Sessions: sessions,
			Handler:  opt.Handler,
			Sender:   s,
			Interval: opt.PollInterval,
			Watchdog: opt.Watchdog,
			Log:      opt.Log,
		}
	}
	return s
}

func (s *Server) String() string { return "tcp " + s.opt.Listen }
func (s *Server) Stat() *Stat    { return &s.stat }

// Listen binds socket, Run calls it when not done before.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	ll, err := net.Listen("tcp", s.opt.Listen)
	if err != nil {
		return errors.Annotatef(err, "tcp listen=%s", s.opt.Listen)
	}
	s.listener = ll
	s.log.Infof("tcp listen=%s", ll.Addr().String())
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	if !s.alive.Add(1) {
		return transport.ErrClosed
	}
	go s.acceptLoop(ctx)
	if s.poller != nil && s.alive.Add(1) {
		go func() {
			defer s.alive.Done()
			s.poller.Run(ctx, s.alive)
		}()
	}

	select {
	case <-ctx.Done():
	case <-s.alive.StopChan():
	}
	s.Close()
	return nil
}

// Close stops accepting, disconnects peers and waits for goroutines.
func (s *Server) Close() {
	s.alive.Stop()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	helpers.WithLock(s.conns.RLocker(), func() {
		for _, p := range s.conns.m {
			_ = p.conn.Close()
		}
	})
	s.alive.Wait()
}

// Send writes to one peer, AllConns writes to every peer.
func (s *Server) Send(ctx context.Context, conn codec.ConnID, b []byte) error {
	if !s.alive.IsRunning() {
		return transport.ErrClosed
	}
	if conn != transport.AllConns {
		s.conns.RLock()
		p, ok := s.conns.m[conn]
		s.conns.RUnlock()
		if !ok {
			return errors.NotFoundf("tcp conn=%d", conn)
		}
		return s.write(ctx, p, b)
	}

	s.conns.RLock()
	ps := make([]*peer, 0, len(s.conns.m))
	for _, p := range s.conns.m {
		ps = append(ps, p)
	}
	s.conns.RUnlock()
	errs := make([]error, 0)
	for _, p := range ps {
		errs = append(errs, s.write(ctx, p, b))
	}
	return helpers.FoldErrors(errs)
}

func (s *Server) write(ctx context.Context, p *peer, b []byte) error {
	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_ = p.conn.SetWriteDeadline(deadline)
	if err := helpers.WriteAll(p.w, b); err != nil {
		return errors.Annotatef(err, "tcp conn=%d write", p.id)
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.alive.Done()
	for {
		conn, err := s.listener.Accept()
		if !s.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			err = errors.Annotatef(err, "tcp accept listen=%s", s.opt.Listen)
			s.log.Error(err)
			s.alive.Stop()
			return
		}
		if !s.alive.Add(1) {
			_ = conn.Close()
			return
		}
		p, err := s.newPeer(conn)
		if err != nil {
			s.log.Error(err)
			_ = conn.Close()
			s.alive.Done()
			continue
		}
		go s.processConn(ctx, p)
	}
}

// newPeer assigns handle not used by live peer or by staged bytes of closed one.
// Only accept loop calls it.
func (s *Server) newPeer(conn net.Conn) (*peer, error) {
	p := &peer{
		conn: conn,
		r:    &helpers.StatReader{R: conn, V: &s.stat.RecvBytes},
		w:    &helpers.StatWriter{W: conn, V: &s.stat.SendBytes},
	}
	s.conns.Lock()
	for i := 0; i < maxConns; i++ {
		s.lastID++
		id := s.lastID
		if id == transport.AllConns {
			continue
		}
		if _, ok := s.conns.m[id]; ok {
			continue
		}
		if s.poller != nil && s.poller.Sessions.Closed(id) {
			continue
		}
		p.id = id
		s.conns.m[id] = p
		break
	}
	s.conns.Unlock()
	if p.id == transport.AllConns {
		return nil, errors.Errorf("tcp no free connection handle addr=%s", conn.RemoteAddr().String())
	}
	p.sess = transport.NewSession(p.id, codec.WithLog(s.log))
	s.stat.Conns.Add(1)
	s.log.Debugf("tcp conn=%d accept addr=%s", p.id, conn.RemoteAddr().String())
	return p, nil
}

func (s *Server) processConn(ctx context.Context, p *peer) {
	defer s.alive.Done()
	ctx = log2.WithContext(ctx, s.log)
	buf := make([]byte, readBufferSize)
	dispatch := func(m codec.Message) { _ = transport.Dispatch(ctx, s.handler, s, m) }
	var err error
	for s.alive.IsRunning() {
		_ = p.conn.SetReadDeadline(time.Now().Add(s.opt.Watchdog))
		var n int
		n, err = p.r.Read(buf)
		if n > 0 {
			if s.ring != nil {
				s.ring.Push(p.id, buf[:n])
			} else {
				p.sess.Feed(buf[:n], dispatch)
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if p.sess.Watch(s.opt.Watchdog) {
					s.log.Debugf("tcp conn=%d watchdog reset", p.id)
				}
				err = nil
				continue
			}
			break
		}
	}

	_ = p.conn.Close()
	if s.poller != nil {
		// tombstone before handle is free in conns, see newPeer
		s.poller.Sessions.Close(p.id)
		if !s.ring.PushEnd(p.id) {
			s.log.Errorf("tcp conn=%d stage full, handle stays reserved", p.id)
		}
	}
	helpers.WithLock(&s.conns, func() { delete(s.conns.m, p.id) })
	s.stat.Conns.Add(-1)
	s.log.Debugf("tcp conn=%d closed err=%v", p.id, err)
}
