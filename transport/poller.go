package transport

import (
	"context"
	"time"

	"github.com/dashio-connect/dashio-go/codec"
	"github.com/dashio-connect/dashio-go/log2"
	"github.com/dashio-connect/dashio-go/stage"
	"github.com/temoto/alive/v2"
)

const (
	DefaultPollInterval = 50 * time.Millisecond
	DefaultWatchdog     = 30 * time.Second
)

// Poller moves messages from stage ring to handler on a regular tick,
// so link callbacks never run application logic.
type Poller struct {
	Ring     *stage.Ring
	Sessions *Sessions
	// Shared decoder is used when Sessions is nil.
	Shared   *codec.Decoder
	Handler  Handler
	Sender   Sender
	Interval time.Duration
	Watchdog time.Duration
	// One dispatches at most one message per tick.
	One bool
	Log *log2.Log
}

func (self *Poller) pick() stage.DecoderFunc {
	if self.Sessions != nil {
		return self.Sessions.DecoderFunc()
	}
	if self.Shared == nil {
		self.Shared = codec.NewDecoder(codec.WithLog(self.Log))
	}
	return stage.SharedDecoder(self.Shared)
}

// Poll is one tick: drain, dispatch, watchdog. Returns count of dispatched messages.
func (self *Poller) Poll(ctx context.Context) int {
	n := self.Ring.Drain(self.pick(), func(m codec.Message) {
		_ = Dispatch(ctx, self.Handler, self.Sender, m)
	}, self.One)

	timeout := self.Watchdog
	if timeout == 0 {
		timeout = DefaultWatchdog
	}
	if self.Sessions != nil {
		if resets := self.Sessions.Watch(timeout); resets != 0 {
			self.Log.Debugf("poll watchdog reset sessions=%d", resets)
		}
	} else if self.Shared != nil && self.Shared.ResetIfIdle(timeout) {
		self.Log.Debugf("poll watchdog reset shared decoder")
	}
	return n
}

// Run polls until ctx is done or a (optional) is stopped. Ring Ready signal shortcuts the wait.
func (self *Poller) Run(ctx context.Context, a *alive.Alive) {
	interval := self.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	tmr := time.NewTicker(interval)
	defer tmr.Stop()
	ctx = log2.WithContext(ctx, self.Log)
	var stopch <-chan struct{}
	if a != nil {
		stopch = a.StopChan()
	}
	for {
		self.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-stopch:
			return
		case <-self.Ring.Ready():
		case <-tmr.C:
		}
	}
}
