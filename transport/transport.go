// Package transport is plumbing shared by link adapters: per-connection
// decode sessions, stage buffer polling and reply dispatch.
package transport

import (
	"context"
	"fmt"

	"github.com/dashio-connect/dashio-go/codec"
	"github.com/dashio-connect/dashio-go/log2"
	"github.com/juju/errors"
)

var ErrClosed = fmt.Errorf("transport closed")

// AllConns is Send destination meaning every connected peer.
const AllConns codec.ConnID = 0

// Sender delivers complete wire messages. Chunking to link MTU is sender job.
type Sender interface {
	Send(ctx context.Context, conn codec.ConnID, b []byte) error
}

// Handler turns one decoded message into reply bytes, nil for no reply.
// *device.Device implements it.
type Handler interface {
	Handle(m codec.Message) []byte
}

type HandlerFunc func(m codec.Message) []byte

func (f HandlerFunc) Handle(m codec.Message) []byte { return f(m) }

// Runner is link adapter lifecycle, Run blocks until ctx is done or link fails.
type Runner interface {
	Sender
	Run(ctx context.Context) error
	String() string
}

// Dispatch runs handler and sends reply back to originating connection.
func Dispatch(ctx context.Context, h Handler, s Sender, m codec.Message) error {
	reply := h.Handle(m)
	if len(reply) == 0 {
		return nil
	}
	if err := s.Send(ctx, m.Conn, reply); err != nil {
		err = errors.Annotatef(err, "reply conn=%d to %s", m.Conn, m.ControlToken())
		log2.FromContext(ctx).Error(err)
		return err
	}
	return nil
}
