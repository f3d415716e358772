package state

import (
	"context"
	"testing"

	"github.com/dashio-connect/dashio-go/device"
	"github.com/dashio-connect/dashio-go/log2"
)

func NewTestContext(t testing.TB, confString string, h device.Handler) (context.Context, *Global) {
	fs := NewMockFullReader(map[string]string{
		"test-inline": confString,
	})

	log := log2.NewTest(t, log2.LDebug)
	// log := log2.NewStderr(log2.LDebug) // useful with panics
	log.SetFlags(log2.LTestFlags)
	ctx, g := NewContext(log)
	g.MustInit(ctx, MustReadConfig(log, fs, "test-inline"), h)
	return ctx, g
}
