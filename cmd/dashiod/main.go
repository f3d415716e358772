// Device daemon: serves one device identity over configured transports.
package main

import (
	"context"
	"expvar"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/dashio-connect/dashio-go/internal/state"
	"github.com/dashio-connect/dashio-go/log2"
	"github.com/juju/errors"
)

var log = log2.NewStderr(log2.LInfo)

func main() {
	flagConfig := flag.String("config", "dashio.hcl", "")
	flagDebugListen := flag.String("debug-listen", "", "serve expvar /debug/vars on this address")
	flag.Parse()

	if sdnotify("start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	ctx, g := state.NewContext(log)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	g.MustInit(ctx, config, newMirror())
	for name, v := range g.Stats {
		expvar.Publish("dashio."+name, v)
	}
	if *flagDebugListen != "" {
		go func() {
			log.Error(errors.Annotate(http.ListenAndServe(*flagDebugListen, nil), "debug listen"))
		}()
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-signalCh
		log.Infof("signal=%s stopping", s)
		sdnotify(daemon.SdNotifyStopping)
		cancel()
	}()

	sdnotify(daemon.SdNotifyReady)
	log.Infof("device=%s running transports=%d", g.Device.ID(), len(g.Runners))
	if err := g.Run(ctx); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
