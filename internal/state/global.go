package state

import (
	"context"
	"expvar"
	"fmt"

	"github.com/dashio-connect/dashio-go/device"
	"github.com/dashio-connect/dashio-go/helpers"
	"github.com/dashio-connect/dashio-go/log2"
	"github.com/dashio-connect/dashio-go/transport"
	"github.com/dashio-connect/dashio-go/transport/mqtt"
	"github.com/dashio-connect/dashio-go/transport/serial"
	"github.com/dashio-connect/dashio-go/transport/tcp"
	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"
)

// Global is device with transports built from Config.
type Global struct {
	Config  *Config
	Device  *device.Device
	Log     *log2.Log
	Runners []transport.Runner
	// Stats are per transport expvar.Var, keyed by Runner.String()
	Stats map[string]expvar.Var
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	g := &Global{Log: log, Stats: make(map[string]expvar.Var)}
	ctx := context.Background()
	ctx = log2.WithContext(ctx, log)
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// Init creates device and enabled transports.
// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config, h device.Handler) error {
	g.Config = cfg
	if cfg.LogDebug {
		g.Log.SetLevel(log2.LDebug)
	}

	dev, err := device.New(cfg.Device, h, g.Log)
	if err != nil {
		return errors.Annotate(err, "config device")
	}
	g.Device = dev

	errs := make([]error, 0)
	if cfg.Tcp.Enable {
		s := tcp.New(tcp.Options{
			Config:       cfg.Tcp,
			Handler:      dev,
			Log:          g.Log.Named("tcp"),
			Watchdog:     cfg.Watchdog(),
			PollInterval: cfg.PollInterval(),
		})
		g.add(s, s.Stat())
	}
	if cfg.Mqtt.Enable {
		m, err := mqtt.New(mqtt.Options{
			Config:       cfg.Mqtt,
			DeviceID:     dev.ID(),
			Announce:     dev.Who,
			Handler:      dev,
			Log:          g.Log.Named("mqtt"),
			PollInterval: cfg.PollInterval(),
			Watchdog:     cfg.Watchdog(),
		})
		if err != nil {
			errs = append(errs, errors.Annotate(err, "config mqtt"))
		} else {
			g.add(m, m.Stat())
		}
	}
	if cfg.Serial.Enable {
		s, err := serial.New(serial.Options{
			Config:       cfg.Serial,
			Handler:      dev,
			Log:          g.Log.Named("serial"),
			Watchdog:     cfg.Watchdog(),
			PollInterval: cfg.PollInterval(),
		})
		if err != nil {
			errs = append(errs, errors.Annotate(err, "config serial"))
		} else {
			g.add(s, s.Stat())
		}
	}
	if len(errs) == 0 && len(g.Runners) == 0 {
		errs = append(errs, errors.NotValidf("config no transport enabled"))
	}
	return helpers.FoldErrors(errs)
}

func (g *Global) MustInit(ctx context.Context, cfg *Config, h device.Handler) {
	if err := g.Init(ctx, cfg, h); err != nil {
		g.Log.Fatal(errors.ErrorStack(err))
	}
}

// Run blocks until ctx is done or any transport fails.
func (g *Global) Run(ctx context.Context) error {
	group, child := errgroup.WithContext(ctx)
	for _, r := range g.Runners {
		r := r
		group.Go(func() error {
			g.Log.Debugf("run %s", r.String())
			if err := r.Run(child); err != nil {
				return errors.Annotate(err, r.String())
			}
			return nil
		})
	}
	return group.Wait()
}

// Send broadcasts b over all transports, e.g. widget update.
func (g *Global) Send(ctx context.Context, b []byte) error {
	errs := make([]error, 0, len(g.Runners))
	for _, r := range g.Runners {
		errs = append(errs, r.Send(ctx, transport.AllConns, b))
	}
	return helpers.FoldErrors(errs)
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Errorf(errors.ErrorStack(err))
	}
}

func (g *Global) add(r transport.Runner, stat expvar.Var) {
	g.Runners = append(g.Runners, r)
	g.Stats[r.String()] = stat
}
