package state

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dashio-connect/dashio-go/codec"
	"github.com/dashio-connect/dashio-go/log2"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDevice = `device { id = "dev1" type = "Test" name = "Bench" }`

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"empty", "", func(t testing.TB, c *Config) {
			assert.Equal(t, 30*time.Second, c.Watchdog())
			assert.Equal(t, 50*time.Millisecond, c.PollInterval())
			assert.False(t, c.Tcp.Enable)
		}, ""},

		{"full", testDevice + `
log_debug = true
watchdog_sec = 5
poll_ms = 10
tcp { enable = true listen = ":5650" stage_size = 1024 }
mqtt { enable = true broker = "ssl://dash.example:8883" username = "u" password = "p" keepalive_sec = 30 }
serial { enable = true device = "/dev/ttyUSB0" baud = 9600 }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "dev1", c.Device.ID)
				assert.Equal(t, "Bench", c.Device.Name)
				assert.True(t, c.LogDebug)
				assert.Equal(t, 5*time.Second, c.Watchdog())
				assert.Equal(t, 10*time.Millisecond, c.PollInterval())
				assert.Equal(t, ":5650", c.Tcp.Listen)
				assert.Equal(t, 1024, c.Tcp.StageSize)
				assert.Equal(t, "ssl://dash.example:8883", c.Mqtt.Broker)
				assert.Equal(t, 30, c.Mqtt.KeepaliveSec)
				assert.Equal(t, "/dev/ttyUSB0", c.Serial.Device)
				assert.Equal(t, 9600, c.Serial.Baud)
			},
			"",
		},

		{"include-normalize", `
poll_ms = 1
include "./empty" {}`,
			nil, ""},

		{"include-optional", `
include "watchdog-7" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 7*time.Second, c.Watchdog())
			}, ""},

		{"include-overwrites", `
watchdog_sec = 1
include "watchdog-7" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 7*time.Second, c.Watchdog())
			}, ""},

		{"error-required", `include "non-exist" {}`, nil, "config required name=non-exist"},
		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{
				"test-inline":  c.input,
				"empty":        "",
				"watchdog-7":   "watchdog_sec = 7",
				"error-syntax": "hello",
				"include-loop": `include "include-loop" {}`,
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
			if c.expectErr == "" {
				if err != nil {
					t.Fatalf("error expected=nil actual='%v'", errors.ErrorStack(err))
				}
				if c.check != nil {
					c.check(t, cfg)
				}
			} else {
				require.Error(t, err)
				if !strings.Contains(err.Error(), c.expectErr) {
					t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
				}
			}
		})
	}
}

func TestOsFullReader(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "dashio-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "main.hcl"),
		[]byte(testDevice+"\ninclude \"local.hcl\" {}\n"), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "local.hcl"),
		[]byte(`tcp { enable = true listen = "127.0.0.1:0" }`), 0644))

	cfg := MustReadConfig(log2.NewTest(t, log2.LDebug), NewOsFullReader(), filepath.Join(dir, "main.hcl"))
	assert.Equal(t, "dev1", cfg.Device.ID)
	assert.True(t, cfg.Tcp.Enable)
}

func TestGlobalInit(t *testing.T) {
	// not Parallel: mqtt.New sets package level client loggers

	ctx, g := NewTestContext(t, testDevice+`
tcp { enable = true listen = "127.0.0.1:0" }
mqtt { enable = true broker = "tcp://127.0.0.1:1" }
serial { enable = true device = "/dev/null-dashio" }`, nil)
	require.Len(t, g.Runners, 3)
	assert.Equal(t, "tcp 127.0.0.1:0", g.Runners[0].String())
	assert.Equal(t, "mqtt tcp://127.0.0.1:1", g.Runners[1].String())
	assert.Equal(t, "serial /dev/null-dashio", g.Runners[2].String())
	assert.Contains(t, g.Stats, "tcp 127.0.0.1:0")
	assert.Same(t, g, GetGlobal(ctx))

	who := g.Device.Handle(codec.Message{Control: codec.ControlWho, DeviceID: codec.AnyDevice})
	assert.Equal(t, "\tdev1\tWHO\tTest\tBench\n", string(who))
}

func TestGlobalInitError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		input     string
		expectErr string
	}{
		{"device", `tcp { enable = true }`, "device id empty"},
		{"no-transport", testDevice, "no transport enabled"},
		{"serial", testDevice + "\nserial { enable = true }", "serial device empty"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			log := log2.NewTest(t, log2.LDebug)
			cfg, err := ReadConfig(log, NewMockFullReader(map[string]string{"x": c.input}), "x")
			require.NoError(t, err)
			_, g := NewContext(log)
			err = g.Init(context.Background(), cfg, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.expectErr)
		})
	}
}

func TestGlobalRun(t *testing.T) {
	t.Parallel()

	ctx, g := NewTestContext(t, testDevice+"\ntcp { enable = true listen = \"127.0.0.1:0\" }", nil)
	ctx, cancel := context.WithCancel(ctx)
	errch := make(chan error, 1)
	go func() { errch <- g.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	assert.NoError(t, g.Send(ctx, []byte("\tdev1\tKNOB\tk\t1\n")))
	cancel()
	select {
	case err := <-errch:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
