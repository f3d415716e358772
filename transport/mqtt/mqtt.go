// Package mqtt connects device to dashboards via MQTT broker.
//
// Topics: <user>/<device>/control is subscribed for incoming messages,
// replies go to <user>/<device>/data, WHO reply is published to
// <user>/<device>/announce on every connect.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"expvar"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/dashio-connect/dashio-go/codec"
	"github.com/dashio-connect/dashio-go/helpers"
	"github.com/dashio-connect/dashio-go/log2"
	"github.com/dashio-connect/dashio-go/stage"
	"github.com/dashio-connect/dashio-go/transport"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

const (
	DefaultNetworkTimeout = 10 * time.Second
	DefaultStageSize      = 2048
	OfflineToken          = "OFFLINE"
	qos                   = 1
)

type Config struct {
	Enable            bool   `hcl:"enable"`
	Broker            string `hcl:"broker"`
	Username          string `hcl:"username"`
	Password          string `hcl:"password"`
	TlsCaFile         string `hcl:"tls_ca_file"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	StageSize         int    `hcl:"stage_size"`
	LogDebug          bool   `hcl:"log_debug"`
}

type Options struct {
	Config
	DeviceID string
	// Announce is published after every (re)connect.
	Announce     func() []byte
	Handler      transport.Handler
	Log          *log2.Log
	PollInterval time.Duration
	Watchdog     time.Duration
	// NewClient replaces paho.NewClient in tests.
	NewClient func(*paho.ClientOptions) paho.Client
}

type Stat struct {
	Connects  expvar.Int
	Lost      expvar.Int
	Recv      expvar.Int
	RecvBytes expvar.Int
	Send      expvar.Int
	SendBytes expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"connects":%d,"lost":%d,"recv":%d,"recv.size":%d,"send":%d,"send.size":%d}`,
		s.Connects.Value(), s.Lost.Value(), s.Recv.Value(), s.RecvBytes.Value(), s.Send.Value(), s.SendBytes.Value())
}

type Transport struct {
	alive   *alive.Alive
	opt     Options
	log     *log2.Log
	client  paho.Client
	mopt    *paho.ClientOptions
	ring    *stage.Ring
	poller  *transport.Poller
	timeout time.Duration
	stat    Stat

	topicControl  string
	topicData     string
	topicAnnounce string
}

var _ transport.Runner = &Transport{}

func New(opt Options) (*Transport, error) {
	if opt.Broker == "" {
		return nil, errors.NotValidf("mqtt broker empty")
	}
	if opt.DeviceID == "" || !codec.ValidField(opt.DeviceID) {
		return nil, errors.NotValidf("mqtt device=%q", opt.DeviceID)
	}
	if opt.StageSize <= 0 {
		opt.StageSize = DefaultStageSize
	}
	if opt.NewClient == nil {
		opt.NewClient = paho.NewClient
	}

	self := &Transport{
		alive: alive.NewAlive(),
		opt:   opt,
		log:   opt.Log,
	}
	prefix := opt.DeviceID
	if opt.Username != "" {
		prefix = opt.Username + "/" + opt.DeviceID
	}
	self.topicControl = prefix + "/control"
	self.topicData = prefix + "/data"
	self.topicAnnounce = prefix + "/announce"

	mqttLog := self.log.Clone(log2.LDebug).Named("mqtt")
	if mqttLog != nil {
		paho.CRITICAL = mqttLog
		paho.ERROR = mqttLog
		paho.WARN = mqttLog
		if opt.LogDebug {
			paho.DEBUG = mqttLog
		}
	}

	self.timeout = helpers.IntSecondDefault(opt.NetworkTimeoutSec, DefaultNetworkTimeout)
	if self.timeout < time.Second {
		self.timeout = time.Second
	}
	connectTimeout := self.timeout * 3
	keepalive := helpers.IntSecondDefault(opt.KeepaliveSec, self.timeout/2)

	tlsconf := new(tls.Config)
	if opt.TlsCaFile != "" {
		cabytes, err := ioutil.ReadFile(opt.TlsCaFile)
		if err != nil {
			return nil, errors.Annotate(err, "mqtt tls_ca_file")
		}
		tlsconf.RootCAs = x509.NewCertPool()
		if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
			return nil, errors.NotValidf("mqtt tls_ca_file=%s no certificates", opt.TlsCaFile)
		}
	}

	will := codec.NewBuilderToken(opt.DeviceID, OfflineToken).Bytes()
	self.mopt = paho.NewClientOptions().
		AddBroker(opt.Broker).
		SetAutoReconnect(true).
		SetBinaryWill(self.topicAnnounce, will, qos, false).
		SetCleanSession(false).
		SetClientID(opt.DeviceID).
		SetConnectTimeout(connectTimeout).
		SetConnectionLostHandler(self.onLost).
		SetDefaultPublishHandler(self.onUnexpected).
		SetKeepAlive(keepalive).
		SetMaxReconnectInterval(connectTimeout).
		SetOnConnectHandler(self.onConnect).
		SetOrderMatters(false).
		SetPingTimeout(self.timeout).
		SetTLSConfig(tlsconf).
		SetWriteTimeout(self.timeout)
	if opt.Username != "" {
		self.mopt.SetUsername(opt.Username).SetPassword(opt.Password)
	}
	self.client = opt.NewClient(self.mopt)

	self.ring = stage.NewRing(stage.Options{Size: opt.StageSize, Log: opt.Log})
	self.poller = &transport.Poller{
		Ring:     self.ring,
		Handler:  opt.Handler,
		Sender:   self,
		Interval: opt.PollInterval,
		Watchdog: opt.Watchdog,
		Log:      opt.Log,
	}
	return self, nil
}

func (self *Transport) String() string { return "mqtt " + self.opt.Broker }
func (self *Transport) Stat() *Stat    { return &self.stat }

// Run connects, subscribes and dispatches incoming messages until ctx is done or Close.
func (self *Transport) Run(ctx context.Context) error {
	if !self.alive.Add(1) {
		return transport.ErrClosed
	}
	defer self.alive.Done()
	go func() {
		select {
		case <-ctx.Done():
			self.alive.Stop()
		case <-self.alive.StopChan():
		}
	}()

	if self.online() {
		self.poller.Run(ctx, self.alive)
	}
	self.alive.Stop()
	self.client.Disconnect(uint(self.timeout / time.Millisecond))
	self.log.Debugf("mqtt disconnected")
	return nil
}

func (self *Transport) Close() {
	self.alive.Stop()
	self.alive.Wait()
}

// Send publishes to data topic, conn is ignored.
func (self *Transport) Send(ctx context.Context, conn codec.ConnID, b []byte) error {
	if !self.alive.IsRunning() {
		return transport.ErrClosed
	}
	if err := self.tokenWait(self.client.Publish(self.topicData, qos, false, b), "publish data"); err != nil {
		return err
	}
	self.stat.Send.Add(1)
	self.stat.SendBytes.Add(int64(len(b)))
	return nil
}

// online returns false when stopped before connected and subscribed.
func (self *Transport) online() bool {
	bo := helpers.Backoff{Min: time.Second, Max: self.timeout * 3, K: 2}
	retry := func(tag string, f func() paho.Token) bool {
		for bo.Wait(self.alive.StopChan()) {
			err := self.tokenWait(f(), tag)
			bo.Update(err == nil)
			if err == nil {
				return true
			}
		}
		return false
	}

	if !self.client.IsConnected() {
		if !retry("connect", self.client.Connect) {
			return false
		}
	}
	return retry("subscribe:"+self.topicControl, func() paho.Token {
		return self.client.Subscribe(self.topicControl, qos, self.onControl)
	})
}

// onControl runs in client goroutine, it must only stage the payload.
func (self *Transport) onControl(_ paho.Client, msg paho.Message) {
	p := msg.Payload()
	self.stat.Recv.Add(1)
	self.stat.RecvBytes.Add(int64(len(p)))
	if len(p) != 0 && p[len(p)-1] != codec.Terminator {
		p = append(append(make([]byte, 0, len(p)+1), p...), codec.Terminator)
	}
	self.ring.Push(0, p)
	msg.Ack()
}

func (self *Transport) onUnexpected(_ paho.Client, msg paho.Message) {
	self.log.Errorf("mqtt unexpected message topic=%s payload=%q", msg.Topic(), msg.Payload())
}

func (self *Transport) onConnect(paho.Client) {
	self.stat.Connects.Add(1)
	self.log.Infof("mqtt connected broker=%s", self.opt.Broker)
	if self.opt.Announce == nil || !self.alive.Add(1) {
		return
	}
	go func() {
		defer self.alive.Done()
		if b := self.opt.Announce(); len(b) != 0 {
			_ = self.tokenWait(self.client.Publish(self.topicAnnounce, qos, false, b), "publish announce")
		}
	}()
}

func (self *Transport) onLost(_ paho.Client, err error) {
	self.stat.Lost.Add(1)
	self.log.Errorf("mqtt connection lost err=%v", err)
}

func (self *Transport) tokenWait(t paho.Token, tag string) error {
	if !t.WaitTimeout(self.timeout * 3) {
		err := errors.Timeoutf("mqtt %s", tag)
		self.log.Error(err)
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Annotatef(err, "mqtt %s", tag)
		self.log.Error(err)
		return err
	}
	return nil
}
