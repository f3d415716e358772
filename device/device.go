// Package device answers dashboard handshake for one device identity
// and passes everything else to application Handler.
package device

import (
	"sync"
	"time"

	"github.com/dashio-connect/dashio-go/codec"
	"github.com/dashio-connect/dashio-go/log2"
	"github.com/dashio-connect/dashio-go/widget"
	"github.com/juju/errors"
)

type Config struct {
	ID   string `hcl:"id"`
	Type string `hcl:"type"`
	Name string `hcl:"name"`
}

func (c *Config) Validate() error {
	for _, pair := range [...][2]string{{"id", c.ID}, {"type", c.Type}, {"name", c.Name}} {
		if pair[1] == "" {
			return errors.NotValidf("device %s empty", pair[0])
		}
		if !codec.ValidField(pair[1]) {
			return errors.NotValidf("device %s=%q contains separator", pair[0], pair[1])
		}
	}
	if c.ID == codec.AnyDevice {
		return errors.NotValidf("device id=%s reserved", c.ID)
	}
	return nil
}

type Device struct {
	mu      sync.RWMutex
	id      string
	typ     string
	name    string
	handler Handler
	log     *log2.Log
	now     func() time.Time
}

func New(c Config, h Handler, log *log2.Log) (*Device, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if h == nil {
		h = HandlerFuncs{}
	}
	return &Device{
		id:      c.ID,
		typ:     c.Type,
		name:    c.Name,
		handler: h,
		log:     log,
		now:     time.Now,
	}, nil
}

func (self *Device) ID() string   { return self.id }
func (self *Device) Type() string { return self.typ }
func (self *Device) Name() string {
	self.mu.RLock()
	defer self.mu.RUnlock()
	return self.name
}

// Who is identity reply, also announced by broker transports on connect.
func (self *Device) Who() []byte {
	return codec.Encode(codec.NewMessage(self.id, codec.ControlWho, self.typ, self.Name()))
}

// Widget formats update of own control, see widget.Format.
func (self *Device) Widget(ct codec.ControlType, controlID string, values ...interface{}) ([]byte, error) {
	return widget.Format(self.id, ct, controlID, values...)
}

// Handle returns wire bytes to send back to originating connection, nil for no reply.
func (self *Device) Handle(m codec.Message) []byte {
	if m.IsQuery() {
		return self.Who()
	}
	if m.DeviceID != self.id {
		self.log.Debugf("device=%s ignore foreign message=%s", self.id, m.String())
		return nil
	}

	switch m.Control {
	case codec.ControlWho:
		return self.Who()

	case codec.ControlConnect:
		return codec.Encode(codec.NewMessage(self.id, codec.ControlConnect))

	case codec.ControlStatus:
		return self.handler.Status(self)

	case codec.ControlConfig:
		return self.handler.Config(self)

	case codec.ControlName:
		name := m.ID
		if name == "" || name == codec.NotAvailable {
			return codec.Encode(codec.NewMessage(self.id, codec.ControlName, self.Name()))
		}
		self.mu.Lock()
		old := self.name
		self.name = name
		self.mu.Unlock()
		self.log.Infof("device=%s rename %q -> %q", self.id, old, name)
		return codec.Encode(codec.NewMessage(self.id, codec.ControlName, name))

	case codec.ControlClock:
		ts := self.now().UTC().Format(time.RFC3339)
		return codec.Encode(codec.NewMessage(self.id, codec.ControlClock, ts))

	case codec.ControlUnknown:
		self.log.Debugf("device=%s unknown control message=%s", self.id, m.String())
	}
	return self.handler.Control(self, m)
}
