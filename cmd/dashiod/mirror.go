package main

import (
	"sync"

	"github.com/dashio-connect/dashio-go/codec"
	"github.com/dashio-connect/dashio-go/device"
)

// mirror remembers last value of every widget set by dashboards,
// echoes changes and replays them on STATUS.
type mirror struct {
	mu    sync.Mutex
	order []string
	last  map[string]codec.Message
}

var _ device.Handler = &mirror{}

func newMirror() *mirror {
	return &mirror{last: make(map[string]codec.Message)}
}

func (self *mirror) Status(dev *device.Device) []byte {
	self.mu.Lock()
	defer self.mu.Unlock()
	ms := make([]codec.Message, 0, len(self.order))
	for _, key := range self.order {
		ms = append(ms, self.last[key])
	}
	return codec.EncodeAll(ms)
}

func (self *mirror) Config(dev *device.Device) []byte { return nil }

func (self *mirror) Control(dev *device.Device, m codec.Message) []byte {
	if !m.Control.IsWidget() || m.ID == "" {
		return nil
	}
	key := m.ControlToken() + "\t" + m.ID
	m.Conn, m.Fields = 0, 0
	self.mu.Lock()
	if _, ok := self.last[key]; !ok {
		self.order = append(self.order, key)
	}
	self.last[key] = m
	self.mu.Unlock()
	return codec.Encode(m)
}
