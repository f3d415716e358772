package device

import "github.com/dashio-connect/dashio-go/codec"

// Handler is application side of device. Return values are complete wire
// messages, concatenated, nil for no reply.
type Handler interface {
	// Status reports current state of all controls.
	Status(dev *Device) []byte
	// Config is device layout, sent on dashboard request.
	Config(dev *Device) []byte
	// Control is everything not handled by handshake, including unknown control types.
	Control(dev *Device, m codec.Message) []byte
}

// HandlerFuncs adapts plain functions, nil fields reply nothing.
type HandlerFuncs struct {
	StatusFunc  func(dev *Device) []byte
	ConfigFunc  func(dev *Device) []byte
	ControlFunc func(dev *Device, m codec.Message) []byte
}

var _ Handler = HandlerFuncs{}

func (self HandlerFuncs) Status(dev *Device) []byte {
	if self.StatusFunc == nil {
		return nil
	}
	return self.StatusFunc(dev)
}

func (self HandlerFuncs) Config(dev *Device) []byte {
	if self.ConfigFunc == nil {
		return nil
	}
	return self.ConfigFunc(dev)
}

func (self HandlerFuncs) Control(dev *Device, m codec.Message) []byte {
	if self.ControlFunc == nil {
		return nil
	}
	return self.ControlFunc(dev, m)
}
