// Package dispatch turns user intent into command envelopes and submits them
// on the realtime channel. It never changes local device state: the view only
// moves when the hub broadcasts the confirmed result.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/helto4real/go-homelab/client"
	"github.com/helto4real/go-homelab/device"
	"github.com/helto4real/go-homelab/protocol"
)

var log = logrus.WithField("prefix", "dispatch")

var (
	// ErrNotConnected is returned when the channel is down
	ErrNotConnected = client.ErrNotConnected
	// ErrUnknownCommand is returned for kinds a client may not send
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInvalidParams is returned when mode specific fields are missing or out of range
	ErrInvalidParams = errors.New("invalid command parameters")
)

// DispatchError tells which command failed to go out
type DispatchError struct {
	Kind protocol.CommandKind
	Err  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s: %v", e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Sender submits a command on the channel
type Sender interface {
	Send(cmd *protocol.Command) error
}

// Dispatcher builds and sends commands
type Dispatcher struct {
	sender Sender
}

// New creates a dispatcher sending through sender, usually the process' client.Client
func New(sender Sender) *Dispatcher {
	return &Dispatcher{sender: sender}
}

// Build creates the envelope for kind. The second return value is false when
// there is nothing to send because no device id is left.
func Build(kind protocol.CommandKind, deviceIDs []string, params protocol.Params) (*protocol.Command, bool, error) {
	if !kind.Valid() {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownCommand, kind)
	}
	if kind == protocol.GetAllData {
		return &protocol.Command{Command: kind}, true, nil
	}

	ids := unique(deviceIDs)
	if len(ids) == 0 {
		return nil, false, nil
	}
	if err := validate(kind, params); err != nil {
		return nil, false, err
	}
	return &protocol.Command{Command: kind, DeviceIDs: ids, Params: params}, true, nil
}

// BuildAndSend builds the command and writes it on the channel. An empty id
// list is a no-op and returns nil.
func (d *Dispatcher) BuildAndSend(kind protocol.CommandKind, deviceIDs []string, params protocol.Params) error {
	cmd, ok, err := Build(kind, deviceIDs, params)
	if err != nil {
		return &DispatchError{Kind: kind, Err: err}
	}
	if !ok {
		log.Debugf("Nothing to send for %s, no device ids", kind)
		return nil
	}
	if err := d.sender.Send(cmd); err != nil {
		return &DispatchError{Kind: kind, Err: err}
	}
	return nil
}

// TurnOn switches the devices on
func (d *Dispatcher) TurnOn(deviceIDs ...string) error {
	return d.BuildAndSend(protocol.TurnOnMultiple, deviceIDs, protocol.Params{})
}

// TurnOff switches the devices off
func (d *Dispatcher) TurnOff(deviceIDs ...string) error {
	return d.BuildAndSend(protocol.TurnOffMultiple, deviceIDs, protocol.Params{})
}

// Toggle sends turn on or turn off depending on the current view. The view is
// not changed here.
func (d *Dispatcher) Toggle(isOn bool, deviceIDs ...string) error {
	if isOn {
		return d.TurnOff(deviceIDs...)
	}
	return d.TurnOn(deviceIDs...)
}

// SetWhiteMode puts the lights in white mode
func (d *Dispatcher) SetWhiteMode(deviceIDs ...string) error {
	return d.BuildAndSend(protocol.SetWhiteMode, deviceIDs, protocol.Params{})
}

// SetColorMode puts the lights in color mode
func (d *Dispatcher) SetColorMode(deviceIDs ...string) error {
	return d.BuildAndSend(protocol.SetColorMode, deviceIDs, protocol.Params{})
}

// SetColor sets an RGB color
func (d *Dispatcher) SetColor(c device.Color, deviceIDs ...string) error {
	return d.BuildAndSend(protocol.SetColor, deviceIDs, protocol.Params{Red: &c.Red, Green: &c.Green, Blue: &c.Blue})
}

// SetBrightness sets the white brightness, 0-100
func (d *Dispatcher) SetBrightness(brightness float64, deviceIDs ...string) error {
	return d.BuildAndSend(protocol.SetWhiteBrightness, deviceIDs, protocol.Params{Brightness: &brightness})
}

// SetTemperature sets the white color temperature
func (d *Dispatcher) SetTemperature(temperature float64, deviceIDs ...string) error {
	return d.BuildAndSend(protocol.SetWhiteTemperature, deviceIDs, protocol.Params{Temperature: &temperature})
}

// RequestAll asks the hub for the full device and room state
func (d *Dispatcher) RequestAll() error {
	return d.BuildAndSend(protocol.GetAllData, nil, protocol.Params{})
}

// ForRoom sends kind to every member of the room
func (d *Dispatcher) ForRoom(room device.Room, kind protocol.CommandKind, params protocol.Params) error {
	return d.BuildAndSend(kind, room.EntityIDs(), params)
}

func validate(kind protocol.CommandKind, p protocol.Params) error {
	switch kind {
	case protocol.SetColor:
		if p.Red == nil || p.Green == nil || p.Blue == nil {
			return fmt.Errorf("%w: set_color needs red, green and blue", ErrInvalidParams)
		}
	case protocol.SetWhiteBrightness:
		if p.Brightness == nil || *p.Brightness < 0 || *p.Brightness > 100 {
			return fmt.Errorf("%w: brightness must be within 0-100", ErrInvalidParams)
		}
	case protocol.SetWhiteTemperature:
		if p.Temperature == nil || *p.Temperature <= 0 {
			return fmt.Errorf("%w: temperature must be positive", ErrInvalidParams)
		}
	}
	return nil
}

// unique drops empty and repeated ids, keeping the first occurrence order
func unique(ids []string) protocol.IDList {
	seen := make(map[string]bool, len(ids))
	out := make(protocol.IDList, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
