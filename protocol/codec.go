// Package protocol defines the JSON frames exchanged between the hub and its
// clients on the realtime channel.
//
// Every frame the hub sends carries an explicit "type" field. Commands sent by
// clients are discriminated by their "command" field. Frames from hubs that do
// not tag their messages are still recognised by their keys.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/helto4real/go-homelab/device"
)

// ErrMalformed is returned for frames that are not valid JSON or have no
// recognisable shape.
var ErrMalformed = errors.New("malformed message")

// Encode serialises a message, adding the type discriminant to hub frames.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("encode: nil message")
	}
	if s, ok := m.(*State); ok && s.Command == "" {
		echo := *s
		echo.Command = StateEcho
		m = &echo
	}

	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	if m.Type() == TypeCommand {
		return body, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	fields["type"], _ = json.Marshal(m.Type())
	return json.Marshal(fields)
}

type head struct {
	Type    MessageType `json:"type"`
	Command CommandKind `json:"command"`
	Tag     string      `json:"tag"`
}

// Decode parses one inbound frame into its message variant.
func Decode(frame []byte) (Message, error) {
	var h head
	if err := json.Unmarshal(frame, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch h.Type {
	case TypeSnapshot:
		return decodeSnapshot(frame)
	case TypeRooms:
		return decodeInto(frame, &Rooms{})
	case TypeNewDevices:
		return decodeInto(frame, &NewDevices{})
	case TypeState:
		return decodeInto(frame, &State{})
	case TypeResponse:
		return decodeResponse(frame)
	case TypeCommand:
		return DecodeCommand(frame)
	case "":
		return decodeUntagged(frame, h)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, h.Type)
	}
}

// DecodeCommand parses a client command. It does not validate the kind.
func DecodeCommand(frame []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(frame, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if cmd.Command == "" {
		return nil, fmt.Errorf("%w: no command specified", ErrMalformed)
	}
	return &cmd, nil
}

// decodeUntagged recognises frames by the keys they carry
func decodeUntagged(frame []byte, h head) (Message, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(frame, &keys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	has := func(k string) bool { _, ok := keys[k]; return ok }

	switch {
	case h.Command == StateEcho:
		return decodeInto(frame, &State{})
	case has("devices"):
		return decodeSnapshot(frame)
	case has("new_devices"):
		return decodeInto(frame, &NewDevices{})
	case has("rooms"):
		return decodeInto(frame, &Rooms{})
	case h.Tag == "newdevice" && has("device"):
		var legacy struct {
			Device device.Discovered `json:"device"`
		}
		if err := json.Unmarshal(frame, &legacy); err != nil || legacy.Device.ID == "" {
			return nil, fmt.Errorf("%w: bad newdevice frame", ErrMalformed)
		}
		return &NewDevices{Devices: map[string]device.Discovered{legacy.Device.ID: legacy.Device}}, nil
	case has("status"):
		return decodeResponse(frame)
	case h.Command != "":
		return DecodeCommand(frame)
	}
	return nil, fmt.Errorf("%w: unrecognised frame", ErrMalformed)
}

func decodeInto(frame []byte, m Message) (Message, error) {
	if err := json.Unmarshal(frame, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, m.Type(), err)
	}
	return m, nil
}

type snapshotWire struct {
	Devices    json.RawMessage              `json:"devices"`
	NewDevices map[string]device.Discovered `json:"new_devices"`
}

func decodeSnapshot(frame []byte) (Message, error) {
	var w snapshotWire
	if err := json.Unmarshal(frame, &w); err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrMalformed, err)
	}
	if len(w.Devices) == 0 {
		return nil, fmt.Errorf("%w: snapshot without devices", ErrMalformed)
	}
	registry, malformed, err := device.DecodeRegistry(w.Devices)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrMalformed, err)
	}
	if registry == nil {
		registry = map[string]device.RawDevice{}
	}
	return &Snapshot{Devices: registry, NewDevices: w.NewDevices, Malformed: malformed}, nil
}

type responseWire struct {
	Status  string      `json:"status"`
	Command CommandKind `json:"command"`
	Message string      `json:"message"`
	Data    *struct {
		Devices    json.RawMessage              `json:"devices"`
		Rooms      map[string]device.Room       `json:"rooms"`
		NewDevices map[string]device.Discovered `json:"new_devices"`
		Applied    []string                     `json:"applied"`
		Failed     map[string]string            `json:"failed"`
		Unknown    []string                     `json:"unknown"`
	} `json:"data"`
}

func decodeResponse(frame []byte) (Message, error) {
	var w responseWire
	if err := json.Unmarshal(frame, &w); err != nil {
		return nil, fmt.Errorf("%w: response: %v", ErrMalformed, err)
	}
	if w.Status != StatusSuccess && w.Status != StatusError {
		return nil, fmt.Errorf("%w: response status %q", ErrMalformed, w.Status)
	}

	r := &Response{Status: w.Status, Command: w.Command, Message: w.Message}
	if w.Data == nil {
		return r, nil
	}
	r.Data = &ResponseData{
		Rooms:      w.Data.Rooms,
		NewDevices: w.Data.NewDevices,
		Applied:    w.Data.Applied,
		Failed:     w.Data.Failed,
		Unknown:    w.Data.Unknown,
	}
	if len(w.Data.Devices) > 0 && string(w.Data.Devices) != "null" {
		registry, malformed, err := device.DecodeRegistry(w.Data.Devices)
		if err != nil {
			return nil, fmt.Errorf("%w: response devices: %v", ErrMalformed, err)
		}
		r.Data.Devices = registry
		r.Data.Malformed = malformed
	}
	return r, nil
}
