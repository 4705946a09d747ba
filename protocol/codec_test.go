package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/helto4real/go-homelab/device"
	h "github.com/helto4real/go-homelab/internal/test"
	"github.com/helto4real/go-homelab/protocol"
)

func TestEncodeCommand(t *testing.T) {
	b, err := protocol.Encode(&protocol.Command{
		Command:   protocol.TurnOnMultiple,
		DeviceIDs: protocol.IDList{"light-1", "light-2"}})
	h.Ok(t, err)
	h.Equals(t, `{"command":"turn_on_multiple","device_ids":["light-1","light-2"]}`, string(b))

	b, err = protocol.Encode(&protocol.Command{Command: protocol.GetAllData})
	h.Ok(t, err)
	h.Equals(t, `{"command":"get_all_data"}`, string(b))

	red, green, blue := uint8(255), uint8(0), uint8(10)
	b, err = protocol.Encode(&protocol.Command{
		Command:   protocol.SetColor,
		DeviceIDs: protocol.IDList{"a"},
		Params:    protocol.Params{Red: &red, Green: &green, Blue: &blue}})
	h.Ok(t, err)
	h.Equals(t, `{"command":"set_color","device_ids":["a"],"red":255,"green":0,"blue":10}`, string(b))
}

func TestEncodeAddsType(t *testing.T) {
	b, err := protocol.Encode(&protocol.Snapshot{Devices: map[string]device.RawDevice{
		"light-1": {ID: "light-1", Name: "Desk", Type: device.TypeLight, Status: map[string]interface{}{"ison": true}},
	}})
	h.Ok(t, err)

	var fields map[string]interface{}
	h.Ok(t, json.Unmarshal(b, &fields))
	h.Equals(t, "snapshot", fields["type"])

	b, err = protocol.Encode(&protocol.State{DeviceID: "light-1", State: "on"})
	h.Ok(t, err)
	h.Equals(t, `{"command":"state","device_id":"light-1","state":"on","type":"state"}`, string(b))
}

func TestDecodeRoundTripsHubFrames(t *testing.T) {
	bright := 55.0
	frames := []protocol.Message{
		&protocol.Snapshot{Devices: map[string]device.RawDevice{"a": {ID: "a", Status: map[string]interface{}{"command": true}}}},
		&protocol.Rooms{Rooms: map[string]device.Room{"1": {ID: 1, Name: "Living", Entities: []device.RawDevice{{ID: "a"}}}}},
		&protocol.NewDevices{Devices: map[string]device.Discovered{"shelly-1": {ID: "shelly-1", Name: "shelly-1", Type: "SHCB-1"}}},
		&protocol.State{DeviceID: "a", State: "off", Brightness: &bright},
		&protocol.Response{Status: protocol.StatusError, Command: protocol.TurnOnMultiple,
			Data: &protocol.ResponseData{Applied: []string{"a"}, Failed: map[string]string{"b": "timeout"}}},
	}

	for _, m := range frames {
		b, err := protocol.Encode(m)
		h.Ok(t, err)
		decoded, err := protocol.Decode(b)
		h.Ok(t, err)
		h.Equals(t, m.Type(), decoded.Type())
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, frame := range []string{`{not json`, `[]`, `{"foo":1}`, `{"type":"bogus"}`, `{"type":"snapshot"}`, `{"status":"maybe"}`} {
		_, err := protocol.Decode([]byte(frame))
		h.Assert(t, errors.Is(err, protocol.ErrMalformed), "frame %s: want ErrMalformed, got %v", frame, err)
	}
}

func TestDecodeUntaggedFrames(t *testing.T) {
	t.Run("Snapshot", func(t *testing.T) {
		m, err := protocol.Decode([]byte(`{"devices":{"light-1":{"id":"light-1","name":"x","type":"light","status":{"ison":true}},"bad":{"id":1}},"new_devices":{}}`))
		h.Ok(t, err)
		snap := m.(*protocol.Snapshot)
		h.Equals(t, 1, len(snap.Devices))
		h.Equals(t, 1, len(snap.Malformed))
	})

	t.Run("StateEcho", func(t *testing.T) {
		m, err := protocol.Decode([]byte(`{"command":"state","state":"on","brightness":20,"temperature":3000}`))
		h.Ok(t, err)
		st := m.(*protocol.State)
		h.Equals(t, true, st.IsOn())
		h.Equals(t, 3000.0, *st.Temperature)
	})

	t.Run("LegacyNewDevice", func(t *testing.T) {
		m, err := protocol.Decode([]byte(`{"tag":"newdevice","device":{"id":"shelly-9","name":"shelly-9","type":"SHCB-1"}}`))
		h.Ok(t, err)
		h.Equals(t, protocol.TypeNewDevices, m.Type())
	})

	t.Run("Response", func(t *testing.T) {
		m, err := protocol.Decode([]byte(`{"status":"success","data":{"devices":{"a":{"id":"a","status":{}}},"rooms":{}}}`))
		h.Ok(t, err)
		r := m.(*protocol.Response)
		h.Equals(t, true, r.OK())
		h.Equals(t, 1, len(r.Data.Devices))
	})
}

func TestDecodeCommand(t *testing.T) {
	cmd, err := protocol.DecodeCommand([]byte(`{"command":"turn_on","device_ids":"light-1"}`))
	h.Ok(t, err)
	h.Equals(t, protocol.IDList{"light-1"}, cmd.DeviceIDs)

	cmd, err = protocol.DecodeCommand([]byte(`{"command":"set_white_temperature","device_ids":["a","b"],"temp":4750}`))
	h.Ok(t, err)
	h.Equals(t, 4750.0, *cmd.Temperature)
	h.Equals(t, true, cmd.Command.TargetsDevices())
	h.Equals(t, false, protocol.GetAllData.TargetsDevices())
	h.Equals(t, false, protocol.StateEcho.Valid())

	_, err = protocol.DecodeCommand([]byte(`{"device_ids":["a"]}`))
	h.Assert(t, errors.Is(err, protocol.ErrMalformed), "want ErrMalformed")
}
