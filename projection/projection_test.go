package projection_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/helto4real/go-homelab/client"
	"github.com/helto4real/go-homelab/device"
	h "github.com/helto4real/go-homelab/internal/test"
	"github.com/helto4real/go-homelab/projection"
	"github.com/helto4real/go-homelab/protocol"
)

func raw(id string, status map[string]interface{}) device.RawDevice {
	return device.RawDevice{ID: id, Name: id, Type: device.TypeLight, Status: status}
}

func TestSnapshotReplacesWholeView(t *testing.T) {
	p := projection.New()
	h.Equals(t, false, p.Synced())

	p.Apply(&protocol.Snapshot{Devices: map[string]device.RawDevice{
		"b": raw("b", map[string]interface{}{"ison": true}),
		"a": raw("a", map[string]interface{}{"command": true}),
		"c": raw("c", map[string]interface{}{}),
	}})
	devices := p.Devices()
	h.Equals(t, 3, len(devices))
	h.Equals(t, "a", devices[0].ID)
	h.Equals(t, true, devices[0].IsOn)
	h.Equals(t, false, devices[2].IsOn)
	h.Equals(t, true, p.Synced())

	p.Apply(&protocol.Snapshot{Devices: map[string]device.RawDevice{
		"b": raw("b", map[string]interface{}{"ison": false}),
	}})
	devices = p.Devices()
	h.Equals(t, 1, len(devices))
	h.Equals(t, "b", devices[0].ID)
	h.Equals(t, false, devices[0].IsOn)
}

func TestMalformedEntriesAreReported(t *testing.T) {
	p := projection.New()
	p.Apply(&protocol.Snapshot{
		Devices: map[string]device.RawDevice{
			"a": raw("a", map[string]interface{}{"ison": true}),
			"b": raw("b", map[string]interface{}{"brightness": "bright"}),
		},
		Malformed: map[string]error{"c": errors.New("not an object")},
	})
	h.Equals(t, 1, len(p.Devices()))
	h.Equals(t, 2, p.Report().Skipped)
}

func TestStateEchoUpdatesOneDevice(t *testing.T) {
	p := projection.New()
	p.Apply(&protocol.Snapshot{Devices: map[string]device.RawDevice{
		"a": raw("a", map[string]interface{}{"ison": false}),
		"b": raw("b", map[string]interface{}{"ison": false}),
	}})

	bright := 25.0
	h.Equals(t, true, p.Apply(&protocol.State{Command: protocol.StateEcho, DeviceID: "a", State: "on", Brightness: &bright}))
	a, _ := p.Device("a")
	b, _ := p.Device("b")
	h.Equals(t, true, a.IsOn)
	h.Equals(t, 25.0, *a.Brightness)
	h.Equals(t, false, b.IsOn)

	h.Equals(t, false, p.Apply(&protocol.State{DeviceID: "zzz", State: "on"}))
}

func TestResponsesRoomsAndDiscovery(t *testing.T) {
	p := projection.New()
	p.Apply(&protocol.Response{Status: protocol.StatusSuccess, Command: protocol.GetAllData, Data: &protocol.ResponseData{
		Devices: map[string]device.RawDevice{"a": raw("a", map[string]interface{}{"ison": true})},
		Rooms: map[string]device.Room{
			"2": {ID: 2, Name: "Kitchen"},
			"1": {ID: 1, Name: "Living", Entities: []device.RawDevice{{ID: "a"}}},
		},
	}})
	h.Equals(t, 1, len(p.Devices()))
	rooms := p.Rooms()
	h.Equals(t, "Living", rooms[0].Name)
	living, ok := p.Room("Living")
	h.Equals(t, true, ok)
	h.Equals(t, []string{"a"}, living.EntityIDs())

	p.Apply(&protocol.NewDevices{Devices: map[string]device.Discovered{"n": {ID: "n"}}})
	h.Equals(t, 1, len(p.NewDevices()))

	// a batch outcome carries no device list and leaves the view alone
	changed := p.Apply(&protocol.Response{Status: protocol.StatusError, Command: protocol.TurnOnMultiple,
		Data: &protocol.ResponseData{Failed: map[string]string{"a": "timeout"}}})
	h.Equals(t, false, changed)
	h.Equals(t, 1, len(p.Devices()))
}

func TestRunFollowsStream(t *testing.T) {
	stream := client.NewStream(10)
	p := projection.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Run(ctx, stream)
		close(done)
	}()

	h.Eventually(t, time.Second, func() bool {
		stream.Publish(&protocol.Snapshot{Devices: map[string]device.RawDevice{"a": raw("a", map[string]interface{}{"ison": true})}})
		return len(p.Devices()) == 1
	}, "snapshot applied")

	select {
	case <-p.Changed():
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}

	stream.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("projection did not stop")
	}
}
