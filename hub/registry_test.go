package hub

import (
	"testing"

	"github.com/helto4real/go-homelab/device"
	h "github.com/helto4real/go-homelab/internal/test"
)

func TestRegistryRoomsCarryCurrentStatus(t *testing.T) {
	r := NewRegistry()
	r.SetEntity(*device.NewEntity("light-1", "Desk", device.TypeLight))
	roomID := int64(1)
	r.SetRooms([]device.Room{{ID: roomID, Name: "Living", Entities: []device.RawDevice{
		{ID: "light-1", RoomID: &roomID, Status: map[string]interface{}{"ison": false}},
		{ID: "gone", RoomID: &roomID, Status: map[string]interface{}{}},
	}}})

	on := true
	_, ok := r.UpdateStatus("light-1", func(s device.Status) device.Status { return s.Apply(device.Desired{On: &on}) })
	h.Equals(t, true, ok)

	rooms := r.Rooms()
	h.Equals(t, 1, len(rooms))
	living := rooms["1"]
	h.Equals(t, []string{"light-1", "gone"}, living.EntityIDs())
	h.Equals(t, true, living.Entities[0].Status["ison"])
	h.Equals(t, &roomID, living.Entities[0].RoomID)
}

func TestRegistryPending(t *testing.T) {
	r := NewRegistry()
	r.SetEntity(*device.NewEntity("known", "Known", device.TypePlug))

	h.Equals(t, false, r.AddPending(device.Discovered{ID: "known"}))
	h.Equals(t, true, r.AddPending(device.Discovered{ID: "new", Model: "SHCB-1"}))
	h.Equals(t, false, r.AddPending(device.Discovered{ID: "new", Model: "SHCB-1"}))
	h.Equals(t, true, r.AddPending(device.Discovered{ID: "new", Model: "SHCB-1", IP: "10.0.0.2"}))
	h.Equals(t, 1, len(r.Pending()))

	r.Promote(device.Discovered{ID: "new", Type: device.TypeLight}.Entity())
	h.Equals(t, 0, len(r.Pending()))
	h.Equals(t, true, r.Contains("new"))
	h.Equals(t, 2, r.Len())
}

func TestRegistryCopies(t *testing.T) {
	r := NewRegistry()
	e := device.NewEntity("a", "A", device.TypeLight)
	e.Config = map[string]interface{}{"k": "v"}
	r.SetEntity(*e)

	e.Config["k"] = "changed"
	got, _ := r.GetEntity("a")
	h.Equals(t, "v", got.Config["k"])

	got.Name = "other"
	again, _ := r.GetEntity("a")
	h.Equals(t, "A", again.Name)

	entities := r.Entities()
	h.Equals(t, 1, len(entities))
	_, ok := r.UpdateStatus("missing", func(s device.Status) device.Status { return s })
	h.Equals(t, false, ok)
}
