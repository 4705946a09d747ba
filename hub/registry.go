package hub

import (
	"sort"
	"strconv"
	"sync"

	"github.com/helto4real/go-homelab/device"
)

// Registry stores all entities and their states in memory, plus the rooms
// and the devices waiting for confirmation
//
// It is safe for concurrent use
type Registry struct {
	m        sync.RWMutex
	entities map[string]device.Entity
	rooms    []device.Room
	pending  map[string]device.Discovered
}

// NewRegistry makes a new empty registry
func NewRegistry() *Registry {
	return &Registry{
		entities: make(map[string]device.Entity),
		pending:  make(map[string]device.Discovered)}
}

// GetEntity returns a copy of the entity, second return value is false if no entity exists
func (a *Registry) GetEntity(id string) (device.Entity, bool) {
	a.m.RLock()
	defer a.m.RUnlock()
	entity, ok := a.entities[id]
	if !ok {
		return device.Entity{}, false
	}
	return entity.Clone(), true
}

// SetEntity adds or replaces an entity
func (a *Registry) SetEntity(entity device.Entity) {
	a.m.Lock()
	defer a.m.Unlock()
	a.entities[entity.ID] = entity.Clone()
}

// UpdateStatus replaces the status of an entity with update(current). Returns
// the new status and false if no entity exists.
func (a *Registry) UpdateStatus(id string, update func(device.Status) device.Status) (device.Status, bool) {
	a.m.Lock()
	defer a.m.Unlock()
	entity, ok := a.entities[id]
	if !ok {
		return device.Status{}, false
	}
	entity.Status = update(entity.Status.Clone())
	a.entities[id] = entity
	return entity.Status.Clone(), true
}

// UpdateStatuses applies update to every registered id in one write. Ids
// that are not registered are skipped.
func (a *Registry) UpdateStatuses(ids []string, update func(device.Status) device.Status) {
	a.m.Lock()
	defer a.m.Unlock()
	for _, id := range ids {
		entity, ok := a.entities[id]
		if !ok {
			continue
		}
		entity.Status = update(entity.Status.Clone())
		a.entities[id] = entity
	}
}

// Contains returns true when id is registered
func (a *Registry) Contains(id string) bool {
	a.m.RLock()
	defer a.m.RUnlock()
	_, ok := a.entities[id]
	return ok
}

// Len returns the number of registered entities
func (a *Registry) Len() int {
	a.m.RLock()
	defer a.m.RUnlock()
	return len(a.entities)
}

// Entities returns copies of all entities sorted by id
func (a *Registry) Entities() []device.Entity {
	a.m.RLock()
	defer a.m.RUnlock()
	list := make([]device.Entity, 0, len(a.entities))
	for _, e := range a.entities {
		list = append(list, e.Clone())
	}
	sort.Sort(ByID(list))
	return list
}

// Snapshot returns the wire form of the registry keyed by id
func (a *Registry) Snapshot() map[string]device.RawDevice {
	a.m.RLock()
	defer a.m.RUnlock()
	devices := make(map[string]device.RawDevice, len(a.entities))
	for id, e := range a.entities {
		devices[id] = e.Raw()
	}
	return devices
}

// SetRooms replaces the room list
func (a *Registry) SetRooms(rooms []device.Room) {
	a.m.Lock()
	defer a.m.Unlock()
	a.rooms = rooms
}

// Rooms returns the rooms keyed by id. Members that are registered carry
// their current status.
func (a *Registry) Rooms() map[string]device.Room {
	a.m.RLock()
	defer a.m.RUnlock()
	rooms := make(map[string]device.Room, len(a.rooms))
	for _, r := range a.rooms {
		room := device.Room{ID: r.ID, Name: r.Name, Image: r.Image, Entities: make([]device.RawDevice, 0, len(r.Entities))}
		for _, member := range r.Entities {
			if e, ok := a.entities[member.ID]; ok {
				raw := e.Raw()
				raw.RoomID = member.RoomID
				member = raw
			}
			room.Entities = append(room.Entities, member)
		}
		rooms[strconv.FormatInt(r.ID, 10)] = room
	}
	return rooms
}

// AddPending records a discovered device. Returns false when the device is
// already registered or pending with the same details.
func (a *Registry) AddPending(d device.Discovered) bool {
	a.m.Lock()
	defer a.m.Unlock()
	if _, ok := a.entities[d.ID]; ok {
		return false
	}
	if existing, ok := a.pending[d.ID]; ok && existing == d {
		return false
	}
	a.pending[d.ID] = d
	return true
}

// Pending returns the devices waiting for confirmation keyed by id
func (a *Registry) Pending() map[string]device.Discovered {
	a.m.RLock()
	defer a.m.RUnlock()
	pending := make(map[string]device.Discovered, len(a.pending))
	for id, d := range a.pending {
		pending[id] = d
	}
	return pending
}

// PendingDevice returns one pending device
func (a *Registry) PendingDevice(id string) (device.Discovered, bool) {
	a.m.RLock()
	defer a.m.RUnlock()
	d, ok := a.pending[id]
	return d, ok
}

// Promote moves a confirmed device from pending into the registry
func (a *Registry) Promote(entity device.Entity) {
	a.m.Lock()
	defer a.m.Unlock()
	delete(a.pending, entity.ID)
	a.entities[entity.ID] = entity.Clone()
}

// ByID sorting by the id
type ByID []device.Entity

func (e ByID) Len() int           { return len(e) }
func (e ByID) Swap(i, j int)      { e[i], e[j] = e[j], e[i] }
func (e ByID) Less(i, j int) bool { return e[i].ID < e[j].ID }
