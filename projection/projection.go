// Package projection keeps the view a user interface renders. It follows the
// hub: snapshots replace the whole device list and state echoes update one
// device. Nothing here is optimistic, a command only shows once the hub
// confirms it.
package projection

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/helto4real/go-homelab/client"
	"github.com/helto4real/go-homelab/device"
	"github.com/helto4real/go-homelab/protocol"
)

var log *logrus.Entry

// Projection is the normalized view
type Projection struct {
	m          sync.RWMutex
	devices    map[string]device.DeviceState
	rooms      map[string]device.Room
	newDevices map[string]device.Discovered
	report     device.Report
	synced     bool
	changed    chan struct{}
}

// New creates an empty projection
func New() *Projection {
	return &Projection{
		devices:    make(map[string]device.DeviceState),
		rooms:      make(map[string]device.Room),
		newDevices: make(map[string]device.Discovered),
		changed:    make(chan struct{}, 1)}
}

// Run applies every message of the stream until ctx is done or the stream closes
func (p *Projection) Run(ctx context.Context, stream *client.Stream) {
	messages, unsubscribe := stream.Subscribe(client.DefaultSubscriberQueue)
	defer unsubscribe()
	p.Follow(ctx, messages)
}

// Follow applies messages until ctx is done or the channel closes
func (p *Projection) Follow(ctx context.Context, messages <-chan protocol.Message) {
	for {
		select {
		case m, ok := <-messages:
			if !ok {
				return
			}
			p.Apply(m)
		case <-ctx.Done():
			return
		}
	}
}

// Changed receives a value after the view changed. Notifications coalesce,
// read the view after receiving.
func (p *Projection) Changed() <-chan struct{} {
	return p.changed
}

// Apply folds one hub message into the view. Returns true when the view changed.
func (p *Projection) Apply(m protocol.Message) bool {
	var changed bool
	switch msg := m.(type) {
	case *protocol.Snapshot:
		p.replaceDevices(msg.Devices, msg.Malformed)
		if msg.NewDevices != nil {
			p.replaceNewDevices(msg.NewDevices)
		}
		changed = true
	case *protocol.Response:
		if msg.Data == nil {
			if !msg.OK() {
				log.Warnf("Hub rejected %s: %s", msg.Command, msg.Message)
			}
			return false
		}
		if msg.Data.Devices != nil || msg.Command == protocol.GetAllData {
			p.replaceDevices(msg.Data.Devices, msg.Data.Malformed)
			changed = true
		}
		if msg.Data.Rooms != nil {
			p.replaceRooms(msg.Data.Rooms)
			changed = true
		}
		if msg.Data.NewDevices != nil {
			p.replaceNewDevices(msg.Data.NewDevices)
			changed = true
		}
		if !msg.OK() {
			log.Warnf("%s failed: %s", msg.Command, msg.Message)
		}
	case *protocol.Rooms:
		p.replaceRooms(msg.Rooms)
		changed = true
	case *protocol.NewDevices:
		p.replaceNewDevices(msg.Devices)
		changed = true
	case *protocol.State:
		changed = p.applyEcho(msg)
	}

	if changed {
		p.notify()
	}
	return changed
}

func (p *Projection) replaceDevices(raw map[string]device.RawDevice, malformed map[string]error) {
	states, report := device.Normalize(raw)
	for id, err := range malformed {
		if report.Malformed == nil {
			report.Malformed = make(map[string]error)
		}
		report.Malformed[id] = err
		report.Skipped++
	}
	if report.Skipped > 0 {
		log.Warnf("Skipped %d malformed device(s)", report.Skipped)
	}

	devices := make(map[string]device.DeviceState, len(states))
	for _, s := range states {
		devices[s.ID] = s
	}

	p.m.Lock()
	defer p.m.Unlock()
	p.devices = devices
	p.report = report
	p.synced = true
}

func (p *Projection) replaceRooms(rooms map[string]device.Room) {
	p.m.Lock()
	defer p.m.Unlock()
	p.rooms = rooms
}

func (p *Projection) replaceNewDevices(newDevices map[string]device.Discovered) {
	p.m.Lock()
	defer p.m.Unlock()
	p.newDevices = newDevices
}

func (p *Projection) applyEcho(echo *protocol.State) bool {
	p.m.Lock()
	defer p.m.Unlock()
	state, ok := p.devices[echo.DeviceID]
	if !ok {
		log.Debugf("State echo for unknown device %s", echo.DeviceID)
		return false
	}
	state.IsOn = echo.IsOn()
	if echo.Brightness != nil {
		b := *echo.Brightness
		state.Brightness = &b
	}
	if echo.Temperature != nil {
		t := *echo.Temperature
		state.Temperature = &t
	}
	p.devices[echo.DeviceID] = state
	return true
}

func (p *Projection) notify() {
	select {
	case p.changed <- struct{}{}:
	default:
	}
}

// Synced returns true once a full device list has been received
func (p *Projection) Synced() bool {
	p.m.RLock()
	defer p.m.RUnlock()
	return p.synced
}

// Devices returns the devices sorted by id
func (p *Projection) Devices() []device.DeviceState {
	p.m.RLock()
	defer p.m.RUnlock()
	list := make([]device.DeviceState, 0, len(p.devices))
	for _, d := range p.devices {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Device returns one device
func (p *Projection) Device(id string) (device.DeviceState, bool) {
	p.m.RLock()
	defer p.m.RUnlock()
	d, ok := p.devices[id]
	return d, ok
}

// Rooms returns the rooms sorted by id
func (p *Projection) Rooms() []device.Room {
	p.m.RLock()
	defer p.m.RUnlock()
	list := make([]device.Room, 0, len(p.rooms))
	for _, r := range p.rooms {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Room finds a room by id or name
func (p *Projection) Room(key string) (device.Room, bool) {
	p.m.RLock()
	defer p.m.RUnlock()
	if r, ok := p.rooms[key]; ok {
		return r, true
	}
	for _, r := range p.rooms {
		if r.Name == key || strconv.FormatInt(r.ID, 10) == key {
			return r, true
		}
	}
	return device.Room{}, false
}

// NewDevices returns the devices waiting for confirmation sorted by id
func (p *Projection) NewDevices() []device.Discovered {
	p.m.RLock()
	defer p.m.RUnlock()
	list := make([]device.Discovered, 0, len(p.newDevices))
	for _, d := range p.newDevices {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Report returns what the last device list had to skip
func (p *Projection) Report() device.Report {
	p.m.RLock()
	defer p.m.RUnlock()
	return p.report
}

func init() {
	log = logrus.WithField("prefix", "projection")
}
