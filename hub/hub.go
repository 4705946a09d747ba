// Package hub is the realtime hub. It owns the authoritative device registry,
// executes commands through a driver and broadcasts the result to every
// connected client.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/helto4real/go-homelab/device"
	"github.com/helto4real/go-homelab/internal/driver"
	"github.com/helto4real/go-homelab/internal/store"
	"github.com/helto4real/go-homelab/internal/wsocket"
	"github.com/helto4real/go-homelab/protocol"
)

var log *logrus.Entry

// DefaultTemperature is used by set_white_temperature when no temp is given
const DefaultTemperature = 4750.0

// Default intervals
const (
	DefaultBroadcastInterval = 5 * time.Second
	DefaultDiscoveryInterval = 5 * time.Second
)

var (
	// ErrUnknownDevice is returned for ids that are not in the registry
	ErrUnknownDevice = errors.New("unknown device")
	// ErrUnknownCommand is returned for kinds the hub does not execute
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInvalidCommand is returned for commands missing required fields
	ErrInvalidCommand = errors.New("invalid command")
)

// BatchError reports the devices of a batch that were not applied
type BatchError struct {
	Kind    protocol.CommandKind
	Failed  map[string]error
	Unknown []string
}

func (e *BatchError) Error() string {
	var parts []string
	if len(e.Failed) > 0 {
		ids := make([]string, 0, len(e.Failed))
		for id := range e.Failed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		parts = append(parts, fmt.Sprintf("failed %s", strings.Join(ids, ",")))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, fmt.Sprintf("unknown %s", strings.Join(e.Unknown, ",")))
	}
	return fmt.Sprintf("%s: %s", e.Kind, strings.Join(parts, "; "))
}

// Is matches ErrUnknownDevice when any id was unknown
func (e *BatchError) Is(target error) bool {
	return target == ErrUnknownDevice && len(e.Unknown) > 0
}

// Store is the read side of the entity store, plus confirmation lookups
type Store interface {
	ListEntities(ctx context.Context) ([]device.Entity, error)
	ListRooms(ctx context.Context) ([]device.Room, error)
	GetEntity(ctx context.Context, id string) (device.Entity, error)
}

// Options configures a hub
type Options struct {
	// BroadcastInterval is the period of the full snapshot broadcast, 0 disables it
	BroadcastInterval time.Duration
	// DiscoveryInterval is how often pending devices are checked against the store
	DiscoveryInterval time.Duration
}

// DefaultOptions returns the intervals the hub runs with by default
func DefaultOptions() Options {
	return Options{
		BroadcastInterval: DefaultBroadcastInterval,
		DiscoveryInterval: DefaultDiscoveryInterval}
}

type connection struct {
	id string
	ws wsocket.Connected
}

// Hub holds the registry and the connected clients
type Hub struct {
	registry *Registry
	driver   driver.Driver
	store    Store
	opts     Options

	locks deviceLocks

	m           sync.RWMutex
	connections map[string]*connection

	// broadcastLock keeps snapshot capture and enqueue in one step so
	// clients never receive an older snapshot after a newer one
	broadcastLock sync.Mutex
}

// New creates a hub applying commands through drv. st may be nil, the hub
// then starts empty and never promotes discovered devices.
func New(drv driver.Driver, st Store, opts Options) *Hub {
	return &Hub{
		registry:    NewRegistry(),
		driver:      drv,
		store:       st,
		opts:        opts,
		locks:       deviceLocks{locks: make(map[string]*sync.Mutex)},
		connections: make(map[string]*connection)}
}

// Registry returns the hub registry
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Load fills the registry and rooms from the store
func (h *Hub) Load(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	entities, err := h.store.ListEntities(ctx)
	if err != nil {
		return fmt.Errorf("failed to load entities: %w", err)
	}
	for _, e := range entities {
		h.registry.SetEntity(e)
	}
	rooms, err := h.store.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rooms: %w", err)
	}
	h.registry.SetRooms(rooms)
	log.Infof("Registry loaded with %d devices and %d rooms", len(entities), len(rooms))
	return nil
}

// Run starts the driver source, the periodic broadcast and the discovery
// reconciler. It blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if source, ok := h.driver.(driver.Source); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := source.Start(ctx, h); err != nil {
				log.Errorf("Driver source stopped: %v", err)
			}
		}()
	}

	var broadcastTick, discoveryTick <-chan time.Time
	if h.opts.BroadcastInterval > 0 {
		t := time.NewTicker(h.opts.BroadcastInterval)
		defer t.Stop()
		broadcastTick = t.C
	}
	if h.opts.DiscoveryInterval > 0 && h.store != nil {
		t := time.NewTicker(h.opts.DiscoveryInterval)
		defer t.Stop()
		discoveryTick = t.C
	}

	for {
		select {
		case <-broadcastTick:
			if h.Connections() > 0 {
				h.BroadcastSnapshot()
			}
		case <-discoveryTick:
			h.Reconcile(ctx)
		case <-ctx.Done():
			wg.Wait()
			h.closeAll()
			return nil
		}
	}
}

// Connections returns the number of connected clients
func (h *Hub) Connections() int {
	h.m.RLock()
	defer h.m.RUnlock()
	return len(h.connections)
}

// Serve handles one client connection until it closes or ctx is done
func (h *Hub) Serve(ctx context.Context, ws wsocket.Connected) {
	conn := &connection{id: uuid.NewString(), ws: ws}
	h.m.Lock()
	h.connections[conn.id] = conn
	h.m.Unlock()
	log.Infof("Client %s connected, %d connected", conn.id, h.Connections())

	defer func() {
		h.m.Lock()
		delete(h.connections, conn.id)
		h.m.Unlock()
		ws.Close()
		log.Infof("Client %s disconnected, %d connected", conn.id, h.Connections())
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-done:
		}
	}()

	for {
		frame, ok := ws.Read()
		if !ok {
			return
		}
		log.Tracef("<- %s: %s", conn.id, string(frame))
		h.handleFrame(ctx, conn, frame)
	}
}

func (h *Hub) handleFrame(ctx context.Context, conn *connection, frame []byte) {
	cmd, err := protocol.DecodeCommand(frame)
	if err != nil {
		log.Warnf("Malformed frame from %s: %v", conn.id, err)
		h.send(conn, &protocol.Response{Status: protocol.StatusError, Message: err.Error()})
		return
	}
	h.send(conn, h.Execute(ctx, cmd))
}

// Execute runs a command and builds the response for its sender
func (h *Hub) Execute(ctx context.Context, cmd *protocol.Command) *protocol.Response {
	if cmd.Command == protocol.GetAllData {
		return &protocol.Response{
			Status:  protocol.StatusSuccess,
			Command: cmd.Command,
			Data: &protocol.ResponseData{
				Devices:    h.registry.Snapshot(),
				Rooms:      h.registry.Rooms(),
				NewDevices: h.registry.Pending()}}
	}

	applied, err := h.Apply(ctx, cmd)
	resp := &protocol.Response{
		Status:  protocol.StatusSuccess,
		Command: cmd.Command,
		Data:    &protocol.ResponseData{Applied: applied}}

	var batchErr *BatchError
	switch {
	case err == nil:
	case errors.As(err, &batchErr):
		resp.Status = protocol.StatusError
		resp.Message = batchErr.Error()
		resp.Data.Unknown = batchErr.Unknown
		if len(batchErr.Failed) > 0 {
			resp.Data.Failed = make(map[string]string, len(batchErr.Failed))
			for id, e := range batchErr.Failed {
				resp.Data.Failed[id] = e.Error()
			}
		}
	default:
		resp.Status = protocol.StatusError
		resp.Message = err.Error()
		resp.Data = nil
	}
	return resp
}

// Apply executes a device command. Known ids are locked in sorted order,
// applied through the driver and merged into the registry; a single snapshot
// is broadcast once the batch is done. Returns the applied ids and a
// *BatchError when some ids were unknown or failed.
func (h *Hub) Apply(ctx context.Context, cmd *protocol.Command) ([]string, error) {
	if !cmd.Command.TargetsDevices() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Command)
	}
	desired, err := desiredFor(cmd)
	if err != nil {
		return nil, err
	}

	var known, unknown []string
	seen := make(map[string]bool, len(cmd.DeviceIDs))
	for _, id := range cmd.DeviceIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if h.registry.Contains(id) {
			known = append(known, id)
		} else {
			unknown = append(unknown, id)
		}
	}
	if len(known) == 0 && len(unknown) == 0 {
		return nil, fmt.Errorf("%w: %s needs device_ids", ErrInvalidCommand, cmd.Command)
	}
	sort.Strings(known)

	applied, failed := h.applyLocked(ctx, known, desired)
	if len(applied) > 0 {
		h.BroadcastSnapshot()
	}
	log.Debugf("%s applied to %d, failed %d, unknown %d", cmd.Command, len(applied), len(failed), len(unknown))

	if len(failed) > 0 || len(unknown) > 0 {
		if len(failed) > 0 {
			log.Warnf("%s failed for %d device(s)", cmd.Command, len(failed))
		}
		return applied, &BatchError{Kind: cmd.Command, Failed: failed, Unknown: unknown}
	}
	return applied, nil
}

// applyLocked holds the device locks while the driver works and the registry
// is updated, so overlapping batches serialize per device. The successful ids
// are committed in one registry write once every driver call returned.
func (h *Hub) applyLocked(ctx context.Context, ids []string, desired device.Desired) ([]string, map[string]error) {
	unlock := h.locks.lock(ids)
	defer unlock()

	var (
		wg     sync.WaitGroup
		m      sync.Mutex
		failed = make(map[string]error)
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := h.driver.Apply(ctx, id, desired); err != nil {
				m.Lock()
				failed[id] = err
				m.Unlock()
			}
		}(id)
	}
	wg.Wait()

	applied := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := failed[id]; !ok {
			applied = append(applied, id)
		}
	}
	h.registry.UpdateStatuses(applied, func(s device.Status) device.Status { return s.Apply(desired) })
	return applied, failed
}

// Report implements driver.Sink: a status update seen on the network
func (h *Hub) Report(id string, bag map[string]interface{}) {
	update, err := device.ParseStatus(bag)
	if err != nil {
		log.Warnf("Dropping report for %s: %v", id, err)
		return
	}

	unlock := h.locks.lock([]string{id})
	status, ok := h.registry.UpdateStatus(id, func(s device.Status) device.Status { return s.Merge(update) })
	unlock()
	if !ok {
		log.Debugf("Report for unregistered device %s", id)
		return
	}

	h.BroadcastSnapshot()
	h.Broadcast(protocol.NewState(id, status))
}

// Announce implements driver.Sink: a device presenting itself on the network
func (h *Hub) Announce(d device.Discovered) {
	if !h.registry.AddPending(d) {
		return
	}
	log.Infof("Discovered new device %s (%s)", d.ID, d.Model)
	h.Broadcast(&protocol.NewDevices{Devices: h.registry.Pending()})
}

// Reconcile moves pending devices that were confirmed in the store into the
// registry. Returns the promoted ids.
func (h *Hub) Reconcile(ctx context.Context) []string {
	if h.store == nil {
		return nil
	}
	var promoted []string
	for id := range h.registry.Pending() {
		entity, err := h.store.GetEntity(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Warnf("Could not check pending device %s: %v", id, err)
			continue
		}
		h.registry.Promote(entity)
		promoted = append(promoted, id)
	}
	if len(promoted) == 0 {
		return nil
	}
	sort.Strings(promoted)
	log.Infof("Promoted confirmed devices %v", promoted)

	if rooms, err := h.store.ListRooms(ctx); err == nil {
		h.registry.SetRooms(rooms)
	} else {
		log.Warnf("Could not reload rooms: %v", err)
	}
	h.BroadcastSnapshot()
	h.Broadcast(&protocol.Rooms{Rooms: h.registry.Rooms()})
	h.Broadcast(&protocol.NewDevices{Devices: h.registry.Pending()})
	return promoted
}

// BroadcastSnapshot sends the full registry to every client
func (h *Hub) BroadcastSnapshot() {
	h.broadcastLock.Lock()
	defer h.broadcastLock.Unlock()
	h.broadcastLocked(&protocol.Snapshot{Devices: h.registry.Snapshot(), NewDevices: h.registry.Pending()})
}

// Broadcast sends a message to every client
func (h *Hub) Broadcast(m protocol.Message) {
	h.broadcastLock.Lock()
	defer h.broadcastLock.Unlock()
	h.broadcastLocked(m)
}

func (h *Hub) broadcastLocked(m protocol.Message) {
	frame, err := protocol.Encode(m)
	if err != nil {
		log.Errorf("Failed to encode %s: %v", m.Type(), err)
		return
	}
	h.m.RLock()
	conns := make([]*connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.m.RUnlock()

	for _, c := range conns {
		h.sendFrame(c, frame)
	}
}

func (h *Hub) send(conn *connection, m protocol.Message) {
	frame, err := protocol.Encode(m)
	if err != nil {
		log.Errorf("Failed to encode %s: %v", m.Type(), err)
		return
	}
	h.sendFrame(conn, frame)
}

// sendFrame never blocks. A client whose queue is full is dropped, it will
// reconnect and ask for the full state. The pumps of a dropped connection
// wind down on their own, Serve removes it once its reader ends.
func (h *Hub) sendFrame(conn *connection, frame []byte) {
	err := conn.ws.Send(frame)
	switch {
	case err == nil:
	case errors.Is(err, wsocket.ErrSendQueueFull):
		log.Warnf("Client %s is too slow, dropping connection", conn.id)
		conn.ws.Shutdown()
	case errors.Is(err, wsocket.ErrClosed):
		log.Debugf("Client %s already closed", conn.id)
	default:
		log.Errorf("Failed to send to %s: %v", conn.id, err)
	}
}

func (h *Hub) closeAll() {
	h.m.RLock()
	defer h.m.RUnlock()
	for _, c := range h.connections {
		c.ws.Close()
	}
}

// desiredFor maps a device command to the state it requests
func desiredFor(cmd *protocol.Command) (device.Desired, error) {
	on, off := true, false
	white, color := "white", "color"

	switch cmd.Command {
	case protocol.TurnOn, protocol.TurnOnMultiple:
		return device.Desired{On: &on}, nil
	case protocol.TurnOff, protocol.TurnOffMultiple:
		return device.Desired{On: &off}, nil
	case protocol.SetWhiteMode:
		return device.Desired{Mode: &white}, nil
	case protocol.SetColorMode:
		return device.Desired{Mode: &color}, nil
	case protocol.SetColor:
		if cmd.Red == nil || cmd.Green == nil || cmd.Blue == nil {
			return device.Desired{}, fmt.Errorf("%w: set_color needs red, green and blue", ErrInvalidCommand)
		}
		return device.Desired{Mode: &color, Color: &device.Color{Red: *cmd.Red, Green: *cmd.Green, Blue: *cmd.Blue}}, nil
	case protocol.SetWhiteBrightness:
		if cmd.Brightness == nil || *cmd.Brightness < 0 || *cmd.Brightness > 100 {
			return device.Desired{}, fmt.Errorf("%w: brightness must be within 0-100", ErrInvalidCommand)
		}
		b := *cmd.Brightness
		return device.Desired{Mode: &white, Brightness: &b}, nil
	case protocol.SetWhiteTemperature:
		temp := DefaultTemperature
		if cmd.Temperature != nil {
			temp = *cmd.Temperature
		}
		return device.Desired{Mode: &white, Temperature: &temp}, nil
	}
	return device.Desired{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Command)
}

// deviceLocks hands out one mutex per device id
type deviceLocks struct {
	m     sync.Mutex
	locks map[string]*sync.Mutex
}

// lock takes the locks of ids, which must be sorted, and returns the unlock func
func (l *deviceLocks) lock(ids []string) func() {
	held := make([]*sync.Mutex, 0, len(ids))
	for _, id := range ids {
		l.m.Lock()
		mu, ok := l.locks[id]
		if !ok {
			mu = &sync.Mutex{}
			l.locks[id] = mu
		}
		l.m.Unlock()
		mu.Lock()
		held = append(held, mu)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func init() {
	log = logrus.WithField("prefix", "hub")
}
