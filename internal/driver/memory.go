package driver

import (
	"context"
	"sync"
	"time"

	"github.com/helto4real/go-homelab/device"
)

// Call is one Apply seen by the memory driver
type Call struct {
	DeviceID string
	Desired  device.Desired
}

// Memory is a driver without hardware. Failures can be injected per device and
// every call is recorded. It is used by the hub when mqtt is disabled and by tests.
type Memory struct {
	m        sync.Mutex
	delay    time.Duration
	delays   map[string]time.Duration
	failures map[string]error
	calls    []Call
	inFlight map[string]int
	overlap  map[string]int
	sink     Sink
	started  chan struct{}
	once     sync.Once
}

// NewMemory creates a memory driver. Each Apply takes delay to complete.
func NewMemory(delay time.Duration) *Memory {
	return &Memory{
		delay:    delay,
		delays:   make(map[string]time.Duration),
		failures: make(map[string]error),
		inFlight: make(map[string]int),
		overlap:  make(map[string]int),
		started:  make(chan struct{})}
}

// Fail makes every Apply to id return err. A nil err clears it.
func (d *Memory) Fail(id string, err error) {
	d.m.Lock()
	defer d.m.Unlock()
	if err == nil {
		delete(d.failures, id)
		return
	}
	d.failures[id] = err
}

// Delay overrides how long Apply to id takes
func (d *Memory) Delay(id string, delay time.Duration) {
	d.m.Lock()
	defer d.m.Unlock()
	d.delays[id] = delay
}

// Apply implements Driver
func (d *Memory) Apply(ctx context.Context, id string, desired device.Desired) error {
	d.m.Lock()
	d.calls = append(d.calls, Call{DeviceID: id, Desired: desired})
	d.inFlight[id]++
	if d.inFlight[id] > 1 {
		d.overlap[id]++
	}
	err := d.failures[id]
	delay, ok := d.delays[id]
	if !ok {
		delay = d.delay
	}
	d.m.Unlock()

	defer func() {
		d.m.Lock()
		d.inFlight[id]--
		d.m.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &ApplyError{DeviceID: id, Err: ctx.Err()}
		}
	}
	if err != nil {
		return &ApplyError{DeviceID: id, Err: err}
	}
	return nil
}

// Calls returns the recorded calls in order
func (d *Memory) Calls() []Call {
	d.m.Lock()
	defer d.m.Unlock()
	return append([]Call(nil), d.calls...)
}

// Overlaps returns how many times an Apply for id started while another one
// for the same id was still running
func (d *Memory) Overlaps(id string) int {
	d.m.Lock()
	defer d.m.Unlock()
	return d.overlap[id]
}

// Start implements Source. Reports and announces are pushed with Emit and
// EmitAnnounce.
func (d *Memory) Start(ctx context.Context, sink Sink) error {
	d.m.Lock()
	d.sink = sink
	d.m.Unlock()
	d.once.Do(func() { close(d.started) })

	<-ctx.Done()

	d.m.Lock()
	d.sink = nil
	d.m.Unlock()
	return nil
}

// Started is closed once Start has registered its sink
func (d *Memory) Started() <-chan struct{} {
	return d.started
}

// Emit reports a status bag as if the device had published it
func (d *Memory) Emit(id string, status map[string]interface{}) {
	d.m.Lock()
	sink := d.sink
	d.m.Unlock()
	if sink == nil {
		log.Debugf("No sink for report from %s", id)
		return
	}
	sink.Report(id, status)
}

// EmitAnnounce announces a device as if it appeared on the network
func (d *Memory) EmitAnnounce(discovered device.Discovered) {
	d.m.Lock()
	sink := d.sink
	d.m.Unlock()
	if sink == nil {
		log.Debugf("No sink for announce from %s", discovered.ID)
		return
	}
	sink.Announce(discovered)
}
