package hub_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/helto4real/go-homelab/device"
	"github.com/helto4real/go-homelab/hub"
	"github.com/helto4real/go-homelab/internal/driver"
	"github.com/helto4real/go-homelab/internal/store"
	h "github.com/helto4real/go-homelab/internal/test"
	"github.com/helto4real/go-homelab/protocol"
)

// fakeStore is an in memory hub.Store
type fakeStore struct {
	m        sync.Mutex
	entities map[string]device.Entity
	rooms    []device.Room
}

func newFakeStore(ids ...string) *fakeStore {
	s := &fakeStore{entities: make(map[string]device.Entity)}
	for _, id := range ids {
		s.entities[id] = *device.NewEntity(id, id, device.TypeLight)
	}
	return s
}

func (s *fakeStore) ListEntities(ctx context.Context) ([]device.Entity, error) {
	s.m.Lock()
	defer s.m.Unlock()
	var list []device.Entity
	for _, e := range s.entities {
		list = append(list, e)
	}
	return list, nil
}

func (s *fakeStore) ListRooms(ctx context.Context) ([]device.Room, error) {
	s.m.Lock()
	defer s.m.Unlock()
	return s.rooms, nil
}

func (s *fakeStore) GetEntity(ctx context.Context, id string) (device.Entity, error) {
	s.m.Lock()
	defer s.m.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return device.Entity{}, store.ErrNotFound
	}
	return e, nil
}

func (s *fakeStore) AddEntity(ctx context.Context, e device.Entity) error {
	s.m.Lock()
	defer s.m.Unlock()
	if _, ok := s.entities[e.ID]; ok {
		return store.ErrExists
	}
	s.entities[e.ID] = e
	return nil
}

func newLoadedHub(t *testing.T, drv driver.Driver, ids ...string) (*hub.Hub, *fakeStore) {
	t.Helper()
	st := newFakeStore(ids...)
	hb := hub.New(drv, st, hub.Options{})
	h.Ok(t, hb.Load(context.Background()))
	return hb, st
}

func command(kind protocol.CommandKind, ids ...string) *protocol.Command {
	return &protocol.Command{Command: kind, DeviceIDs: ids}
}

func TestDisjointBatchesRunInParallel(t *testing.T) {
	const delay = 200 * time.Millisecond
	drv := driver.NewMemory(delay)
	hb, _ := newLoadedHub(t, drv, "a", "b", "c", "d")

	start := time.Now()
	var wg sync.WaitGroup
	for _, ids := range [][]string{{"a", "b"}, {"c", "d"}} {
		wg.Add(1)
		go func(ids []string) {
			defer wg.Done()
			resp := hb.Execute(context.Background(), command(protocol.TurnOnMultiple, ids...))
			h.Equals(t, protocol.StatusSuccess, resp.Status)
		}(ids)
	}
	wg.Wait()

	elapsed := time.Since(start)
	h.Assert(t, elapsed < 2*delay, "disjoint batches took %v, want < %v", elapsed, 2*delay)
	for _, id := range []string{"a", "b", "c", "d"} {
		e, _ := hb.Registry().GetEntity(id)
		h.Equals(t, true, e.Status.IsOn())
	}
}

func TestOverlappingBatchesSerializePerDevice(t *testing.T) {
	drv := driver.NewMemory(20 * time.Millisecond)
	hb, _ := newLoadedHub(t, drv, "a", "b", "c")

	colors := []device.Color{{Red: 255}, {Green: 255}, {Blue: 255}, {Red: 10, Green: 20, Blue: 30}}
	var wg sync.WaitGroup
	for i, c := range colors {
		wg.Add(1)
		go func(i int, c device.Color) {
			defer wg.Done()
			ids := []string{"a", "b", "c"}
			if i%2 == 1 {
				ids = []string{"c", "b", "a"}
			}
			cmd := command(protocol.SetColor, ids...)
			cmd.Red, cmd.Green, cmd.Blue = &c.Red, &c.Green, &c.Blue
			resp := hb.Execute(context.Background(), cmd)
			h.Equals(t, protocol.StatusSuccess, resp.Status)
		}(i, c)
	}
	wg.Wait()

	for _, id := range []string{"a", "b", "c"} {
		h.Equals(t, 0, drv.Overlaps(id))
		e, _ := hb.Registry().GetEntity(id)
		got := *e.Status.Color
		whole := false
		for _, c := range colors {
			if c == got {
				whole = true
			}
		}
		h.Assert(t, whole, "device %s ended with blended color %+v", id, got)
		h.Equals(t, "color", *e.Status.Mode)
	}
	h.Equals(t, 12, len(drv.Calls()))
}

func TestBatchIsCommittedAtOnce(t *testing.T) {
	drv := driver.NewMemory(0)
	drv.Delay("b", 300*time.Millisecond)
	hb, _ := newLoadedHub(t, drv, "a", "b")

	var err error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err = hb.Apply(context.Background(), command(protocol.TurnOnMultiple, "a", "b"))
	}()

	for {
		snap := hb.Registry().Snapshot()
		h.Equals(t, snap["a"].Status["ison"] == true, snap["b"].Status["ison"] == true)
		select {
		case <-done:
			h.Ok(t, err)
			h.Equals(t, true, hb.Registry().Snapshot()["a"].Status["ison"])
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPartialFailure(t *testing.T) {
	drv := driver.NewMemory(0)
	drv.Fail("b", errors.New("timeout"))
	hb, _ := newLoadedHub(t, drv, "a", "b")

	applied, err := hb.Apply(context.Background(), command(protocol.TurnOnMultiple, "a", "b", "x", "a"))
	h.Equals(t, []string{"a"}, applied)

	var batchErr *hub.BatchError
	h.Equals(t, true, errors.As(err, &batchErr))
	h.Equals(t, 1, len(batchErr.Failed))
	h.Equals(t, []string{"x"}, batchErr.Unknown)
	h.Assert(t, errors.Is(err, hub.ErrUnknownDevice), "want ErrUnknownDevice, got %v", err)

	a, _ := hb.Registry().GetEntity("a")
	b, _ := hb.Registry().GetEntity("b")
	h.Equals(t, true, a.Status.IsOn())
	h.Equals(t, false, b.Status.IsOn())

	resp := hb.Execute(context.Background(), command(protocol.TurnOnMultiple, "a", "b", "x"))
	h.Equals(t, protocol.StatusError, resp.Status)
	h.Equals(t, []string{"a"}, resp.Data.Applied)
	h.Equals(t, []string{"x"}, resp.Data.Unknown)
	h.Equals(t, "apply b: timeout", resp.Data.Failed["b"])
}

func TestExecuteCommands(t *testing.T) {
	drv := driver.NewMemory(0)
	hb, _ := newLoadedHub(t, drv, "a")
	ctx := context.Background()

	t.Run("WhiteTemperatureDefault", func(t *testing.T) {
		resp := hb.Execute(ctx, command(protocol.SetWhiteTemperature, "a"))
		h.Equals(t, protocol.StatusSuccess, resp.Status)
		e, _ := hb.Registry().GetEntity("a")
		h.Equals(t, hub.DefaultTemperature, *e.Status.Temperature)
		h.Equals(t, "white", *e.Status.Mode)
	})

	t.Run("Brightness", func(t *testing.T) {
		cmd := command(protocol.SetWhiteBrightness, "a")
		b := 30.0
		cmd.Brightness = &b
		h.Equals(t, protocol.StatusSuccess, hb.Execute(ctx, cmd).Status)
		e, _ := hb.Registry().GetEntity("a")
		h.Equals(t, 30.0, *e.Status.Brightness)

		b = 300
		h.Equals(t, protocol.StatusError, hb.Execute(ctx, cmd).Status)
	})

	t.Run("SingleTurnOff", func(t *testing.T) {
		h.Equals(t, protocol.StatusSuccess, hb.Execute(ctx, command(protocol.TurnOff, "a")).Status)
		e, _ := hb.Registry().GetEntity("a")
		h.Equals(t, false, e.Status.IsOn())
	})

	t.Run("Invalid", func(t *testing.T) {
		resp := hb.Execute(ctx, command(protocol.TurnOnMultiple))
		h.Equals(t, protocol.StatusError, resp.Status)
		resp = hb.Execute(ctx, command(protocol.StateEcho, "a"))
		h.Equals(t, protocol.StatusError, resp.Status)
		resp = hb.Execute(ctx, command(protocol.SetColor, "a"))
		h.Equals(t, protocol.StatusError, resp.Status)
	})

	t.Run("GetAllData", func(t *testing.T) {
		resp := hb.Execute(ctx, command(protocol.GetAllData))
		h.Equals(t, protocol.StatusSuccess, resp.Status)
		h.Equals(t, 1, len(resp.Data.Devices))
		h.Equals(t, "a", resp.Data.Devices["a"].ID)
	})
}

func TestReportsAndDiscovery(t *testing.T) {
	drv := driver.NewMemory(0)
	hb, st := newLoadedHub(t, drv, "a")
	ctx := context.Background()

	hb.Report("a", map[string]interface{}{"ison": true, "brightness": 70.0})
	e, _ := hb.Registry().GetEntity("a")
	h.Equals(t, true, e.Status.IsOn())
	h.Equals(t, 70.0, *e.Status.Brightness)

	hb.Report("a", map[string]interface{}{"brightness": 400.0})
	e, _ = hb.Registry().GetEntity("a")
	h.Equals(t, 70.0, *e.Status.Brightness)

	hb.Report("unknown", map[string]interface{}{"ison": true})
	h.Equals(t, false, hb.Registry().Contains("unknown"))

	hb.Announce(device.Discovered{ID: "new-1", Type: device.TypeLight})
	hb.Announce(device.Discovered{ID: "a"})
	h.Equals(t, 1, len(hb.Registry().Pending()))
	h.Equals(t, false, hb.Registry().Contains("new-1"))

	h.Equals(t, 0, len(hb.Reconcile(ctx)))
	h.Equals(t, false, hb.Registry().Contains("new-1"))

	h.Ok(t, st.AddEntity(ctx, device.Discovered{ID: "new-1", Type: device.TypeLight}.Entity()))
	h.Equals(t, []string{"new-1"}, hb.Reconcile(ctx))
	h.Equals(t, true, hb.Registry().Contains("new-1"))
	h.Equals(t, 0, len(hb.Registry().Pending()))
}

func TestRunStopsOnCancel(t *testing.T) {
	drv := driver.NewMemory(0)
	st := newFakeStore("a")
	hb := hub.New(drv, st, hub.Options{BroadcastInterval: 10 * time.Millisecond, DiscoveryInterval: 10 * time.Millisecond})
	h.Ok(t, hb.Load(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error)
	go func() { stopped <- hb.Run(ctx) }()

	<-drv.Started()
	drv.EmitAnnounce(device.Discovered{ID: "new-1"})
	h.Ok(t, st.AddEntity(context.Background(), device.Discovered{ID: "new-1"}.Entity()))
	h.Eventually(t, time.Second, func() bool { return hb.Registry().Contains("new-1") }, "reconciled")

	cancel()
	select {
	case err := <-stopped:
		h.Ok(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
}
