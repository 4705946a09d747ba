package client

import (
	"testing"
	"time"

	h "github.com/helto4real/go-homelab/internal/test"
	"github.com/helto4real/go-homelab/protocol"
)

func TestNextDelay(t *testing.T) {
	t.Run("FixedByDefault", func(t *testing.T) {
		c := New(DefaultOptions("ws://fake/ws"))
		h.Equals(t, 3*time.Second, c.nextDelay(3*time.Second))
		h.Equals(t, 3*time.Second, c.nextDelay(c.nextDelay(3*time.Second)))
	})

	t.Run("MultiplierWithCap", func(t *testing.T) {
		opts := DefaultOptions("ws://fake/ws")
		opts.RetryDelay = time.Second
		opts.RetryMultiplier = 2
		opts.MaxRetryDelay = 5 * time.Second
		c := New(opts)

		d := c.nextDelay(time.Second)
		h.Equals(t, 2*time.Second, d)
		d = c.nextDelay(d)
		h.Equals(t, 4*time.Second, d)
		d = c.nextDelay(d)
		h.Equals(t, 5*time.Second, d)
	})
}

func TestStream(t *testing.T) {
	t.Run("SlowSubscriberDoesNotBlock", func(t *testing.T) {
		s := NewStream(10)
		slow, _ := s.Subscribe(1)
		fast, _ := s.Subscribe(10)

		for i := 0; i < 5; i++ {
			s.Publish(&protocol.Rooms{})
		}
		h.Equals(t, 1, len(slow))
		h.Equals(t, 5, len(fast))
		h.Equals(t, uint64(4), s.Dropped())
	})

	t.Run("HistoryIsBounded", func(t *testing.T) {
		s := NewStream(3)
		for i := 0; i < 5; i++ {
			s.Publish(&protocol.State{DeviceID: string(rune('a' + i))})
		}
		history := s.History()
		h.Equals(t, 3, len(history))
		h.Equals(t, "c", history[0].(*protocol.State).DeviceID)
		h.Equals(t, "e", history[2].(*protocol.State).DeviceID)
	})

	t.Run("UnsubscribeAndClose", func(t *testing.T) {
		s := NewStream(3)
		a, unsubscribe := s.Subscribe(1)
		b, _ := s.Subscribe(1)

		unsubscribe()
		unsubscribe()
		_, ok := <-a
		h.Equals(t, false, ok)

		s.Close()
		_, ok = <-b
		h.Equals(t, false, ok)

		late, _ := s.Subscribe(1)
		_, ok = <-late
		h.Equals(t, false, ok)
		s.Publish(&protocol.Rooms{})
	})
}
