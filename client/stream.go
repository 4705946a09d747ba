package client

import (
	"sync"
	"sync/atomic"

	"github.com/helto4real/go-homelab/protocol"
)

// Default sizes
const (
	DefaultHistorySize     = 100
	DefaultSubscriberQueue = 32
)

// Stream fans decoded messages out to subscribers and keeps a bounded log of
// the most recent ones. Publish never blocks: a subscriber whose buffer is
// full misses the message.
type Stream struct {
	m           sync.RWMutex
	subscribers map[int]chan protocol.Message
	nextID      int
	history     []protocol.Message
	historySize int
	closed      bool
	dropped     uint64
}

// NewStream creates a stream keeping historySize messages
func NewStream(historySize int) *Stream {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Stream{
		subscribers: make(map[int]chan protocol.Message),
		historySize: historySize,
	}
}

// Subscribe returns a channel receiving every message published from now on
// and a function to unsubscribe. The channel is closed on unsubscribe or when
// the stream closes.
func (s *Stream) Subscribe(buffer int) (<-chan protocol.Message, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberQueue
	}
	ch := make(chan protocol.Message, buffer)

	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.m.Lock()
			defer s.m.Unlock()
			if sub, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(sub)
			}
		})
	}
}

// Publish appends the message to the log and offers it to every subscriber
func (s *Stream) Publish(message protocol.Message) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return
	}

	s.history = append(s.history, message)
	if len(s.history) > s.historySize {
		s.history = s.history[len(s.history)-s.historySize:]
	}

	for id, sub := range s.subscribers {
		select {
		case sub <- message:
		default:
			atomic.AddUint64(&s.dropped, 1)
			log.Warnf("Subscriber %d queue full, dropping %s message", id, message.Type())
		}
	}
}

// History returns the logged messages, oldest first
func (s *Stream) History() []protocol.Message {
	s.m.RLock()
	defer s.m.RUnlock()
	h := make([]protocol.Message, len(s.history))
	copy(h, s.history)
	return h
}

// Dropped returns how many deliveries were skipped because a subscriber was full
func (s *Stream) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Close closes every subscriber channel
func (s *Stream) Close() {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subscribers {
		delete(s.subscribers, id)
		close(sub)
	}
}
