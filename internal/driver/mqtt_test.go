package driver

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/helto4real/go-homelab/device"
	h "github.com/helto4real/go-homelab/internal/test"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return qos }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// gatedSink holds every report until the gate is released, like a hub waiting
// on device locks
type gatedSink struct {
	recordingSink
	gate sync.Mutex
}

func (s *gatedSink) Report(id string, status map[string]interface{}) {
	s.gate.Lock()
	s.gate.Unlock()
	s.recordingSink.Report(id, status)
}

func (s *gatedSink) reported(ids ...string) bool {
	s.m.Lock()
	defer s.m.Unlock()
	for _, id := range ids {
		if _, ok := s.reports[id]; !ok {
			return false
		}
	}
	return true
}

func TestMQTTMessagesDoNotWaitForSink(t *testing.T) {
	d := NewMQTT(MQTTOptions{Broker: "tcp://127.0.0.1:1"})
	sink := &gatedSink{}
	sink.gate.Lock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.deliver(ctx, sink)

	start := time.Now()
	for _, id := range []string{"bulb-1", "bulb-2", "bulb-3"} {
		d.onMessage(nil, fakeMessage{topic: "shellies/" + id + "/color/0/status", payload: []byte(`{"ison":true}`)})
	}
	h.Assert(t, time.Since(start) < time.Second, "message handling waited for the sink")
	h.Equals(t, false, sink.reported("bulb-1"))

	sink.gate.Unlock()
	h.Eventually(t, time.Second, func() bool { return sink.reported("bulb-1", "bulb-2", "bulb-3") }, "reports delivered")
}

func TestMQTTDropsEventsWhenQueueIsFull(t *testing.T) {
	d := NewMQTT(MQTTOptions{Broker: "tcp://127.0.0.1:1"})
	for i := 0; i < eventQueue+10; i++ {
		d.onMessage(nil, fakeMessage{topic: "shellies/bulb-1/color/0/status", payload: []byte(`{"ison":true}`)})
	}
	h.Equals(t, eventQueue, len(d.events))
}

// Needs a broker, MQTT_BROKER or tcp://localhost:1883
func TestMQTTApplyWhileSinkIsBusy(t *testing.T) {
	if !*h.IntegrationFlag {
		t.Skip("integration test, run with -integration")
	}
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" {
		broker = "tcp://localhost:1883"
	}
	prefix := "homelab-test-" + uuid.NewString()
	d := NewMQTT(MQTTOptions{Broker: broker, TopicPrefix: prefix})
	sink := &gatedSink{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx, sink)
	h.Eventually(t, 5*time.Second, d.client.IsConnectionOpen, "connected to %s", broker)
	// give the subscription time to settle
	time.Sleep(200 * time.Millisecond)

	// the echoes of our own commands queue up behind the gate while every
	// publish still completes
	sink.gate.Lock()
	on := true
	for _, id := range []string{"bulb-1", "bulb-2", "bulb-3"} {
		h.Ok(t, d.Apply(ctx, id, device.Desired{On: &on}))
	}
	sink.gate.Unlock()

	h.Eventually(t, 5*time.Second, func() bool { return sink.reported("bulb-1", "bulb-2", "bulb-3") }, "command echoes reported")
}
