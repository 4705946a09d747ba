package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/helto4real/go-homelab/device"
)

const (
	connectTimeout = 10 * time.Second
	quiesceMillis  = 250
	qos            = 1
	// eventQueue buffers incoming reports between the mqtt router and the sink
	eventQueue = 256
)

// MQTTOptions configures the Shelly mqtt driver
type MQTTOptions struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	// RateLimit is the max publishes per second, 0 means unlimited
	RateLimit float64
}

// MQTT drives Shelly devices through an mqtt broker
type MQTT struct {
	client  mqtt.Client
	prefix  string
	limiter *rate.Limiter

	// events decouples paho's router goroutine from the sink. A sink may wait
	// on device locks held while Apply waits for a PUBACK that only the
	// router can deliver.
	events chan Event
}

// NewMQTT creates the driver. Nothing is connected until Start.
func NewMQTT(opts MQTTOptions) *MQTT {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = DefaultTopicPrefix
	}
	if opts.ClientID == "" {
		opts.ClientID = "homelab-" + uuid.NewString()
	}

	d := &MQTT{prefix: opts.TopicPrefix, limiter: rate.NewLimiter(rate.Inf, 1), events: make(chan Event, eventQueue)}
	if opts.RateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(3 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(d.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Errorf("Lost connection to mqtt broker: %v", err)
		})
	d.client = mqtt.NewClient(clientOpts)
	return d
}

// Start connects to the broker and listens until ctx is done
func (d *MQTT) Start(ctx context.Context, sink Sink) error {
	deliverCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer stop()
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.deliver(deliverCtx, sink)
	}()

	token := d.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to mqtt broker: %w", err)
		}
	case <-ctx.Done():
		d.client.Disconnect(quiesceMillis)
		return nil
	}

	<-ctx.Done()
	log.Info("Disconnecting from mqtt broker")
	d.client.Disconnect(quiesceMillis)
	return nil
}

// onConnect runs on every (re)connect, subscriptions do not survive a new session
func (d *MQTT) onConnect(c mqtt.Client) {
	topic := d.prefix + "/#"
	log.Infof("Connected to mqtt broker, subscribing to %s", topic)
	token := c.Subscribe(topic, qos, d.onMessage)
	if !token.WaitTimeout(connectTimeout) {
		log.Errorf("Subscribe to %s timed out", topic)
		return
	}
	if err := token.Error(); err != nil {
		log.Errorf("Subscribe to %s failed: %v", topic, err)
	}
}

func (d *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	log.Tracef("mqtt %s: %s", msg.Topic(), string(msg.Payload()))
	event, ok := ParseMessage(d.prefix, msg.Topic(), msg.Payload())
	if !ok {
		return
	}
	select {
	case d.events <- event:
	default:
		log.Warnf("Event queue full, dropping %s", msg.Topic())
	}
}

// deliver hands queued events to the sink until ctx is done
func (d *MQTT) deliver(ctx context.Context, sink Sink) {
	for {
		select {
		case event := <-d.events:
			if event.Announce != nil {
				sink.Announce(*event.Announce)
				continue
			}
			sink.Report(event.DeviceID, event.Status)
		case <-ctx.Done():
			return
		}
	}
}

// Apply implements Driver
func (d *MQTT) Apply(ctx context.Context, id string, desired device.Desired) error {
	publishes, err := Commands(d.prefix, id, desired)
	if err != nil {
		return &ApplyError{DeviceID: id, Err: err}
	}
	if !d.client.IsConnectionOpen() {
		return &ApplyError{DeviceID: id, Err: ErrDeviceUnreachable}
	}

	for _, p := range publishes {
		if err := d.limiter.Wait(ctx); err != nil {
			return &ApplyError{DeviceID: id, Err: err}
		}
		log.Debugf("Publishing to %s: %s", p.Topic, string(p.Payload))
		token := d.client.Publish(p.Topic, qos, false, p.Payload)
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				return &ApplyError{DeviceID: id, Err: err}
			}
		case <-ctx.Done():
			return &ApplyError{DeviceID: id, Err: ctx.Err()}
		case <-time.After(connectTimeout):
			return &ApplyError{DeviceID: id, Err: errors.New("publish timed out")}
		}
	}
	return nil
}
