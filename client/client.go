// Package client implements the realtime channel client shared by every
// frontend: one persistent connection to the hub, fixed delay reconnects and
// an observable stream of decoded hub messages.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/helto4real/go-homelab/internal/wsocket"
	"github.com/helto4real/go-homelab/protocol"
)

var log *logrus.Entry

// ErrNotConnected is returned by Send while the channel is not connected.
// Nothing is queued for later delivery.
var ErrNotConnected = errors.New("not connected to hub")

// ConnState is the state of the channel
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("ConnState(%d)", int32(s))
}

// Dialer opens a connection to the hub
type Dialer func(ctx context.Context, endpoint string) (wsocket.Connected, error)

// Options configures a Client
type Options struct {
	// Endpoint of the hub, ws://host:8000/ws
	Endpoint string
	// RetryDelay is the wait before every reconnect attempt
	RetryDelay time.Duration
	// RetryMultiplier grows the delay after failed attempts when above 1.
	// The delay is capped at MaxRetryDelay and reset once connected.
	RetryMultiplier float64
	MaxRetryDelay   time.Duration
	// SyncOnConnect requests a full snapshot after every successful connect
	SyncOnConnect bool
	// HistorySize is the number of messages kept by the stream
	HistorySize int
	// SendQueue is the outbound frame buffer of a connection
	SendQueue int
	// Dial overrides how connections are opened
	Dial Dialer
}

// DefaultOptions returns the options the web and mobile clients use
func DefaultOptions(endpoint string) Options {
	return Options{
		Endpoint:        endpoint,
		RetryDelay:      3 * time.Second,
		RetryMultiplier: 1,
		SyncOnConnect:   true,
		HistorySize:     DefaultHistorySize,
		SendQueue:       wsocket.DefaultSendQueue,
	}
}

// Client owns the single connection of a process to the hub
type Client struct {
	opts   Options
	dial   Dialer
	stream *Stream

	m            sync.Mutex
	state        ConnState
	conn         wsocket.Connected
	started      bool
	stateChannel chan ConnState

	context  context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	attempts int64
}

// New creates a client. It does not connect until Start is called.
func New(opts Options) *Client {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 3 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:         opts,
		dial:         opts.Dial,
		stream:       NewStream(opts.HistorySize),
		state:        Disconnected,
		stateChannel: make(chan ConnState, 8),
		context:      ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	if c.dial == nil {
		c.dial = func(ctx context.Context, endpoint string) (wsocket.Connected, error) {
			return wsocket.Dial(ctx, endpoint, opts.SendQueue)
		}
	}
	return c
}

// Stream returns the stream of decoded hub messages
func (c *Client) Stream() *Stream {
	return c.stream
}

// State returns the current connection state
func (c *Client) State() ConnState {
	c.m.Lock()
	defer c.m.Unlock()
	return c.state
}

// StateChanges delivers state transitions. Transitions are dropped if the
// reader falls behind; State always has the current value.
func (c *Client) StateChanges() <-chan ConnState {
	return c.stateChannel
}

// Attempts returns how many connection attempts were made
func (c *Client) Attempts() int64 {
	return atomic.LoadInt64(&c.attempts)
}

// Start runs the connection loop until Close is called or ctx is cancelled.
// Connection failures are retried forever.
func (c *Client) Start(ctx context.Context) error {
	c.m.Lock()
	if c.started {
		c.m.Unlock()
		return errors.New("client already started")
	}
	c.started = true
	c.m.Unlock()
	defer close(c.done)

	go func() {
		select {
		case <-ctx.Done():
			c.shutdown()
		case <-c.context.Done():
		}
	}()

	delay := c.opts.RetryDelay
	for {
		if c.context.Err() != nil {
			c.setState(Disconnected, nil)
			return nil
		}

		c.setState(Connecting, nil)
		atomic.AddInt64(&c.attempts, 1)
		conn, err := c.dial(c.context, c.opts.Endpoint)
		if err != nil {
			c.setState(Disconnected, nil)
			if c.context.Err() != nil {
				return nil
			}
			log.Warnf("Fail to connect to %s, reconnecting in %v: %v", c.opts.Endpoint, delay, err)
			if c.delay(delay) {
				return nil
			}
			delay = c.nextDelay(delay)
			continue
		}

		delay = c.opts.RetryDelay
		if !c.setState(Connected, conn) {
			// closed while dialing
			conn.Close()
			return nil
		}
		log.Infof("Connected to hub at %s", c.opts.Endpoint)

		if c.opts.SyncOnConnect {
			if err := c.Send(&protocol.Command{Command: protocol.GetAllData}); err != nil {
				log.Warnf("Failed to request full state: %v", err)
			}
		}

		c.receive(conn)
		conn.Close()
		c.setState(Disconnected, nil)

		if c.context.Err() != nil {
			return nil
		}
		log.Warnf("Connection to hub lost, reconnecting in %v", delay)
		if c.delay(delay) {
			return nil
		}
	}
}

// receive reads frames until the connection closes. Frames that fail to
// decode are dropped.
func (c *Client) receive(conn wsocket.Connected) {
	for {
		frame, ok := conn.Read()
		if !ok {
			return
		}
		message, err := protocol.Decode(frame)
		if err != nil {
			log.Warnf("Dropping frame: %v", err)
			continue
		}
		log.Tracef("<-msg %s", message.Type())
		c.stream.Publish(message)
	}
}

// delay waits before the next attempt. Returns true when the client was closed meanwhile.
func (c *Client) delay(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return false
	case <-c.context.Done():
		return true
	}
}

func (c *Client) nextDelay(d time.Duration) time.Duration {
	if c.opts.RetryMultiplier <= 1 {
		return c.opts.RetryDelay
	}
	next := time.Duration(float64(d) * c.opts.RetryMultiplier)
	if c.opts.MaxRetryDelay > 0 && next > c.opts.MaxRetryDelay {
		next = c.opts.MaxRetryDelay
	}
	return next
}

// setState records a transition. Connected is refused once the client is closed.
func (c *Client) setState(state ConnState, conn wsocket.Connected) bool {
	c.m.Lock()
	if state == Connected && c.context.Err() != nil {
		c.m.Unlock()
		return false
	}
	changed := c.state != state
	c.state = state
	c.conn = conn
	c.m.Unlock()

	if changed {
		log.Debugf("Channel %s", state)
		select {
		case c.stateChannel <- state:
		default:
		}
	}
	return true
}

// Send writes a command on the live connection. It fails with ErrNotConnected
// instead of buffering when the channel is down.
func (c *Client) Send(cmd *protocol.Command) error {
	c.m.Lock()
	conn := c.conn
	state := c.state
	c.m.Unlock()

	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	b, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	if err := conn.Send(b); err != nil {
		if errors.Is(err, wsocket.ErrClosed) {
			return ErrNotConnected
		}
		return fmt.Errorf("send %s: %w", cmd.Command, err)
	}
	log.Debugf("->cmd %s %v", cmd.Command, cmd.DeviceIDs)
	return nil
}

// shutdown cancels the loop and any pending reconnect timer and closes the live connection
func (c *Client) shutdown() {
	c.cancel()
	c.m.Lock()
	conn := c.conn
	c.m.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Close stops the client, cancels a pending reconnect and waits for the loop to end
func (c *Client) Close() {
	c.shutdown()

	c.m.Lock()
	started := c.started
	c.m.Unlock()
	if started {
		<-c.done
	}
	c.stream.Close()
}

func init() {

	log = logrus.WithField("prefix", "client")

}
