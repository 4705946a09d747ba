package wsocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var log *logrus.Entry

// Connected is one live websocket connection, client or server side
type Connected interface {
	Close()
	Shutdown()
	Send(message []byte) error
	SendString(message string) error
	Read() ([]byte, bool)
	IsClosed() bool
}

var (
	// ErrClosed is returned when sending on a closed connection
	ErrClosed = errors.New("websocket closed")
	// ErrSendQueueFull is returned when the peer does not keep up with outbound messages
	ErrSendQueueFull = errors.New("websocket send queue full")
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 862144

	// DefaultSendQueue is the number of outbound frames buffered per connection
	DefaultSendQueue = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard and the mobile app are served from other origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocketClient is a middleman between the websocket connection and its owner.
type websocketClient struct {
	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	sendChannel chan []byte
	// Channel for received messages, closed by the read pump when it ends
	receiveChannel chan []byte
	// Used to wait for go routines end before close whole websocketClient
	syncWriter sync.WaitGroup
	syncReader sync.WaitGroup
	// Used to thread safe the close method
	m sync.Mutex

	context    context.Context
	cancelFunc context.CancelFunc

	isClosed bool
}

func newWebsocketClient(conn *websocket.Conn, queueSize int) *websocketClient {
	if queueSize <= 0 {
		queueSize = DefaultSendQueue
	}
	ctx, cancel := context.WithCancel(context.Background())

	client := &websocketClient{conn: conn, sendChannel: make(chan []byte, queueSize),
		receiveChannel: make(chan []byte, 2), context: ctx, cancelFunc: cancel}

	// Do write and read operations in own go routines
	client.syncWriter.Add(1)
	go client.writePump()
	client.syncReader.Add(1)
	go client.readPump()

	return client
}

// readPump ensures only one reader per connection.
func (c *websocketClient) readPump() {
	defer func() {
		c.Shutdown()
		close(c.receiveChannel)
		c.syncReader.Done()
		log.Traceln("Close ws readpump")
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if c.IsClosed() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("Normal disconnect from peer: %v", err)
			} else {
				log.Errorf("Unexpected websocket error: %v", err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}
		select {
		case c.receiveChannel <- message:
		case <-c.context.Done():
			return
		}
	}
}

// writePump pumps messages to the websocket connection.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *websocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Shutdown()
		c.conn.Close()
		c.syncWriter.Done()
		log.Traceln("Close ws writepump")
	}()
	for {
		select {
		case <-c.context.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.sendChannel:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if w, err := c.conn.NextWriter(websocket.TextMessage); err != nil {
				return
			} else {
				if _, err := w.Write(message); err != nil {
					return
				}

				log.Tracef("msg->%s", string(message))

				if err := w.Close(); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Shutdown marks the connection closed and stops both pumps without waiting
func (c *websocketClient) Shutdown() {
	c.m.Lock()
	defer c.m.Unlock()
	if c.isClosed {
		return
	}
	c.isClosed = true
	c.cancelFunc()
}

// Close the web socket client to free all resources and stop and wait for goroutines
func (c *websocketClient) Close() {
	c.Shutdown()
	c.syncWriter.Wait()
	c.syncReader.Wait()
}

// IsClosed returns true if the connection closed
func (c *websocketClient) IsClosed() bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.isClosed
}

// Send queues a text frame. It never blocks.
func (c *websocketClient) Send(message []byte) error {
	if c.IsClosed() {
		return ErrClosed
	}
	select {
	case c.sendChannel <- message:
		return nil
	case <-c.context.Done():
		return ErrClosed
	default:
		return ErrSendQueueFull
	}
}

// SendString queues a text frame
func (c *websocketClient) SendString(message string) error {
	return c.Send([]byte(message))
}

// Read the next message. Returns false once the connection is closed and drained.
func (c *websocketClient) Read() ([]byte, bool) {
	message, ok := <-c.receiveChannel
	return message, ok
}

// Dial connects to a websocket endpoint such as ws://host:8000/ws
func Dial(ctx context.Context, endpoint string, queueSize int) (Connected, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return newWebsocketClient(c, queueSize), nil
}

// Accept upgrades an incoming http request to a websocket connection
func Accept(w http.ResponseWriter, r *http.Request, queueSize int) (Connected, error) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWebsocketClient(c, queueSize), nil
}

func init() {

	log = logrus.WithField("prefix", "wsocket")

}
