package websocket

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client is a WebSocket subscriber. Deliveries go through a buffered send
// queue drained by writePump, so a slow peer never blocks a broadcast.
type Client struct {
	id     string
	remote string
	conn   *websocket.Conn
	send   chan []byte
	log    *zap.Logger

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, buffer int, log *zap.Logger) *Client {
	return &Client{
		id:     uuid.New().String(),
		remote: conn.RemoteAddr().String(),
		conn:   conn,
		send:   make(chan []byte, buffer),
		log:    log,
	}
}

func (c *Client) ID() string         { return c.id }
func (c *Client) RemoteAddr() string { return c.remote }

// Deliver queues payload for the write pump
func (c *Client) Deliver(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSubscriberClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSubscriberSlow
	}
}

// Close stops the write pump, which sends a close frame and closes the socket
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

// writePump pumps messages from the send queue to the websocket connection
func (c *Client) writePump(unregister func(Subscriber)) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("Write failed", zap.String("id", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound frames so control messages are processed.
// Subscribers have nothing to say to the relay; payloads are logged and
// discarded.
func (c *Client) readPump(unregister func(Subscriber)) {
	defer unregister(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn("WebSocket error", zap.String("id", c.id), zap.Error(err))
			}
			return
		}
		c.log.Debug("Discarding subscriber message", zap.String("id", c.id), zap.ByteString("payload", message))
	}
}
