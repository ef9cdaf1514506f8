package ws

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 16 * 1024
)

// client is the outbound half of one WebSocket connection. Frames are
// queued on a bounded channel and written by a single writer goroutine.
type client struct {
	handle string
	conn   *websocket.Conn
	send   chan []byte

	mu      sync.Mutex
	closed  bool
	reason  string
	done    chan struct{}
	stopped chan struct{}
}

func newClient(handle string, conn *websocket.Conn, queue int) *client {
	return &client{
		handle:  handle,
		conn:    conn,
		send:    make(chan []byte, queue),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (c *client) Handle() string { return c.handle }

// Send queues frame without blocking; false means closed or saturated.
func (c *client) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close asks the writer to flush what is queued and close the socket.
func (c *client) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.reason = reason
	close(c.done)
}

func (c *client) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// writePump owns every write on the socket.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.stopped)
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				log.Printf("[ws] write failed handle=%s: %v", c.handle, err)
				c.Close("write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close("ping failed")
				return
			}
		case <-c.done:
			c.flush()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.closeReason())
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

func (c *client) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) write(frame []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}
