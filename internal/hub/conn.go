package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

// Conn is one websocket client connection. Writes are serialized through a
// buffered channel drained by a single writer goroutine.
type Conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
}

// NewConn wraps a websocket connection and starts its writer.
func NewConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// ID returns the connection's client id.
func (c *Conn) ID() string {
	return c.id
}

// Send queues one message for the writer. A full buffer drops the message
// rather than blocking the pipeline.
func (c *Conn) Send(ctx context.Context, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("connection %s closed", c.id)
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("connection %s send buffer full", c.id)
	}
}

// Close stops the writer and closes the socket.
func (c *Conn) Close() {
	close(c.done)
}

func (c *Conn) writePump() {
	defer c.ws.Close()
	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
