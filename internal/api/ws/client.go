package ws

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = 25 * time.Second
	maxMessageSize = 512
)

// Client represents one WebSocket connection watching one Execution.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	executionID string
	send        chan []byte
}

// NewClient constructs a Client with a bounded send buffer; a client that
// can't keep up is disconnected (see Hub.broadcastToExecution) rather than
// backing up the whole hub.
func NewClient(hub *Hub, conn *websocket.Conn, executionID string) *Client {
	return &Client{hub: hub, conn: conn, executionID: executionID, send: make(chan []byte, 256)}
}

// readPump drains the connection to detect disconnects and service
// ping/pong; clients never send data, only the server pushes.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// writePump delivers queued events to the client, one WebSocket frame per
// message so the client can parse each JSON object independently.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
