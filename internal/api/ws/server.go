package ws

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server upgrades HTTP connections into registered Hub clients.
type Server struct {
	hub *Hub
}

// NewServer constructs a Server bound to hub.
func NewServer(hub *Hub) *Server {
	return &Server{hub: hub}
}

// HandleWebSocket upgrades the connection and registers it against
// executionID, read from the ":id" path parameter by the caller (the Echo
// handler extracts the id and calls this directly with its response writer
// and request).
func (s *Server) HandleWebSocket(executionID string, w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(s.hub, conn, executionID)
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
	return nil
}
