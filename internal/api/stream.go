package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is one connected WebSocket subscriber.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
}

// Event is one broadcast message: a phase transition, risk action, or
// execution fill, pushed to every connected Client as it happens.
type Event struct {
	Type      string `json:"type"` // e.g. "run_phase", "risk_action", "fill"
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendBuf  = 64
)

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{ID: uuid.NewString(), Conn: conn, Send: make(chan []byte, clientSendBuf)}
	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	go s.writePump(client)
	go s.readPump(client)
}

// readPump drains and discards client frames, keeping the read deadline
// alive via pong handling; this stream is broadcast-only.
func (s *Server) readPump(client *Client) {
	defer s.disconnect(client)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer client.Conn.Close()

	for {
		select {
		case msg, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) disconnect(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client.ID]; ok {
		delete(s.clients, client.ID)
		close(client.Send)
	}
	s.mu.Unlock()
}

// Broadcast pushes ev to every connected client, dropping it for a client
// whose send buffer is full rather than blocking the caller.
func (s *Server) Broadcast(ev Event) {
	ev.Timestamp = time.Now().Unix()
	raw, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("marshal stream event", zap.Error(err))
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		select {
		case client.Send <- raw:
		default:
			s.logger.Warn("dropping stream event for slow client", zap.String("client_id", client.ID))
		}
	}
}
