package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Envelope is the frame pushed to clients: an application-level destination
// plus the payload delivered there.
type Envelope struct {
	Destination string `json:"destination"`
	Body        any    `json:"body"`
}

// Session is one live connection with its verified identity attached. Owned
// exclusively by the gateway and destroyed when the connection closes.
type Session struct {
	ID        string
	UserID    string
	Roles     []string
	CreatedAt time.Time

	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[string]bool
}

func newSession(id string, conn *websocket.Conn) *Session {
	return &Session{
		ID:        id,
		CreatedAt: time.Now(),
		conn:      conn,
		send:      make(chan []byte, 64),
		subs:      make(map[string]bool),
	}
}

func (s *Session) subscribe(destination string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[destination] = true
}

func (s *Session) unsubscribe(destination string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, destination)
}

func (s *Session) subscribed(destination string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[destination]
}

// push queues an envelope for delivery. A session that cannot keep up has
// the frame dropped rather than blocking the fan-out path.
func (s *Session) push(destination string, body any) bool {
	data, err := json.Marshal(Envelope{Destination: destination, Body: body})
	if err != nil {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *Session) writeLoop(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
