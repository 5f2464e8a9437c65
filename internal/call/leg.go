package call

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Leg is one websocket side of the bridge. Implementations must be safe for
// concurrent writers.
type Leg interface {
	WriteJSON(v any) error
	Close() error
}

type wsLeg struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWebsocketLeg wraps a connection with a write lock so the session and its
// timers can write from different goroutines.
func NewWebsocketLeg(conn *websocket.Conn) Leg {
	return &wsLeg{conn: conn}
}

func (l *wsLeg) WriteJSON(v any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteJSON(v)
}

func (l *wsLeg) Close() error {
	return l.conn.Close()
}
