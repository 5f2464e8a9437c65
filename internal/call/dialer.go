package call

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pitchline/pitchline/internal/reliability"
)

// ModelDialer opens the model leg. The returned channel carries raw inbound
// events and closes when the connection drops.
type ModelDialer interface {
	Dial(ctx context.Context) (Leg, <-chan []byte, error)
}

// RealtimeDialer connects to the realtime model endpoint over websocket with
// bearer authentication and bounded retry.
type RealtimeDialer struct {
	URL        string
	APIKey     string
	MaxRetries int
}

func (d *RealtimeDialer) Dial(ctx context.Context) (Leg, <-chan []byte, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	var conn *websocket.Conn
	var resp *http.Response
	var err error
	for attempt := 0; ; attempt++ {
		conn, resp, err = websocket.DefaultDialer.DialContext(ctx, d.URL, headers)
		if err == nil {
			break
		}
		retryable := resp != nil && reliability.IsRetryableHTTPStatus(resp.StatusCode)
		if !retryable || attempt >= d.MaxRetries {
			return nil, nil, fmt.Errorf("dial model websocket: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(reliability.ExponentialBackoff(attempt, 250*time.Millisecond, 2*time.Second)):
		}
	}

	events := make(chan []byte, 256)
	leg := &modelLeg{conn: conn, events: events}
	go leg.readLoop()
	return leg, events, nil
}

type modelLeg struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan []byte
}

func (l *modelLeg) WriteJSON(v any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteJSON(v)
}

func (l *modelLeg) readLoop() {
	defer l.safeClose()
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return
		}
		l.events <- data
	}
}

func (l *modelLeg) Close() error {
	var retErr error
	l.closeOnce.Do(func() {
		retErr = l.conn.Close()
		close(l.events)
	})
	return retErr
}

func (l *modelLeg) safeClose() {
	l.closeOnce.Do(func() {
		_ = l.conn.Close()
		close(l.events)
	})
}
