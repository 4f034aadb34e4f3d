package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Event is one entry on the gateway's event stream: phase transitions,
// connection changes, send outcomes.
type Event struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans events out to connected WebSocket clients, dropping slow
// consumers rather than blocking the sender.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Broadcast sends an event to all clients.
func (h *Hub) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.enqueue(event) {
			go h.drop(c)
		}
	}
}

// Publish is shorthand for broadcasting a typed payload.
func (h *Hub) Publish(eventType string, payload any) {
	h.Broadcast(Event{Type: eventType, Payload: payload})
}

func (h *Hub) register(conn wsConn) *client {
	c := &client{
		conn: conn,
		send: make(chan Event, 64),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// removeClient unregisters a client. The send channel is never closed, so a
// racing enqueue (the hello event, a broadcast in flight) stays safe; the
// client's write loop exits through its context or socket instead.
func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// drop removes a client that cannot keep up and closes its socket so the
// write loop unblocks.
func (h *Hub) drop(c *client) {
	h.removeClient(c)
	c.close(websocket.StatusPolicyViolation, "slow consumer")
}

type wsConn interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
	Close(status websocket.StatusCode, reason string) error
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
}

type client struct {
	conn wsConn
	send chan Event
}

func (c *client) enqueue(event Event) bool {
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

func (c *client) writeLoop(ctx context.Context) error {
	for {
		select {
		case event := <-c.send:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err = c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *client) close(status websocket.StatusCode, reason string) {
	_ = c.conn.Close(status, reason)
}

const (
	wsPingInterval = 20 * time.Second
	wsPingTimeout  = 5 * time.Second
)

func startWSPing(ctx context.Context, conn *websocket.Conn) {
	if conn == nil {
		return
	}
	ticker := time.NewTicker(wsPingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
				_ = conn.Ping(pingCtx)
				cancel()
			}
		}
	}()
}
