package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	contractx "github.com/bedah-kym/chatcore/agent/contract"
)

const (
	// writeWait is the timeout for writing a frame to a client.
	writeWait = 10 * time.Second

	// pongWait is the timeout for pong responses.
	pongWait = 60 * time.Second

	// pingPeriod is how often ping frames go out.
	pingPeriod = (pongWait * 9) / 10

	// sendQueueSize buffers events per client. A client that cannot
	// drain its queue is dropped rather than allowed to stall a group.
	sendQueueSize = 64
)

// Hub fans stream events out to websocket clients grouped by room.
// Broadcast order is preserved per group: events enter each client's
// send queue under the hub lock, in call order.
type Hub struct {
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	groups map[string]map[*client]struct{}
}

type client struct {
	conn  *websocket.Conn
	group string
	send  chan []byte
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		groups: make(map[string]map[*client]struct{}),
	}
}

// Attach upgrades the request and registers the connection in group.
// The connection lives until the client closes it or falls behind.
func (h *Hub) Attach(w http.ResponseWriter, r *http.Request, group string) error {
	if group == "" {
		return fmt.Errorf("%w: empty group", contractx.ErrValidation)
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}

	c := &client{conn: conn, group: group, send: make(chan []byte, sendQueueSize)}
	h.mu.Lock()
	if h.groups[group] == nil {
		h.groups[group] = make(map[*client]struct{})
	}
	h.groups[group][c] = struct{}{}
	h.mu.Unlock()
	log.Debug().Str("group", group).Msg("websocket client attached")

	go h.writePump(c)
	go h.readPump(c)
	return nil
}

// Broadcast delivers event to every client in group. An empty group
// reports ErrChannelClosed so callers can stop producing.
func (h *Hub) Broadcast(group string, event contractx.StreamEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode stream event: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.groups[group]
	if len(members) == 0 {
		return contractx.ErrChannelClosed
	}
	for c := range members {
		select {
		case c.send <- payload:
		default:
			// Queue full: the client stopped draining. Drop it.
			h.dropLocked(c)
		}
	}
	if len(h.groups[group]) == 0 {
		return contractx.ErrChannelClosed
	}
	return nil
}

// GroupSize reports the number of connected clients in group.
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, members := range h.groups {
		for c := range members {
			h.dropLocked(c)
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *client) {
	members := h.groups[c.group]
	if _, ok := members[c]; !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.groups, c.group)
	}
	close(c.send)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.drop(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// readPump discards inbound frames; clients are listen-only. It exists
// to process control frames and notice disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.drop(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
