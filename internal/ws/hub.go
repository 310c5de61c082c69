package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrHubStopped is returned by BroadcastToAll once the hub's loop has exited.
var ErrHubStopped = errors.New("push hub stopped")

// PushMessage is the frame written to observers.
type PushMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Hub manages the lifecycle of WebSocket clients and fans named events out to
// every connected client. It is safe for concurrent use.
//
// Membership changes happen under mu, so once the hub has stopped no client
// can be added and every client's send queue has been closed exactly once.
type Hub struct {
	clients   map[string]*Client
	broadcast chan []byte
	mu        sync.RWMutex
	stopped   bool
	done      chan struct{}
	logger    *zap.Logger
}

// NewHub allocates and initialises a Hub. Call Run() in a goroutine to start
// the event loop.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:   make(map[string]*Client),
		broadcast: make(chan []byte, 256),
		done:      make(chan struct{}),
		logger:    logger.Named("ws"),
	}
}

// Run is the hub's main event loop. It returns when ctx is cancelled, after
// closing every client's send queue.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.stopped = true
			for id, client := range h.clients {
				delete(h.clients, id)
				close(client.send)
			}
			h.mu.Unlock()
			return nil

		case data := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.send <- data:
				default:
					h.logger.Warn("slow client, dropping push", zap.String("client_id", client.ID))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// BroadcastToAll encodes payload under eventName and enqueues it for every
// connected client. It returns once the frame is queued, not once clients
// have received it.
func (h *Hub) BroadcastToAll(ctx context.Context, eventName string, payload any) error {
	data, err := json.Marshal(PushMessage{Event: eventName, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal push message: %w", err)
	}
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.broadcast <- data:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount reports how many clients are registered.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register adds a client to the hub. A client registered after the hub has
// stopped has its send queue closed straight away.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		close(c.send)
		return
	}
	h.clients[c.ID] = c
	h.logger.Debug("client registered", zap.String("client_id", c.ID), zap.String("remote", c.RemoteAddr))
}

// Unregister removes a client and closes its send queue. It is a no-op for
// clients the hub no longer holds.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	delete(h.clients, c.ID)
	close(c.send)
	h.logger.Debug("client unregistered", zap.String("client_id", c.ID))
}
