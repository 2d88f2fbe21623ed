// Package websocket is the gateway's fan-out layer: a broadcast hub for
// state updates and a binary terminal proxy per agent.
package websocket

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agentforge/agentforge/internal/common/logger"
	"github.com/agentforge/agentforge/internal/events"
	"github.com/agentforge/agentforge/internal/events/bus"
	ws "github.com/agentforge/agentforge/pkg/websocket"
)

// Hub fans outbound messages out to every connected client. Delivery is
// lossy: a slow client drops its oldest frames rather than stalling the hub.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
	logger     *logger.Logger
}

// NewHub creates a Hub. Run must be started for it to do anything.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
			}
		case data := <-h.broadcast:
			for client := range h.clients {
				client.enqueue(data)
			}
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast sends a typed message to every client.
func (h *Hub) Broadcast(kind ws.Kind, payload any) {
	msg, err := ws.New(kind, payload)
	if err != nil {
		h.logger.Error("Failed to build broadcast message", zap.Error(err))
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.logger.Warn("Broadcast queue full, dropping message", zap.String("kind", string(kind)))
	}
}

// SubscribeBus forwards agent and metrics updates from the event bus to all
// connected clients.
func (h *Hub) SubscribeBus(eb bus.EventBus) error {
	if _, err := eb.Subscribe(events.AgentUpdate, func(_ context.Context, ev *bus.Event) error {
		h.Broadcast(ws.KindAgentUpdate, ev.Data)
		return nil
	}); err != nil {
		return err
	}
	_, err := eb.Subscribe(events.MetricsUpdate, func(_ context.Context, ev *bus.Event) error {
		h.Broadcast(ws.KindMetricsUpdate, ev.Data)
		return nil
	})
	return err
}
