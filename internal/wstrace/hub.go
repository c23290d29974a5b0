// Package wstrace streams decision traces to WebSocket subscribers in real
// time. It sits entirely outside the core's write path: a wrapping Store
// forwards every appended trace to the hub after the underlying append-only
// store has committed it.
package wstrace

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/iHelio/cpg-project-sub000/internal/tracing"
)

type broadcastMsg struct {
	instanceID string
	trace      tracing.DecisionTrace
}

// Hub manages subscriber connections and fans appended traces out to them.
type Hub struct {
	clients      map[*Client]bool
	register     chan *Client
	unregister   chan *Client
	broadcast    chan broadcastMsg
	byInstanceID map[string]map[*Client]bool

	log zerolog.Logger
	mu  sync.RWMutex
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:      make(map[*Client]bool),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		broadcast:    make(chan broadcastMsg, 256),
		byInstanceID: make(map[string]map[*Client]bool),
		log:          log.With().Str("component", "wstrace").Logger(),
	}
}

// Run is the hub's event loop; call it in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case msg := <-h.broadcast:
			h.broadcastTrace(msg)
		}
	}
}

// Broadcast hands a freshly appended trace to the hub without blocking the
// caller; a full buffer drops the message (subscribers are observers, the
// trace store remains the system of record).
func (h *Hub) Broadcast(t tracing.DecisionTrace) {
	select {
	case h.broadcast <- broadcastMsg{instanceID: t.InstanceID, trace: t}:
	default:
		h.log.Warn().Str("instanceId", t.InstanceID).Msg("broadcast buffer full; dropping trace message")
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true
	if client.instanceID != "" {
		if h.byInstanceID[client.instanceID] == nil {
			h.byInstanceID[client.instanceID] = make(map[*Client]bool)
		}
		h.byInstanceID[client.instanceID][client] = true
	}
	h.log.Debug().Str("clientId", client.id).Int("total", len(h.clients)).Msg("client registered")
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	if client.instanceID != "" {
		if clients, ok := h.byInstanceID[client.instanceID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.byInstanceID, client.instanceID)
			}
		}
	}
	h.log.Debug().Str("clientId", client.id).Int("total", len(h.clients)).Msg("client unregistered")
}

func (h *Hub) broadcastTrace(msg broadcastMsg) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		// Clients subscribed to a specific instance only see that instance;
		// clients with no filter see everything.
		if client.instanceID != "" && client.instanceID != msg.instanceID {
			continue
		}
		select {
		case client.send <- msg.trace:
		default:
			// Slow consumer; skip rather than block the hub.
		}
	}
}

// BroadcastingStore wraps a tracing.Store and forwards every successful
// append to the hub.
type BroadcastingStore struct {
	tracing.Store
	hub *Hub
}

func NewBroadcastingStore(inner tracing.Store, hub *Hub) *BroadcastingStore {
	return &BroadcastingStore{Store: inner, hub: hub}
}

func (s *BroadcastingStore) Append(ctx context.Context, t tracing.DecisionTrace) (tracing.DecisionTrace, error) {
	appended, err := s.Store.Append(ctx, t)
	if err != nil {
		return appended, err
	}
	s.hub.Broadcast(appended)
	return appended, nil
}
