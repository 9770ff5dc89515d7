package wsock

import (
	"sync"

	"github.com/kestrel-rt/syncore/internal/encoding"
	"github.com/kestrel-rt/syncore/internal/protocol"
)

// Hub maps clientID to its live Client and implements fanout.Sink,
// translating a fan-out delivery into the wire frames protocol.go
// defines and sending them through that client's Conn.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

// Register adds a connected client, called once a client's WebSocket
// upgrade and pumps are ready to receive frames.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

// Unregister removes clientID, called once its connection is gone.
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, clientID)
}

// Count returns the number of currently registered clients.
func (h *Hub) Count() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return int64(len(h.clients))
}

func (h *Hub) get(clientID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[clientID]
	return c, ok
}

// SendSubscriptionAck implements fanout.Sink.
func (h *Hub) SendSubscriptionAck(clientID, subID, entity, entityID string, version int64, data map[string]any, dataHash string) {
	c, ok := h.get(clientID)
	if !ok {
		return
	}
	c.Send(protocol.SubscriptionAck{
		Type:     protocol.TypeSubAck,
		ID:       subID,
		Entity:   entity,
		EntityID: entityID,
		Version:  version,
		Data:     data,
		DataHash: dataHash,
	})
}

// SendUpdate implements fanout.Sink.
func (h *Hub) SendUpdate(clientID, subID, entity, entityID string, updates map[string]encoding.Update) {
	c, ok := h.get(clientID)
	if !ok {
		return
	}
	c.Send(protocol.UpdateFrame{
		Type:     protocol.TypeUpdate,
		ID:       subID,
		Entity:   entity,
		EntityID: entityID,
		Updates:  updates,
	})
}
