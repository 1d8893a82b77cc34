// Package websocket pushes lab workflow events to connected browsers. Clients
// are subscribed to their own user topic, their department topic and the
// broadcast topic of their laboratory.
package websocket

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	UserID string
	Tenant string
	Topics []string
	Send   chan []byte
	conn   Conn
}

// ClientMessage is an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

const BroadcastTopic = "broadcast"

func UserTopic(userID string) string { return "user:" + userID }

// DepartmentTopic is case-insensitive so "Hematology" and "hematology"
// reach the same bench.
func DepartmentTopic(name string) string {
	return "department:" + strings.ToLower(strings.TrimSpace(name))
}

// scoped prefixes a topic with its laboratory so tenants never see each
// other's events.
func scoped(tenant, topic string) string {
	return tenant + "|" + topic
}

// Hub tracks clients and their topic subscriptions. Delivery is best-effort:
// a client whose buffer is full misses the event and recovers through the
// sequence gap.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // scoped topic -> clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.add(client, topic)
	}
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.remove(client, topic)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) add(client *Client, topic string) {
	key := scoped(client.Tenant, topic)
	if h.clients[key] == nil {
		h.clients[key] = make(map[*Client]struct{})
	}
	h.clients[key][client] = struct{}{}
}

func (h *Hub) remove(client *Client, topic string) {
	key := scoped(client.Tenant, topic)
	if subscribers, ok := h.clients[key]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, key)
		}
	}
}

// Subscribe adds topics to a registered client. Only department and
// broadcast topics may be joined; user topics are fixed at connect time.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if !subscribable(topic) || contains(client.Topics, topic) {
			continue
		}
		h.add(client, topic)
		client.Topics = append(client.Topics, topic)
	}
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		drop[t] = struct{}{}
		h.remove(client, t)
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := drop[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func subscribable(topic string) bool {
	return topic == BroadcastTopic || strings.HasPrefix(topic, "department:")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ProcessMessage dispatches a client's subscribe/unsubscribe request.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Deliver sends an encoded event to every client of the tenant subscribed to
// topic. The broadcast topic reaches every client of the tenant.
func (h *Hub) Deliver(tenant, topic string, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for client := range h.clients[scoped(tenant, topic)] {
		select {
		case client.Send <- data:
			sent++
		default:
			h.logger.Debug().Str("client", client.ID).Str("topic", topic).Msg("websocket buffer full, event dropped")
		}
	}
	return sent
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of a tenant's clients subscribed to topic.
func (h *Hub) TopicCount(tenant, topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[scoped(tenant, topic)])
}
