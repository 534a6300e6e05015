package websocket

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ridewire/dispatch/pkg/logger"
)

// Hub maintains the set of connected clients keyed by push address and
// fans incoming notifications out to them.
type Hub struct {
	// Registered clients by push address
	clients map[string]*Client

	// Register requests from clients
	Register chan *Client

	// Unregister requests from clients
	Unregister chan *Client

	// Outbound notifications addressed to a single client
	Broadcast chan *AddressedMessage

	done chan struct{}
	mu   sync.RWMutex
}

// AddressedMessage carries a notification for one push address.
type AddressedMessage struct {
	Address string
	Message *Message
}

// NewHub creates a new Hub instance.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Broadcast:  make(chan *AddressedMessage, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns when Stop is called.
func (h *Hub) Run() {
	logger.Info("WebSocket hub started")
	for {
		select {
		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.Unregister:
			h.unregisterClient(client)

		case addressed := <-h.Broadcast:
			h.deliver(addressed)

		case <-h.done:
			return
		}
	}
}

// Stop terminates the hub loop and disconnects all clients.
func (h *Hub) Stop() {
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	for address, client := range h.clients {
		close(client.Send)
		delete(h.clients, address)
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// A reconnect replaces the previous connection for the same address
	if existing, ok := h.clients[client.Address]; ok {
		close(existing.Send)
	}

	h.clients[client.Address] = client
	logger.Debug("websocket client registered", zap.String("address", client.Address))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.clients[client.Address]; ok && current == client {
		delete(h.clients, client.Address)
		close(client.Send)
		logger.Debug("websocket client unregistered", zap.String("address", client.Address))
	}
}

func (h *Hub) deliver(addressed *AddressedMessage) {
	h.mu.RLock()
	client, ok := h.clients[addressed.Address]
	h.mu.RUnlock()

	if ok {
		client.SendMessage(addressed.Message)
	}
}

// SendToAddress queues a notification for the client connected at the given
// push address. Messages to unconnected addresses are dropped.
func (h *Hub) SendToAddress(address string, msg *Message) {
	select {
	case h.Broadcast <- &AddressedMessage{Address: address, Message: msg}:
	default:
		logger.Warn("websocket broadcast queue full, dropping message",
			zap.String("address", address),
			zap.String("type", msg.Type),
		)
	}
}

// GetClient returns a client by push address.
func (h *Hub) GetClient(address string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[address]
	return client, ok
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
