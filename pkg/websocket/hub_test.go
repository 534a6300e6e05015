package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(address string, hub *Hub) *Client {
	return &Client{
		Address: address,
		Send:    make(chan *Message, 256),
		Hub:     hub,
	}
}

func TestHub_RegisterAndDeliver(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	client := newTestClient("driver:1", hub)
	hub.Register <- client

	require.Eventually(t, func() bool {
		_, ok := hub.GetClient("driver:1")
		return ok
	}, time.Second, 5*time.Millisecond)

	msg := &Message{Type: "ride-offer", Timestamp: time.Now(), Data: json.RawMessage(`{}`)}
	hub.SendToAddress("driver:1", msg)

	select {
	case received := <-client.Send:
		assert.Equal(t, "ride-offer", received.Type)
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestHub_DeliverToUnknownAddress_Dropped(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	// Should not block or panic
	hub.SendToAddress("nobody", &Message{Type: "ride-offer"})
	assert.Equal(t, 0, hub.GetClientCount())
}

func TestHub_ReconnectReplacesClient(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	first := newTestClient("rider:7", hub)
	hub.Register <- first

	require.Eventually(t, func() bool {
		return hub.GetClientCount() == 1
	}, time.Second, 5*time.Millisecond)

	second := newTestClient("rider:7", hub)
	hub.Register <- second

	require.Eventually(t, func() bool {
		current, ok := hub.GetClient("rider:7")
		return ok && current == second
	}, time.Second, 5*time.Millisecond)

	// First client's channel was closed by the hub
	_, open := <-first.Send
	assert.False(t, open)
	assert.Equal(t, 1, hub.GetClientCount())
}

func TestHub_Unregister(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	client := newTestClient("driver:3", hub)
	hub.Register <- client

	require.Eventually(t, func() bool {
		return hub.GetClientCount() == 1
	}, time.Second, 5*time.Millisecond)

	hub.Unregister <- client

	require.Eventually(t, func() bool {
		return hub.GetClientCount() == 0
	}, time.Second, 5*time.Millisecond)
}
