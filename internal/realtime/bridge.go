package realtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/ridewire/dispatch/pkg/eventbus"
	"github.com/ridewire/dispatch/pkg/logger"
	"github.com/ridewire/dispatch/pkg/websocket"
)

const consumerName = "realtime-bridge"

// Subscriber is the event-bus surface the bridge needs.
type Subscriber interface {
	Subscribe(ctx context.Context, subject, consumerName string, handler eventbus.HandlerFunc) error
}

// Bridge fans notification events out to connected websocket clients. Each
// event carries the push address of its recipient; clients register under
// that address on /ws.
type Bridge struct {
	bus Subscriber
	hub *websocket.Hub
}

// NewBridge creates the bridge.
func NewBridge(bus Subscriber, hub *websocket.Hub) *Bridge {
	return &Bridge{bus: bus, hub: hub}
}

// Start subscribes to all notification subjects. Events for addresses with no
// connected client are dropped; the durable state lives in the dispatch
// store, not the push channel.
func (b *Bridge) Start(ctx context.Context) error {
	return b.bus.Subscribe(ctx, eventbus.SubjectEventsWildcard, consumerName, b.forward)
}

func (b *Bridge) forward(ctx context.Context, event *eventbus.Event) error {
	if event.Address == "" {
		return nil
	}

	b.hub.SendToAddress(event.Address, &websocket.Message{
		Type:          event.Type,
		CorrelationID: event.CorrelationID,
		Timestamp:     event.Timestamp,
		Data:          event.Data,
	})

	logger.DebugContext(ctx, "event forwarded to websocket",
		zap.String("type", event.Type),
		zap.String("address", event.Address),
	)
	return nil
}
