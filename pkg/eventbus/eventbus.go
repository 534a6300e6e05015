package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/ridewire/dispatch/pkg/logger"
)

// Event types delivered to driver and rider push addresses.
const (
	EventRideOffer         = "ride-offer"
	EventRideOfferAccepted = "ride-offer-accepted"
	EventRideAssigned      = "ride-assigned"
	EventDispatchFailed    = "dispatch-failed"
	EventRideConfirmed     = "ride-confirmed"
	EventRideStarted       = "ride-started"
	EventRideEnded         = "ride-ended"
)

const (
	// SubjectTasks carries dispatch work items consumed by offer workers.
	SubjectTasks = "dispatch.tasks"

	// eventSubjectPrefix prefixes per-address notification subjects.
	eventSubjectPrefix = "dispatch.events."

	// SubjectEventsWildcard matches every notification subject.
	SubjectEventsWildcard = "dispatch.events.>"
)

// EventSubject builds the notification subject for a push address.
// Address tokens may contain characters NATS treats as separators,
// so they are sanitized before use.
func EventSubject(address string) string {
	return eventSubjectPrefix + sanitizeToken(address)
}

func sanitizeToken(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '.', '*', '>', ' ':
			out = append(out, '_')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}

// Event is the envelope for all events published through the bus.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Address       string          `json:"address,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with a unique ID and current timestamp.
// The correlation ID is taken from the context when present.
func NewEvent(ctx context.Context, eventType, source, address string, data interface{}) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	return &Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		Source:        source,
		CorrelationID: logger.CorrelationIDFromContext(ctx),
		Address:       address,
		Timestamp:     time.Now().UTC(),
		Data:          raw,
	}, nil
}

// HandlerFunc processes a received event. Return nil to ack, error to nack.
type HandlerFunc func(ctx context.Context, event *Event) error

// Config holds NATS connection settings.
type Config struct {
	URL        string
	Name       string // client connection name
	StreamName string // JetStream stream name (default: "DISPATCH")
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		URL:        nats.DefaultURL,
		Name:       "dispatch-engine",
		StreamName: "DISPATCH",
	}
}

// Bus wraps a NATS JetStream connection for publishing and subscribing.
type Bus struct {
	conn *nats.Conn
	js   jetstream.JetStream
	cfg  Config
	subs []jetstream.ConsumeContext
}

// New connects to NATS and ensures the JetStream stream exists.
func New(cfg Config) (*Bus, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	streamName := cfg.StreamName
	if streamName == "" {
		streamName = "DISPATCH"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// WorkQueuePolicy would prevent fan-out on the event subjects, so one
	// stream with interest retention serves both tasks and notifications.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{"dispatch.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.InterestPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream: %w", err)
	}

	logger.Info("NATS event bus connected",
		zap.String("url", cfg.URL),
		zap.String("stream", streamName),
	)

	return &Bus{conn: nc, js: js, cfg: cfg}, nil
}

// Publish sends an event to the given subject with JetStream guarantees.
// The event ID doubles as the message ID, so republishing the same event
// after a crash is deduplicated by the server.
func (b *Bus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = b.js.Publish(ctx, subject, data,
		jetstream.WithMsgID(event.ID),
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	logger.Debug("event published",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("type", event.Type),
		zap.String("correlation_id", event.CorrelationID),
	)
	return nil
}

// SubscribeOptions tunes durable consumer behaviour.
type SubscribeOptions struct {
	// AckWait is how long the server waits for an ack before redelivering.
	// Zero means the 30s default.
	AckWait time.Duration
	// MaxDeliver bounds redelivery attempts. Zero means 5.
	MaxDeliver int
}

// Subscribe creates a durable consumer and processes messages with the handler.
// The consumerName should be unique per subscribing component.
func (b *Bus) Subscribe(ctx context.Context, subject, consumerName string, handler HandlerFunc) error {
	return b.SubscribeWithOptions(ctx, subject, consumerName, handler, SubscribeOptions{})
}

// SubscribeWithOptions is Subscribe with explicit consumer tuning. The offer
// workers use a long AckWait so an in-flight task acts as an exclusive lease.
func (b *Bus) SubscribeWithOptions(ctx context.Context, subject, consumerName string, handler HandlerFunc, opts SubscribeOptions) error {
	streamName := b.cfg.StreamName
	if streamName == "" {
		streamName = "DISPATCH"
	}

	ackWait := opts.AckWait
	if ackWait == 0 {
		ackWait = 30 * time.Second
	}
	maxDeliver := opts.MaxDeliver
	if maxDeliver == 0 {
		maxDeliver = 5
	}

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			logger.Warn("failed to unmarshal event", zap.Error(err))
			msg.Term() // don't redeliver malformed messages
			return
		}

		msgCtx := ctx
		if event.CorrelationID != "" {
			msgCtx = logger.ContextWithCorrelationID(ctx, event.CorrelationID)
		}

		if err := handler(msgCtx, &event); err != nil {
			logger.WarnContext(msgCtx, "event handler error, will retry",
				zap.String("event_id", event.ID),
				zap.String("type", event.Type),
				zap.Error(err),
			)
			msg.Nak() // redeliver
			return
		}

		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumerName, err)
	}

	b.subs = append(b.subs, cc)
	logger.Info("subscribed to events",
		zap.String("subject", subject),
		zap.String("consumer", consumerName),
	)
	return nil
}

// Close drains subscriptions and closes the NATS connection.
func (b *Bus) Close() {
	for _, sub := range b.subs {
		sub.Stop()
	}
	if b.conn != nil {
		b.conn.Drain()
	}
	logger.Info("NATS event bus closed")
}

// Connected returns true if the NATS connection is active.
func (b *Bus) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
