package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/roboricindustries/raycon-dispatch/pkg/metrics"
	"github.com/roboricindustries/raycon-dispatch/pkg/schemas/common"
	routing "github.com/roboricindustries/raycon-dispatch/pkg/schemas/routing/v1"
)

// Publisher publishes envelopes to the routing exchange. *Client and
// *FallbackPublisher implement it.
type Publisher interface {
	Publish(ctx context.Context, key string, env common.Envelope) error
	Close() error
}

// Publish sends env as persistent JSON to the routing exchange.
func (c *Client) Publish(ctx context.Context, key string, env common.Envelope) error {
	if env.Meta.ID == "" {
		return fmt.Errorf("envelope.Meta.ID is required")
	}
	if env.Meta.Time.IsZero() {
		env.Meta.Time = time.Now().UTC()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	_, pool, err := c.current()
	if err != nil {
		return err
	}
	ch, err := pool.Borrow(ctx, c.config.PoolRetryDelay)
	if err != nil {
		return fmt.Errorf("borrow channel: %w", err)
	}
	defer pool.Return(ch)

	return ch.PublishWithContext(ctx, c.config.Exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.Correlation(),
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		AppId:         c.config.Producer,
	})
}

// EventPublisher turns routing decisions into envelopes. The conversation ID
// is the correlation ID of every event about that conversation.
type EventPublisher struct {
	pub      Publisher
	producer string
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewEventPublisher(pub Publisher, producer string, m *metrics.Metrics, logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{
		pub:      pub,
		producer: producer,
		metrics:  m,
		logger:   logger.With("component", "events"),
	}
}

func (p *EventPublisher) PublishAssigned(ctx context.Context, ev routing.ConversationAssignedV1) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return p.publish(ctx, routing.ConversationAssignedMeta, ev.Conversation.ConversationID, ev)
}

func (p *EventPublisher) PublishQueued(ctx context.Context, ev routing.ConversationQueuedV1) error {
	if ev.Conversation.ConversationID == "" {
		return fmt.Errorf("queued event without conversation ID")
	}
	return p.publish(ctx, routing.ConversationQueuedMeta, ev.Conversation.ConversationID, ev)
}

func (p *EventPublisher) publish(ctx context.Context, em common.EventMeta, correlationID string, data any) error {
	env := common.NewEnvelope(em, p.producer, correlationID, data)
	err := p.pub.Publish(ctx, em.RoutingKey, env)
	p.metrics.RecordPublish(em.EventType, err)
	if err != nil {
		return fmt.Errorf("publish %s: %w", em.EventType, err)
	}
	p.logger.Debug("event published",
		slog.String("type", em.EventType),
		slog.String("id", env.Meta.ID),
		slog.String("correlation_id", correlationID),
	)
	return nil
}
