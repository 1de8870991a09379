package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roboricindustries/raycon-dispatch/pkg/distribution"
	"github.com/roboricindustries/raycon-dispatch/pkg/metrics"
	"github.com/roboricindustries/raycon-dispatch/pkg/schemas/common"
	routing "github.com/roboricindustries/raycon-dispatch/pkg/schemas/routing/v1"
	"github.com/roboricindustries/raycon-dispatch/pkg/store"
)

// ConversationSource is the part of the conversation store arrivals need.
type ConversationSource interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	CreateConversation(ctx context.Context, c *store.Conversation) error
}

type Distributor interface {
	DistributeConversation(ctx context.Context, conv *store.Conversation) (distribution.Decision, error)
}

type ArrivalOptions struct {
	// Tenant limits handling to one tenant; other tenants are acked and
	// ignored. Empty handles all.
	Tenant  string
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// ConversationOpenedHandler records the opened conversation when it is new
// and distributes it. Invalid events are poison; store failures are retried.
func ConversationOpenedHandler(src ConversationSource, dist Distributor, opts ArrivalOptions) func(context.Context, common.GenericEnvelope[routing.ConversationOpenedV1]) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "arrivals")

	return func(ctx context.Context, env common.GenericEnvelope[routing.ConversationOpenedV1]) error {
		ev := env.Data
		if err := ev.Validate(); err != nil {
			opts.Metrics.RecordConsume(routing.ConversationOpenedType, "poison")
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		if opts.Tenant != "" && ev.Tenant.TenantID != opts.Tenant {
			opts.Metrics.RecordConsume(routing.ConversationOpenedType, "ignored")
			return nil
		}

		conv, err := src.GetConversation(ctx, ev.Conversation.ConversationID)
		if errors.Is(err, store.ErrNotFound) {
			conv = &store.Conversation{
				ID:               ev.Conversation.ConversationID,
				TenantID:         ev.Tenant.TenantID,
				ContactID:        ev.Conversation.ContactID,
				Sector:           ev.Sector,
				PreferredAgentID: ev.PreferredAgentID,
				Priority:         ev.Priority,
				Status:           store.StatusPending,
				CreatedAt:        openedAt(ev),
			}
			err = src.CreateConversation(ctx, conv)
		}
		if err != nil {
			opts.Metrics.RecordConsume(routing.ConversationOpenedType, "retry")
			return fmt.Errorf("record conversation %s: %w", ev.Conversation.ConversationID, err)
		}

		d, err := dist.DistributeConversation(ctx, conv)
		if err != nil {
			opts.Metrics.RecordConsume(routing.ConversationOpenedType, "retry")
			return err
		}
		opts.Metrics.RecordConsume(routing.ConversationOpenedType, "ack")
		logger.Debug("opened conversation handled",
			slog.String("conversation_id", conv.ID),
			slog.String("correlation_id", env.Meta.Correlation()),
			slog.String("outcome", string(d.Outcome)),
		)
		return nil
	}
}

func openedAt(ev routing.ConversationOpenedV1) time.Time {
	if ev.OpenedAt.IsZero() {
		return time.Now().UTC()
	}
	return ev.OpenedAt.UTC()
}

// ConversationOpenedConsumer binds queue to conversations.opened.v1 on the
// routing exchange, with dead-letter retries and poison copies kept in the
// final queue.
func ConversationOpenedConsumer(cfg Config, queue string, retry *RetrySpec, handler func(context.Context, common.GenericEnvelope[routing.ConversationOpenedV1]) error) ConsumerSpec {
	cfg = cfg.withDefaults()
	return ConsumerSpec{
		Name:          "conversations-opened",
		Exchange:      cfg.Exchange,
		Queue:         queue,
		BindingKey:    routing.ConversationOpenedMeta.RoutingKey,
		Retry:         retry,
		PoisonToFinal: true,
		Consume:       JSONHandler(handler),
	}
}
