package pubsub

import (
	"context"
	"log/slog"

	"github.com/roboricindustries/raycon-dispatch/pkg/schemas/common"
)

// FallbackPublisher drops events with a warning. It stands in when no broker
// is configured so routing keeps working.
type FallbackPublisher struct {
	log *slog.Logger
}

func NewFallback(logger *slog.Logger) *FallbackPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackPublisher{log: logger}
}

func (p *FallbackPublisher) Publish(ctx context.Context, key string, env common.Envelope) error {
	p.log.Warn("no broker configured, event dropped",
		slog.String("key", key),
		slog.String("id", env.Meta.ID),
	)
	return nil
}

func (p *FallbackPublisher) Close() error { return nil }
