package pubsub

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	routing "github.com/roboricindustries/raycon-dispatch/pkg/schemas/routing/v1"
)

// Config defines the broker connection and routing topology.
type Config struct {
	URL      string
	Exchange string // routing events, defaults to routing.Exchange
	Producer string // AppId and envelope producer

	PublishPoolSize        int
	ConsumerPrefetch       int
	ConnTimeout            time.Duration
	PoolRetryDelay         time.Duration
	ReconnectBackoffBase   time.Duration
	ReconnectBackoffCap    time.Duration
	ReconnectJitterPercent int

	// Dialer replaces amqp.Dial, e.g. with RetryDialer or a test double.
	Dialer func(ctx context.Context, url string) (*amqp.Connection, error)
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = routing.Exchange
	}
	if c.Producer == "" {
		c.Producer = "raycon-dispatch"
	}
	if c.PublishPoolSize <= 0 {
		c.PublishPoolSize = 16
	}
	if c.ConsumerPrefetch <= 0 {
		c.ConsumerPrefetch = 1
	}
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = 30 * time.Second
	}
	if c.PoolRetryDelay <= 0 {
		c.PoolRetryDelay = 50 * time.Millisecond
	}
	if c.ReconnectBackoffBase <= 0 {
		c.ReconnectBackoffBase = time.Second
	}
	if c.ReconnectBackoffCap <= 0 {
		c.ReconnectBackoffCap = 30 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = func(_ context.Context, u string) (*amqp.Connection, error) { return amqp.Dial(u) }
	}
	return c
}
