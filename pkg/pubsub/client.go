package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var errNotConnected = errors.New("amqp client not connected")

// Client owns one broker connection, a publisher channel pool and the
// supervised consumers started with RunWithConsumers.
type Client struct {
	config Config
	logger *slog.Logger

	mu   sync.RWMutex
	conn *amqp.Connection
	pool *ChannelPool

	consumerWG     sync.WaitGroup
	consumerClosed chan string
	consumerSpecs  map[string]ConsumerSpec
}

func (c *Client) Config() Config { return c.config }

func NewClient(ctx context.Context, config Config, logger *slog.Logger) (*Client, error) {
	const op = "rabbitmq.NewClient"

	if config.URL == "" {
		return nil, fmt.Errorf("rabbitmq URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()
	c := &Client{
		config: config,
		logger: logger.With("component", "rabbitmq"),
	}

	host := ""
	if u, err := url.Parse(config.URL); err == nil {
		host = u.Host
	}
	c.logger.With("op", op).Info("connecting to rabbitmq", slog.String("host", host))

	dialCtx, cancel := context.WithTimeout(ctx, config.ConnTimeout)
	defer cancel()
	if err := c.connect(dialCtx); err != nil {
		c.logger.With("op", op).Error("connect failed", slog.Any("error", err))
		return nil, err
	}
	c.logger.With("op", op).Info("client ready", slog.String("exchange", config.Exchange))
	return c, nil
}

// connect dials, declares the routing exchange and swaps in a fresh pool.
func (c *Client) connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	conn, err := c.config.Dialer(ctx, c.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	tmp, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := tmp.ExchangeDeclare(c.config.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare exchange %s: %w", c.config.Exchange, err)
	}
	_ = tmp.Close()

	pool := NewChannelPool(conn, c.config.PublishPoolSize)

	c.mu.Lock()
	oldPool, oldConn := c.pool, c.conn
	c.conn, c.pool = conn, pool
	c.mu.Unlock()

	if oldPool != nil {
		oldPool.Close()
	}
	if oldConn != nil && !oldConn.IsClosed() {
		_ = oldConn.Close()
	}
	return nil
}

func (c *Client) current() (*amqp.Connection, *ChannelPool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil, nil, errNotConnected
	}
	return c.conn, c.pool, nil
}

// Channel opens a dedicated channel on the current connection.
func (c *Client) Channel() (*amqp.Channel, error) {
	conn, _, err := c.current()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// Close waits briefly for consumers, then closes the pool and connection.
func (c *Client) Close() error {
	done := make(chan struct{})
	go func() {
		c.consumerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != nil {
		c.pool.Close()
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}
