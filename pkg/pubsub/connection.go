package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const maxDialDelay = 60 * time.Second

type ConnectionOptions struct {
	RetryAttempts int
	Delay         time.Duration
	Logger        *slog.Logger
}

// DialWithRetry dials url with exponential backoff capped at one minute. It
// gives up after RetryAttempts or when ctx is done.
func DialWithRetry(ctx context.Context, url string, opts ConnectionOptions) (*amqp.Connection, error) {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var lastErr error
	for i := 1; i <= opts.RetryAttempts; i++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			if i > 1 {
				opts.Logger.Info("rabbit connected", slog.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err
		if i == opts.RetryAttempts {
			break
		}

		sleep := dialDelay(opts.Delay, i)
		opts.Logger.Warn("rabbit dial failed",
			slog.Int("attempt", i),
			slog.Duration("sleep", sleep),
			slog.Any("error", err),
		)
		if err := sleepCtx(ctx, sleep); err != nil {
			return nil, fmt.Errorf("dial cancelled: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", opts.RetryAttempts, lastErr)
}

// RetryDialer adapts DialWithRetry to Config.Dialer.
func RetryDialer(opts ConnectionOptions) func(ctx context.Context, url string) (*amqp.Connection, error) {
	return func(ctx context.Context, url string) (*amqp.Connection, error) {
		return DialWithRetry(ctx, url, opts)
	}
}

// dialDelay is base * 2^(attempt-1), capped.
func dialDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDialDelay {
			return maxDialDelay
		}
	}
	return d
}
