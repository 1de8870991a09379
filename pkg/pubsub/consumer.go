package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RetrySpec configures the dead-letter retry pipeline of a consumer: a failed
// delivery waits TTL in the dead queue and is routed back to the main queue
// until MaxAttempts is reached.
type RetrySpec struct {
	Enabled     bool
	TTL         time.Duration
	MaxAttempts int

	DeadExchange  string
	DeadQueue     string
	FinalExchange string
	FinalQueue    string
}

type ConsumerSpec struct {
	Name         string
	Exchange     string
	ExchangeKind string // default topic
	Queue        string
	BindingKey   string
	Prefetch     int // 0 uses Config.ConsumerPrefetch
	Retry        *RetrySpec

	// PoisonToFinal copies poison messages to the final queue before acking.
	PoisonToFinal bool

	Consume func(ctx context.Context, d amqp.Delivery) error
}

func (s ConsumerSpec) deadExchange() string {
	if s.Retry != nil {
		return FirstNonEmpty(s.Retry.DeadExchange, s.Queue+".dead")
	}
	return s.Queue + ".dead"
}

func (s ConsumerSpec) deadQueue() string {
	if s.Retry != nil {
		return FirstNonEmpty(s.Retry.DeadQueue, s.Queue+".dead")
	}
	return s.Queue + ".dead"
}

func (s ConsumerSpec) finalExchange() string {
	if s.Retry != nil {
		return FirstNonEmpty(s.Retry.FinalExchange, s.Queue+".final")
	}
	return s.Queue + ".final"
}

func (s ConsumerSpec) finalQueue() string {
	if s.Retry != nil {
		return FirstNonEmpty(s.Retry.FinalQueue, s.Queue+".final")
	}
	return s.Queue + ".final"
}

func (s ConsumerSpec) retrying() bool { return s.Retry != nil && s.Retry.Enabled }

// ErrPoison marks a message that can never succeed, e.g. undecodable JSON.
var ErrPoison = errors.New("poison message")

// JSONHandler decodes the body into T. Decode failures are poison.
func JSONHandler[T any](h func(context.Context, T) error) func(context.Context, amqp.Delivery) error {
	return func(ctx context.Context, d amqp.Delivery) error {
		var v T
		if err := json.Unmarshal(d.Body, &v); err != nil {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		return h(ctx, v)
	}
}

type disposition int

const (
	dispAck disposition = iota
	dispDeadLetter
	dispRequeue
	dispFinal
)

func (d disposition) String() string {
	switch d {
	case dispAck:
		return "ack"
	case dispDeadLetter:
		return "retry"
	case dispRequeue:
		return "requeue"
	case dispFinal:
		return "poison"
	}
	return "unknown"
}

// exhausted reports whether d already used up its retries.
func exhausted(s ConsumerSpec, d amqp.Delivery) bool {
	return s.retrying() && s.Retry.MaxAttempts > 0 && DeathCount(d, s.Queue) >= s.Retry.MaxAttempts
}

// classify maps a handler result to what happens to the delivery.
func classify(s ConsumerSpec, err error) disposition {
	switch {
	case err == nil:
		return dispAck
	case errors.Is(err, ErrPoison):
		if s.PoisonToFinal {
			return dispFinal
		}
		return dispAck
	case s.retrying():
		return dispDeadLetter
	default:
		return dispRequeue
	}
}

// RunWithConsumers starts every consumer and supervises them until ctx is
// done, restarting closed consumers and reconnecting when the connection
// drops.
func (c *Client) RunWithConsumers(ctx context.Context, specs ...ConsumerSpec) error {
	c.consumerClosed = make(chan string, len(specs)*2)
	c.consumerSpecs = make(map[string]ConsumerSpec, len(specs))

	for _, s := range specs {
		c.consumerSpecs[s.Name] = s
		if err := c.startConsumer(ctx, s); err != nil {
			return fmt.Errorf("start %s: %w", s.Name, err)
		}
	}

	errCh, err := c.watchClose()
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case name := <-c.consumerClosed:
			if s, ok := c.consumerSpecs[name]; ok {
				if err := c.startConsumer(ctx, s); err != nil {
					c.logger.Error("restart consumer failed", slog.String("name", name), slog.Any("error", err))
				}
			}

		case err, ok := <-errCh:
			if !ok {
				err = &amqp.Error{Reason: "connection closed"}
			}
			c.logger.Error("amqp connection closed, reconnecting", slog.Any("error", err))

			if rerr := c.reconnectLoop(ctx); rerr != nil {
				return rerr
			}
			for _, s := range c.consumerSpecs {
				if err := c.startConsumer(ctx, s); err != nil {
					c.logger.Error("restart consumer after reconnect failed", slog.String("name", s.Name), slog.Any("error", err))
				}
			}
			newCh, werr := c.watchClose()
			if werr != nil {
				return werr
			}
			errCh = newCh
		}
	}
}

// watchClose registers for the close notification of the current connection.
func (c *Client) watchClose() (chan *amqp.Error, error) {
	conn, _, err := c.current()
	if err != nil {
		return nil, err
	}
	return conn.NotifyClose(make(chan *amqp.Error, 1)), nil
}

func (c *Client) reconnectLoop(ctx context.Context) error {
	const op = "rabbitmq.reconnect"
	backoff := c.config.ReconnectBackoffBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.connect(ctx)
		if err == nil {
			c.logger.With("op", op).Info("reconnected")
			return nil
		}
		wait := JitteredDelay(backoff, c.config.ReconnectBackoffCap, c.config.ReconnectJitterPercent)
		c.logger.With("op", op).Error("reconnect failed", slog.Any("error", err), slog.Duration("retry_in", wait))
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
		if backoff*2 < c.config.ReconnectBackoffCap {
			backoff *= 2
		}
	}
}

func (c *Client) startConsumer(ctx context.Context, spec ConsumerSpec) error {
	ch, err := c.Channel()
	if err != nil {
		return err
	}

	pf := spec.Prefetch
	if pf <= 0 {
		pf = c.config.ConsumerPrefetch
	}
	if err := ch.Qos(pf, 0, false); err != nil {
		_ = ch.Close()
		return err
	}
	if err := declareConsumerTopology(ch, spec); err != nil {
		_ = ch.Close()
		return err
	}
	msgs, err := ch.Consume(spec.Queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}
	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))

	c.consumerWG.Add(1)
	go func() {
		defer c.consumerWG.Done()
		defer SafeClose(ch)
		for {
			select {
			case <-ctx.Done():
				return

			case <-closeCh:
				drain(msgs)
				select {
				case c.consumerClosed <- spec.Name:
				default:
				}
				return

			case d, ok := <-msgs:
				if !ok {
					return
				}
				c.handle(ctx, ch, spec, d)
			}
		}
	}()

	c.logger.Info("consumer started", slog.String("name", spec.Name), slog.String("queue", spec.Queue), slog.Int("prefetch", pf))
	return nil
}

// drain requeues whatever was buffered before the channel closed.
func drain(msgs <-chan amqp.Delivery) {
	for {
		select {
		case d, ok := <-msgs:
			if !ok {
				return
			}
			_ = d.Nack(false, true)
		default:
			return
		}
	}
}

func (c *Client) handle(ctx context.Context, ch *amqp.Channel, spec ConsumerSpec, d amqp.Delivery) {
	if exhausted(spec, d) {
		if err := PublishFinal(ch, spec.finalExchange(), d); err != nil {
			c.logger.Error("publish to final failed", slog.String("name", spec.Name), slog.Any("error", err))
		}
		_ = d.Ack(false)
		return
	}

	err := spec.Consume(ctx, d)
	disp := classify(spec, err)
	if err != nil {
		c.logger.Warn("consume failed",
			slog.String("name", spec.Name),
			slog.String("message_id", d.MessageId),
			slog.String("disposition", disp.String()),
			slog.Any("error", err),
		)
	}

	switch disp {
	case dispFinal:
		if err := PublishFinal(ch, spec.finalExchange(), d); err != nil {
			c.logger.Error("publish to final failed", slog.String("name", spec.Name), slog.Any("error", err))
		}
		_ = d.Ack(false)
	case dispDeadLetter:
		_ = d.Nack(false, false)
	case dispRequeue:
		_ = d.Nack(false, true)
	default:
		_ = d.Ack(false)
	}
}

// declareConsumerTopology declares the main queue and binding, the dead
// letter stage when retries are on, and the final queue.
func declareConsumerTopology(ch *amqp.Channel, s ConsumerSpec) error {
	kind := FirstNonEmpty(s.ExchangeKind, "topic")
	if err := ch.ExchangeDeclare(s.Exchange, kind, true, false, false, false, nil); err != nil {
		return err
	}

	mainArgs := amqp.Table{}
	if s.retrying() {
		mainArgs["x-dead-letter-exchange"] = s.deadExchange()
	}
	if _, err := ch.QueueDeclare(s.Queue, true, false, false, false, mainArgs); err != nil {
		return err
	}
	if err := ch.QueueBind(s.Queue, s.BindingKey, s.Exchange, false, nil); err != nil {
		return err
	}

	if s.retrying() {
		if err := ch.ExchangeDeclare(s.deadExchange(), "fanout", true, false, false, false, nil); err != nil {
			return err
		}
		dArgs := amqp.Table{
			"x-message-ttl":             int32(s.Retry.TTL / time.Millisecond),
			"x-dead-letter-exchange":    s.Exchange,
			"x-dead-letter-routing-key": s.BindingKey,
		}
		if _, err := ch.QueueDeclare(s.deadQueue(), true, false, false, false, dArgs); err != nil {
			return err
		}
		if err := ch.QueueBind(s.deadQueue(), "", s.deadExchange(), false, nil); err != nil {
			return err
		}
	}

	if s.retrying() || s.PoisonToFinal {
		if err := ch.ExchangeDeclare(s.finalExchange(), "fanout", true, false, false, false, nil); err != nil {
			return err
		}
		if _, err := ch.QueueDeclare(s.finalQueue(), true, false, false, false, nil); err != nil {
			return err
		}
		if err := ch.QueueBind(s.finalQueue(), "", s.finalExchange(), false, nil); err != nil {
			return err
		}
	}
	return nil
}
