package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/roboricindustries/raycon-dispatch/pkg/presence"
	routing "github.com/roboricindustries/raycon-dispatch/pkg/schemas/routing/v1"
)

const presenceEventBuffer = 64

// PresenceExchange is the fanout exchange carrying a tenant's presence frames.
func PresenceExchange(tenant string) string { return "presence." + tenant }

type PresenceOptions struct {
	// StaleAfter drops peers not seen for this long from syncs. Zero keeps
	// them until they leave.
	StaleAfter time.Duration
	Logger     *slog.Logger
}

// PresenceDialer joins tenant presence over the broker. Every connection
// gets an exclusive queue bound to the tenant's fanout exchange and keeps
// its own copy of the state.
func (c *Client) PresenceDialer(opts PresenceOptions) presence.Dialer {
	logger := opts.Logger
	if logger == nil {
		logger = c.logger
	}
	return func(ctx context.Context, tenant, key string) (presence.Channel, error) {
		ch, err := c.Channel()
		if err != nil {
			return nil, fmt.Errorf("open presence channel: %w", err)
		}
		pc, err := joinPresence(ctx, ch, tenant, key, opts.StaleAfter, logger)
		if err != nil {
			_ = SafeClose(ch)
			return nil, err
		}
		return pc, nil
	}
}

type PresenceChannel struct {
	ch       *amqp.Channel
	exchange string
	tenant   string
	key      string
	logger   *slog.Logger

	state  *presenceState // owned by loop
	events chan presence.Event

	mu      sync.Mutex
	own     *presence.Record
	closing bool
	done    chan struct{}
}

func joinPresence(ctx context.Context, ch *amqp.Channel, tenant, key string, staleAfter time.Duration, logger *slog.Logger) (*PresenceChannel, error) {
	exchange := PresenceExchange(tenant)
	if err := ch.ExchangeDeclare(exchange, "fanout", false, true, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare %s: %w", exchange, err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare presence queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind presence queue: %w", err)
	}
	msgs, err := ch.Consume(q.Name, key, true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume presence queue: %w", err)
	}

	pc := &PresenceChannel{
		ch:       ch,
		exchange: exchange,
		tenant:   tenant,
		key:      key,
		logger:   logger.With("component", "amqp_presence", "tenant", tenant, "key", key),
		state:    newPresenceState(key, staleAfter),
		events:   make(chan presence.Event, presenceEventBuffer),
		done:     make(chan struct{}),
	}
	go pc.loop(msgs, ch.NotifyClose(make(chan *amqp.Error, 1)))

	if err := pc.publish(ctx, routing.PresenceFrameV1{Type: routing.FrameHello}); err != nil {
		return nil, err
	}
	return pc, nil
}

func (pc *PresenceChannel) loop(msgs <-chan amqp.Delivery, closed <-chan *amqp.Error) {
	defer close(pc.done)
	defer close(pc.events)

	var cause error
	for cause == nil {
		select {
		case amqpErr, ok := <-closed:
			cause = presence.ErrChannelClosed
			if ok && amqpErr != nil {
				cause = fmt.Errorf("%w: %v", presence.ErrChannelClosed, amqpErr)
			}
		case d, ok := <-msgs:
			if !ok {
				cause = presence.ErrChannelClosed
				continue
			}
			pc.handle(d)
		}
	}

	pc.mu.Lock()
	closing := pc.closing
	pc.mu.Unlock()
	if !closing {
		pc.deliver(presence.Event{Kind: presence.EventClosed, Err: cause})
	}
}

func (pc *PresenceChannel) handle(d amqp.Delivery) {
	var f routing.PresenceFrameV1
	if err := json.Unmarshal(d.Body, &f); err != nil {
		pc.logger.Warn("undecodable presence frame", slog.Any("error", err))
		return
	}
	if err := f.Validate(); err != nil {
		pc.logger.Warn("invalid presence frame", slog.Any("error", err))
		return
	}

	events, retrack := pc.state.apply(f, time.Now())
	for _, ev := range events {
		pc.deliver(ev)
	}
	if retrack {
		pc.mu.Lock()
		own := pc.own
		pc.mu.Unlock()
		if own != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := pc.publishTrack(ctx, *own); err != nil {
				pc.logger.Warn("re-track failed", slog.Any("error", err))
			}
			cancel()
		}
	}
}

func (pc *PresenceChannel) deliver(ev presence.Event) {
	select {
	case pc.events <- ev:
	default:
		pc.logger.Warn("presence event dropped", slog.String("kind", ev.Kind.String()))
	}
}

func (pc *PresenceChannel) publish(ctx context.Context, f routing.PresenceFrameV1) error {
	f.Tenant = pc.tenant
	f.Key = pc.key
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal presence frame: %w", err)
	}
	err = pc.ch.PublishWithContext(ctx, pc.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Type:        f.Type,
		Timestamp:   time.Now(),
		Body:        body,
	})
	if err != nil {
		if pc.ch.IsClosed() {
			return presence.ErrChannelClosed
		}
		return fmt.Errorf("publish %s frame: %w", f.Type, err)
	}
	return nil
}

func (pc *PresenceChannel) publishTrack(ctx context.Context, r presence.Record) error {
	st := r.State()
	return pc.publish(ctx, routing.PresenceFrameV1{Type: routing.FrameTrack, State: &st})
}

func (pc *PresenceChannel) Track(ctx context.Context, r presence.Record) error {
	r.Key = pc.key
	pc.mu.Lock()
	if pc.closing {
		pc.mu.Unlock()
		return presence.ErrChannelClosed
	}
	pc.own = &r
	pc.mu.Unlock()
	return pc.publishTrack(ctx, r)
}

func (pc *PresenceChannel) Send(ctx context.Context, b presence.Broadcast) error {
	return pc.publish(ctx, routing.PresenceFrameV1{Type: routing.FrameBroadcast, Event: b.Event, Payload: b.Payload})
}

func (pc *PresenceChannel) Events() <-chan presence.Event { return pc.events }

// Close announces the leave to peers and releases the broker channel.
func (pc *PresenceChannel) Close() error {
	pc.mu.Lock()
	if pc.closing {
		pc.mu.Unlock()
		return nil
	}
	pc.closing = true
	pc.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pc.publish(ctx, routing.PresenceFrameV1{Type: routing.FrameLeave}); err != nil {
		pc.logger.Debug("leave not published", slog.Any("error", err))
	}
	err := SafeClose(pc.ch)
	<-pc.done
	return err
}
