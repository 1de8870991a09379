package reconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roboricindustries/raycon-dispatch/pkg/metrics"
	"github.com/roboricindustries/raycon-dispatch/pkg/policy"
	"github.com/roboricindustries/raycon-dispatch/pkg/presence"
)

var (
	ErrNotConnected       = errors.New("presence channel not connected")
	ErrMaxRetriesExceeded = errors.New("max reconnect attempts exceeded")
	ErrClosed             = errors.New("controller closed")
)

const (
	defaultDialTimeout = 10 * time.Second
	subscriberBuffer   = 16
	messageBuffer      = 64
)

type Config struct {
	Tenant      string
	AgentID     string // optional; attached on every connect when set
	DisplayName string

	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	DialTimeout          time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Controller keeps one presence channel connection per tenant alive. It owns
// the heartbeat ticker and the backoff timer; Disconnect and Close stop both.
//
// Connection cycles and heartbeats are serialized: a heartbeat never runs
// while a connect is tearing down or opening a channel.
type Controller struct {
	dial     presence.Dialer
	registry *presence.Registry
	cfg      Config
	logger   *slog.Logger

	op sync.Mutex

	mu       sync.Mutex
	state    State
	attempts int
	err      error
	gen      uint64
	ch       presence.Channel
	stopHB   context.CancelFunc
	retry    *time.Timer
	status   policy.Status
	closed   bool
	subs     map[string]chan StateChange
	messages chan presence.Broadcast
}

func New(dial presence.Dialer, registry *presence.Registry, cfg Config) *Controller {
	cfg.applyDefaults()
	if cfg.Tenant == "" {
		cfg.Tenant = registry.Tenant()
	}
	return &Controller{
		dial:     dial,
		registry: registry,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "reconnect", "tenant", cfg.Tenant),
		state:    Disconnected,
		status:   policy.StatusOnline,
		subs:     make(map[string]chan StateChange),
		messages: make(chan presence.Broadcast, messageBuffer),
	}
}

// Connect tears down any existing connection and opens a new one. A failed
// dial counts as a closed cycle and schedules a retry.
func (c *Controller) Connect(ctx context.Context) error {
	return c.connect(ctx, 0, false)
}

// Reconnect resets the attempt counter and connects. It is the way out of the
// terminal state reached after MaxReconnectAttempts.
func (c *Controller) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	c.attempts = 0
	c.err = nil
	c.mu.Unlock()
	return c.connect(ctx, 0, false)
}

// Disconnect stops the heartbeat, cancels a pending retry and closes the
// channel. It is always safe to call.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	old := c.teardownLocked()
	c.gen++
	c.setStateLocked(Disconnected, nil)
	c.mu.Unlock()

	release(old)
	c.logger.Info("presence disconnected")
}

// Close disconnects and makes every later Connect fail with ErrClosed.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	old := c.teardownLocked()
	c.gen++
	c.setStateLocked(Disconnected, nil)
	c.mu.Unlock()

	release(old)
	return nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Err returns ErrMaxRetriesExceeded once the controller gave up.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Messages delivers broadcasts from other connections of the tenant. Messages
// are dropped when the buffer is full.
func (c *Controller) Messages() <-chan presence.Broadcast { return c.messages }

// SendMessage broadcasts payload to the other connections of the tenant.
func (c *Controller) SendMessage(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	ch := c.ch
	connected := c.state == Connected
	c.mu.Unlock()
	if !connected || ch == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	if err := ch.Send(ctx, presence.Broadcast{Event: event, Payload: raw}); err != nil {
		if errors.Is(err, presence.ErrChannelClosed) {
			return ErrNotConnected
		}
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

// UpdatePresence changes the status sent with heartbeats and sends one now
// when connected. Otherwise it only records the status.
func (c *Controller) UpdatePresence(ctx context.Context, status policy.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid presence status %q", status)
	}
	c.mu.Lock()
	c.status = status
	connected := c.state == Connected
	c.mu.Unlock()
	if !connected {
		return nil
	}

	c.op.Lock()
	defer c.op.Unlock()
	return c.registry.Heartbeat(ctx, c.cfg.AgentID, status)
}

// Subscribe delivers every state transition until ctx is done, then closes
// the channel. A subscriber that falls behind loses transitions.
func (c *Controller) Subscribe(ctx context.Context) <-chan StateChange {
	id := uuid.NewString()
	ch := make(chan StateChange, subscriberBuffer)

	c.mu.Lock()
	c.subs[id] = ch
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subs, id)
		close(ch)
		c.mu.Unlock()
	}()
	return ch
}

func (c *Controller) connect(ctx context.Context, expect uint64, fromTimer bool) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if fromTimer && c.gen != expect {
		c.mu.Unlock()
		return nil
	}
	old := c.teardownLocked()
	c.gen++
	gen := c.gen
	c.setStateLocked(Connecting, nil)
	c.mu.Unlock()
	release(old)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	ch, err := c.dial(dialCtx, c.cfg.Tenant, uuid.NewString())
	cancel()
	if err != nil {
		c.logger.Warn("presence dial failed", slog.Any("error", err))
		c.closedCycle(gen, err)
		return fmt.Errorf("connect %s: %w", c.cfg.Tenant, err)
	}

	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		_ = ch.Close()
		return ErrNotConnected
	}
	hbCtx, stop := context.WithCancel(context.Background())
	c.ch = ch
	c.stopHB = stop
	c.attempts = 0
	c.err = nil
	c.registry.Bind(ch)
	c.setStateLocked(Connected, nil)
	c.mu.Unlock()

	c.cfg.Metrics.SetConnected(c.cfg.Tenant, true)
	c.logger.Info("presence connected")

	go c.pump(gen, ch)
	go c.heartbeatLoop(hbCtx)

	c.attach(ctx)
	return nil
}

func (c *Controller) attach(ctx context.Context) {
	c.mu.Lock()
	status := c.status
	c.mu.Unlock()

	var err error
	if c.cfg.AgentID != "" {
		err = c.registry.AttachStatus(ctx, c.cfg.AgentID, c.cfg.DisplayName, status)
	} else {
		err = c.registry.Reattach(ctx)
	}
	if err != nil {
		c.logger.Warn("presence attach failed", slog.Any("error", err))
	}
}

// closedCycle handles the unexpected end of connection gen: it either
// schedules the next attempt or gives up.
func (c *Controller) closedCycle(gen uint64, cause error) {
	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		return
	}
	old := c.teardownLocked()
	c.setStateLocked(Closed, cause)

	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.err = ErrMaxRetriesExceeded
		c.gen++
		c.setStateLocked(Disconnected, ErrMaxRetriesExceeded)
		attempts := c.attempts
		c.mu.Unlock()

		release(old)
		c.cfg.Metrics.SetConnected(c.cfg.Tenant, false)
		c.logger.Error("presence reconnect abandoned",
			slog.Int("attempts", attempts),
			slog.Any("error", cause),
		)
		return
	}

	delay := backoff(c.attempts, c.cfg.BaseDelay, c.cfg.MaxDelay)
	c.attempts++
	c.gen++
	next := c.gen
	attempt := c.attempts
	c.setStateLocked(Backoff, cause)
	c.retry = time.AfterFunc(delay, func() { c.retryConnect(next) })
	c.mu.Unlock()

	release(old)
	c.cfg.Metrics.SetConnected(c.cfg.Tenant, false)
	c.cfg.Metrics.ReconnectScheduled(c.cfg.Tenant)
	c.logger.Warn("presence channel closed, retrying",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.Any("error", cause),
	)
}

func (c *Controller) retryConnect(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()
	if err := c.connect(ctx, gen, true); err != nil {
		c.logger.Debug("reconnect attempt failed", slog.Any("error", err))
	}
}

// teardownLocked stops the heartbeat and retry timer and unbinds the
// registry. The returned channel must be closed after c.mu is released.
func (c *Controller) teardownLocked() presence.Channel {
	if c.stopHB != nil {
		c.stopHB()
		c.stopHB = nil
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	old := c.ch
	c.ch = nil
	if old != nil {
		c.registry.Unbind()
	}
	return old
}

func release(ch presence.Channel) {
	if ch != nil {
		_ = ch.Close()
	}
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && !c.closed
}

func (c *Controller) pump(gen uint64, ch presence.Channel) {
	for ev := range ch.Events() {
		switch ev.Kind {
		case presence.EventClosed:
			c.closedCycle(gen, ev.Err)
			return
		case presence.EventBroadcast:
			if ev.Broadcast == nil {
				continue
			}
			select {
			case c.messages <- *ev.Broadcast:
			default:
				c.logger.Warn("broadcast dropped", slog.String("event", ev.Broadcast.Event))
			}
		default:
			if !c.current(gen) {
				continue
			}
			c.registry.Apply(ev)
			if ev.Kind == presence.EventSync {
				online := 0
				for _, p := range c.registry.Merged(time.Now()) {
					if p.Online {
						online++
					}
				}
				c.cfg.Metrics.SetAgentsOnline(c.cfg.Tenant, online)
			}
		}
	}
	// events closed without a cause; a no-op after an owner teardown
	c.closedCycle(gen, presence.ErrChannelClosed)
}

func (c *Controller) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.beat(ctx)
		}
	}
}

func (c *Controller) beat(ctx context.Context) {
	c.op.Lock()
	defer c.op.Unlock()
	if ctx.Err() != nil {
		return
	}
	if _, ok := c.registry.Self(); !ok && c.cfg.AgentID == "" {
		return
	}

	c.mu.Lock()
	status := c.status
	c.mu.Unlock()

	hbCtx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatInterval)
	defer cancel()
	if err := c.registry.Heartbeat(hbCtx, c.cfg.AgentID, status); err != nil {
		c.logger.Warn("heartbeat failed", slog.Any("error", err))
	}
}

func (c *Controller) setStateLocked(to State, err error) {
	from := c.state
	if from == to && err == nil {
		return
	}
	c.state = to
	change := StateChange{From: from, To: to, Attempt: c.attempts, Err: err}
	for _, ch := range c.subs {
		select {
		case ch <- change:
		default:
		}
	}
}
