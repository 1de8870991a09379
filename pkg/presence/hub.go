package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

const eventBufferSize = 64

// ErrKeyInUse is returned by Join when the connection key is already joined.
var ErrKeyInUse = errors.New("connection key already joined")

// Hub keeps presence state for many tenants in process and fans events out to
// the joined connections. Every change produces a sync event carrying the full
// state of the tenant.
type Hub struct {
	mu      sync.Mutex
	tenants map[string]*hubTenant
	logger  *slog.Logger
}

type hubTenant struct {
	state map[string]Record
	conns map[string]*hubConn
}

// NewHub creates an empty hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		tenants: make(map[string]*hubTenant),
		logger:  logger.With("component", "presence_hub"),
	}
}

// Dialer returns a Dialer that joins this hub.
func (h *Hub) Dialer() Dialer {
	return h.Join
}

// Join attaches a new connection to the tenant. The connection immediately
// receives a sync with the current state.
func (h *Hub) Join(ctx context.Context, tenant, key string) (Channel, error) {
	if tenant == "" || key == "" {
		return nil, fmt.Errorf("tenant and key are required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.tenants[tenant]
	if !ok {
		t = &hubTenant{
			state: make(map[string]Record),
			conns: make(map[string]*hubConn),
		}
		h.tenants[tenant] = t
	}
	if _, exists := t.conns[key]; exists {
		return nil, ErrKeyInUse
	}

	c := &hubConn{
		hub:    h,
		tenant: tenant,
		key:    key,
		events: make(chan Event, eventBufferSize),
	}
	t.conns[key] = c
	c.deliver(Event{Kind: EventSync, Records: t.records()})

	h.logger.Debug("connection joined",
		slog.String("tenant", tenant),
		slog.String("key", key),
		slog.Int("connections", len(t.conns)),
	)
	return c, nil
}

// State returns the tracked records of a tenant.
func (h *Hub) State(tenant string) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tenants[tenant]
	if !ok {
		return nil
	}
	return t.records()
}

// Drop tears down a connection as if the network failed: the connection
// receives EventClosed with cause and its peers see it leave.
func (h *Hub) Drop(tenant, key string, cause error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.tenants[tenant]
	if !ok {
		return false
	}
	c, ok := t.conns[key]
	if !ok {
		return false
	}
	if cause == nil {
		cause = ErrChannelClosed
	}
	c.deliver(Event{Kind: EventClosed, Err: cause})
	h.removeLocked(t, tenant, c)
	return true
}

// Shutdown drops every connection of every tenant.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, t := range h.tenants {
		for _, c := range t.conns {
			c.deliver(Event{Kind: EventClosed, Err: ErrChannelClosed})
			h.removeLocked(t, name, c)
		}
	}
}

func (t *hubTenant) records() []Record {
	out := make([]Record, 0, len(t.state))
	for _, r := range t.state {
		out = append(out, r)
	}
	SortRecords(out)
	return out
}

func (h *Hub) track(c *hubConn, r Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.tenants[c.tenant]
	if !ok || t.conns[c.key] != c {
		return ErrChannelClosed
	}
	r.Key = c.key
	_, existed := t.state[c.key]
	t.state[c.key] = r

	if !existed {
		t.fanout(Event{Kind: EventJoin, Records: []Record{r}}, "")
	}
	t.fanout(Event{Kind: EventSync, Records: t.records()}, "")
	return nil
}

func (h *Hub) send(c *hubConn, b Broadcast) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.tenants[c.tenant]
	if !ok || t.conns[c.key] != c {
		return ErrChannelClosed
	}
	b.From = c.key
	t.fanout(Event{Kind: EventBroadcast, Broadcast: &b}, c.key)
	return nil
}

func (h *Hub) leave(c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.tenants[c.tenant]
	if !ok || t.conns[c.key] != c {
		return
	}
	h.removeLocked(t, c.tenant, c)
}

func (h *Hub) removeLocked(t *hubTenant, tenant string, c *hubConn) {
	delete(t.conns, c.key)
	c.closeEvents()

	if r, tracked := t.state[c.key]; tracked {
		delete(t.state, c.key)
		t.fanout(Event{Kind: EventLeave, Records: []Record{r}}, "")
		t.fanout(Event{Kind: EventSync, Records: t.records()}, "")
	}
	if len(t.conns) == 0 && len(t.state) == 0 {
		delete(h.tenants, tenant)
	}
	h.logger.Debug("connection left",
		slog.String("tenant", tenant),
		slog.String("key", c.key),
		slog.Int("connections", len(t.conns)),
	)
}

func (t *hubTenant) fanout(ev Event, except string) {
	for key, c := range t.conns {
		if key == except {
			continue
		}
		c.deliver(ev)
	}
}

type hubConn struct {
	hub    *Hub
	tenant string
	key    string

	mu     sync.Mutex
	events chan Event
	closed bool
}

// deliver never blocks; a consumer that falls behind by a full buffer loses
// events, which is acceptable because the next sync carries full state.
func (c *hubConn) deliver(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.hub.logger.Warn("presence event dropped",
			slog.String("tenant", c.tenant),
			slog.String("key", c.key),
			slog.String("kind", ev.Kind.String()),
		)
	}
}

func (c *hubConn) closeEvents() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

func (c *hubConn) Track(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.hub.track(c, r)
}

func (c *hubConn) Send(ctx context.Context, b Broadcast) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.hub.send(c, b)
}

func (c *hubConn) Events() <-chan Event { return c.events }

func (c *hubConn) Close() error {
	c.hub.leave(c)
	return nil
}
