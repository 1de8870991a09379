package wspresence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roboricindustries/raycon-dispatch/pkg/presence"
	routing "github.com/roboricindustries/raycon-dispatch/pkg/schemas/routing/v1"
)

// Dialer returns a presence.Dialer connecting to the server at endpoint,
// e.g. ws://hub:8090/presence.
func Dialer(endpoint string, logger *slog.Logger) presence.Dialer {
	return func(ctx context.Context, tenant, key string) (presence.Channel, error) {
		return Dial(ctx, endpoint, tenant, key, logger)
	}
}

// Conn is a client presence channel over WebSocket.
type Conn struct {
	conn   *websocket.Conn
	tenant string
	key    string
	logger *slog.Logger
	events chan presence.Event
	done   chan struct{}

	wmu     sync.Mutex
	mu      sync.Mutex
	closing bool
}

func Dial(ctx context.Context, endpoint, tenant, key string, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse presence endpoint: %w", err)
	}
	q := u.Query()
	q.Set("tenant", tenant)
	q.Set("key", key)
	u.RawQuery = q.Encode()

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial presence: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial presence: %w", err)
	}

	c := &Conn{
		conn:   ws,
		tenant: tenant,
		key:    key,
		logger: logger.With("component", "ws_presence_client", "tenant", tenant, "key", key),
		events: make(chan presence.Event, sendBuffer),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.events)

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var f routing.PresenceFrameV1
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if !closing {
				c.deliver(presence.Event{Kind: presence.EventClosed, Err: fmt.Errorf("%w: %v", presence.ErrChannelClosed, err)})
			}
			return
		}
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("undecodable frame", slog.Any("error", err))
			continue
		}
		ev, ok := eventFromFrame(f)
		if !ok {
			continue
		}
		c.deliver(ev)
	}
}

func (c *Conn) deliver(ev presence.Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("presence event dropped", slog.String("kind", ev.Kind.String()))
	}
}

func (c *Conn) write(ctx context.Context, f routing.PresenceFrameV1) error {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return presence.ErrChannelClosed
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	f.Tenant = c.tenant
	f.Key = c.key

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("%w: %v", presence.ErrChannelClosed, err)
	}
	return nil
}

func (c *Conn) Track(ctx context.Context, r presence.Record) error {
	r.Key = c.key
	st := r.State()
	return c.write(ctx, routing.PresenceFrameV1{Type: routing.FrameTrack, State: &st})
}

func (c *Conn) Send(ctx context.Context, b presence.Broadcast) error {
	return c.write(ctx, routing.PresenceFrameV1{Type: routing.FrameBroadcast, Event: b.Event, Payload: b.Payload})
}

func (c *Conn) Events() <-chan presence.Event { return c.events }

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	err := c.conn.Close()
	<-c.done
	return err
}
