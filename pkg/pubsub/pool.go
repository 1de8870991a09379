package pubsub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	errPoolClosed = errors.New("channel pool closed")
	errConnClosed = errors.New("amqp connection closed")
)

// ChannelPool lends publisher channels, opening at most capacity of them.
// Invariant: len(permits) == idle + borrowed channels <= capacity.
type ChannelPool struct {
	conn    *amqp.Connection
	idle    chan *amqp.Channel
	permits chan struct{}
	closed  atomic.Bool
	openMu  sync.Mutex
}

func NewChannelPool(conn *amqp.Connection, capacity int) *ChannelPool {
	if capacity <= 0 {
		capacity = 16
	}
	return &ChannelPool{
		conn:    conn,
		idle:    make(chan *amqp.Channel, capacity),
		permits: make(chan struct{}, capacity),
	}
}

// Borrow returns an idle channel, opens a new one while under capacity, or
// waits for one to be returned.
func (cp *ChannelPool) Borrow(ctx context.Context, retryDelay time.Duration) (*amqp.Channel, error) {
	if retryDelay <= 0 {
		retryDelay = 50 * time.Millisecond
	}
	for {
		if cp.closed.Load() {
			return nil, errPoolClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case ch, ok := <-cp.idle:
			if !ok {
				return nil, errPoolClosed
			}
			if !ch.IsClosed() {
				return ch, nil
			}
			// dead channel: reuse its permit for a fresh one
			if nch, err := cp.open(); err == nil {
				return nch, nil
			}
			cp.release()
			if err := sleepCtx(ctx, retryDelay); err != nil {
				return nil, err
			}

		default:
			if cp.conn.IsClosed() {
				return nil, errConnClosed
			}
			select {
			case cp.permits <- struct{}{}:
				nch, err := cp.open()
				if err != nil {
					cp.release()
					if err := sleepCtx(ctx, retryDelay); err != nil {
						return nil, err
					}
					continue
				}
				return nch, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
}

// Return hands ch back. Closed channels give their permit back instead.
func (cp *ChannelPool) Return(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	if cp.closed.Load() || cp.conn.IsClosed() || ch.IsClosed() {
		_ = SafeClose(ch)
		cp.release()
		return
	}
	select {
	case cp.idle <- ch:
	default:
		_ = SafeClose(ch)
		cp.release()
	}
}

func (cp *ChannelPool) Close() {
	if cp.closed.Swap(true) {
		return
	}
	close(cp.idle)
	for ch := range cp.idle {
		_ = SafeClose(ch)
		cp.release()
	}
}

func (cp *ChannelPool) open() (*amqp.Channel, error) {
	cp.openMu.Lock()
	defer cp.openMu.Unlock()
	if cp.conn.IsClosed() {
		return nil, errConnClosed
	}
	return cp.conn.Channel()
}

func (cp *ChannelPool) release() {
	select {
	case <-cp.permits:
	default:
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
