package presence

import (
	"context"
	"errors"
)

// ErrChannelClosed is returned by operations on a closed channel.
var ErrChannelClosed = errors.New("presence channel closed")

// Channel is one connection to a tenant's presence channel.
//
// Events is closed after the channel is torn down. An unexpected teardown is
// announced with an EventClosed before the close; Close by the owner does not
// emit one.
type Channel interface {
	Track(ctx context.Context, r Record) error
	Send(ctx context.Context, b Broadcast) error
	Events() <-chan Event
	Close() error
}

// Dialer joins the tenant's presence channel as connection key.
type Dialer func(ctx context.Context, tenant, key string) (Channel, error)
