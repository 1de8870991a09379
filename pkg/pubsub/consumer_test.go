package pubsub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	retrying := ConsumerSpec{Queue: "q", Retry: &RetrySpec{Enabled: true, MaxAttempts: 3}}
	plain := ConsumerSpec{Queue: "q"}
	poisonToFinal := ConsumerSpec{Queue: "q", PoisonToFinal: true}
	transient := errors.New("db down")
	poison := errors.Join(ErrPoison, errors.New("bad json"))

	tests := []struct {
		name string
		spec ConsumerSpec
		err  error
		want disposition
	}{
		{"success", retrying, nil, dispAck},
		{"transient with retry", retrying, transient, dispDeadLetter},
		{"transient without retry", plain, transient, dispRequeue},
		{"poison dropped", plain, poison, dispAck},
		{"poison kept", poisonToFinal, poison, dispFinal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.spec, tt.err))
		})
	}
}

func TestExhausted(t *testing.T) {
	spec := ConsumerSpec{Queue: "q", Retry: &RetrySpec{Enabled: true, MaxAttempts: 2}}
	deaths := func(n int64) amqp.Delivery {
		return amqp.Delivery{Headers: amqp.Table{"x-death": []any{amqp.Table{"queue": "q", "count": n}}}}
	}

	assert.False(t, exhausted(spec, amqp.Delivery{}))
	assert.False(t, exhausted(spec, deaths(1)))
	assert.True(t, exhausted(spec, deaths(2)))
	assert.False(t, exhausted(ConsumerSpec{Queue: "q"}, deaths(9)))
}

func TestConsumerSpecNames(t *testing.T) {
	s := ConsumerSpec{Queue: "dispatch.opened"}
	assert.Equal(t, "dispatch.opened.dead", s.deadExchange())
	assert.Equal(t, "dispatch.opened.final", s.finalQueue())

	s.Retry = &RetrySpec{DeadExchange: "dlx", FinalQueue: "parked"}
	assert.Equal(t, "dlx", s.deadExchange())
	assert.Equal(t, "dispatch.opened.dead", s.deadQueue())
	assert.Equal(t, "parked", s.finalQueue())
	assert.Equal(t, "dispatch.opened.final", s.finalExchange())
}

func TestJSONHandler(t *testing.T) {
	type payload struct {
		ID string `json:"id"`
	}
	var got payload
	h := JSONHandler(func(_ context.Context, p payload) error {
		got = p
		return nil
	})

	require.NoError(t, h(context.Background(), amqp.Delivery{Body: []byte(`{"id":"c1"}`)}))
	assert.Equal(t, "c1", got.ID)

	err := h(context.Background(), amqp.Delivery{Body: []byte(`{`)})
	assert.ErrorIs(t, err, ErrPoison)
}

func TestWatchClose_NotConnected(t *testing.T) {
	c := &Client{}
	ch, err := c.watchClose()
	assert.ErrorIs(t, err, errNotConnected)
	assert.Nil(t, ch)
}

func TestRunWithConsumers_NotConnected(t *testing.T) {
	c := &Client{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	err := c.RunWithConsumers(context.Background())
	assert.ErrorIs(t, err, errNotConnected)
}
