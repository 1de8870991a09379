package wspresence

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roboricindustries/raycon-dispatch/pkg/policy"
	"github.com/roboricindustries/raycon-dispatch/pkg/presence"
	"github.com/roboricindustries/raycon-dispatch/pkg/reconnect"
)

func newTestServer(t *testing.T) (*presence.Hub, string) {
	t.Helper()
	hub := presence.NewHub(nil)
	srv := httptest.NewServer(NewServer(hub, nil))
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/presence"
}

func dial(t *testing.T, endpoint, key string) *Conn {
	t.Helper()
	c, err := Dial(context.Background(), endpoint, "t1", key, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// waitSync returns the first sync carrying n records.
func waitSync(t *testing.T, c presence.Channel, n int) presence.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok, "events closed while waiting for sync")
			if ev.Kind == presence.EventSync && len(ev.Records) == n {
				return ev
			}
		case <-timeout:
			t.Fatalf("no sync with %d records", n)
		}
	}
}

func waitKind(t *testing.T, c presence.Channel, kind presence.EventKind) presence.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok, "events closed while waiting for %s", kind)
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestTrackReachesPeers(t *testing.T) {
	_, endpoint := newTestServer(t)
	a := dial(t, endpoint, "conn-a")
	b := dial(t, endpoint, "conn-b")

	require.NoError(t, a.Track(context.Background(), presence.Record{
		AgentID:  "agent-1",
		Status:   policy.StatusOnline,
		LastSeen: time.Now(),
	}))

	sync := waitSync(t, b, 1)
	assert.Equal(t, "conn-a", sync.Records[0].Key)
	assert.Equal(t, "agent-1", sync.Records[0].AgentID)
	assert.Equal(t, policy.StatusOnline, sync.Records[0].Status)
}

func TestBroadcastSkipsSender(t *testing.T) {
	_, endpoint := newTestServer(t)
	a := dial(t, endpoint, "conn-a")
	b := dial(t, endpoint, "conn-b")
	waitSync(t, a, 0)
	waitSync(t, b, 0)

	require.NoError(t, b.Send(context.Background(), presence.Broadcast{Event: "typing", Payload: []byte(`{"conversation_id":"c1"}`)}))

	ev := waitKind(t, a, presence.EventBroadcast)
	assert.Equal(t, "typing", ev.Broadcast.Event)
	assert.Equal(t, "conn-b", ev.Broadcast.From)
	assert.JSONEq(t, `{"conversation_id":"c1"}`, string(ev.Broadcast.Payload))

	select {
	case ev := <-b.Events():
		assert.NotEqual(t, presence.EventBroadcast, ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDuplicateKeyRejected(t *testing.T) {
	_, endpoint := newTestServer(t)
	dial(t, endpoint, "conn-a")

	_, err := Dial(context.Background(), endpoint, "t1", "conn-a", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}

func TestServerDropIsUnexpectedClose(t *testing.T) {
	hub, endpoint := newTestServer(t)
	a := dial(t, endpoint, "conn-a")
	waitSync(t, a, 0)

	require.True(t, hub.Drop("t1", "conn-a", errors.New("evicted")))

	ev := waitKind(t, a, presence.EventClosed)
	assert.ErrorIs(t, ev.Err, presence.ErrChannelClosed)

	select {
	case _, ok := <-a.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events not closed after drop")
	}
}

func TestOwnerCloseLeaves(t *testing.T) {
	hub, endpoint := newTestServer(t)
	a := dial(t, endpoint, "conn-a")
	require.NoError(t, a.Track(context.Background(), presence.Record{AgentID: "agent-1", Status: policy.StatusOnline, LastSeen: time.Now()}))
	require.Eventually(t, func() bool { return len(hub.State("t1")) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Close())
	for ev := range a.Events() {
		assert.NotEqual(t, presence.EventClosed, ev.Kind)
	}
	require.Eventually(t, func() bool { return len(hub.State("t1")) == 0 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, a.Track(context.Background(), presence.Record{AgentID: "agent-1"}), presence.ErrChannelClosed)
}

func TestControllerReconnectsOverWebSocket(t *testing.T) {
	hub, endpoint := newTestServer(t)
	reg := presence.NewRegistry("t1")
	c := reconnect.New(Dialer(endpoint, nil), reg, reconnect.Config{
		Tenant:            "t1",
		AgentID:           "agent-1",
		BaseDelay:         10 * time.Millisecond,
		MaxDelay:          50 * time.Millisecond,
		HeartbeatInterval: time.Hour,
	})
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(hub.State("t1")) == 1 }, 2*time.Second, 5*time.Millisecond)
	first := hub.State("t1")[0].Key

	require.True(t, hub.Drop("t1", first, nil))

	require.Eventually(t, func() bool {
		state := hub.State("t1")
		return c.State() == reconnect.Connected && len(state) == 1 && state[0].Key != first
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "agent-1", hub.State("t1")[0].AgentID)
	require.Eventually(t, func() bool { return reg.Merged(time.Now())["agent-1"].Online }, 2*time.Second, 5*time.Millisecond)
}
