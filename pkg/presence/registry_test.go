package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roboricindustries/raycon-dispatch/pkg/policy"
)

type activityCall struct {
	agentID string
	status  policy.Status
	at      time.Time
}

type recordingActivity struct {
	mu    sync.Mutex
	calls []activityCall
}

func (r *recordingActivity) TouchActivity(_ context.Context, agentID string, status policy.Status, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, activityCall{agentID, status, at})
	return nil
}

func (r *recordingActivity) last() activityCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

func TestRegistry_UnboundIsNoop(t *testing.T) {
	reg := NewRegistry("t1")
	ctx := context.Background()

	require.NoError(t, reg.Attach(ctx, "agent-1", "Ana"))
	require.NoError(t, reg.Heartbeat(ctx, "agent-1", policy.StatusOnline))
	assert.Equal(t, Detached, reg.AttachState())
	assert.Empty(t, reg.Snapshot())

	assert.Error(t, reg.Attach(ctx, "", "x"))
}

func TestRegistry_AttachAndHeartbeat(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()
	clock := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	activity := &recordingActivity{}

	reg := NewRegistry("t1",
		WithClock(func() time.Time { return clock }),
		WithActivityWriter(activity),
	)
	ch, err := hub.Join(ctx, "t1", "conn-1")
	require.NoError(t, err)
	reg.Bind(ch)

	require.NoError(t, reg.Attach(ctx, "agent-1", "Ana"))
	assert.Equal(t, Attached, reg.AttachState())

	state := hub.State("t1")
	require.Len(t, state, 1)
	assert.Equal(t, "agent-1", state[0].AgentID)
	assert.True(t, state[0].LastSeen.Equal(clock))

	clock = clock.Add(30 * time.Second)
	require.NoError(t, reg.Heartbeat(ctx, "agent-1", policy.StatusAway))
	state = hub.State("t1")
	require.Len(t, state, 1, "heartbeat re-tracks the same connection")
	assert.Equal(t, policy.StatusAway, state[0].Status)
	assert.True(t, state[0].LastSeen.Equal(clock))

	last := activity.last()
	assert.Equal(t, "agent-1", last.agentID)
	assert.Equal(t, policy.StatusAway, last.status)
	assert.True(t, last.at.Equal(clock))

	assert.Error(t, reg.Heartbeat(ctx, "agent-2", policy.StatusOnline))
}

func TestRegistry_AttachIsIdempotentPerConnection(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()
	reg := NewRegistry("t1")
	ch, err := hub.Join(ctx, "t1", "conn-1")
	require.NoError(t, err)
	reg.Bind(ch)

	require.NoError(t, reg.Attach(ctx, "agent-1", "Ana"))
	first, _ := reg.Self()
	require.NoError(t, reg.Attach(ctx, "agent-1", ""))
	second, _ := reg.Self()

	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, "Ana", second.DisplayName)
	assert.Len(t, hub.State("t1"), 1)
}

func TestRegistry_ApplySyncNotifiesSubscribers(t *testing.T) {
	reg := NewRegistry("t1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := reg.Subscribe(ctx)
	now := time.Now()

	reg.Apply(Event{Kind: EventSync, Records: []Record{
		{Key: "b", AgentID: "agent-2", Status: policy.StatusOnline, LastSeen: now},
	}})
	reg.Apply(Event{Kind: EventSync, Records: []Record{
		{Key: "b", AgentID: "agent-2", Status: policy.StatusOnline, LastSeen: now},
		{Key: "a", AgentID: "agent-1", Status: policy.StatusOnline, LastSeen: now},
	}})

	// only the latest snapshot is kept for a slow subscriber
	select {
	case got := <-updates:
		require.Len(t, got, 2)
		assert.Equal(t, "a", got[0].Key)
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}

	snap := reg.Snapshot()
	require.Len(t, snap, 2)
	snap[0].AgentID = "mutated"
	assert.Equal(t, "agent-1", reg.Snapshot()[0].AgentID)

	merged := reg.Merged(now)
	assert.True(t, merged["agent-1"].Online)
	assert.True(t, merged["agent-2"].Online)

	reg.Apply(Event{Kind: EventJoin, Records: []Record{{Key: "c"}}})
	assert.Len(t, reg.Snapshot(), 2, "only sync replaces the snapshot")
}

func TestRegistry_ReattachKeepsIdentity(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()
	reg := NewRegistry("t1")

	ch, err := hub.Join(ctx, "t1", "conn-1")
	require.NoError(t, err)
	reg.Bind(ch)
	require.NoError(t, reg.Attach(ctx, "agent-1", "Ana"))

	hub.Drop("t1", "conn-1", nil)
	reg.Unbind()
	assert.Equal(t, Detached, reg.AttachState())
	assert.Empty(t, hub.State("t1"))

	ch2, err := hub.Join(ctx, "t1", "conn-2")
	require.NoError(t, err)
	reg.Bind(ch2)
	require.NoError(t, reg.Reattach(ctx))

	state := hub.State("t1")
	require.Len(t, state, 1)
	assert.Equal(t, "conn-2", state[0].Key)
	assert.Equal(t, "agent-1", state[0].AgentID)
	assert.Equal(t, "Ana", state[0].DisplayName)
}

func TestRegistry_AttachStatus(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()
	reg := NewRegistry("t1")
	ch, err := hub.Join(ctx, "t1", "conn-1")
	require.NoError(t, err)
	reg.Bind(ch)

	require.NoError(t, reg.AttachStatus(ctx, "agent-1", "Ana", policy.StatusAway))
	state := hub.State("t1")
	require.Len(t, state, 1)
	assert.Equal(t, policy.StatusAway, state[0].Status)

	// an empty status keeps the published one
	require.NoError(t, reg.Attach(ctx, "agent-1", ""))
	assert.Equal(t, policy.StatusAway, hub.State("t1")[0].Status)

	require.NoError(t, reg.AttachStatus(ctx, "agent-1", "", policy.StatusOnline))
	assert.Equal(t, policy.StatusOnline, hub.State("t1")[0].Status)

	assert.Error(t, reg.AttachStatus(ctx, "agent-1", "", policy.Status("sleeping")))
}

func TestRegistry_SubscribeClosesOnCancel(t *testing.T) {
	reg := NewRegistry("t1")
	ctx, cancel := context.WithCancel(context.Background())
	updates := reg.Subscribe(ctx)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	// a sync after the subscription ended is not delivered
	reg.Apply(Event{Kind: EventSync, Records: []Record{{Key: "k1", AgentID: "agent-1"}}})
	assert.Len(t, reg.Snapshot(), 1)
}
