package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roboricindustries/raycon-dispatch/pkg/policy"
)

func TestMemoryStore_AssignHonorsCapacityAndStatus(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.CreateConversation(ctx, &Conversation{ID: "c1", TenantID: "t"}))
	require.NoError(t, m.CreateConversation(ctx, &Conversation{ID: "c2", TenantID: "t"}))
	assert.Error(t, m.CreateConversation(ctx, &Conversation{ID: "c1", TenantID: "t"}))

	require.NoError(t, m.Assign(ctx, AssignParams{ConversationID: "c1", AgentID: "a", Capacity: 1}))
	assert.ErrorIs(t, m.Assign(ctx, AssignParams{ConversationID: "c1", AgentID: "b", Capacity: 1}), ErrConflict)
	assert.ErrorIs(t, m.Assign(ctx, AssignParams{ConversationID: "c2", AgentID: "a", Capacity: 1}), ErrAtCapacity)
	assert.ErrorIs(t, m.Assign(ctx, AssignParams{ConversationID: "zz", AgentID: "a", Capacity: 1}), ErrNotFound)

	loads, err := m.ActiveLoads(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1}, loads)
}

func TestMemoryStore_ListPendingOrder(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, m.CreateConversation(ctx, &Conversation{ID: "late", TenantID: "t", CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, m.CreateConversation(ctx, &Conversation{ID: "early", TenantID: "t", CreatedAt: base}))
	require.NoError(t, m.CreateConversation(ctx, &Conversation{ID: "done", TenantID: "t", Status: StatusClosed, CreatedAt: base.Add(-time.Hour)}))

	got, err := m.ListPending(ctx, "t", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "early", got[0].ID)
	assert.Equal(t, "late", got[1].ID)

	got, err = m.ListPending(ctx, "t", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.UpsertAgent(ctx, &Agent{ID: "a", TenantID: "t", Role: policy.RoleAgent}))

	a, err := m.GetAgent(ctx, "a")
	require.NoError(t, err)
	a.Role = policy.RoleAdmin

	again, err := m.GetAgent(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, policy.RoleAgent, again.Role)
	assert.Equal(t, policy.StatusOffline, again.Status)
}
