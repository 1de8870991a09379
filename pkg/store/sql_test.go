package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roboricindustries/raycon-dispatch/pkg/policy"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQL(Options{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "nested", "dispatch.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenSQL_RejectsUnknownDriver(t *testing.T) {
	_, err := OpenSQL(Options{Driver: "mysql", DSN: "x"})
	assert.Error(t, err)

	_, err = OpenSQL(Options{Driver: DriverSQLite})
	assert.Error(t, err)
}

func TestSQLStore_CreateAndGetConversation(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	conv := &Conversation{
		ID:               "conv-1",
		TenantID:         "tenant-a",
		ContactID:        "contact-9",
		Sector:           "sales",
		PreferredAgentID: "agent-1",
		Priority:         2,
		CreatedAt:        created,
	}
	require.NoError(t, s.CreateConversation(ctx, conv))

	got, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", got.TenantID)
	assert.Equal(t, "contact-9", got.ContactID)
	assert.Equal(t, "sales", got.Sector)
	assert.Equal(t, "agent-1", got.PreferredAgentID)
	assert.Equal(t, 2, got.Priority)
	assert.Equal(t, StatusPending, got.Status)
	assert.True(t, got.CreatedAt.Equal(created))

	_, err = s.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_ListPending_OldestFirstAndLimited(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	// inserted out of order on purpose
	for _, tc := range []struct {
		id     string
		offset time.Duration
	}{{"c3", 3}, {"c1", 1}, {"c2", 2}, {"c4", 4}} {
		require.NoError(t, s.CreateConversation(ctx, &Conversation{
			ID: tc.id, TenantID: "t", CreatedAt: base.Add(tc.offset * time.Minute),
		}))
	}
	require.NoError(t, s.CreateConversation(ctx, &Conversation{
		ID: "closed", TenantID: "t", Status: StatusClosed, CreatedAt: base,
	}))
	require.NoError(t, s.CreateConversation(ctx, &Conversation{
		ID: "other-tenant", TenantID: "u", CreatedAt: base,
	}))

	pending, err := s.ListPending(ctx, "t", 3)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "c1", pending[0].ID)
	assert.Equal(t, "c2", pending[1].ID)
	assert.Equal(t, "c3", pending[2].ID)
}

func TestSQLStore_Assign(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateConversation(ctx, &Conversation{ID: "c1", TenantID: "t"}))
	require.NoError(t, s.CreateConversation(ctx, &Conversation{ID: "c2", TenantID: "t"}))
	require.NoError(t, s.CreateConversation(ctx, &Conversation{ID: "c3", TenantID: "t"}))

	require.NoError(t, s.Assign(ctx, AssignParams{ConversationID: "c1", AgentID: "a1", Capacity: 2}))

	got, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, got.Status)
	assert.Equal(t, "a1", got.AssignedAgentID)

	// already assigned
	err = s.Assign(ctx, AssignParams{ConversationID: "c1", AgentID: "a2", Capacity: 5})
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.Assign(ctx, AssignParams{ConversationID: "c2", AgentID: "a1", Capacity: 2}))

	// a1 now holds 2 of 2
	err = s.Assign(ctx, AssignParams{ConversationID: "c3", AgentID: "a1", Capacity: 2})
	assert.ErrorIs(t, err, ErrAtCapacity)

	err = s.Assign(ctx, AssignParams{ConversationID: "nope", AgentID: "a1", Capacity: 2})
	assert.ErrorIs(t, err, ErrNotFound)

	load, err := s.ActiveLoad(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 2, load)
}

func TestSQLStore_UpdateConversation_ExpectStatus(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, &Conversation{ID: "c1", TenantID: "t", Status: StatusActive}))

	err := s.UpdateConversation(ctx, "c1", ConversationUpdate{Status: StatusPending, ExpectStatus: StatusAssigned})
	assert.ErrorIs(t, err, ErrConflict)

	empty := ""
	require.NoError(t, s.UpdateConversation(ctx, "c1", ConversationUpdate{
		Status: StatusPending, AssignedAgentID: &empty, ExpectStatus: StatusActive,
	}))
	got, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	err = s.UpdateConversation(ctx, "missing", ConversationUpdate{Status: StatusClosed})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_Agents(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()
	seen := time.Date(2025, 5, 5, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertAgent(ctx, &Agent{ID: "a1", TenantID: "t", DisplayName: "Ana", Role: policy.RoleAgent, Sector: "sales", Status: policy.StatusOnline, LastActivity: seen}))
	require.NoError(t, s.UpsertAgent(ctx, &Agent{ID: "a2", TenantID: "t", Role: policy.RoleSupervisor}))
	require.NoError(t, s.UpsertAgent(ctx, &Agent{ID: "a3", TenantID: "t", Role: policy.Role("viewer")}))
	require.NoError(t, s.UpsertAgent(ctx, &Agent{ID: "b1", TenantID: "other", Role: policy.RoleAdmin}))

	a, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", a.DisplayName)
	assert.True(t, a.LastActivity.Equal(seen))

	a2, err := s.GetAgent(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, policy.StatusOffline, a2.Status)
	assert.True(t, a2.LastActivity.IsZero())

	all, err := s.ListInRoles(ctx, "t", policy.DistributableRoles)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a1", all[0].ID)
	assert.Equal(t, "a2", all[1].ID)

	online, err := s.ListInRoles(ctx, "t", policy.DistributableRoles, policy.StatusOnline)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "a1", online[0].ID)

	later := seen.Add(time.Minute)
	require.NoError(t, s.TouchActivity(ctx, "a2", policy.StatusAway, later))
	a2, err = s.GetAgent(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, policy.StatusAway, a2.Status)
	assert.True(t, a2.LastActivity.Equal(later))

	assert.ErrorIs(t, s.TouchActivity(ctx, "ghost", policy.StatusOnline, later), ErrNotFound)
}

func TestSQLStore_ActiveLoads(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	for _, c := range []*Conversation{
		{ID: "c1", TenantID: "t", Status: StatusAssigned, AssignedAgentID: "a1"},
		{ID: "c2", TenantID: "t", Status: StatusActive, AssignedAgentID: "a1"},
		{ID: "c3", TenantID: "t", Status: StatusClosed, AssignedAgentID: "a1"},
		{ID: "c4", TenantID: "t", Status: StatusAssigned, AssignedAgentID: "a2"},
		{ID: "c5", TenantID: "t"},
		{ID: "c6", TenantID: "u", Status: StatusAssigned, AssignedAgentID: "a9"},
	} {
		require.NoError(t, s.CreateConversation(ctx, c))
	}

	loads, err := s.ActiveLoads(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a1": 2, "a2": 1}, loads)
}
