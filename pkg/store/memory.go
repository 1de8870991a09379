package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/roboricindustries/raycon-dispatch/pkg/policy"
)

// MemoryStore is an in-memory Store for tests and single-process setups.
type MemoryStore struct {
	mu            sync.RWMutex
	agents        map[string]*Agent
	conversations map[string]*Conversation
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:        make(map[string]*Agent),
		conversations: make(map[string]*Conversation),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		return fmt.Errorf("conversation ID is required")
	}
	if c.TenantID == "" {
		return fmt.Errorf("tenant ID is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[c.ID]; exists {
		return fmt.Errorf("conversation %s already exists", c.ID)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Status == "" {
		c.Status = StatusPending
	}
	cp := *c
	m.conversations[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListPending(ctx context.Context, tenantID string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, c := range m.conversations {
		if c.TenantID == tenantID && c.Status == StatusPending {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if upd.ExpectStatus != "" && c.Status != upd.ExpectStatus {
		return ErrConflict
	}
	if upd.Status != "" {
		c.Status = upd.Status
	}
	if upd.AssignedAgentID != nil {
		c.AssignedAgentID = *upd.AssignedAgentID
	}
	if upd.UpdatedAt.IsZero() {
		upd.UpdatedAt = time.Now().UTC()
	}
	c.UpdatedAt = upd.UpdatedAt
	return nil
}

func (m *MemoryStore) Assign(ctx context.Context, p AssignParams) error {
	if p.ConversationID == "" || p.AgentID == "" {
		return fmt.Errorf("conversation ID and agent ID are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[p.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if c.Status != StatusPending {
		return ErrConflict
	}
	if m.loadLocked(p.AgentID) >= p.Capacity {
		return ErrAtCapacity
	}
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	c.Status = StatusAssigned
	c.AssignedAgentID = p.AgentID
	c.UpdatedAt = p.At
	return nil
}

func (m *MemoryStore) loadLocked(agentID string) int {
	n := 0
	for _, c := range m.conversations {
		if c.AssignedAgentID == agentID && c.Status.CountsTowardLoad() {
			n++
		}
	}
	return n
}

func (m *MemoryStore) UpsertAgent(ctx context.Context, a *Agent) error {
	if a.ID == "" || a.TenantID == "" {
		return fmt.Errorf("agent ID and tenant ID are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	if cp.Status == "" {
		cp.Status = policy.StatusOffline
	}
	m.agents[a.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListInRoles(ctx context.Context, tenantID string, roles []policy.Role, statuses ...policy.Status) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Agent
	for _, a := range m.agents {
		if a.TenantID != tenantID || !slices.Contains(roles, a.Role) {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, a.Status) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ActiveLoad(ctx context.Context, agentID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadLocked(agentID), nil
}

func (m *MemoryStore) ActiveLoads(ctx context.Context, tenantID string) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	loads := make(map[string]int)
	for _, c := range m.conversations {
		if c.TenantID == tenantID && c.AssignedAgentID != "" && c.Status.CountsTowardLoad() {
			loads[c.AssignedAgentID]++
		}
	}
	return loads, nil
}

func (m *MemoryStore) TouchActivity(ctx context.Context, agentID string, status policy.Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.LastActivity = at
	return nil
}
