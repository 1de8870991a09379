// Package store holds the conversation and agent records that routing reads
// and writes, plus SQL and in-memory implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/roboricindustries/raycon-dispatch/pkg/policy"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by conditional writes when the record is no
	// longer in the expected state, e.g. another process assigned it first.
	ErrConflict = errors.New("conflicting update")
	// ErrAtCapacity is returned by Assign when the agent's load has reached
	// the capacity given in AssignParams.
	ErrAtCapacity = errors.New("agent at capacity")
)

type ConversationStatus string

const (
	StatusPending  ConversationStatus = "pending"
	StatusActive   ConversationStatus = "active"   // "ativo"
	StatusAssigned ConversationStatus = "assigned" // "em-atendimento"
	StatusClosed   ConversationStatus = "closed"
)

// LoadStatuses are the conversation statuses that count toward an agent's
// active load.
var LoadStatuses = []ConversationStatus{StatusActive, StatusAssigned}

// CountsTowardLoad reports whether a conversation in status s occupies a slot.
func (s ConversationStatus) CountsTowardLoad() bool {
	return s == StatusActive || s == StatusAssigned
}

type Agent struct {
	ID           string
	TenantID     string
	DisplayName  string
	Role         policy.Role
	Sector       string
	Status       policy.Status
	LastActivity time.Time
}

type Conversation struct {
	ID               string
	TenantID         string
	ContactID        string
	Sector           string
	PreferredAgentID string
	Priority         int
	Status           ConversationStatus
	AssignedAgentID  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ConversationUpdate is a partial update. A nil AssignedAgentID leaves the
// assignee untouched. When ExpectStatus is set the update only applies if
// the stored status still matches, otherwise ErrConflict is returned.
type ConversationUpdate struct {
	Status          ConversationStatus
	AssignedAgentID *string
	UpdatedAt       time.Time
	ExpectStatus    ConversationStatus
}

// AssignParams describes a conditional assignment: the conversation must
// still be pending and the agent's load must be below Capacity.
type AssignParams struct {
	ConversationID string
	AgentID        string
	Capacity       int
	At             time.Time
}

type ConversationStore interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// ListPending returns up to limit pending conversations of the tenant,
	// oldest first.
	ListPending(ctx context.Context, tenantID string, limit int) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) error
	Assign(ctx context.Context, p AssignParams) error
}

type AgentStore interface {
	UpsertAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	// ListInRoles returns the tenant's agents whose role is in roles. When
	// statuses are given only agents with one of those declared statuses
	// are returned.
	ListInRoles(ctx context.Context, tenantID string, roles []policy.Role, statuses ...policy.Status) ([]*Agent, error)
	ActiveLoad(ctx context.Context, agentID string) (int, error)
	// ActiveLoads returns the load of every agent of the tenant holding at
	// least one conversation.
	ActiveLoads(ctx context.Context, tenantID string) (map[string]int, error)
	TouchActivity(ctx context.Context, agentID string, status policy.Status, at time.Time) error
}

// Store is the full persistence surface used by the hosting process.
type Store interface {
	ConversationStore
	AgentStore
	Close() error
}
