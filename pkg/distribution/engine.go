// Package distribution assigns conversations to agents.
//
// A decision walks the rules in order: a live preferred agent under capacity
// wins; otherwise the pool of live, distributable agents under capacity is
// ordered same-sector first and then by ascending load, and the first agent
// that the store accepts gets the conversation. An empty pool parks the
// conversation in the pending queue. Queueing is an outcome, not an error.
//
// Assignments go through store.ConversationStore.Assign, which only succeeds
// while the conversation is still pending and the agent still has room, and
// decisions for one tenant are serialized inside the process.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roboricindustries/raycon-dispatch/pkg/metrics"
	"github.com/roboricindustries/raycon-dispatch/pkg/policy"
	"github.com/roboricindustries/raycon-dispatch/pkg/presence"
	routing "github.com/roboricindustries/raycon-dispatch/pkg/schemas/routing/v1"
	"github.com/roboricindustries/raycon-dispatch/pkg/store"
)

type Outcome string

const (
	OutcomeAssigned Outcome = "assigned"
	OutcomeQueued   Outcome = "queued"
	OutcomeSkipped  Outcome = "skipped"
)

// Reasons for queued and skipped decisions. Assignments use the routing
// reasons.
const (
	ReasonNoCandidate = "no_candidate"
	ReasonNotPending  = "not_pending"
	ReasonConflict    = "conflict"
)

// Decision is the result of one distribution.
type Decision struct {
	ConversationID string
	TenantID       string
	Outcome        Outcome
	Reason         string
	AgentID        string
	Load           int // agent load before the assignment
	Capacity       int
	Candidates     int
}

// PresenceView is the merged presence of a tenant. *presence.Registry
// implements it.
type PresenceView interface {
	Merged(now time.Time) map[string]presence.AgentPresence
}

// Emitter publishes routing events. Publishing failures never undo a
// decision.
type Emitter interface {
	PublishAssigned(ctx context.Context, ev routing.ConversationAssignedV1) error
	PublishQueued(ctx context.Context, ev routing.ConversationQueuedV1) error
}

type Engine struct {
	conversations store.ConversationStore
	agents        store.AgentStore
	presence      PresenceView
	emitter       Emitter
	metrics       *metrics.Metrics
	logger        *slog.Logger
	now           func() time.Time
	window        time.Duration

	mu      sync.Mutex
	tenants map[string]*sync.Mutex
}

type Option func(*Engine)

// WithPresence makes live presence take precedence over the status and last
// activity stored on the agent.
func WithPresence(v PresenceView) Option { return func(e *Engine) { e.presence = v } }

func WithEmitter(em Emitter) Option { return func(e *Engine) { e.emitter = em } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithLivenessWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.window = d
		}
	}
}

func New(conversations store.ConversationStore, agents store.AgentStore, opts ...Option) *Engine {
	e := &Engine{
		conversations: conversations,
		agents:        agents,
		logger:        slog.Default(),
		now:           time.Now,
		window:        policy.LivenessWindow,
		tenants:       make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.With("component", "distribution")
	return e
}

// Candidate is an agent as seen by one decision.
type Candidate struct {
	Agent    store.Agent
	Live     bool
	Load     int
	Capacity int
}

func (c Candidate) HasRoom() bool { return c.Load < c.Capacity }

// Distribute loads the conversation and decides it.
func (e *Engine) Distribute(ctx context.Context, conversationID string) (Decision, error) {
	conv, err := e.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return Decision{}, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	return e.DistributeConversation(ctx, conv)
}

// DistributeConversation decides conv. It never assigns above capacity and
// ends in one of assigned, queued or skipped.
func (e *Engine) DistributeConversation(ctx context.Context, conv *store.Conversation) (Decision, error) {
	start := e.now()
	unlock := e.lockTenant(conv.TenantID)
	defer unlock()

	d, err := e.decide(ctx, conv)
	outcome := string(d.Outcome)
	if err != nil {
		outcome = "error"
	}
	e.metrics.RecordDecision(outcome, d.Reason, e.now().Sub(start))
	if err != nil {
		e.logger.Error("distribution failed",
			slog.String("conversation_id", conv.ID),
			slog.Any("error", err),
		)
		return d, err
	}

	e.logger.Info("conversation distributed",
		slog.String("conversation_id", conv.ID),
		slog.String("tenant_id", conv.TenantID),
		slog.String("outcome", string(d.Outcome)),
		slog.String("reason", d.Reason),
		slog.String("agent_id", d.AgentID),
	)
	return d, nil
}

func (e *Engine) lockTenant(tenant string) func() {
	e.mu.Lock()
	l, ok := e.tenants[tenant]
	if !ok {
		l = &sync.Mutex{}
		e.tenants[tenant] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Engine) decide(ctx context.Context, conv *store.Conversation) (Decision, error) {
	d := Decision{ConversationID: conv.ID, TenantID: conv.TenantID}
	if conv.Status != store.StatusPending {
		d.Outcome, d.Reason = OutcomeSkipped, ReasonNotPending
		return d, nil
	}

	now := e.now()
	var merged map[string]presence.AgentPresence
	if e.presence != nil {
		merged = e.presence.Merged(now)
	}

	if conv.PreferredAgentID != "" {
		done, err := e.tryPreferred(ctx, conv, merged, now, &d)
		if err != nil || done {
			return d, err
		}
	}

	pool, considered, err := e.pool(ctx, conv, merged, now)
	if err != nil {
		return d, err
	}
	d.Candidates = considered

	for _, c := range pool {
		reason := routing.ReasonLeastLoaded
		if conv.Sector != "" && c.Agent.Sector == conv.Sector {
			reason = routing.ReasonSector
		}
		ok, err := e.assign(ctx, conv, c, reason, &d)
		if err != nil || ok || d.Outcome == OutcomeSkipped {
			return d, err
		}
	}
	return d, e.queue(ctx, conv, &d)
}

// tryPreferred reports done when the decision is final.
func (e *Engine) tryPreferred(ctx context.Context, conv *store.Conversation, merged map[string]presence.AgentPresence, now time.Time, d *Decision) (bool, error) {
	agent, err := e.agents.GetAgent(ctx, conv.PreferredAgentID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("preferred agent not found",
			slog.String("conversation_id", conv.ID),
			slog.String("agent_id", conv.PreferredAgentID),
		)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load preferred agent: %w", err)
	}
	if agent.TenantID != conv.TenantID {
		return false, nil
	}
	load, err := e.agents.ActiveLoad(ctx, agent.ID)
	if err != nil {
		return false, fmt.Errorf("load of preferred agent: %w", err)
	}
	c := Candidate{
		Agent:    *agent,
		Live:     e.live(*agent, merged, now),
		Load:     load,
		Capacity: policy.CapacityFor(agent.Role),
	}
	if !c.Live || !c.HasRoom() {
		return false, nil
	}
	ok, err := e.assign(ctx, conv, c, routing.ReasonPreferred, d)
	if err != nil {
		return false, err
	}
	return ok || d.Outcome == OutcomeSkipped, nil
}

// pool returns live candidates with room, ordered same-sector first and then
// by ascending load, plus the number of agents considered.
func (e *Engine) pool(ctx context.Context, conv *store.Conversation, merged map[string]presence.AgentPresence, now time.Time) ([]Candidate, int, error) {
	roster, err := e.roster(ctx, conv.TenantID, merged, now)
	if err != nil {
		return nil, 0, err
	}
	pool := make([]Candidate, 0, len(roster))
	for _, c := range roster {
		if c.Live && c.HasRoom() {
			pool = append(pool, c)
		}
	}
	rank := func(c Candidate) int {
		if conv.Sector == "" || c.Agent.Sector == conv.Sector {
			return 0
		}
		return 1
	}
	sort.SliceStable(pool, func(i, j int) bool {
		ri, rj := rank(pool[i]), rank(pool[j])
		if ri != rj {
			return ri < rj
		}
		return pool[i].Load < pool[j].Load
	})
	return pool, len(roster), nil
}

// Roster lists every distributable agent of the tenant with its liveness,
// load and capacity right now.
func (e *Engine) Roster(ctx context.Context, tenantID string) ([]Candidate, error) {
	now := e.now()
	var merged map[string]presence.AgentPresence
	if e.presence != nil {
		merged = e.presence.Merged(now)
	}
	return e.roster(ctx, tenantID, merged, now)
}

func (e *Engine) roster(ctx context.Context, tenantID string, merged map[string]presence.AgentPresence, now time.Time) ([]Candidate, error) {
	agents, err := e.agents.ListInRoles(ctx, tenantID, policy.DistributableRoles)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	loads, err := e.agents.ActiveLoads(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("active loads: %w", err)
	}
	out := make([]Candidate, 0, len(agents))
	for _, a := range agents {
		out = append(out, Candidate{
			Agent:    *a,
			Live:     e.live(*a, merged, now),
			Load:     loads[a.ID],
			Capacity: policy.CapacityFor(a.Role),
		})
	}
	return out, nil
}

// live prefers the presence view; agents absent from it fall back to the
// stored status and last activity.
func (e *Engine) live(a store.Agent, merged map[string]presence.AgentPresence, now time.Time) bool {
	if p, ok := merged[a.ID]; ok {
		return p.Online && policy.IsLive(p.Status, p.LastSeen, now, e.window)
	}
	return policy.IsLive(a.Status, a.LastActivity, now, e.window)
}

// assign reports whether c got the conversation. A lost race sets the
// decision to skipped; a full agent returns false so the caller moves on.
func (e *Engine) assign(ctx context.Context, conv *store.Conversation, c Candidate, reason string, d *Decision) (bool, error) {
	at := e.now().UTC()
	err := e.conversations.Assign(ctx, store.AssignParams{
		ConversationID: conv.ID,
		AgentID:        c.Agent.ID,
		Capacity:       c.Capacity,
		At:             at,
	})
	switch {
	case errors.Is(err, store.ErrAtCapacity):
		e.logger.Debug("candidate filled up, trying next",
			slog.String("conversation_id", conv.ID),
			slog.String("agent_id", c.Agent.ID),
		)
		return false, nil
	case errors.Is(err, store.ErrConflict):
		d.Outcome, d.Reason = OutcomeSkipped, ReasonConflict
		return false, nil
	case err != nil:
		return false, fmt.Errorf("assign %s to %s: %w", conv.ID, c.Agent.ID, err)
	}

	d.Outcome = OutcomeAssigned
	d.Reason = reason
	d.AgentID = c.Agent.ID
	d.Load = c.Load
	d.Capacity = c.Capacity

	if e.emitter != nil {
		ev := routing.ConversationAssignedV1{
			Tenant:       routing.TenantRef{TenantID: conv.TenantID},
			Conversation: routing.ConversationKey{ConversationID: conv.ID, ContactID: conv.ContactID},
			Agent: routing.AgentRef{
				AgentID:     c.Agent.ID,
				DisplayName: c.Agent.DisplayName,
				Role:        string(c.Agent.Role),
				Sector:      c.Agent.Sector,
			},
			Reason:         reason,
			PreviousStatus: string(conv.Status),
			Load:           c.Load,
			Capacity:       c.Capacity,
			AssignedAt:     at,
		}
		if err := e.emitter.PublishAssigned(ctx, ev); err != nil {
			e.logger.Warn("publish assignment failed",
				slog.String("conversation_id", conv.ID),
				slog.Any("error", err),
			)
		}
	}
	return true, nil
}

func (e *Engine) queue(ctx context.Context, conv *store.Conversation, d *Decision) error {
	at := e.now().UTC()
	none := ""
	err := e.conversations.UpdateConversation(ctx, conv.ID, store.ConversationUpdate{
		Status:          store.StatusPending,
		AssignedAgentID: &none,
		UpdatedAt:       at,
		ExpectStatus:    store.StatusPending,
	})
	if errors.Is(err, store.ErrConflict) {
		d.Outcome, d.Reason = OutcomeSkipped, ReasonConflict
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue %s: %w", conv.ID, err)
	}
	d.Outcome, d.Reason = OutcomeQueued, ReasonNoCandidate

	if e.emitter != nil {
		ev := routing.ConversationQueuedV1{
			Tenant:       routing.TenantRef{TenantID: conv.TenantID},
			Conversation: routing.ConversationKey{ConversationID: conv.ID, ContactID: conv.ContactID},
			Sector:       conv.Sector,
			Candidates:   d.Candidates,
			QueuedAt:     at,
		}
		if err := e.emitter.PublishQueued(ctx, ev); err != nil {
			e.logger.Warn("publish queued failed",
				slog.String("conversation_id", conv.ID),
				slog.Any("error", err),
			)
		}
	}
	return nil
}
