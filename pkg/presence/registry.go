package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roboricindustries/raycon-dispatch/pkg/policy"
)

// AttachState is the lifecycle of this client's own presence record.
type AttachState int

const (
	Detached AttachState = iota
	Attaching
	Attached
)

func (s AttachState) String() string {
	switch s {
	case Detached:
		return "detached"
	case Attaching:
		return "attaching"
	case Attached:
		return "attached"
	}
	return "unknown"
}

// ActivityWriter persists an agent's status and last activity. The agent
// store implements it.
type ActivityWriter interface {
	TouchActivity(ctx context.Context, agentID string, status policy.Status, at time.Time) error
}

// Registry is the per-tenant view of who is attached right now.
type Registry struct {
	tenant   string
	logger   *slog.Logger
	now      func() time.Time
	window   time.Duration
	activity ActivityWriter

	mu       sync.RWMutex
	ch       Channel
	self     *Record
	state    AttachState
	snapshot []Record
	subs     map[string]chan []Record
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLivenessWindow overrides policy.LivenessWindow for Merged.
func WithLivenessWindow(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.window = d
		}
	}
}

// WithActivityWriter writes status and last activity through to the agent
// store on every heartbeat.
func WithActivityWriter(w ActivityWriter) Option {
	return func(r *Registry) { r.activity = w }
}

func NewRegistry(tenant string, opts ...Option) *Registry {
	r := &Registry{
		tenant: tenant,
		logger: slog.Default(),
		now:    time.Now,
		window: policy.LivenessWindow,
		subs:   make(map[string]chan []Record),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "presence", "tenant", tenant)
	return r
}

func (r *Registry) Tenant() string { return r.tenant }

// Bind makes ch the channel used by Attach and Heartbeat.
func (r *Registry) Bind(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ch = ch
}

// Unbind drops the channel. The own record is remembered so Reattach can
// restore it on the next connection.
func (r *Registry) Unbind() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ch = nil
	if r.state != Detached {
		r.state = Detached
	}
}

func (r *Registry) AttachState() AttachState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Self returns this client's own record, if any.
func (r *Registry) Self() (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.self == nil {
		return Record{}, false
	}
	return *r.self, true
}

// Attach registers this client as agentID. Calling it again on the same
// connection only refreshes the record. Without a bound channel it logs and
// returns nil.
func (r *Registry) Attach(ctx context.Context, agentID, displayName string) error {
	return r.AttachStatus(ctx, agentID, displayName, "")
}

// AttachStatus is Attach with the status to publish. An empty status keeps
// the current one, or online for a new record.
func (r *Registry) AttachStatus(ctx context.Context, agentID, displayName string, status policy.Status) error {
	if agentID == "" {
		return fmt.Errorf("agent ID is required")
	}
	if status != "" && !status.Valid() {
		return fmt.Errorf("invalid presence status %q", status)
	}

	r.mu.Lock()
	if r.self == nil || r.self.AgentID != agentID {
		r.self = &Record{Key: uuid.NewString(), AgentID: agentID, Status: policy.StatusOnline}
	}
	if status != "" {
		r.self.Status = status
	}
	if displayName != "" {
		r.self.DisplayName = displayName
	}
	r.self.LastSeen = r.now().UTC()
	rec := *r.self
	ch := r.ch
	if ch == nil {
		r.mu.Unlock()
		r.logger.Warn("attach skipped, channel not open", slog.String("agent_id", agentID))
		return nil
	}
	if r.state == Detached {
		r.state = Attaching
	}
	r.mu.Unlock()

	if err := ch.Track(ctx, rec); err != nil {
		r.setState(Detached)
		r.logger.Warn("attach failed", slog.String("agent_id", agentID), slog.Any("error", err))
		return nil
	}
	r.setState(Attached)
	r.logger.Info("presence attached", slog.String("agent_id", agentID), slog.String("key", rec.Key))
	r.touch(ctx, rec)
	return nil
}

// Reattach re-tracks the own record after a reconnect. It is a no-op when
// this client never attached.
func (r *Registry) Reattach(ctx context.Context) error {
	self, ok := r.Self()
	if !ok {
		return nil
	}
	return r.Attach(ctx, self.AgentID, self.DisplayName)
}

// Heartbeat refreshes LastSeen and Status of the own record and re-tracks it.
// Without a bound channel it logs and returns nil.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, status policy.Status) error {
	r.mu.Lock()
	if r.self == nil {
		r.mu.Unlock()
		return r.AttachStatus(ctx, agentID, "", status)
	}
	if agentID != "" && r.self.AgentID != agentID {
		self := r.self.AgentID
		r.mu.Unlock()
		return fmt.Errorf("heartbeat for %s on connection attached as %s", agentID, self)
	}
	if status != "" {
		r.self.Status = status
	}
	r.self.LastSeen = r.now().UTC()
	rec := *r.self
	ch := r.ch
	r.mu.Unlock()

	if ch == nil {
		r.logger.Debug("heartbeat skipped, channel not open", slog.String("agent_id", rec.AgentID))
		return nil
	}
	if err := ch.Track(ctx, rec); err != nil {
		r.logger.Warn("heartbeat failed", slog.String("agent_id", rec.AgentID), slog.Any("error", err))
		return nil
	}
	r.setState(Attached)
	r.touch(ctx, rec)
	return nil
}

func (r *Registry) touch(ctx context.Context, rec Record) {
	if r.activity == nil {
		return
	}
	if err := r.activity.TouchActivity(ctx, rec.AgentID, rec.Status, rec.LastSeen); err != nil {
		r.logger.Warn("activity write failed", slog.String("agent_id", rec.AgentID), slog.Any("error", err))
	}
}

func (r *Registry) setState(s AttachState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// Apply feeds one channel event into the registry.
func (r *Registry) Apply(ev Event) {
	switch ev.Kind {
	case EventSync:
		records := make([]Record, len(ev.Records))
		copy(records, ev.Records)
		SortRecords(records)

		r.mu.Lock()
		r.snapshot = records
		for _, ch := range r.subs {
			offerLatest(ch, records)
		}
		r.mu.Unlock()
	case EventJoin, EventLeave:
		for _, rec := range ev.Records {
			r.logger.Debug("presence "+ev.Kind.String(),
				slog.String("agent_id", rec.AgentID),
				slog.String("key", rec.Key),
			)
		}
	}
}

// offerLatest replaces whatever the subscriber has not consumed yet, so a
// slow subscriber only ever sees the newest snapshot.
func offerLatest(ch chan []Record, records []Record) {
	for {
		select {
		case ch <- records:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Snapshot returns the records of the last sync. It never blocks on I/O.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, len(r.snapshot))
	copy(out, r.snapshot)
	return out
}

// Merged reduces the snapshot to one entry per agent.
func (r *Registry) Merged(now time.Time) map[string]AgentPresence {
	return Merge(r.Snapshot(), now, r.window)
}

// Subscribe returns a channel receiving each new snapshot. The channel is
// closed when ctx is cancelled.
func (r *Registry) Subscribe(ctx context.Context) <-chan []Record {
	id := uuid.NewString()
	ch := make(chan []Record, 1)

	r.mu.Lock()
	r.subs[id] = ch
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.subs, id)
		close(ch)
		r.mu.Unlock()
	}()
	return ch
}
