package presence

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/roboricindustries/raycon-dispatch/pkg/policy"
	routing "github.com/roboricindustries/raycon-dispatch/pkg/schemas/routing/v1"
)

// Record is the tracked state of one connection. An agent with several
// browser tabs or devices has one Record per connection.
type Record struct {
	Key         string
	AgentID     string
	DisplayName string
	Status      policy.Status
	LastSeen    time.Time
}

// Stale reports whether no heartbeat was seen within twice the interval.
func (r Record) Stale(now time.Time, heartbeatInterval time.Duration) bool {
	return now.Sub(r.LastSeen) > 2*heartbeatInterval
}

func (r Record) State() routing.PresenceState {
	return routing.PresenceState{
		Key:         r.Key,
		AgentID:     r.AgentID,
		DisplayName: r.DisplayName,
		Status:      string(r.Status),
		LastSeen:    r.LastSeen,
	}
}

func FromState(s routing.PresenceState) Record {
	return Record{
		Key:         s.Key,
		AgentID:     s.AgentID,
		DisplayName: s.DisplayName,
		Status:      policy.Status(s.Status),
		LastSeen:    s.LastSeen,
	}
}

func FromStates(states []routing.PresenceState) []Record {
	out := make([]Record, 0, len(states))
	for _, s := range states {
		out = append(out, FromState(s))
	}
	return out
}

func States(records []Record) []routing.PresenceState {
	out := make([]routing.PresenceState, 0, len(records))
	for _, r := range records {
		out = append(out, r.State())
	}
	return out
}

// SortRecords orders records by key so snapshots are deterministic.
func SortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
}

// AgentPresence is the merged presence of one agent across its connections.
type AgentPresence struct {
	AgentID     string
	DisplayName string
	Online      bool
	Status      policy.Status
	LastSeen    time.Time
	Connections int
}

// Merge reduces records to one entry per agent. An agent is online if any of
// its records is live at now; otherwise it reports the status of its most
// recently seen record.
func Merge(records []Record, now time.Time, window time.Duration) map[string]AgentPresence {
	out := make(map[string]AgentPresence)
	for _, r := range records {
		if r.AgentID == "" {
			continue
		}
		p, seen := out[r.AgentID]
		p.AgentID = r.AgentID
		p.Connections++
		if !seen || r.LastSeen.After(p.LastSeen) {
			p.LastSeen = r.LastSeen
			if !p.Online {
				p.Status = r.Status
			}
			if r.DisplayName != "" {
				p.DisplayName = r.DisplayName
			}
		}
		if p.DisplayName == "" {
			p.DisplayName = r.DisplayName
		}
		if policy.IsLive(r.Status, r.LastSeen, now, window) {
			p.Online = true
			p.Status = policy.StatusOnline
		}
		out[r.AgentID] = p
	}
	return out
}

// Broadcast is an application message sent to every other connection of the
// tenant channel.
type Broadcast struct {
	Event   string
	Payload json.RawMessage
	From    string // sender connection key
}

type EventKind int

const (
	EventSync EventKind = iota
	EventJoin
	EventLeave
	EventBroadcast
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventSync:
		return "sync"
	case EventJoin:
		return "join"
	case EventLeave:
		return "leave"
	case EventBroadcast:
		return "broadcast"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

// Event is delivered by a Channel. Sync events carry the full tenant state;
// join and leave carry the affected record; closed carries the cause.
type Event struct {
	Kind      EventKind
	Records   []Record
	Broadcast *Broadcast
	Err       error
}
