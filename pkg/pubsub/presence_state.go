package pubsub

import (
	"time"

	"github.com/roboricindustries/raycon-dispatch/pkg/presence"
	routing "github.com/roboricindustries/raycon-dispatch/pkg/schemas/routing/v1"
)

// presenceState rebuilds a tenant's presence from the frames every
// connection publishes to the tenant's fanout exchange.
type presenceState struct {
	self       string
	records    map[string]presence.Record
	staleAfter time.Duration
}

func newPresenceState(self string, staleAfter time.Duration) *presenceState {
	return &presenceState{
		self:       self,
		records:    make(map[string]presence.Record),
		staleAfter: staleAfter,
	}
}

// apply returns the events frame f produces. retrack is set when a newcomer
// said hello and this connection must publish its own record again.
func (s *presenceState) apply(f routing.PresenceFrameV1, now time.Time) (events []presence.Event, retrack bool) {
	switch f.Type {
	case routing.FrameHello:
		if f.Key == s.self {
			return []presence.Event{s.sync(now)}, false
		}
		return nil, true

	case routing.FrameTrack, routing.FrameJoin:
		if f.State == nil {
			return nil, false
		}
		r := presence.FromState(*f.State)
		r.Key = f.Key
		if r.Key == "" {
			r.Key = f.State.Key
		}
		_, existed := s.records[r.Key]
		s.records[r.Key] = r
		if !existed {
			events = append(events, presence.Event{Kind: presence.EventJoin, Records: []presence.Record{r}})
		}
		return append(events, s.sync(now)), false

	case routing.FrameLeave:
		key := f.Key
		if key == "" && f.State != nil {
			key = f.State.Key
		}
		r, existed := s.records[key]
		if !existed {
			return nil, false
		}
		delete(s.records, key)
		return []presence.Event{
			{Kind: presence.EventLeave, Records: []presence.Record{r}},
			s.sync(now),
		}, false

	case routing.FrameBroadcast:
		if f.Key == s.self {
			return nil, false
		}
		return []presence.Event{{
			Kind:      presence.EventBroadcast,
			Broadcast: &presence.Broadcast{Event: f.Event, Payload: f.Payload, From: f.Key},
		}}, false
	}
	return nil, false
}

// sync prunes records of peers that vanished without a leave and returns the
// full state.
func (s *presenceState) sync(now time.Time) presence.Event {
	out := make([]presence.Record, 0, len(s.records))
	for key, r := range s.records {
		if s.staleAfter > 0 && key != s.self && !r.LastSeen.IsZero() && now.Sub(r.LastSeen) > s.staleAfter {
			delete(s.records, key)
			continue
		}
		out = append(out, r)
	}
	presence.SortRecords(out)
	return presence.Event{Kind: presence.EventSync, Records: out}
}
