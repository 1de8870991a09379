// Package wspresence carries the presence channel over WebSocket: a server
// exposing a presence.Hub and a client implementing presence.Channel.
package wspresence

import (
	"time"

	"github.com/roboricindustries/raycon-dispatch/pkg/presence"
	routing "github.com/roboricindustries/raycon-dispatch/pkg/schemas/routing/v1"
)

const (
	maxFrameBytes = 1 << 16
	pongWait      = 45 * time.Second
	pingPeriod    = 15 * time.Second
	writeWait     = 10 * time.Second
	sendBuffer    = 64
)

func frameFromEvent(tenant string, ev presence.Event) (routing.PresenceFrameV1, bool) {
	f := routing.PresenceFrameV1{Tenant: tenant}
	switch ev.Kind {
	case presence.EventSync:
		f.Type = routing.FrameSync
		f.States = presence.States(ev.Records)
	case presence.EventJoin, presence.EventLeave:
		if len(ev.Records) == 0 {
			return f, false
		}
		f.Type = routing.FrameJoin
		if ev.Kind == presence.EventLeave {
			f.Type = routing.FrameLeave
		}
		st := ev.Records[0].State()
		f.Key = st.Key
		f.State = &st
	case presence.EventBroadcast:
		if ev.Broadcast == nil {
			return f, false
		}
		f.Type = routing.FrameBroadcast
		f.Key = ev.Broadcast.From
		f.Event = ev.Broadcast.Event
		f.Payload = ev.Broadcast.Payload
	default:
		return f, false
	}
	return f, true
}

func eventFromFrame(f routing.PresenceFrameV1) (presence.Event, bool) {
	switch f.Type {
	case routing.FrameSync:
		return presence.Event{Kind: presence.EventSync, Records: presence.FromStates(f.States)}, true
	case routing.FrameJoin, routing.FrameLeave:
		if f.State == nil {
			return presence.Event{}, false
		}
		kind := presence.EventJoin
		if f.Type == routing.FrameLeave {
			kind = presence.EventLeave
		}
		return presence.Event{Kind: kind, Records: []presence.Record{presence.FromState(*f.State)}}, true
	case routing.FrameBroadcast:
		return presence.Event{
			Kind:      presence.EventBroadcast,
			Broadcast: &presence.Broadcast{Event: f.Event, Payload: f.Payload, From: f.Key},
		}, true
	}
	return presence.Event{}, false
}
