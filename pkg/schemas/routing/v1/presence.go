package routing

import (
	"encoding/json"
	"time"
)

// Presence frame types. Clients send track/leave/broadcast; the channel
// delivers sync/join/leave/broadcast.
const (
	FrameTrack     = "track"
	FrameSync      = "sync"
	FrameJoin      = "join"
	FrameLeave     = "leave"
	FrameBroadcast = "broadcast"
	FrameHello     = "hello" // newcomer asks peers to re-track
)

// PresenceState is one connection's tracked state.
type PresenceState struct {
	Key         string    `json:"key"` // per-connection id
	AgentID     string    `json:"agent_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Status      string    `json:"status"` // online|offline|away
	LastSeen    time.Time `json:"last_seen"`
}

// PresenceFrameV1 is the wire format of the presence channel, shared by the
// WebSocket and AMQP transports.
type PresenceFrameV1 struct {
	Type   string `json:"type"`
	Tenant string `json:"tenant,omitempty"`
	Key    string `json:"key,omitempty"` // sender connection

	State  *PresenceState  `json:"state,omitempty"`  // track/join/leave
	States []PresenceState `json:"states,omitempty"` // sync

	Event   string          `json:"event,omitempty"` // broadcast
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (f *PresenceFrameV1) Validate() error {
	ve := &ValidationError{}
	switch f.Type {
	case FrameTrack, FrameJoin:
		if f.State == nil {
			ve.add("state", "required for "+f.Type)
		} else {
			if f.State.Key == "" {
				ve.add("state.key", "required")
			}
			if f.State.AgentID == "" {
				ve.add("state.agent_id", "required")
			}
		}
	case FrameLeave:
		if f.Key == "" && (f.State == nil || f.State.Key == "") {
			ve.add("key", "required for leave")
		}
	case FrameBroadcast:
		if f.Event == "" {
			ve.add("event", "required for broadcast")
		}
	case FrameSync, FrameHello:
	case "":
		ve.add("type", "required")
	default:
		ve.add("type", "unknown")
	}
	if len(ve.Issues) > 0 {
		return ve
	}
	return nil
}
