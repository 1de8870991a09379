package routing

import "time"

const ConversationAssignedType = "conversations.assigned.v1"

// Assignment reasons.
const (
	ReasonPreferred   = "preferred"
	ReasonSector      = "sector"
	ReasonLeastLoaded = "least_loaded"
)

// ConversationAssignedV1 is emitted on every pending -> assigned transition.
type ConversationAssignedV1 struct {
	Tenant       TenantRef       `json:"tenant"`
	Conversation ConversationKey `json:"conversation"`
	Agent        AgentRef        `json:"agent"`

	Reason         string    `json:"reason"`          // preferred|sector|least_loaded
	PreviousStatus string    `json:"previous_status"` // usually "pending"
	Load           int       `json:"load"`            // agent load before this assignment
	Capacity       int       `json:"capacity"`
	AssignedAt     time.Time `json:"assigned_at"`
}

var ConversationAssignedMeta = eventMeta(ConversationAssignedType)

func (e *ConversationAssignedV1) Validate() error {
	ve := &ValidationError{}
	if e.Tenant.TenantID == "" {
		ve.add("tenant.tenant_id", "required")
	}
	if e.Conversation.ConversationID == "" {
		ve.add("conversation.conversation_id", "required")
	}
	if e.Agent.AgentID == "" {
		ve.add("agent.agent_id", "required")
	}
	switch e.Reason {
	case ReasonPreferred, ReasonSector, ReasonLeastLoaded:
	case "":
		ve.add("reason", "required")
	default:
		ve.add("reason", "unknown")
	}
	if e.Capacity > 0 && e.Load >= e.Capacity {
		ve.add("load", "must be below capacity")
	}
	if e.AssignedAt.IsZero() {
		ve.add("assigned_at", "required")
	}
	if len(ve.Issues) > 0 {
		return ve
	}
	return nil
}
