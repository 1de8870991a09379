package routing

import "time"

const ConversationOpenedType = "conversations.opened.v1"

// ConversationOpenedV1 is published by the hub when a new contact interaction
// creates a conversation. Dispatch consumes it to route the conversation.
type ConversationOpenedV1 struct {
	Tenant       TenantRef       `json:"tenant"`
	Conversation ConversationKey `json:"conversation"`

	Sector           string    `json:"sector,omitempty"`
	PreferredAgentID string    `json:"preferred_agent_id,omitempty"`
	Priority         int       `json:"priority,omitempty"`
	OpenedAt         time.Time `json:"opened_at"`
}

var ConversationOpenedMeta = eventMeta(ConversationOpenedType)

func (e *ConversationOpenedV1) Validate() error {
	ve := &ValidationError{}
	if e.Tenant.TenantID == "" {
		ve.add("tenant.tenant_id", "required")
	}
	if e.Conversation.ConversationID == "" {
		ve.add("conversation.conversation_id", "required")
	}
	if e.Priority < 0 {
		ve.add("priority", "must be >= 0")
	}
	if len(ve.Issues) > 0 {
		return ve
	}
	return nil
}
