package routing

import "github.com/roboricindustries/raycon-dispatch/pkg/schemas/common"

const Exchange = "routing.events"

type TenantRef struct {
	TenantID string `json:"tenant_id"`
}
type ConversationKey struct {
	ConversationID string `json:"conversation_id"`
	ContactID      string `json:"contact_id,omitempty"`
}
type AgentRef struct {
	AgentID     string `json:"agent_id"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role,omitempty"` // "agent"|"supervisor"|"admin"
	Sector      string `json:"sector,omitempty"`
}

func eventMeta(eventType string) common.EventMeta {
	return common.EventMeta{
		EventType:  eventType,
		Exchange:   Exchange,
		RoutingKey: eventType,
	}
}
