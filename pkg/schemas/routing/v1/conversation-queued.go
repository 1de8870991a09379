package routing

import "time"

const ConversationQueuedType = "conversations.queued.v1"

// ConversationQueuedV1 is emitted when no agent qualifies and the
// conversation is parked in the pending queue.
type ConversationQueuedV1 struct {
	Tenant       TenantRef       `json:"tenant"`
	Conversation ConversationKey `json:"conversation"`

	Sector     string    `json:"sector,omitempty"`
	Candidates int       `json:"candidates"` // agents considered before giving up
	QueuedAt   time.Time `json:"queued_at"`
}

var ConversationQueuedMeta = eventMeta(ConversationQueuedType)
