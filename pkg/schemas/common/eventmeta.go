package common

type EventMeta struct {
	EventType  string // e.g. "conversations.assigned.v1"
	Exchange   string // e.g. "routing.events"
	RoutingKey string // e.g. "conversations.assigned.v1"
}
