package common

import (
	"time"

	"github.com/google/uuid"
)

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

type GenericEnvelope[T any] struct {
	Meta Meta `json:"meta"`
	Data T    `json:"data"`
}

// NewEnvelope wraps data for the event described by em. correlationID may be
// empty, in which case the transport falls back to the event ID.
func NewEnvelope(em EventMeta, producer, correlationID string, data any) Envelope {
	env := Envelope{
		Meta: Meta{
			ID:   uuid.NewString(),
			Time: time.Now().UTC(),
			Type: em.EventType,
		},
		Data: data,
	}
	if producer != "" {
		env.Meta.Producer = &producer
	}
	if correlationID != "" {
		env.Meta.CorrelationID = &correlationID
	}
	return env
}

// Correlation returns the correlation id, or the event id when none was set.
func (m Meta) Correlation() string {
	if m.CorrelationID != nil && *m.CorrelationID != "" {
		return *m.CorrelationID
	}
	return m.ID
}
