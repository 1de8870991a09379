package routing

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueFields(t *testing.T, err error) []string {
	t.Helper()
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	fields := make([]string, 0, len(ve.Issues))
	for _, is := range ve.Issues {
		fields = append(fields, is.Field)
	}
	return fields
}

func TestConversationOpened_Validate(t *testing.T) {
	ok := ConversationOpenedV1{
		Tenant:       TenantRef{TenantID: "t1"},
		Conversation: ConversationKey{ConversationID: "c1"},
		OpenedAt:     time.Now(),
	}
	assert.NoError(t, ok.Validate())

	bad := ConversationOpenedV1{Priority: -1}
	err := bad.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidContract)
	assert.ElementsMatch(t, []string{"tenant.tenant_id", "conversation.conversation_id", "priority"}, issueFields(t, err))
}

func TestConversationAssigned_Validate(t *testing.T) {
	ev := ConversationAssignedV1{
		Tenant:       TenantRef{TenantID: "t1"},
		Conversation: ConversationKey{ConversationID: "c1"},
		Agent:        AgentRef{AgentID: "a1"},
		Reason:       ReasonLeastLoaded,
		Load:         2,
		Capacity:     5,
		AssignedAt:   time.Now(),
	}
	assert.NoError(t, ev.Validate())

	ev.Load = 5
	ev.Reason = "random"
	assert.ElementsMatch(t, []string{"reason", "load"}, issueFields(t, ev.Validate()))
}

func TestPresenceFrame_Validate(t *testing.T) {
	tests := []struct {
		name    string
		frame   PresenceFrameV1
		wantErr bool
	}{
		{"track ok", PresenceFrameV1{Type: FrameTrack, State: &PresenceState{Key: "k", AgentID: "a"}}, false},
		{"track without state", PresenceFrameV1{Type: FrameTrack}, true},
		{"track without agent", PresenceFrameV1{Type: FrameTrack, State: &PresenceState{Key: "k"}}, true},
		{"leave by key", PresenceFrameV1{Type: FrameLeave, Key: "k"}, false},
		{"leave without key", PresenceFrameV1{Type: FrameLeave}, true},
		{"broadcast without event", PresenceFrameV1{Type: FrameBroadcast}, true},
		{"sync empty", PresenceFrameV1{Type: FrameSync}, false},
		{"missing type", PresenceFrameV1{}, true},
		{"unknown type", PresenceFrameV1{Type: "shout"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidContract)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
