package policy

import "time"

// Status is an agent's declared availability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusAway    Status = "away"
)

// LivenessWindow is how long an online agent stays live without activity.
const LivenessWindow = 15 * time.Minute

// IsLive reports whether an agent counts as reachable at now: its status
// must be online and its last activity no older than window.
func IsLive(status Status, lastActivity, now time.Time, window time.Duration) bool {
	if status != StatusOnline {
		return false
	}
	if lastActivity.IsZero() {
		return false
	}
	return now.Sub(lastActivity) <= window
}

// IsLiveDefault is IsLive with LivenessWindow.
func IsLiveDefault(status Status, lastActivity, now time.Time) bool {
	return IsLive(status, lastActivity, now, LivenessWindow)
}

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusAway:
		return true
	}
	return false
}
