package reconnect

import "time"

const (
	DefaultBaseDelay            = time.Second
	DefaultMaxDelay             = 30 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
)

// BackoffDelay returns min(1s * 2^attempt, 30s).
func BackoffDelay(attempt int) time.Duration {
	return backoff(attempt, DefaultBaseDelay, DefaultMaxDelay)
}

func backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
