package transport

import "time"

// Backoff computes reconnect delays: Initial doubled per attempt, capped at
// Max. MaxAttempts bounds consecutive failures before the connection is
// abandoned.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay returns the delay before reconnect attempt n (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return b.Max
	}
	d := b.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max || d <= 0 { // <= 0 catches overflow
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
