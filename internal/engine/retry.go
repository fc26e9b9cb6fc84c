package engine

import "time"

const (
	backoffBase = 25 * time.Millisecond
	backoffCap  = 500 * time.Millisecond
)

// DefaultBackoff doubles the wait per conflict retry, capped so a
// contended stream never stalls a caller for long.
func DefaultBackoff(attempt int) time.Duration {
	delay := backoffBase << uint(attempt)
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	return delay
}
