package tracking

import "time"

// busyGuard rate-limits an action to once per window. The zero value is
// ready to use.
type busyGuard struct {
	until time.Time
}

// TryAcquire reports whether the action may run at now, and if so holds the
// guard for window.
func (g *busyGuard) TryAcquire(now time.Time, window time.Duration) bool {
	if now.Before(g.until) {
		return false
	}
	g.until = now.Add(window)
	return true
}
