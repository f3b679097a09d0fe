package supervisor

import "time"

// timeNow is swapped out by tests.
var timeNow = time.Now

// limiter is a sliding-window restart budget: at most limit attempts in
// any trailing window of length within. It is the single escalation point
// of a group; it is only ever touched from the group's supervision
// goroutine, once per restart decision.
type limiter struct {
	limit    int
	within   time.Duration
	attempts []time.Time
}

func newLimiter(limit int, within time.Duration) *limiter {
	return &limiter{limit: limit, within: within}
}

// withinLimit records the current instant as a restart attempt, forgets
// attempts older than the window, and reports whether the budget still
// holds. Callers must not call it speculatively.
func (l *limiter) withinLimit() bool {
	now := timeNow()
	cutoff := now.Add(-l.within)
	keep := l.attempts[:0]
	for _, t := range l.attempts {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	l.attempts = append(keep, now)
	return len(l.attempts) <= l.limit
}
