// Package records implements the per-identity sliding-window counters the
// decision engine runs on. Each record is a small JSON document in the cache
// keyed by ip, email, ip+email, uid, or phone number; field names are kept
// deliberately short because every check touches several of them.
//
// All timestamps are milliseconds since the Unix epoch. Predicates such as
// IsBlocked take an explicit now and are re-evaluated on every check; no
// boolean state is ever persisted.
package records

import "time"

// LoginEvent is a single failed login attempt with its errno, used for
// weighted bad-login counting.
type LoginEvent struct {
	T int64 `json:"t"`
	E int64 `json:"e"`
}

func toMS(t time.Time) int64 {
	return t.UnixMilli()
}

// trimTimes drops entries older than now-window. Entries are ordered oldest
// first; the scan runs from the newest end and stops after max+1 entries so
// the cost stays O(max) no matter how long the list has grown. Everything
// before the stop index is discarded, which never reorders the tail.
func trimTimes(ts []int64, now time.Time, window time.Duration, max int) []int64 {
	if len(ts) == 0 {
		return ts
	}
	cutoff := toMS(now) - window.Milliseconds()
	i := len(ts) - 1
	n := 0
	for i >= 0 && ts[i] > cutoff && n <= max {
		i--
		n++
	}
	return ts[i+1:]
}

// trimLogins is trimTimes for weighted login events.
func trimLogins(lf []LoginEvent, now time.Time, window time.Duration, max int) []LoginEvent {
	if len(lf) == 0 {
		return lf
	}
	cutoff := toMS(now) - window.Milliseconds()
	i := len(lf) - 1
	n := 0
	for i >= 0 && lf[i].T > cutoff && n <= max {
		i--
		n++
	}
	return lf[i+1:]
}

// retryAfterSeconds converts a trigger timestamp plus a ban duration into
// the whole seconds remaining from now. Zero when the trigger is unset or
// the ban has expired; never negative.
func retryAfterSeconds(now time.Time, triggeredAt int64, duration time.Duration) int {
	if triggeredAt == 0 {
		return 0
	}
	remaining := (triggeredAt + duration.Milliseconds() - toMS(now)) / 1000
	if remaining < 0 {
		return 0
	}
	return int(remaining)
}

// active reports whether a trigger timestamp is still within its duration.
func active(now time.Time, triggeredAt int64, duration time.Duration) bool {
	return triggeredAt != 0 && toMS(now)-triggeredAt < duration.Milliseconds()
}

func maxInt(values ...int) int {
	m := 0
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	return m
}

func maxDuration(values ...time.Duration) time.Duration {
	var m time.Duration
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	return m
}
