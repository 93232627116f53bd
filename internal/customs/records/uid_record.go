package records

import (
	"encoding/json"
	"time"

	"customs/internal/customs/limits"
)

// UidRecord counts checkAuthenticated actions per signed-in account. It is
// independent of ip/email state: a logged-in session doing too many
// destructive things gets throttled on its uid alone.
type UidRecord struct {
	RateLimitedAt int64   `json:"rl,omitempty"`
	Checks        []int64 `json:"ct,omitempty"`

	lim limits.UidRateLimit
}

func NewUidRecord(lim limits.UidRateLimit) *UidRecord {
	return &UidRecord{lim: lim}
}

// ParseUidRecord builds a record from a raw cache value, falling back to a
// fresh record on missing or malformed data.
func ParseUidRecord(raw []byte, lim limits.UidRateLimit) *UidRecord {
	rec := NewUidRecord(lim)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, rec)
	}
	return rec
}

func (r *UidRecord) MinLifetime() time.Duration {
	return maxDuration(r.lim.LimitInterval(), r.lim.BanDuration())
}

func (r *UidRecord) IsRateLimited(now time.Time) bool {
	return active(now, r.RateLimitedAt, r.lim.BanDuration())
}

func (r *UidRecord) RateLimit(now time.Time) {
	r.RateLimitedAt = toMS(now)
}

func (r *UidRecord) IsOverChecks(now time.Time) bool {
	r.trimChecks(now)
	return len(r.Checks) > r.lim.MaxChecks
}

func (r *UidRecord) trimChecks(now time.Time) {
	r.Checks = trimTimes(r.Checks, now, r.lim.LimitInterval(), r.lim.MaxChecks)
}

func (r *UidRecord) RetryAfter(now time.Time) int {
	return retryAfterSeconds(now, r.RateLimitedAt, r.lim.BanDuration())
}

// AddCount records one authenticated action and returns the resulting
// retry-after in seconds.
func (r *UidRecord) AddCount(now time.Time) int {
	r.trimChecks(now)
	r.Checks = append(r.Checks, toMS(now))
	if r.IsOverChecks(now) {
		// Repeat offenders extend the ban.
		r.RateLimit(now)
	}
	return r.RetryAfter(now)
}
