package records

import (
	"encoding/json"
	"time"

	"customs/internal/customs/actions"
	"customs/internal/customs/limits"
)

// IpEmailRecord is the joint counter for an (ip, email) pair. It catches
// targeted brute force that neither dimension alone would trigger.
type IpEmailRecord struct {
	RateLimitedAt int64   `json:"rl,omitempty"`
	BadLogins     []int64 `json:"lf,omitempty"`

	lim limits.Limits
}

func NewIpEmailRecord(lim limits.Limits) *IpEmailRecord {
	return &IpEmailRecord{lim: lim}
}

// ParseIpEmailRecord builds a record from a raw cache value, falling back to
// a fresh record on missing or malformed data.
func ParseIpEmailRecord(raw []byte, lim limits.Limits) *IpEmailRecord {
	rec := NewIpEmailRecord(lim)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, rec)
	}
	return rec
}

func (r *IpEmailRecord) MinLifetime() time.Duration {
	return r.lim.RateLimitInterval()
}

func (r *IpEmailRecord) IsRateLimited(now time.Time) bool {
	return active(now, r.RateLimitedAt, r.lim.RateLimitInterval())
}

// RateLimit starts (or extends) the ban. The bad-login evidence is consumed
// by the ban, so the window resets.
func (r *IpEmailRecord) RateLimit(now time.Time) {
	r.RateLimitedAt = toMS(now)
	r.BadLogins = nil
}

func (r *IpEmailRecord) AddBadLogin(now time.Time) {
	r.trimBadLogins(now)
	r.BadLogins = append(r.BadLogins, toMS(now))
}

func (r *IpEmailRecord) IsOverBadLogins(now time.Time) bool {
	r.trimBadLogins(now)
	return len(r.BadLogins) > r.lim.MaxBadLogins
}

func (r *IpEmailRecord) trimBadLogins(now time.Time) {
	r.BadLogins = trimTimes(r.BadLogins, now, r.lim.RateLimitInterval(), r.lim.MaxBadLogins)
}

// UnblockIfReset clears the joint ban when the email's last password reset
// is newer than the ban's trigger: a legitimate recovery should not leave a
// stale joint block behind. Reports whether anything was cleared.
func (r *IpEmailRecord) UnblockIfReset(passwordResetAt int64) bool {
	if r.RateLimitedAt == 0 || passwordResetAt <= r.RateLimitedAt {
		return false
	}
	r.RateLimitedAt = 0
	r.BadLogins = nil
	return true
}

func (r *IpEmailRecord) RetryAfter(now time.Time) int {
	return retryAfterSeconds(now, r.RateLimitedAt, r.lim.RateLimitInterval())
}

// Update applies one action and returns the resulting retry-after in
// seconds. Only password-checking actions move this record.
func (r *IpEmailRecord) Update(action string, now time.Time) int {
	if actions.IsPasswordCheckingAction(action) {
		if r.IsRateLimited(now) || r.IsOverBadLogins(now) {
			// A blocked attempt still counts as a bad login.
			r.AddBadLogin(now)
		}
		if r.IsOverBadLogins(now) {
			r.RateLimit(now)
		}
	}
	return r.RetryAfter(now)
}
