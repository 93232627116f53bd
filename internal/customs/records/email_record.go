package records

import (
	"encoding/json"
	"time"

	"customs/internal/customs/actions"
	"customs/internal/customs/limits"
)

// EmailRecord tracks events keyed by email address: email-sending hits,
// unblock-code attempts, the last password reset, and block/rate-limit
// timestamps.
type EmailRecord struct {
	BlockedAt       int64   `json:"bk,omitempty"`
	RateLimitedAt   int64   `json:"rl,omitempty"`
	Hits            []int64 `json:"xs,omitempty"`
	PasswordResetAt int64   `json:"pr,omitempty"`
	UnblockAttempts []int64 `json:"ub,omitempty"`

	lim limits.Limits
}

func NewEmailRecord(lim limits.Limits) *EmailRecord {
	return &EmailRecord{lim: lim}
}

// ParseEmailRecord builds a record from a raw cache value, falling back to a
// fresh record on missing or malformed data.
func ParseEmailRecord(raw []byte, lim limits.Limits) *EmailRecord {
	rec := NewEmailRecord(lim)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, rec)
	}
	return rec
}

func (r *EmailRecord) MinLifetime() time.Duration {
	return maxDuration(r.lim.BlockInterval(), r.lim.RateLimitInterval())
}

func (r *EmailRecord) IsBlocked(now time.Time) bool {
	return active(now, r.BlockedAt, r.lim.BlockInterval())
}

func (r *EmailRecord) IsRateLimited(now time.Time) bool {
	return active(now, r.RateLimitedAt, r.lim.RateLimitInterval())
}

func (r *EmailRecord) ShouldBlock(now time.Time) bool {
	return r.IsBlocked(now) || r.IsRateLimited(now)
}

func (r *EmailRecord) Block(now time.Time) {
	r.BlockedAt = toMS(now)
}

func (r *EmailRecord) RateLimit(now time.Time) {
	r.RateLimitedAt = toMS(now)
}

func (r *EmailRecord) AddHit(now time.Time) {
	r.trimHits(now)
	r.Hits = append(r.Hits, toMS(now))
}

func (r *EmailRecord) IsOverEmailLimit(now time.Time) bool {
	r.trimHits(now)
	return len(r.Hits) > r.lim.MaxEmails
}

func (r *EmailRecord) trimHits(now time.Time) {
	r.Hits = trimTimes(r.Hits, now, r.lim.RateLimitInterval(), r.lim.MaxEmails)
}

func (r *EmailRecord) AddUnblockAttempt(now time.Time) {
	r.trimUnblockAttempts(now)
	r.UnblockAttempts = append(r.UnblockAttempts, toMS(now))
}

func (r *EmailRecord) IsOverUnblockAttempts(now time.Time) bool {
	r.trimUnblockAttempts(now)
	return len(r.UnblockAttempts) > r.lim.MaxUnblockAttempts
}

func (r *EmailRecord) trimUnblockAttempts(now time.Time) {
	r.UnblockAttempts = trimTimes(r.UnblockAttempts, now, r.lim.RateLimitInterval(), r.lim.MaxUnblockAttempts)
}

// PasswordReset records a completed password reset. It does not clear any
// counter directly; the joint ip+email record consults this timestamp via
// UnblockIfReset.
func (r *EmailRecord) PasswordReset(now time.Time) {
	r.PasswordResetAt = toMS(now)
}

// CanUnblock reports whether this email may use the unblock-code escape
// hatch: hard-banned emails and emails over the attempt window may not.
func (r *EmailRecord) CanUnblock(now time.Time) bool {
	return !r.IsBlocked(now) && !r.IsOverUnblockAttempts(now)
}

// Update applies one action, counting an unblock-code attempt when the
// caller supplied one, and returns the resulting retry-after in seconds.
func (r *EmailRecord) Update(action string, wantsUnblock bool, now time.Time) int {
	if wantsUnblock {
		r.AddUnblockAttempt(now)
		if r.IsOverUnblockAttempts(now) {
			r.RateLimit(now)
		}
	}

	if !actions.IsEmailSendingAction(action) {
		return 0
	}
	if r.ShouldBlock(now) {
		// Sends while limited are refused without counting, so callers see
		// a steadily decreasing retry-after rather than a resetting ban.
		return r.RetryAfter(now)
	}

	r.AddHit(now)
	if r.IsOverEmailLimit(now) {
		r.RateLimit(now)
	}
	return r.RetryAfter(now)
}

func (r *EmailRecord) RetryAfter(now time.Time) int {
	return maxInt(
		retryAfterSeconds(now, r.RateLimitedAt, r.lim.RateLimitInterval()),
		retryAfterSeconds(now, r.BlockedAt, r.lim.BlockInterval()),
	)
}
