package records

import (
	"encoding/json"
	"time"

	"customs/internal/customs/actions"
	"customs/internal/customs/limits"
)

// SmsRecord caps SMS sends per phone number, independently of any other
// counter, to keep toll fraud bounded.
type SmsRecord struct {
	RateLimitedAt int64   `json:"rl,omitempty"`
	Sends         []int64 `json:"sm,omitempty"`

	lim limits.SmsRateLimit
}

func NewSmsRecord(lim limits.SmsRateLimit) *SmsRecord {
	return &SmsRecord{lim: lim}
}

// ParseSmsRecord builds a record from a raw cache value, falling back to a
// fresh record on missing or malformed data.
func ParseSmsRecord(raw []byte, lim limits.SmsRateLimit) *SmsRecord {
	rec := NewSmsRecord(lim)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, rec)
	}
	return rec
}

func (r *SmsRecord) MinLifetime() time.Duration {
	return maxDuration(r.lim.LimitInterval(), r.lim.BanDuration())
}

func (r *SmsRecord) IsRateLimited(now time.Time) bool {
	return active(now, r.RateLimitedAt, r.lim.BanDuration())
}

func (r *SmsRecord) RateLimit(now time.Time) {
	r.RateLimitedAt = toMS(now)
}

func (r *SmsRecord) AddSend(now time.Time) {
	r.trimSends(now)
	r.Sends = append(r.Sends, toMS(now))
}

func (r *SmsRecord) IsOverSmsLimit(now time.Time) bool {
	r.trimSends(now)
	return len(r.Sends) > r.lim.MaxSms
}

func (r *SmsRecord) trimSends(now time.Time) {
	r.Sends = trimTimes(r.Sends, now, r.lim.LimitInterval(), r.lim.MaxSms)
}

func (r *SmsRecord) RetryAfter(now time.Time) int {
	return retryAfterSeconds(now, r.RateLimitedAt, r.lim.BanDuration())
}

// Update applies one action and returns the resulting retry-after in
// seconds. Only SMS-sending actions move this record.
func (r *SmsRecord) Update(action string, now time.Time) int {
	if actions.IsSmsSendingAction(action) {
		r.AddSend(now)
		if r.IsOverSmsLimit(now) {
			r.RateLimit(now)
		}
	}
	return r.RetryAfter(now)
}
