package records

import (
	"encoding/json"
	"time"

	"customs/internal/customs/actions"
	"customs/internal/customs/limits"
)

// ErrnoThrottled marks bad logins that were synthesized because the attempt
// arrived while the IP was already throttled.
const ErrnoThrottled = 114

// IpRecord tracks events keyed by IP address alone: weighted bad logins,
// account status checks, and the block/rate-limit timestamps.
type IpRecord struct {
	BlockedAt     int64        `json:"bk,omitempty"`
	BadLogins     []LoginEvent `json:"lf,omitempty"`
	StatusChecks  []int64      `json:"as,omitempty"`
	RateLimitedAt int64        `json:"rl,omitempty"`

	lim limits.Limits
}

func NewIpRecord(lim limits.Limits) *IpRecord {
	return &IpRecord{lim: lim}
}

// ParseIpRecord builds a record from a raw cache value. Malformed or missing
// data yields a fresh record: no history is never an error.
func ParseIpRecord(raw []byte, lim limits.Limits) *IpRecord {
	rec := NewIpRecord(lim)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, rec)
	}
	return rec
}

// MinLifetime is the least cache TTL that keeps every window this record
// depends on observable.
func (r *IpRecord) MinLifetime() time.Duration {
	return maxDuration(
		r.lim.BlockInterval(),
		r.lim.IPRateLimitInterval(),
		r.lim.IPRateLimitBanDuration(),
	)
}

func (r *IpRecord) IsBlocked(now time.Time) bool {
	return active(now, r.BlockedAt, r.lim.BlockInterval())
}

func (r *IpRecord) IsRateLimited(now time.Time) bool {
	return active(now, r.RateLimitedAt, r.lim.IPRateLimitBanDuration())
}

func (r *IpRecord) ShouldBlock(now time.Time) bool {
	return r.IsBlocked(now) || r.IsRateLimited(now)
}

func (r *IpRecord) Block(now time.Time) {
	r.BlockedAt = toMS(now)
}

// RateLimit starts (or extends) the ban and forgives pending status checks.
// Bad-login history is deliberately kept.
func (r *IpRecord) RateLimit(now time.Time) {
	r.RateLimitedAt = toMS(now)
	r.StatusChecks = nil
}

func (r *IpRecord) AddBadLogin(errno int64, now time.Time) {
	if errno == 0 {
		errno = 999
	}
	r.trimBadLogins(now)
	r.BadLogins = append(r.BadLogins, LoginEvent{T: toMS(now), E: errno})
}

func (r *IpRecord) AddAccountStatusCheck(now time.Time) {
	r.trimStatusChecks(now)
	r.StatusChecks = append(r.StatusChecks, toMS(now))
}

// IsOverBadLogins sums the errno-weighted bad logins still inside the window
// and compares strictly against the maximum.
func (r *IpRecord) IsOverBadLogins(now time.Time) bool {
	r.trimBadLogins(now)
	total := 0
	for _, lf := range r.BadLogins {
		total += r.lim.WeightForErrno(lf.E)
	}
	return total > r.lim.MaxBadLoginsPerIP
}

func (r *IpRecord) IsOverAccountStatusCheck(now time.Time) bool {
	r.trimStatusChecks(now)
	return len(r.StatusChecks) > r.lim.MaxAccountStatusCheck
}

func (r *IpRecord) trimBadLogins(now time.Time) {
	r.BadLogins = trimLogins(r.BadLogins, now, r.lim.IPRateLimitInterval(), r.lim.MaxBadLoginsPerIP)
}

func (r *IpRecord) trimStatusChecks(now time.Time) {
	r.StatusChecks = trimTimes(r.StatusChecks, now, r.lim.IPRateLimitInterval(), r.lim.MaxAccountStatusCheck)
}

// RetryAfter reports the seconds until the later of the rate-limit ban and
// the block expires.
func (r *IpRecord) RetryAfter(now time.Time) int {
	return maxInt(
		retryAfterSeconds(now, r.RateLimitedAt, r.lim.IPRateLimitBanDuration()),
		retryAfterSeconds(now, r.BlockedAt, r.lim.BlockInterval()),
	)
}

// Update applies one action to the record and returns the resulting
// retry-after in seconds. Email-sending actions never contribute to pure-IP
// blocking.
func (r *IpRecord) Update(action string, now time.Time) int {
	if actions.IsEmailSendingAction(action) {
		return 0
	}

	if actions.IsAccountStatusAction(action) {
		r.AddAccountStatusCheck(now)
		if r.IsOverAccountStatusCheck(now) {
			// More checks while rate-limited extend the ban.
			r.RateLimit(now)
		}
	}

	if actions.IsPasswordCheckingAction(action) {
		if r.IsRateLimited(now) || r.IsOverBadLogins(now) {
			// A blocked attempt still counts as a bad login.
			r.AddBadLogin(ErrnoThrottled, now)
		}
		if r.IsOverBadLogins(now) {
			// More logins while rate-limited extend the ban.
			r.RateLimit(now)
		}
	}

	return r.RetryAfter(now)
}
