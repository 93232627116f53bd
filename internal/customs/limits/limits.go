// Package limits supplies the numeric thresholds that govern every sliding
// window, plus refreshable settings snapshots backed by the cache. Readers
// take one snapshot per request; a background poller swaps the snapshot
// atomically so readers never observe a partially-updated configuration.
package limits

import "time"

// Limits is a plain value; the wire format (seconds, camelCase) matches what
// operators store under the settings key and what GET /limits returns.
type Limits struct {
	BlockIntervalSeconds          int           `json:"blockIntervalSeconds"`
	RateLimitIntervalSeconds      int           `json:"rateLimitIntervalSeconds"`
	MaxEmails                     int           `json:"maxEmails"`
	MaxBadLogins                  int           `json:"maxBadLogins"`
	MaxBadLoginsPerIP             int           `json:"maxBadLoginsPerIp"`
	MaxUnblockAttempts            int           `json:"maxUnblockAttempts"`
	MaxAccountStatusCheck         int           `json:"maxAccountStatusCheck"`
	BadLoginErrnoWeights          map[int64]int `json:"badLoginErrnoWeights"`
	IPRateLimitIntervalSeconds    int           `json:"ipRateLimitIntervalSeconds"`
	IPRateLimitBanDurationSeconds int           `json:"ipRateLimitBanDurationSeconds"`
	SmsRateLimit                  SmsRateLimit  `json:"smsRateLimit"`
	UidRateLimit                  UidRateLimit  `json:"uidRateLimit"`
}

// SmsRateLimit caps SMS-sending actions per phone number.
type SmsRateLimit struct {
	LimitIntervalSeconds int `json:"limitIntervalSeconds"`
	BanDurationSeconds   int `json:"banDurationSeconds"`
	MaxSms               int `json:"maxSms"`
}

// UidRateLimit caps checkAuthenticated actions per account.
type UidRateLimit struct {
	LimitIntervalSeconds int `json:"limitIntervalSeconds"`
	BanDurationSeconds   int `json:"banDurationSeconds"`
	MaxChecks            int `json:"maxChecks"`
}

// DefaultLimits returns the shipped thresholds. Operators override them via
// the settings key at runtime.
func DefaultLimits() Limits {
	return Limits{
		BlockIntervalSeconds:          24 * 60 * 60,
		RateLimitIntervalSeconds:      15 * 60,
		MaxEmails:                     3,
		MaxBadLogins:                  3,
		MaxBadLoginsPerIP:             3,
		MaxUnblockAttempts:            5,
		MaxAccountStatusCheck:         5,
		BadLoginErrnoWeights:          map[int64]int{102: 2, 125: 4, 126: 2},
		IPRateLimitIntervalSeconds:    15 * 60,
		IPRateLimitBanDurationSeconds: 15 * 60,
		SmsRateLimit: SmsRateLimit{
			LimitIntervalSeconds: 15 * 60,
			BanDurationSeconds:   15 * 60,
			MaxSms:               2,
		},
		UidRateLimit: UidRateLimit{
			LimitIntervalSeconds: 15 * 60,
			BanDurationSeconds:   15 * 60,
			MaxChecks:            100,
		},
	}
}

func (l Limits) BlockInterval() time.Duration {
	return time.Duration(l.BlockIntervalSeconds) * time.Second
}

func (l Limits) RateLimitInterval() time.Duration {
	return time.Duration(l.RateLimitIntervalSeconds) * time.Second
}

func (l Limits) IPRateLimitInterval() time.Duration {
	return time.Duration(l.IPRateLimitIntervalSeconds) * time.Second
}

func (l Limits) IPRateLimitBanDuration() time.Duration {
	return time.Duration(l.IPRateLimitBanDurationSeconds) * time.Second
}

func (l SmsRateLimit) LimitInterval() time.Duration {
	return time.Duration(l.LimitIntervalSeconds) * time.Second
}

func (l SmsRateLimit) BanDuration() time.Duration {
	return time.Duration(l.BanDurationSeconds) * time.Second
}

func (l UidRateLimit) LimitInterval() time.Duration {
	return time.Duration(l.LimitIntervalSeconds) * time.Second
}

func (l UidRateLimit) BanDuration() time.Duration {
	return time.Duration(l.BanDurationSeconds) * time.Second
}

// WeightForErrno returns the configured weight for a bad-login errno,
// defaulting to 1 for errnos with no entry.
func (l Limits) WeightForErrno(errno int64) int {
	if w, ok := l.BadLoginErrnoWeights[errno]; ok {
		return w
	}
	return 1
}
