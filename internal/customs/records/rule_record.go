package records

import (
	"encoding/json"
	"time"
)

// RuleLimits is the window definition a user-defined rule carries.
type RuleLimits struct {
	Max                      int `json:"max"`
	RateLimitIntervalSeconds int `json:"rateLimitIntervalSeconds"`
	BanDurationSeconds       int `json:"banDurationSeconds"`
}

func (l RuleLimits) RateLimitInterval() time.Duration {
	return time.Duration(l.RateLimitIntervalSeconds) * time.Second
}

func (l RuleLimits) BanDuration() time.Duration {
	return time.Duration(l.BanDurationSeconds) * time.Second
}

// RuleDefinition is one named user-defined rate-limit rule: which actions it
// applies to and its own window. Operators add rules through configuration
// without code changes.
type RuleDefinition struct {
	Limits  RuleLimits `json:"limits"`
	Actions []string   `json:"actions"`
}

// RuleRecord backs one user-defined rule for one (email, ip) pair. The rule
// definition is carried in memory only; persisting it would duplicate
// configuration into every cache entry.
type RuleRecord struct {
	RateLimitedAt int64   `json:"rl,omitempty"`
	Hits          []int64 `json:"hits,omitempty"`

	def RuleDefinition
}

func NewRuleRecord(def RuleDefinition) *RuleRecord {
	return &RuleRecord{def: def}
}

// ParseRuleRecord builds a record from a raw cache value, falling back to a
// fresh record on missing or malformed data.
func ParseRuleRecord(raw []byte, def RuleDefinition) *RuleRecord {
	rec := NewRuleRecord(def)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, rec)
	}
	return rec
}

func (r *RuleRecord) MinLifetime() time.Duration {
	return maxDuration(r.def.Limits.RateLimitInterval(), r.def.Limits.BanDuration())
}

// AppliesTo reports whether this rule's action list contains the action.
func (r *RuleRecord) AppliesTo(action string) bool {
	for _, a := range r.def.Actions {
		if a == action {
			return true
		}
	}
	return false
}

func (r *RuleRecord) IsRateLimited(now time.Time) bool {
	return active(now, r.RateLimitedAt, r.def.Limits.BanDuration())
}

func (r *RuleRecord) RateLimit(now time.Time) {
	r.RateLimitedAt = toMS(now)
}

func (r *RuleRecord) AddHit(now time.Time) {
	r.trimHits(now)
	r.Hits = append(r.Hits, toMS(now))
}

func (r *RuleRecord) IsOverLimit(now time.Time) bool {
	r.trimHits(now)
	return len(r.Hits) > r.def.Limits.Max
}

func (r *RuleRecord) trimHits(now time.Time) {
	r.Hits = trimTimes(r.Hits, now, r.def.Limits.RateLimitInterval(), r.def.Limits.Max)
}

func (r *RuleRecord) RetryAfter(now time.Time) int {
	return retryAfterSeconds(now, r.RateLimitedAt, r.def.Limits.BanDuration())
}

// Update applies one action and returns the resulting retry-after in
// seconds. Actions outside the rule's list leave the record untouched.
func (r *RuleRecord) Update(action string, now time.Time) int {
	if r.AppliesTo(action) {
		r.AddHit(now)
		if r.IsOverLimit(now) {
			r.RateLimit(now)
		}
	}
	return r.RetryAfter(now)
}
