package checker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"customs/internal/customs/allowlist"
	"customs/internal/customs/limits"
	"customs/internal/customs/records"
	"customs/internal/customs/rules"
	"customs/internal/customs/store"
)

// fakeReputation is a scriptable ReputationService that records violation
// reports.
type fakeReputation struct {
	score        *int
	err          error
	blockBelow   int
	suspectBelow int
	reports      []string
}

func (f *fakeReputation) Get(ctx context.Context, ip string) (*int, error) {
	return f.score, f.err
}

func (f *fakeReputation) Report(ctx context.Context, ip, reason string) {
	f.reports = append(f.reports, reason)
}

func (f *fakeReputation) IsBlockBelow(score *int) bool {
	return score != nil && *score < f.blockBelow
}

func (f *fakeReputation) IsSuspectBelow(score *int) bool {
	return score != nil && *score < f.suspectBelow
}

// failingStore wraps a Store and fails writes on demand.
type failingStore struct {
	store.Store
	failSet bool
}

func (f *failingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.failSet {
		return errors.New("cache down")
	}
	return f.Store.Set(ctx, key, value, ttl)
}

type staticBlocklist map[string]bool

func (b staticBlocklist) Contains(ip string) bool { return b[ip] }

type CheckerSuite struct {
	suite.Suite
	store      *failingStore
	reputation *fakeReputation
	checker    *Checker
	now        time.Time
	lim        limits.Limits
}

func TestCheckerSuite(t *testing.T) {
	suite.Run(t, new(CheckerSuite))
}

func (s *CheckerSuite) SetupTest() {
	s.now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.lim = limits.DefaultLimits()
	s.store = &failingStore{Store: store.NewInMemoryStore()}
	s.reputation = &fakeReputation{blockBelow: 50, suspectBelow: 60}
	s.checker = s.newChecker()
}

func (s *CheckerSuite) newChecker(opts ...Option) *Checker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limitsProvider := limits.NewProvider(s.store, s.lim, limits.WithLogger(logger))
	checksProvider := limits.NewRequestChecksProvider(s.store, limits.RequestChecks{}, logger, 0)
	allow := allowlist.New(s.store, allowlist.Lists{
		IPs:          []string{"127.0.0.0/8"},
		EmailDomains: []string{"allowed.example.com"},
	}, allowlist.WithLogger(logger))

	opts = append([]Option{
		WithLogger(logger),
		WithClock(func() time.Time { return s.now }),
	}, opts...)

	c, err := New(s.store, limitsProvider, checksProvider, s.reputation, allow, opts...)
	s.Require().NoError(err)
	return c
}

func (s *CheckerSuite) advance(d time.Duration) {
	s.now = s.now.Add(d)
}

func (s *CheckerSuite) check(email, ip, action string) *Result {
	res, err := s.checker.Check(context.Background(), CheckRequest{
		Email:  email,
		IP:     ip,
		Action: action,
	})
	s.Require().NoError(err)
	return res
}

func (s *CheckerSuite) TestEmailRateLimit() {
	// maxEmails is 3: three sends pass, the fourth blocks.
	for i := 0; i < 3; i++ {
		res := s.check("a@example.com", "198.51.100.1", "recoveryEmailResendCode")
		s.False(res.Block, "send %d should pass", i+1)
		s.Zero(res.RetryAfter)
	}

	res := s.check("a@example.com", "198.51.100.1", "recoveryEmailResendCode")
	s.True(res.Block)
	s.Equal(s.lim.RateLimitIntervalSeconds, res.RetryAfter)
	s.Equal(ReasonRateLimit, res.BlockReason)

	s.Run("retryAfter decreases as the ban ages", func() {
		s.advance(5 * time.Minute)
		res := s.check("a@example.com", "198.51.100.1", "recoveryEmailResendCode")
		s.True(res.Block)
		s.Less(res.RetryAfter, s.lim.RateLimitIntervalSeconds)
		s.Positive(res.RetryAfter)
	})

	s.Run("ban expires after the interval", func() {
		s.advance(s.lim.RateLimitInterval())
		res := s.check("a@example.com", "198.51.100.1", "recoveryEmailResendCode")
		s.False(res.Block)
	})
}

func (s *CheckerSuite) TestEmailLimitIsolatedPerEmail() {
	for i := 0; i < 4; i++ {
		s.check("a@example.com", "198.51.100.1", "recoveryEmailResendCode")
	}
	res := s.check("b@example.com", "198.51.100.1", "recoveryEmailResendCode")
	s.False(res.Block, "a different email shares nothing with the banned one")
}

func (s *CheckerSuite) TestEmailSendingNeverMovesIPCounters() {
	for i := 0; i < 20; i++ {
		s.check("a@example.com", "198.51.100.1", "recoveryEmailResendCode")
	}
	res, err := s.checker.CheckIPOnly(context.Background(), "198.51.100.1", "accountStatusCheck")
	s.Require().NoError(err)
	s.False(res.Block, "email sends must not have rate limited the ip")
}

func (s *CheckerSuite) TestFailedLoginsBlockFurtherAttempts() {
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		s.Require().NoError(s.checker.FailedLoginAttempt(ctx, "a@example.com", "198.51.100.1", 103))
	}

	res := s.check("a@example.com", "198.51.100.1", "accountLogin")
	s.True(res.Block)
	s.Positive(res.RetryAfter)

	s.Contains(s.reputation.reports, "customs:request.failedLoginAttempt.isOverBadLogins")
}

func (s *CheckerSuite) TestRetryWhileRateLimitedRestartsBan() {
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		s.Require().NoError(s.checker.FailedLoginAttempt(ctx, "a@example.com", "198.51.100.1", 103))
	}

	res := s.check("a@example.com", "198.51.100.1", "accountLogin")
	s.Require().True(res.Block)
	s.Require().Equal(s.lim.IPRateLimitBanDurationSeconds, res.RetryAfter)

	// A retry halfway through the ban is itself a throttled bad login and
	// restarts the clock rather than counting it down.
	s.advance(5 * time.Minute)
	res = s.check("a@example.com", "198.51.100.1", "accountLogin")
	s.True(res.Block)
	s.Equal(s.lim.IPRateLimitBanDurationSeconds, res.RetryAfter)

	raw, found, err := s.store.Get(ctx, "198.51.100.1")
	s.Require().NoError(err)
	s.Require().True(found)
	rec := records.ParseIpRecord(raw, s.lim)
	throttled := 0
	for _, lf := range rec.BadLogins {
		if lf.E == records.ErrnoThrottled {
			throttled++
		}
	}
	s.Positive(throttled, "blocked attempts still count as bad logins")
}

func (s *CheckerSuite) TestWeightedErrnoBlocksFaster() {
	ctx := context.Background()
	// errno 125 weighs 4 against maxBadLoginsPerIp 3: one strike is enough.
	s.Require().NoError(s.checker.FailedLoginAttempt(ctx, "a@example.com", "198.51.100.1", 125))

	res := s.check("a@example.com", "198.51.100.1", "accountLogin")
	s.True(res.Block)
}

func (s *CheckerSuite) TestPasswordResetLiftsJointBan() {
	ctx := context.Background()

	// Loosen the pure-IP threshold so only the joint ip+email dimension
	// trips; otherwise the ip ban would mask the joint one.
	s.lim.MaxBadLoginsPerIP = 100
	s.checker = s.newChecker()

	for i := 0; i < 4; i++ {
		s.Require().NoError(s.checker.FailedLoginAttempt(ctx, "a@example.com", "198.51.100.1", 103))
	}

	res := s.check("a@example.com", "198.51.100.1", "accountLogin")
	s.Require().True(res.Block)

	s.advance(time.Second)
	s.Require().NoError(s.checker.PasswordReset(ctx, "a@example.com"))

	res = s.check("a@example.com", "198.51.100.1", "accountLogin")
	s.False(res.Block, "a reset newer than the joint ban lifts it")
}

func (s *CheckerSuite) TestBlockedIPShortCircuits() {
	ctx := context.Background()
	s.Require().NoError(s.checker.BanIP(ctx, "198.51.100.1"))

	res := s.check("a@example.com", "198.51.100.1", "recoveryEmailResendCode")
	s.True(res.Block)
	s.Equal(s.lim.BlockIntervalSeconds, res.RetryAfter)

	// The short-circuit must not have counted the email send.
	raw, found, err := s.store.Get(ctx, "a@example.com")
	s.Require().NoError(err)
	if found {
		rec := records.ParseEmailRecord(raw, s.lim)
		s.Empty(rec.Hits)
	}
}

func (s *CheckerSuite) TestBanIPReportsViolation() {
	s.Require().NoError(s.checker.BanIP(context.Background(), "198.51.100.1"))
	s.Contains(s.reputation.reports, "customs:request.blockIp")
}

func (s *CheckerSuite) TestBanEmail() {
	ctx := context.Background()
	s.Require().NoError(s.checker.BanEmail(ctx, "a@example.com"))

	res := s.check("a@example.com", "198.51.100.1", "recoveryEmailResendCode")
	s.True(res.Block)
	s.False(res.Unblock, "hard-banned emails may not use unblock codes")
}

func (s *CheckerSuite) TestBlocklistOverride() {
	s.checker = s.newChecker(WithBlocklist(staticBlocklist{"198.51.100.66": true}))

	res := s.check("a@example.com", "198.51.100.66", "accountLogin")
	s.True(res.Block)
	s.Zero(res.RetryAfter, "blocklist blocks carry no retry hint")
	s.Equal(ReasonIPInBlocklist, res.BlockReason)

	s.Run("other ips are unaffected", func() {
		res := s.check("a@example.com", "198.51.100.1", "accountLogin")
		s.False(res.Block)
	})
}

func (s *CheckerSuite) TestReputationOverride() {
	score := 10
	s.reputation.score = &score

	res := s.check("a@example.com", "198.51.100.1", "accountLogin")
	s.True(res.Block)
	s.Equal(ReasonIPBadReputation, res.BlockReason)
	s.True(res.Suspect, "a block-worthy score is also suspect-worthy")

	s.Run("reputation blocks are not reported back", func() {
		s.Empty(s.reputation.reports)
	})
}

func (s *CheckerSuite) TestSuspectSignals() {
	s.Run("mid score flags suspect without blocking", func() {
		score := 55
		s.reputation.score = &score
		res := s.check("a@example.com", "198.51.100.1", "accountLogin")
		s.False(res.Block)
		s.True(res.Suspect)
	})

	s.Run("reputation failure degrades to no signal", func() {
		s.reputation.score = nil
		s.reputation.err = errors.New("reputation down")
		res := s.check("a@example.com", "198.51.100.1", "accountLogin")
		s.False(res.Block)
		s.False(res.Suspect)
	})
}

func (s *CheckerSuite) TestAllowlistNeverBlocked() {
	ctx := context.Background()

	s.Run("allowlisted ip beats the blocklist", func() {
		s.checker = s.newChecker(WithBlocklist(staticBlocklist{"127.0.0.1": true}))
		res := s.check("a@example.com", "127.0.0.1", "accountLogin")
		s.False(res.Block)
		s.Zero(res.RetryAfter)
	})

	s.Run("allowlisted email domain beats accumulated counters", func() {
		for i := 0; i < 6; i++ {
			s.check("vip@allowed.example.com", "198.51.100.1", "recoveryEmailResendCode")
		}
		res := s.check("vip@allowed.example.com", "198.51.100.1", "recoveryEmailResendCode")
		s.False(res.Block)
	})

	s.Run("allowlisted ip beats an operator ban", func() {
		s.Require().NoError(s.checker.BanIP(ctx, "127.0.0.2"))
		res := s.check("a@example.com", "127.0.0.2", "accountLogin")
		s.False(res.Block)
	})

	s.Run("override clears the flags but keeps retryAfter", func() {
		for i := 0; i < 4; i++ {
			s.check("vip2@allowed.example.com", "198.51.100.9", "recoveryEmailResendCode")
		}
		res := s.check("vip2@allowed.example.com", "198.51.100.9", "recoveryEmailResendCode")
		s.False(res.Block)
		s.Positive(res.RetryAfter, "the computed backoff stays visible")
	})

	s.Run("allowlisted ip is never flagged suspect", func() {
		score := 55
		s.reputation.score = &score
		res := s.check("a@example.com", "127.0.0.3", "accountLogin")
		s.False(res.Block)
		s.False(res.Suspect)
	})
}

func (s *CheckerSuite) TestUserDefinedRules() {
	defs := map[string]records.RuleDefinition{
		"strictSignup": {
			Limits:  records.RuleLimits{Max: 1, RateLimitIntervalSeconds: 60, BanDurationSeconds: 3600},
			Actions: []string{"accountCreate"},
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.checker = s.newChecker(WithRules(rules.New(s.store, defs, rules.WithLogger(logger))))

	res := s.check("a@example.com", "198.51.100.1", "accountCreate")
	s.False(res.Block, "first signup passes")

	res = s.check("a@example.com", "198.51.100.1", "accountCreate")
	s.True(res.Block, "rule is stricter than the built-in email limit")
	s.Equal(3600, res.RetryAfter)
}

func (s *CheckerSuite) TestCheckIPOnly() {
	ctx := context.Background()

	s.Run("status checks rate limit on the ip dimension", func() {
		var res *Result
		var err error
		for i := 0; i < 6; i++ {
			res, err = s.checker.CheckIPOnly(ctx, "198.51.100.1", "accountStatusCheck")
			s.Require().NoError(err)
		}
		s.True(res.Block)
		s.Equal(s.lim.IPRateLimitBanDurationSeconds, res.RetryAfter)
	})

	s.Run("banned ip short-circuits", func() {
		s.Require().NoError(s.checker.BanIP(ctx, "203.0.113.5"))
		res, err := s.checker.CheckIPOnly(ctx, "203.0.113.5", "accountStatusCheck")
		s.Require().NoError(err)
		s.True(res.Block)
		s.Equal(s.lim.BlockIntervalSeconds, res.RetryAfter)
	})
}

func (s *CheckerSuite) TestCheckAuthenticated() {
	ctx := context.Background()
	s.lim.UidRateLimit.MaxChecks = 2
	s.checker = s.newChecker()

	for i := 0; i < 2; i++ {
		res, err := s.checker.CheckAuthenticated(ctx, "accountDestroy", "198.51.100.1", "uid-1")
		s.Require().NoError(err)
		s.False(res.Block)
	}

	res, err := s.checker.CheckAuthenticated(ctx, "accountDestroy", "198.51.100.1", "uid-1")
	s.Require().NoError(err)
	s.True(res.Block)
	s.Equal(s.lim.UidRateLimit.BanDurationSeconds, res.RetryAfter)
	s.Contains(s.reputation.reports, "customs:request.checkAuthenticated.block.accountDestroy")

	s.Run("other uids are unaffected", func() {
		res, err := s.checker.CheckAuthenticated(ctx, "accountDestroy", "198.51.100.1", "uid-2")
		s.Require().NoError(err)
		s.False(res.Block)
	})
}

func (s *CheckerSuite) TestPersistFailureSurfaces() {
	s.store.failSet = true

	_, err := s.checker.Check(context.Background(), CheckRequest{
		Email: "a@example.com", IP: "198.51.100.1", Action: "accountLogin",
	})
	s.Error(err, "an uncounted attempt must not be reported as allowed")

	_, err = s.checker.CheckAuthenticated(context.Background(), "accountDestroy", "198.51.100.1", "uid-1")
	s.Error(err)
	s.Contains(s.reputation.reports, "customs:request.checkAuthenticated.block.accountDestroy",
		"an attempt denied on a write failure is still worth a violation report")
}

func (s *CheckerSuite) TestReadFailureDegradesToFreshRecord() {
	// Seed a ban, then make reads fail: the engine must treat the identity
	// as unknown rather than erroring or guessing.
	ctx := context.Background()
	s.Require().NoError(s.checker.BanIP(ctx, "198.51.100.1"))

	broken := &failingGetStore{Store: s.store}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limitsProvider := limits.NewProvider(store.NewInMemoryStore(), s.lim, limits.WithLogger(logger))
	checksProvider := limits.NewRequestChecksProvider(store.NewInMemoryStore(), limits.RequestChecks{}, logger, 0)
	allow := allowlist.New(store.NewInMemoryStore(), allowlist.Lists{}, allowlist.WithLogger(logger))
	c, err := New(broken, limitsProvider, checksProvider, s.reputation, allow,
		WithLogger(logger), WithClock(func() time.Time { return s.now }))
	s.Require().NoError(err)

	res, err := c.Check(ctx, CheckRequest{Email: "a@example.com", IP: "198.51.100.1", Action: "accountLogin"})
	s.Require().NoError(err)
	s.False(res.Block, "unreadable history is no history")
}

type failingGetStore struct {
	store.Store
}

func (f *failingGetStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errors.New("cache down")
}
