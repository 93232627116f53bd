// Package checker implements the abuse decision engine. Each operation
// fetches the relevant counter records, applies the action, folds the
// per-record outcomes into one decision, and persists what changed.
//
// The engine fails open on reads (no history is never a reason to block a
// request) and fails closed on writes: a decision that cannot be persisted
// is surfaced as an error so callers can deny rather than hand an attacker
// an uncounted attempt.
package checker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"customs/internal/customs/limits"
	"customs/internal/customs/metrics"
	"customs/internal/customs/records"
	"customs/internal/customs/store"
	domainerrors "customs/pkg/domain-errors"
)

// BlockReason says which signal produced a block.
type BlockReason string

const (
	ReasonNone            BlockReason = ""
	ReasonRateLimit       BlockReason = "rate_limit"
	ReasonIPInBlocklist   BlockReason = "ip_in_blocklist"
	ReasonIPBadReputation BlockReason = "ip_bad_reputation"
)

// Result is one decision.
type Result struct {
	Block       bool
	RetryAfter  int
	Unblock     bool
	Suspect     bool
	BlockReason BlockReason
}

// CheckRequest carries the identifiers for one candidate action.
type CheckRequest struct {
	Email        string
	IP           string
	Action       string
	PhoneNumber  string
	WantsUnblock bool
	Headers      map[string]string
}

// ReputationService scores IPs and accepts violation reports.
type ReputationService interface {
	Get(ctx context.Context, ip string) (*int, error)
	Report(ctx context.Context, ip, reason string)
	IsBlockBelow(score *int) bool
	IsSuspectBelow(score *int) bool
}

// Blocklist answers whether an IP is on a static ban list.
type Blocklist interface {
	Contains(ip string) bool
}

// Allowlist answers whether any identifier is exempt from blocking.
type Allowlist interface {
	IsAllowed(ip, email, phone string) bool
}

// RuleEvaluator applies user-defined rules and reports the strictest
// retry-after any of them demands.
type RuleEvaluator interface {
	MaxRetryAfter(ctx context.Context, action, email, ip string, now time.Time) int
}

// Checker is the engine. Construct with New; the zero value is not usable.
type Checker struct {
	store         store.Store
	limits        *limits.Provider
	requestChecks *limits.RequestChecksProvider
	reputation    ReputationService
	allowlist     Allowlist
	blocklist     Blocklist
	rules         RuleEvaluator
	metrics       *metrics.Metrics
	logger        *slog.Logger
	tracer        trace.Tracer

	recordLifetime time.Duration
	now            func() time.Time
}

type Option func(*Checker)

func WithBlocklist(b Blocklist) Option {
	return func(c *Checker) { c.blocklist = b }
}

func WithRules(r RuleEvaluator) Option {
	return func(c *Checker) { c.rules = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Checker) { c.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithRecordLifetime(lifetime time.Duration) Option {
	return func(c *Checker) {
		if lifetime > 0 {
			c.recordLifetime = lifetime
		}
	}
}

// WithClock overrides the time source. Tests use it to step through windows.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) {
		if now != nil {
			c.now = now
		}
	}
}

func New(s store.Store, lim *limits.Provider, checks *limits.RequestChecksProvider,
	rep ReputationService, allow Allowlist, opts ...Option) (*Checker, error) {
	if s == nil || lim == nil || checks == nil || rep == nil || allow == nil {
		return nil, domainerrors.New(domainerrors.CodeInternal, "checker: missing dependency")
	}
	c := &Checker{
		store:          s,
		limits:         lim,
		requestChecks:  checks,
		reputation:     rep,
		allowlist:      allow,
		logger:         slog.Default(),
		tracer:         otel.Tracer("customs/checker"),
		recordLifetime: 15 * time.Minute,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Check decides whether one action attempt may proceed. This backs the main
// /check endpoint and consults every counter dimension at once.
func (c *Checker) Check(ctx context.Context, req CheckRequest) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "customs.Check",
		trace.WithAttributes(attribute.String("customs.action", req.Action)))
	defer span.End()

	start := time.Now()
	now := c.now()
	lim := c.limits.Current()

	var (
		ipRec      *records.IpRecord
		emailRec   *records.EmailRecord
		ipEmailRec *records.IpEmailRecord
		smsRec     *records.SmsRecord
		score      *int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ipRec = records.ParseIpRecord(c.getRecord(gctx, req.IP), lim)
		return nil
	})
	g.Go(func() error {
		emailRec = records.ParseEmailRecord(c.getRecord(gctx, req.Email), lim)
		return nil
	})
	g.Go(func() error {
		ipEmailRec = records.ParseIpEmailRecord(c.getRecord(gctx, req.IP+req.Email), lim)
		return nil
	})
	g.Go(func() error {
		if req.PhoneNumber != "" {
			smsRec = records.ParseSmsRecord(c.getRecord(gctx, req.PhoneNumber), lim.SmsRateLimit)
		}
		return nil
	})
	g.Go(func() error {
		score = c.reputationScore(gctx, req.IP)
		return nil
	})
	_ = g.Wait()

	// An explicit ban is the one early exit: nothing else gets counted. A
	// merely rate-limited IP still flows through the updates below so that
	// retries count as throttled bad logins and extend the ban.
	if ipRec.IsBlocked(now) {
		res := &Result{
			Block:       true,
			RetryAfter:  ipRec.RetryAfter(now),
			Unblock:     emailRec.CanUnblock(now),
			BlockReason: ReasonRateLimit,
		}
		c.finish(ctx, "check", req, res, start)
		return res, nil
	}

	retryAfter := emailRec.Update(req.Action, req.WantsUnblock, now)
	if jointRetry := ipEmailRec.Update(req.Action, now); jointRetry > 0 {
		// A completed password reset newer than the joint ban lifts it.
		if ipEmailRec.UnblockIfReset(emailRec.PasswordResetAt) {
			jointRetry = 0
		}
		retryAfter = maxInt(retryAfter, jointRetry)
	}
	retryAfter = maxInt(retryAfter, ipRec.Update(req.Action, now))
	if smsRec != nil {
		retryAfter = maxInt(retryAfter, smsRec.Update(req.Action, now))
	}

	res := &Result{
		RetryAfter: retryAfter,
		Unblock:    emailRec.CanUnblock(now),
		Suspect:    c.requestChecks.Current().TreatEveryoneWithSuspicion || c.reputation.IsSuspectBelow(score),
	}
	if retryAfter > 0 {
		res.Block = true
		res.BlockReason = ReasonRateLimit
	}
	if c.blocklist != nil && c.blocklist.Contains(req.IP) {
		res.Block = true
		res.RetryAfter = 0
		res.BlockReason = ReasonIPInBlocklist
	}
	if c.reputation.IsBlockBelow(score) {
		res.Block = true
		res.RetryAfter = ipRec.RetryAfter(now)
		res.BlockReason = ReasonIPBadReputation
	}

	// Persist before answering so an attacker cannot race uncounted attempts.
	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error { return c.setRecord(gctx, req.IP, ipRec) })
	g.Go(func() error { return c.setRecord(gctx, req.Email, emailRec) })
	g.Go(func() error { return c.setRecord(gctx, req.IP+req.Email, ipEmailRec) })
	g.Go(func() error {
		if smsRec == nil {
			return nil
		}
		return c.setRecord(gctx, req.PhoneNumber, smsRec)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// User-defined rules only ever tighten the decision.
	if c.rules != nil {
		if ruleRetry := c.rules.MaxRetryAfter(ctx, req.Action, req.Email, req.IP, now); ruleRetry > res.RetryAfter {
			res.RetryAfter = ruleRetry
			res.Block = true
			if res.BlockReason == ReasonNone {
				res.BlockReason = ReasonRateLimit
			}
		}
	}

	c.finish(ctx, "check", req, res, start)
	return res, nil
}

// CheckIPOnly decides on the IP dimension alone, for endpoints that have no
// email yet (e.g. pre-login telemetry).
func (c *Checker) CheckIPOnly(ctx context.Context, ip, action string) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "customs.CheckIPOnly",
		trace.WithAttributes(attribute.String("customs.action", action)))
	defer span.End()

	start := time.Now()
	now := c.now()
	lim := c.limits.Current()

	var (
		ipRec *records.IpRecord
		score *int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ipRec = records.ParseIpRecord(c.getRecord(gctx, ip), lim)
		return nil
	})
	g.Go(func() error {
		score = c.reputationScore(gctx, ip)
		return nil
	})
	_ = g.Wait()

	req := CheckRequest{IP: ip, Action: action}
	if ipRec.IsBlocked(now) {
		res := &Result{Block: true, RetryAfter: ipRec.RetryAfter(now), BlockReason: ReasonRateLimit}
		c.finish(ctx, "checkIpOnly", req, res, start)
		return res, nil
	}

	retryAfter := ipRec.Update(action, now)
	res := &Result{
		RetryAfter: retryAfter,
		Suspect:    c.requestChecks.Current().TreatEveryoneWithSuspicion || c.reputation.IsSuspectBelow(score),
	}
	if retryAfter > 0 {
		res.Block = true
		res.BlockReason = ReasonRateLimit
	}
	if c.blocklist != nil && c.blocklist.Contains(ip) {
		res.Block = true
		res.RetryAfter = 0
		res.BlockReason = ReasonIPInBlocklist
	}
	if c.reputation.IsBlockBelow(score) {
		res.Block = true
		res.RetryAfter = ipRec.RetryAfter(now)
		res.BlockReason = ReasonIPBadReputation
	}

	if err := c.setRecord(ctx, ip, ipRec); err != nil {
		return nil, err
	}

	c.finish(ctx, "checkIpOnly", req, res, start)
	return res, nil
}

// CheckAuthenticated throttles actions by signed-in accounts on the uid
// dimension.
func (c *Checker) CheckAuthenticated(ctx context.Context, action, ip, uid string) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "customs.CheckAuthenticated",
		trace.WithAttributes(attribute.String("customs.action", action)))
	defer span.End()

	start := time.Now()
	now := c.now()
	lim := c.limits.Current()

	uidRec := records.ParseUidRecord(c.getRecord(ctx, uid), lim.UidRateLimit)
	retryAfter := uidRec.AddCount(now)

	if err := c.setRecord(ctx, uid, uidRec); err != nil {
		// The caller will deny this attempt; the reputation service still
		// hears about the ip.
		c.reputation.Report(ctx, ip, "customs:request.checkAuthenticated.block."+action)
		return nil, err
	}

	res := &Result{RetryAfter: retryAfter}
	if retryAfter > 0 {
		res.Block = true
		res.BlockReason = ReasonRateLimit
	}
	if res.Block {
		c.reputation.Report(ctx, ip, "customs:request.checkAuthenticated.block."+action)
	}
	c.finish(ctx, "checkAuthenticated", CheckRequest{IP: ip, Action: action}, res, start)
	return res, nil
}

// FailedLoginAttempt counts one rejected credential check against both the
// IP and the (ip, email) pair.
func (c *Checker) FailedLoginAttempt(ctx context.Context, email, ip string, errno int64) error {
	ctx, span := c.tracer.Start(ctx, "customs.FailedLoginAttempt")
	defer span.End()

	now := c.now()
	lim := c.limits.Current()

	var (
		ipRec      *records.IpRecord
		ipEmailRec *records.IpEmailRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ipRec = records.ParseIpRecord(c.getRecord(gctx, ip), lim)
		return nil
	})
	g.Go(func() error {
		ipEmailRec = records.ParseIpEmailRecord(c.getRecord(gctx, ip+email), lim)
		return nil
	})
	_ = g.Wait()

	ipRec.AddBadLogin(errno, now)
	ipEmailRec.AddBadLogin(now)
	if ipRec.IsOverBadLogins(now) {
		c.reputation.Report(ctx, ip, "customs:request.failedLoginAttempt.isOverBadLogins")
	}

	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error { return c.setRecord(gctx, ip, ipRec) })
	g.Go(func() error { return c.setRecord(gctx, ip+email, ipEmailRec) })
	return g.Wait()
}

// PasswordReset stamps the email's last completed reset, which in turn lifts
// joint ip+email bans older than the reset.
func (c *Checker) PasswordReset(ctx context.Context, email string) error {
	ctx, span := c.tracer.Start(ctx, "customs.PasswordReset")
	defer span.End()

	now := c.now()
	emailRec := records.ParseEmailRecord(c.getRecord(ctx, email), c.limits.Current())
	emailRec.PasswordReset(now)
	return c.setRecord(ctx, email, emailRec)
}

// BanEmail places an operator ban on an email address.
func (c *Checker) BanEmail(ctx context.Context, email string) error {
	ctx, span := c.tracer.Start(ctx, "customs.BanEmail")
	defer span.End()

	now := c.now()
	emailRec := records.ParseEmailRecord(c.getRecord(ctx, email), c.limits.Current())
	emailRec.Block(now)
	if err := c.setRecord(ctx, email, emailRec); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "email banned", "email", email)
	return nil
}

// BanIP places an operator ban on an IP address and reports it as a
// violation.
func (c *Checker) BanIP(ctx context.Context, ip string) error {
	ctx, span := c.tracer.Start(ctx, "customs.BanIP")
	defer span.End()

	now := c.now()
	ipRec := records.ParseIpRecord(c.getRecord(ctx, ip), c.limits.Current())
	ipRec.Block(now)
	if err := c.setRecord(ctx, ip, ipRec); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "ip banned", "ip", ip)
	c.reputation.Report(ctx, ip, "customs:request.blockIp")
	return nil
}

// finish applies the allowlist override, then logs, counts, and reports the
// decision. The allowlist runs dead last so trusted identities are never
// blocked, whatever the counters or external signals said.
func (c *Checker) finish(ctx context.Context, endpoint string, req CheckRequest, res *Result, start time.Time) {
	if (res.Block || res.Suspect) && c.allowlist.IsAllowed(req.IP, req.Email, req.PhoneNumber) {
		// Only the flags flip; retryAfter is left as computed.
		res.Block = false
		res.Suspect = false
	}

	c.metrics.ObserveCheck(endpoint, res.Block, time.Since(start))
	if res.Block {
		c.metrics.IncBlock(string(res.BlockReason))
	}
	if res.Suspect {
		c.metrics.IncSuspect()
	}

	c.logger.InfoContext(ctx, "request."+endpoint,
		"email", req.Email,
		"ip", req.IP,
		"action", req.Action,
		"block", res.Block,
		"unblock", res.Unblock,
		"suspect", res.Suspect,
		"retryAfter", res.RetryAfter)

	// The reputation service learns about blocks it did not itself cause.
	if res.Block && res.BlockReason != ReasonIPBadReputation {
		c.reputation.Report(ctx, req.IP, "customs:request."+endpoint+".block."+req.Action)
	}
}

// reputationScore fetches the IP's score, degrading to no signal on error.
func (c *Checker) reputationScore(ctx context.Context, ip string) *int {
	score, err := c.reputation.Get(ctx, ip)
	if err != nil {
		c.metrics.IncReputationError()
		c.logger.WarnContext(ctx, "reputation lookup failed", "ip", ip, "error", err)
		return nil
	}
	return score
}

// getRecord reads a raw record value. Read failures degrade to no history;
// blocking someone because the cache hiccupped is worse than one free pass.
func (c *Checker) getRecord(ctx context.Context, key string) []byte {
	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.metrics.IncCacheError("get")
		c.logger.ErrorContext(ctx, "record fetch failed", "error", err)
		return nil
	}
	if !found {
		return nil
	}
	return raw
}

type record interface {
	MinLifetime() time.Duration
}

func (c *Checker) setRecord(ctx context.Context, key string, rec record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeInternal, "encoding record")
	}
	ttl := c.recordLifetime
	if min := rec.MinLifetime(); min > ttl {
		ttl = min
	}
	if err := c.store.Set(ctx, key, raw, ttl); err != nil {
		c.metrics.IncCacheError("set")
		return err
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
