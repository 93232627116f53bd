// Package rules evaluates operator-defined rate-limit rules. Each rule names
// the actions it covers and carries its own window; state is kept per rule
// per (email, ip) pair under a hashed key so rules never collide with the
// built-in records or with each other.
package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"customs/internal/customs/records"
	"customs/internal/customs/store"
	domainerrors "customs/pkg/domain-errors"
)

// Evaluator applies every configured rule matching an action and reports the
// strictest outcome.
type Evaluator struct {
	store          store.Store
	defs           map[string]records.RuleDefinition
	byAction       map[string][]string
	recordLifetime time.Duration
	logger         *slog.Logger
}

type Option func(*Evaluator)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithRecordLifetime(lifetime time.Duration) Option {
	return func(e *Evaluator) {
		if lifetime > 0 {
			e.recordLifetime = lifetime
		}
	}
}

func New(s store.Store, defs map[string]records.RuleDefinition, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:          s,
		defs:           defs,
		byAction:       map[string][]string{},
		recordLifetime: 15 * time.Minute,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	// Invert once at startup; rule sets are small and change only on restart.
	for name, def := range defs {
		for _, action := range def.Actions {
			e.byAction[action] = append(e.byAction[action], name)
		}
	}
	return e
}

// LoadDefinitions reads rule definitions from a JSON file keyed by rule name.
func LoadDefinitions(path string) (map[string]records.RuleDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeInvalidInput, "reading rules file")
	}
	var defs map[string]records.RuleDefinition
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeInvalidInput, "parsing rules file")
	}
	for name, def := range defs {
		if def.Limits.Max < 0 || def.Limits.RateLimitIntervalSeconds <= 0 || def.Limits.BanDurationSeconds <= 0 {
			return nil, domainerrors.New(domainerrors.CodeInvalidInput,
				fmt.Sprintf("rule %q has invalid limits", name))
		}
	}
	return defs, nil
}

// RulesFor returns the names of rules covering an action.
func (e *Evaluator) RulesFor(action string) []string {
	return e.byAction[action]
}

// MaxRetryAfter applies every rule covering the action to the (email, ip)
// pair and returns the largest retry-after any of them demands. Rules are
// evaluated concurrently; a rule whose state cannot be read or written is
// skipped so a cache hiccup cannot fail the whole request.
func (e *Evaluator) MaxRetryAfter(ctx context.Context, action, email, ip string, now time.Time) int {
	names := e.byAction[action]
	if len(names) == 0 {
		return 0
	}

	retries := make([]int, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			retry, err := e.apply(gctx, name, action, email, ip, now)
			if err != nil {
				e.logger.ErrorContext(gctx, "rule evaluation failed",
					"rule", name, "action", action, "error", err)
				return nil
			}
			retries[i] = retry
			return nil
		})
	}
	_ = g.Wait()

	max := 0
	for _, retry := range retries {
		if retry > max {
			max = retry
		}
	}
	return max
}

func (e *Evaluator) apply(ctx context.Context, name, action, email, ip string, now time.Time) (int, error) {
	key := name + ":" + hashKey(email, ip)
	raw, _, err := e.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}

	rec := records.ParseRuleRecord(raw, e.defs[name])
	retry := rec.Update(action, now)

	out, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	ttl := e.recordLifetime
	if min := rec.MinLifetime(); min > ttl {
		ttl = min
	}
	if err := e.store.Set(ctx, key, out, ttl); err != nil {
		return 0, err
	}
	return retry, nil
}

func hashKey(email, ip string) string {
	sum := sha256.Sum256([]byte(email + ip))
	return hex.EncodeToString(sum[:])
}
