package limits

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"customs/internal/customs/store"
)

const settingsKey = "settings:limits"

// Provider holds the current Limits snapshot and keeps it fresh from the
// cache. Refresh failures leave the previous snapshot in effect.
type Provider struct {
	store    store.Store
	current  atomic.Pointer[Limits]
	logger   *slog.Logger
	interval time.Duration
}

type ProviderOption func(*Provider)

func WithLogger(logger *slog.Logger) ProviderOption {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithPollInterval(interval time.Duration) ProviderOption {
	return func(p *Provider) {
		p.interval = interval
	}
}

func NewProvider(s store.Store, initial Limits, opts ...ProviderOption) *Provider {
	p := &Provider{
		store:    s,
		logger:   slog.Default(),
		interval: time.Minute,
	}
	p.current.Store(&initial)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Current returns the active snapshot. Callers hold the returned value for
// the duration of one request; the pointer is never mutated in place.
func (p *Provider) Current() Limits {
	return *p.current.Load()
}

// Refresh loads the settings key from the cache and swaps the snapshot. When
// the key is missing and pushOnMissing is set, the current snapshot is
// written back so operators have a template to edit.
func (p *Provider) Refresh(ctx context.Context, pushOnMissing bool) error {
	raw, found, err := p.store.Get(ctx, settingsKey)
	if err != nil {
		return err
	}
	if !found {
		if pushOnMissing {
			return p.push(ctx)
		}
		return nil
	}

	next := p.Current()
	if err := json.Unmarshal(raw, &next); err != nil {
		p.logger.WarnContext(ctx, "ignoring malformed limits settings", "error", err)
		return nil
	}
	p.current.Store(&next)
	return nil
}

func (p *Provider) push(ctx context.Context) error {
	raw, err := json.Marshal(p.Current())
	if err != nil {
		return err
	}
	// Settings never expire; zero TTL means no expiry for both store kinds.
	return p.store.Set(ctx, settingsKey, raw, 0)
}

// PollForUpdates refreshes the snapshot on a fixed interval until the
// context is cancelled. A failed refresh logs and retries on the next tick.
func (p *Provider) PollForUpdates(ctx context.Context) {
	if p.interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.Refresh(ctx, false); err != nil {
				p.logger.WarnContext(ctx, "limits refresh failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
