package limits

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"customs/internal/customs/store"
)

const requestChecksKey = "settings:requestChecks"

// RequestChecks are operator-toggled switches evaluated on every check.
type RequestChecks struct {
	// TreatEveryoneWithSuspicion marks every decision suspect, regardless
	// of reputation. Used during incident response to force extra friction
	// (e.g. CAPTCHA) globally.
	TreatEveryoneWithSuspicion bool `json:"treatEveryoneWithSuspicion"`
}

// RequestChecksProvider mirrors Provider for the RequestChecks settings key.
type RequestChecksProvider struct {
	store    store.Store
	current  atomic.Pointer[RequestChecks]
	logger   *slog.Logger
	interval time.Duration
}

func NewRequestChecksProvider(s store.Store, initial RequestChecks, logger *slog.Logger, interval time.Duration) *RequestChecksProvider {
	p := &RequestChecksProvider{
		store:    s,
		logger:   logger,
		interval: interval,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.current.Store(&initial)
	return p
}

func (p *RequestChecksProvider) Current() RequestChecks {
	return *p.current.Load()
}

func (p *RequestChecksProvider) Refresh(ctx context.Context, pushOnMissing bool) error {
	raw, found, err := p.store.Get(ctx, requestChecksKey)
	if err != nil {
		return err
	}
	if !found {
		if !pushOnMissing {
			return nil
		}
		raw, err := json.Marshal(p.Current())
		if err != nil {
			return err
		}
		return p.store.Set(ctx, requestChecksKey, raw, 0)
	}

	next := p.Current()
	if err := json.Unmarshal(raw, &next); err != nil {
		p.logger.WarnContext(ctx, "ignoring malformed request checks settings", "error", err)
		return nil
	}
	p.current.Store(&next)
	return nil
}

func (p *RequestChecksProvider) PollForUpdates(ctx context.Context) {
	if p.interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.Refresh(ctx, false); err != nil {
				p.logger.WarnContext(ctx, "request checks refresh failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
