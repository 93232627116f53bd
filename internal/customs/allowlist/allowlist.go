// Package allowlist exempts trusted identities from blocking. Three lists
// are kept: IP addresses and ranges, email domains, and phone numbers. A
// request matching any of them is never blocked, whatever the counters say.
package allowlist

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"customs/internal/customs/store"
)

const (
	ipsKey     = "settings:allowedIPs"
	domainsKey = "settings:allowedEmailDomains"
	phonesKey  = "settings:allowedPhoneNumbers"
)

// Lists are the raw configured entries, as operators write them.
type Lists struct {
	IPs          []string
	EmailDomains []string
	PhoneNumbers []string
}

type compiled struct {
	raw Lists

	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
	domains  map[string]struct{}
	phones   map[string]struct{}
}

// Evaluator answers allowlist membership from an atomically swapped
// snapshot, refreshed from the cache's settings keys.
type Evaluator struct {
	store    store.Store
	logger   *slog.Logger
	interval time.Duration

	current atomic.Pointer[compiled]
}

type Option func(*Evaluator)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(e *Evaluator) {
		e.interval = interval
	}
}

func New(s store.Store, initial Lists, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:    s,
		logger:   slog.Default(),
		interval: time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.current.Store(e.compile(initial))
	return e
}

func (e *Evaluator) compile(lists Lists) *compiled {
	c := &compiled{
		raw:     lists,
		addrs:   map[netip.Addr]struct{}{},
		domains: map[string]struct{}{},
		phones:  map[string]struct{}{},
	}
	for _, entry := range lists.IPs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				e.logger.Warn("skipping bad allowlist range", "entry", entry, "error", err)
				continue
			}
			c.prefixes = append(c.prefixes, prefix)
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			e.logger.Warn("skipping bad allowlist address", "entry", entry, "error", err)
			continue
		}
		c.addrs[addr] = struct{}{}
	}
	for _, domain := range lists.EmailDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain != "" {
			c.domains[domain] = struct{}{}
		}
	}
	for _, phone := range lists.PhoneNumbers {
		phone = strings.TrimSpace(phone)
		if phone != "" {
			c.phones[phone] = struct{}{}
		}
	}
	return c
}

// IsAllowed reports whether any of the identifiers is trusted. Empty
// identifiers never match.
func (e *Evaluator) IsAllowed(ip, email, phone string) bool {
	return e.IsAllowedIP(ip) || e.IsAllowedEmail(email) || e.IsAllowedPhone(phone)
}

func (e *Evaluator) IsAllowedIP(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	snap := e.current.Load()
	if _, ok := snap.addrs[addr]; ok {
		return true
	}
	for _, prefix := range snap.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (e *Evaluator) IsAllowedEmail(email string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	_, ok := e.current.Load().domains[domain]
	return ok
}

func (e *Evaluator) IsAllowedPhone(phone string) bool {
	if phone == "" {
		return false
	}
	_, ok := e.current.Load().phones[phone]
	return ok
}

// AllowedIPs returns the configured entries, for the read-only endpoint.
func (e *Evaluator) AllowedIPs() []string { return e.current.Load().raw.IPs }

func (e *Evaluator) AllowedEmailDomains() []string { return e.current.Load().raw.EmailDomains }

func (e *Evaluator) AllowedPhoneNumbers() []string { return e.current.Load().raw.PhoneNumbers }

// Refresh loads the three settings keys and swaps the snapshot. A missing
// key keeps that list's current entries; with pushOnMissing set the current
// entries are written back as a template. Malformed values are ignored.
func (e *Evaluator) Refresh(ctx context.Context, pushOnMissing bool) error {
	next := e.current.Load().raw
	if err := e.refreshList(ctx, ipsKey, &next.IPs, pushOnMissing); err != nil {
		return err
	}
	if err := e.refreshList(ctx, domainsKey, &next.EmailDomains, pushOnMissing); err != nil {
		return err
	}
	if err := e.refreshList(ctx, phonesKey, &next.PhoneNumbers, pushOnMissing); err != nil {
		return err
	}
	e.current.Store(e.compile(next))
	return nil
}

func (e *Evaluator) refreshList(ctx context.Context, key string, dst *[]string, pushOnMissing bool) error {
	raw, found, err := e.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		if !pushOnMissing {
			return nil
		}
		raw, err := json.Marshal(*dst)
		if err != nil {
			return err
		}
		return e.store.Set(ctx, key, raw, 0)
	}

	var entries []string
	if err := json.Unmarshal(raw, &entries); err != nil {
		e.logger.WarnContext(ctx, "ignoring malformed allowlist settings", "key", key, "error", err)
		return nil
	}
	*dst = entries
	return nil
}

// PollForUpdates refreshes the snapshot on a fixed interval until the
// context is cancelled.
func (e *Evaluator) PollForUpdates(ctx context.Context) {
	if e.interval <= 0 {
		return
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.Refresh(ctx, false); err != nil {
				e.logger.WarnContext(ctx, "allowlist refresh failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
