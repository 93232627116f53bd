// Package blocklist maintains in-memory sets of banned IPs loaded from
// files. Lookups hit an immutable snapshot swapped atomically on reload, so
// the request path never takes a lock.
package blocklist

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"sync/atomic"
	"time"

	domainerrors "customs/pkg/domain-errors"
)

// Manager loads one or more list files and answers membership queries.
// Files contain one IP address or CIDR range per line; blank lines and
// lines starting with '#' are skipped.
type Manager struct {
	paths        []string
	pollInterval time.Duration
	logger       *slog.Logger

	current atomic.Pointer[snapshot]
}

type snapshot struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.pollInterval = interval
		}
	}
}

func New(paths []string, opts ...Option) *Manager {
	m := &Manager{
		paths:        paths,
		pollInterval: time.Minute,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.current.Store(&snapshot{addrs: map[netip.Addr]struct{}{}})
	return m
}

// Load reads every configured file and swaps in the combined result. On any
// failure the previous snapshot stays in effect.
func (m *Manager) Load(ctx context.Context) error {
	next := &snapshot{addrs: map[netip.Addr]struct{}{}}
	for _, path := range m.paths {
		if err := loadFile(path, next); err != nil {
			return domainerrors.Wrap(err, domainerrors.CodeInvalidInput,
				fmt.Sprintf("loading blocklist %s", path))
		}
	}
	m.current.Store(next)
	m.logger.InfoContext(ctx, "blocklist loaded",
		"files", len(m.paths),
		"addresses", len(next.addrs),
		"ranges", len(next.prefixes))
	return nil
}

func loadFile(path string, dst *snapshot) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.Contains(line, "/") {
			prefix, err := netip.ParsePrefix(line)
			if err != nil {
				return fmt.Errorf("bad range %q: %w", line, err)
			}
			dst.prefixes = append(dst.prefixes, prefix)
			continue
		}
		addr, err := netip.ParseAddr(line)
		if err != nil {
			return fmt.Errorf("bad address %q: %w", line, err)
		}
		dst.addrs[addr] = struct{}{}
	}
	return scanner.Err()
}

// Contains reports whether the IP appears in any loaded list. Unparseable
// input is never a member.
func (m *Manager) Contains(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	snap := m.current.Load()
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

// PollForUpdates reloads the list files on an interval until the context is
// cancelled. Failed reloads are logged and the previous snapshot is kept.
func (m *Manager) PollForUpdates(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Load(ctx); err != nil {
				m.logger.ErrorContext(ctx, "blocklist reload failed", "error", err)
			}
		}
	}
}
