// Package tokenpool dispenses upstream credentials under batch-rotation and
// error-cooldown policy. Error history and cooldowns are process-local; the
// batch counter and rotation cursor live in the store.
package tokenpool

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/reelforge/reelforge/internal/adapter/observability"
	"github.com/reelforge/reelforge/internal/domain"
)

// Options tune the cooldown policy.
type Options struct {
	ErrorWindow    time.Duration
	ErrorThreshold int
	Cooldown       time.Duration
}

// DefaultOptions matches the production policy: 10 errors in 20 minutes
// puts a token on a 2 hour cooldown.
func DefaultOptions() Options {
	return Options{ErrorWindow: 20 * time.Minute, ErrorThreshold: 10, Cooldown: 2 * time.Hour}
}

// Pool is the in-process token pool. Safe for concurrent use.
type Pool struct {
	repo domain.TokenRepository
	opts Options
	now  func() time.Time

	mu            sync.Mutex
	errorTimes    map[string][]time.Time
	cooldownUntil map[string]time.Time
}

// New constructs a Pool over the token repository.
func New(repo domain.TokenRepository, opts Options) *Pool {
	if opts.ErrorWindow <= 0 {
		opts = DefaultOptions()
	}
	return &Pool{
		repo:          repo,
		opts:          opts,
		now:           time.Now,
		errorTimes:    make(map[string][]time.Time),
		cooldownUntil: make(map[string]time.Time),
	}
}

// WithClock overrides the time source; for tests.
func (p *Pool) WithClock(now func() time.Time) *Pool {
	p.now = now
	return p
}

// DispenseBatch returns the current batch token. Tokens in cooldown are
// excluded before the rotation cursor is applied, so the store never hands
// out a cooling token.
func (p *Pool) DispenseBatch(ctx domain.Context) (domain.Token, error) {
	t, err := p.repo.DispenseBatch(ctx, p.excludedIDs())
	if err != nil {
		observability.TokenDispensesTotal.WithLabelValues("batch", "error").Inc()
		return domain.Token{}, err
	}
	observability.TokenDispensesTotal.WithLabelValues("batch", "ok").Inc()
	return t, nil
}

// NextRotationToken returns the least-recently-used active token that is not
// cooling down and has headroom below the error threshold. Used by status
// polling, where batch accounting does not apply.
func (p *Pool) NextRotationToken(ctx domain.Context) (domain.Token, error) {
	tokens, err := p.repo.GetActive(ctx)
	if err != nil {
		return domain.Token{}, err
	}

	candidates := tokens[:0:0]
	for _, t := range tokens {
		if p.InCooldown(t.ID) {
			continue
		}
		// Leave one error of headroom against concurrent dispensers.
		if p.errorCount(t.ID) >= p.opts.ErrorThreshold-1 {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		observability.TokenDispensesTotal.WithLabelValues("rotation", "error").Inc()
		return domain.Token{}, fmt.Errorf("op=tokenpool.rotation: %w", domain.ErrNoTokensAvailable)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		li, lj := candidates[i].LastUsedAt, candidates[j].LastUsedAt
		if li == nil {
			return true
		}
		if lj == nil {
			return false
		}
		return li.Before(*lj)
	})
	chosen := candidates[0]
	if err := p.repo.TouchLastUsed(ctx, chosen.ID); err != nil {
		slog.Warn("failed to touch token last_used_at", slog.String("token_id", chosen.ID), slog.Any("error", err))
	}
	observability.TokenDispensesTotal.WithLabelValues("rotation", "ok").Inc()
	return chosen, nil
}

// RecordError appends an error for the token, prunes entries outside the
// sliding window, and trips the cooldown at the threshold.
func (p *Pool) RecordError(tokenID string) {
	if tokenID == "" {
		return
	}
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	times := append(p.errorTimes[tokenID], now)
	cutoff := now.Add(-p.opts.ErrorWindow)
	pruned := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	p.errorTimes[tokenID] = pruned

	if len(pruned) >= p.opts.ErrorThreshold {
		if _, cooling := p.cooldownUntil[tokenID]; !cooling {
			p.cooldownUntil[tokenID] = now.Add(p.opts.Cooldown)
			observability.TokenCooldownsTotal.Inc()
			slog.Warn("token placed in cooldown",
				slog.String("token_id", tokenID),
				slog.Int("errors_in_window", len(pruned)),
				slog.Time("until", p.cooldownUntil[tokenID]))
		}
	}
}

// InCooldown reports whether the token is cooling down, lazily expiring
// finished cooldowns and clearing their error history.
func (p *Pool) InCooldown(tokenID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.cooldownUntil[tokenID]
	if !ok {
		return false
	}
	if p.now().Before(until) {
		return true
	}
	delete(p.cooldownUntil, tokenID)
	delete(p.errorTimes, tokenID)
	return false
}

// ErrorCount returns the number of errors inside the current window.
func (p *Pool) ErrorCount(tokenID string) int { return p.errorCount(tokenID) }

func (p *Pool) errorCount(tokenID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-p.opts.ErrorWindow)
	n := 0
	for _, t := range p.errorTimes[tokenID] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

func (p *Pool) excludedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	ids := make([]string, 0, len(p.cooldownUntil))
	for id, until := range p.cooldownUntil {
		if now.Before(until) {
			ids = append(ids, id)
			continue
		}
		delete(p.cooldownUntil, id)
		delete(p.errorTimes, id)
	}
	return ids
}
