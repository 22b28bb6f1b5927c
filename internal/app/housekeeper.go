package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/domain"
)

// Housekeeper runs the periodic maintenance sweeps: the local-midnight daily
// quota reset, expiry of jobs stuck in a non-terminal state, and retention
// purging of old rows.
type Housekeeper struct {
	cfg    config.Config
	users  domain.UserRepository
	videos domain.VideoRepository
	now    func() time.Time

	lastResetDate string
	lastExpiry    time.Time
	lastPurge     time.Time
}

// NewHousekeeper constructs a Housekeeper.
func NewHousekeeper(cfg config.Config, users domain.UserRepository, videos domain.VideoRepository) *Housekeeper {
	return &Housekeeper{cfg: cfg, users: users, videos: videos, now: time.Now}
}

// Run ticks every minute until ctx is done. Each sweep rate-limits itself,
// so the tick cadence only bounds reaction latency.
func (h *Housekeeper) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	h.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

func (h *Housekeeper) sweep(ctx context.Context) {
	h.dailyReset(ctx)
	h.expireStuckJobs(ctx)
	h.purgeOldRows(ctx)
}

// dailyReset zeroes the daily counters once per calendar date in the
// configured timezone.
func (h *Housekeeper) dailyReset(ctx context.Context) {
	loc := h.cfg.ResetLocation()
	today := h.now().In(loc).Format("2006-01-02")
	if today == h.lastResetDate {
		return
	}
	midnight, err := time.ParseInLocation("2006-01-02", today, loc)
	if err != nil {
		slog.Error("daily reset date parse failed", slog.Any("error", err))
		return
	}
	n, err := h.users.ResetExpiredDailyCounts(ctx, midnight)
	if err != nil {
		slog.Error("daily count reset failed", slog.Any("error", err))
		return
	}
	h.lastResetDate = today
	if n > 0 {
		slog.Info("daily counts reset", slog.Int64("users", n), slog.String("date", today))
	}
}

// expireStuckJobs fails non-terminal rows whose heartbeat went silent for
// longer than the expiry age. Runs at most hourly.
func (h *Housekeeper) expireStuckJobs(ctx context.Context) {
	if h.now().Sub(h.lastExpiry) < time.Hour {
		return
	}
	h.lastExpiry = h.now()

	cutoff := h.now().Add(-h.cfg.JobExpiryAge)
	stale, err := h.videos.ListStale(ctx, []domain.VideoStatus{domain.VideoPending, domain.VideoQueued}, cutoff, 500)
	if err != nil {
		slog.Error("stale job scan failed", slog.Any("error", err))
		return
	}
	failed := domain.VideoFailed
	msg := "Job expired: no progress within the allowed window"
	for _, v := range stale {
		if err := h.videos.Update(ctx, v.ID, domain.VideoUpdate{Status: &failed, ErrorMessage: &msg}); err != nil {
			slog.Warn("failed to expire stuck job", slog.String("video_id", v.ID), slog.Any("error", err))
		}
	}
	if len(stale) > 0 {
		slog.Info("expired stuck jobs", slog.Int("count", len(stale)))
	}
}

// purgeOldRows deletes rows past the retention window. Runs at most daily.
func (h *Housekeeper) purgeOldRows(ctx context.Context) {
	if h.cfg.DataRetentionDays <= 0 {
		return
	}
	if h.now().Sub(h.lastPurge) < 24*time.Hour {
		return
	}
	h.lastPurge = h.now()

	cutoff := h.now().AddDate(0, 0, -h.cfg.DataRetentionDays)
	n, err := h.videos.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("retention purge failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		slog.Info("retention purge removed rows", slog.Int64("rows", n))
	}
}
