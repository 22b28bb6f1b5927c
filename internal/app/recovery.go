package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/domain"
)

// RecoverOrphans rebuilds in-memory queue state after a restart. The video
// row is the only durable handle: rows with an operation name go back to the
// pollers, rows without one are resubmitted through the queue.
func RecoverOrphans(ctx context.Context, cfg config.Config, videos domain.VideoRepository, tokens domain.TokenRepository, queue domain.Submitter, poller domain.StatusPoller) {
	cutoff := time.Now().Add(-cfg.RecoveryStaleAfter)
	stale, err := videos.ListStale(ctx, []domain.VideoStatus{domain.VideoPending, domain.VideoQueued}, cutoff, 1000)
	if err != nil {
		slog.Error("orphan recovery scan failed", slog.Any("error", err))
		return
	}
	if len(stale) == 0 {
		return
	}

	active, err := tokens.GetActive(ctx)
	if err != nil {
		slog.Warn("orphan recovery token lookup failed", slog.Any("error", err))
	}
	keyByID := make(map[string]string, len(active))
	for _, t := range active {
		keyByID[t.ID] = t.Value
	}

	var repoll, resubmit int
	var requeue []domain.QueuedVideo
	for _, v := range stale {
		if v.OperationName != nil && *v.OperationName != "" && v.SceneID != nil {
			apiKey, tokenID := "", ""
			if v.TokenUsed != nil {
				if k, ok := keyByID[*v.TokenUsed]; ok {
					apiKey, tokenID = k, *v.TokenUsed
				}
			}
			if apiKey == "" {
				apiKey = cfg.FallbackAPIKey
			}
			if apiKey == "" {
				// No credential left to poll with; resubmit instead.
				requeue = append(requeue, toQueued(v))
				resubmit++
				continue
			}
			poller.EnqueueStatusCheck(domain.PollJob{
				VideoID:       v.ID,
				OperationName: *v.OperationName,
				SceneID:       *v.SceneID,
				Prompt:        v.Prompt,
				AspectRatio:   v.AspectRatio,
				APIKey:        apiKey,
				TokenID:       tokenID,
			})
			repoll++
			continue
		}
		requeue = append(requeue, toQueued(v))
		resubmit++
	}
	if len(requeue) > 0 {
		queue.Enqueue(requeue, nil)
	}
	slog.Info("orphan recovery complete",
		slog.Int("repolled", repoll),
		slog.Int("resubmitted", resubmit))
}

func toQueued(v domain.Video) domain.QueuedVideo {
	sn := 0
	switch n := v.Metadata["sceneNumber"].(type) {
	case int:
		sn = n
	case float64:
		sn = int(n)
	}
	return domain.QueuedVideo{
		VideoID:     v.ID,
		UserID:      v.UserID,
		Prompt:      v.Prompt,
		AspectRatio: v.AspectRatio,
		SceneNumber: sn,
	}
}
