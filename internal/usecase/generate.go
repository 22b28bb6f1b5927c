package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"github.com/reelforge/reelforge/internal/adapter/observability"
	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/domain"
)

// ArtifactUploader re-hosts a finished artifact at most once per scene.
type ArtifactUploader interface {
	UploadOnce(ctx domain.Context, sceneID, upstreamURL string) (string, error)
}

// VideoService implements the submission, status, and regeneration
// operations.
type VideoService struct {
	cfg       config.Config
	users     domain.UserRepository
	videos    domain.VideoRepository
	dispenser domain.TokenDispenser
	tokenRepo domain.TokenRepository
	gen       domain.VideoGenerator
	queue     domain.Submitter
	poller    domain.StatusPoller
	uploads   ArtifactUploader
	plans     *PlanService
}

// NewVideoService constructs a VideoService.
func NewVideoService(
	cfg config.Config,
	users domain.UserRepository,
	videos domain.VideoRepository,
	dispenser domain.TokenDispenser,
	tokenRepo domain.TokenRepository,
	gen domain.VideoGenerator,
	queue domain.Submitter,
	poller domain.StatusPoller,
	uploads ArtifactUploader,
	plans *PlanService,
) *VideoService {
	return &VideoService{
		cfg:       cfg,
		users:     users,
		videos:    videos,
		dispenser: dispenser,
		tokenRepo: tokenRepo,
		gen:       gen,
		queue:     queue,
		poller:    poller,
		uploads:   uploads,
		plans:     plans,
	}
}

func (s *VideoService) validatePrompt(prompt string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(prompt))
	if n < s.cfg.MinPromptChars {
		return fmt.Errorf("prompt must be at least %d characters: %w", s.cfg.MinPromptChars, domain.ErrInvalidArgument)
	}
	if n > s.cfg.MaxPromptChars {
		return fmt.Errorf("prompt must be at most %d characters: %w", s.cfg.MaxPromptChars, domain.ErrInvalidArgument)
	}
	return nil
}

func validAspect(a domain.AspectRatio) domain.AspectRatio {
	if a == domain.AspectPortrait {
		return domain.AspectPortrait
	}
	return domain.AspectLandscape
}

// SubmitBulk validates a batch of prompts, reserves daily quota, creates the
// job rows, and hands them to the paced submission queue. Returns the new
// video ids in prompt order.
func (s *VideoService) SubmitBulk(ctx domain.Context, userID string, prompts []string, aspect domain.AspectRatio) ([]string, error) {
	if len(prompts) == 0 {
		return nil, fmt.Errorf("op=submit_bulk: at least one prompt required: %w", domain.ErrInvalidArgument)
	}
	if len(prompts) > s.cfg.MaxBulkPrompts {
		return nil, fmt.Errorf("op=submit_bulk: at most %d prompts per request: %w", s.cfg.MaxBulkPrompts, domain.ErrInvalidArgument)
	}
	for i, p := range prompts {
		if err := s.validatePrompt(p); err != nil {
			return nil, fmt.Errorf("op=submit_bulk: prompt %d: %w", i+1, err)
		}
	}

	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("op=submit_bulk: %w", err)
	}
	if d := s.plans.CanBulkGenerate(user, len(prompts)); !d.Allowed {
		return nil, fmt.Errorf("op=submit_bulk: %s: %w", d.Reason, domain.ErrPlanDenied)
	}

	aspect = validAspect(aspect)
	ids := make([]string, 0, len(prompts))
	jobs := make([]domain.QueuedVideo, 0, len(prompts))
	for i, p := range prompts {
		id, err := s.videos.Create(ctx, domain.Video{
			UserID:      userID,
			Prompt:      strings.TrimSpace(p),
			AspectRatio: aspect,
			Status:      domain.VideoPending,
			Metadata:    map[string]any{"sceneNumber": i + 1, "mode": "bulk"},
		})
		if err != nil {
			return nil, fmt.Errorf("op=submit_bulk: %w", err)
		}
		ids = append(ids, id)
		jobs = append(jobs, domain.QueuedVideo{
			VideoID:     id,
			UserID:      userID,
			Prompt:      strings.TrimSpace(p),
			AspectRatio: aspect,
			SceneNumber: i + 1,
		})
	}

	if err := s.users.IncrementDailyCount(ctx, userID, len(prompts)); err != nil {
		slog.Warn("failed to increment daily count", slog.String("user_id", userID), slog.Any("error", err))
	}
	queued := domain.VideoQueued
	for _, id := range ids {
		if err := s.videos.Update(ctx, id, domain.VideoUpdate{Status: &queued}); err != nil {
			slog.Warn("failed to mark video queued", slog.String("video_id", id), slog.Any("error", err))
		}
	}

	var delayOverride *int
	if bulk := s.plans.BatchConfig(user); bulk.DelaySeconds > 0 {
		d := bulk.DelaySeconds
		delayOverride = &d
	}
	s.queue.Enqueue(jobs, delayOverride)
	return ids, nil
}

// SingleSubmission is the upstream handle a synchronous submit returns.
type SingleSubmission struct {
	VideoID       string `json:"video_id"`
	OperationName string `json:"operation_name"`
	SceneID       string `json:"scene_id"`
	TokenID       string `json:"token_id,omitempty"`
}

// SubmitSingle submits one video upstream synchronously, so the caller gets
// the operation handle back. Polling is handed off to the coordinator.
func (s *VideoService) SubmitSingle(ctx domain.Context, userID, prompt string, aspect domain.AspectRatio) (SingleSubmission, error) {
	if err := s.validatePrompt(prompt); err != nil {
		return SingleSubmission{}, fmt.Errorf("op=submit_single: %w", err)
	}
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return SingleSubmission{}, fmt.Errorf("op=submit_single: %w", err)
	}
	if d := s.plans.CanAccessTool(user, domain.ToolVeo); !d.Allowed {
		return SingleSubmission{}, fmt.Errorf("op=submit_single: %s: %w", d.Reason, domain.ErrPlanDenied)
	}
	if d := s.plans.CanGenerateVideo(user, 1); !d.Allowed {
		return SingleSubmission{}, fmt.Errorf("op=submit_single: %s: %w", d.Reason, domain.ErrPlanDenied)
	}

	apiKey, tokenID, err := s.pickToken(ctx)
	if err != nil {
		return SingleSubmission{}, fmt.Errorf("op=submit_single: %w", err)
	}

	aspect = validAspect(aspect)
	id, err := s.videos.Create(ctx, domain.Video{
		UserID:      userID,
		Prompt:      strings.TrimSpace(prompt),
		AspectRatio: aspect,
		Status:      domain.VideoQueued,
		Metadata:    map[string]any{"mode": "single"},
	})
	if err != nil {
		return SingleSubmission{}, fmt.Errorf("op=submit_single: %w", err)
	}

	sceneID := fmt.Sprintf("bulk-%s-%d", id, time.Now().UnixMilli())
	res, err := s.gen.SubmitText(ctx, apiKey, domain.SubmitRequest{
		Prompt:      strings.TrimSpace(prompt),
		AspectRatio: aspect,
		SceneID:     sceneID,
	})
	if err != nil {
		if tokenID != "" {
			s.dispenser.RecordError(tokenID)
		}
		failed := domain.VideoFailed
		msg := err.Error()
		_ = s.videos.Update(ctx, id, domain.VideoUpdate{Status: &failed, ErrorMessage: &msg})
		observability.VideosSubmittedTotal.WithLabelValues("single", "error").Inc()
		return SingleSubmission{}, fmt.Errorf("op=submit_single: %w", err)
	}
	observability.VideosSubmittedTotal.WithLabelValues("single", "ok").Inc()

	upd := domain.VideoUpdate{OperationName: &res.OperationName, SceneID: &res.SceneID}
	if tokenID != "" {
		upd.TokenUsed = &tokenID
	}
	if err := s.videos.Update(ctx, id, upd); err != nil {
		slog.Warn("failed to persist operation handle", slog.String("video_id", id), slog.Any("error", err))
	}
	if err := s.users.IncrementDailyCount(ctx, userID, 1); err != nil {
		slog.Warn("failed to increment daily count", slog.String("user_id", userID), slog.Any("error", err))
	}

	s.poller.EnqueueStatusCheck(domain.PollJob{
		VideoID:       id,
		OperationName: res.OperationName,
		SceneID:       res.SceneID,
		Prompt:        strings.TrimSpace(prompt),
		AspectRatio:   aspect,
		APIKey:        apiKey,
		TokenID:       tokenID,
	})
	return SingleSubmission{
		VideoID:       id,
		OperationName: res.OperationName,
		SceneID:       res.SceneID,
		TokenID:       tokenID,
	}, nil
}

var allowedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
}

// SubmitImageToVideo uploads a reference image and starts an image-to-video
// generation from it. The submission is synchronous so the caller learns
// about a rejected image immediately; polling is handed off as usual.
func (s *VideoService) SubmitImageToVideo(ctx domain.Context, userID, prompt string, aspect domain.AspectRatio, image []byte) (string, error) {
	if err := s.validatePrompt(prompt); err != nil {
		return "", fmt.Errorf("op=submit_image: %w", err)
	}
	if int64(len(image)) > s.cfg.MaxImageMB<<20 {
		return "", fmt.Errorf("op=submit_image: image exceeds %d MB: %w", s.cfg.MaxImageMB, domain.ErrInvalidArgument)
	}
	mt := mimetype.Detect(image)
	if !allowedImageTypes[mt.String()] {
		return "", fmt.Errorf("op=submit_image: unsupported image type %s: %w", mt.String(), domain.ErrInvalidArgument)
	}

	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("op=submit_image: %w", err)
	}
	if d := s.plans.CanAccessTool(user, domain.ToolImageToVideo); !d.Allowed {
		return "", fmt.Errorf("op=submit_image: %s: %w", d.Reason, domain.ErrPlanDenied)
	}
	if d := s.plans.CanGenerateVideo(user, 1); !d.Allowed {
		return "", fmt.Errorf("op=submit_image: %s: %w", d.Reason, domain.ErrPlanDenied)
	}

	apiKey, tokenID, err := s.pickToken(ctx)
	if err != nil {
		return "", fmt.Errorf("op=submit_image: %w", err)
	}

	mediaID, err := s.gen.UploadImage(ctx, apiKey, image, mt.String())
	if err != nil {
		if tokenID != "" {
			s.dispenser.RecordError(tokenID)
		}
		return "", fmt.Errorf("op=submit_image: %w", err)
	}

	aspect = validAspect(aspect)
	id, err := s.videos.Create(ctx, domain.Video{
		UserID:      userID,
		Prompt:      strings.TrimSpace(prompt),
		AspectRatio: aspect,
		Status:      domain.VideoQueued,
		Metadata:    map[string]any{"mode": "imageToVideo"},
	})
	if err != nil {
		return "", fmt.Errorf("op=submit_image: %w", err)
	}

	sceneID := fmt.Sprintf("bulk-%s-%d", id, time.Now().UnixMilli())
	res, err := s.gen.SubmitImage(ctx, apiKey, domain.SubmitRequest{
		Prompt:       strings.TrimSpace(prompt),
		AspectRatio:  aspect,
		SceneID:      sceneID,
		ImageMediaID: mediaID,
	})
	if err != nil {
		if tokenID != "" {
			s.dispenser.RecordError(tokenID)
		}
		failed := domain.VideoFailed
		msg := err.Error()
		_ = s.videos.Update(ctx, id, domain.VideoUpdate{Status: &failed, ErrorMessage: &msg})
		observability.VideosSubmittedTotal.WithLabelValues("imageToVideo", "error").Inc()
		return "", fmt.Errorf("op=submit_image: %w", err)
	}
	observability.VideosSubmittedTotal.WithLabelValues("imageToVideo", "ok").Inc()

	upd := domain.VideoUpdate{OperationName: &res.OperationName, SceneID: &res.SceneID}
	if tokenID != "" {
		upd.TokenUsed = &tokenID
	}
	if err := s.videos.Update(ctx, id, upd); err != nil {
		slog.Warn("failed to persist operation handle", slog.String("video_id", id), slog.Any("error", err))
	}
	if err := s.users.IncrementDailyCount(ctx, userID, 1); err != nil {
		slog.Warn("failed to increment daily count", slog.String("user_id", userID), slog.Any("error", err))
	}

	s.poller.EnqueueStatusCheck(domain.PollJob{
		VideoID:       id,
		OperationName: res.OperationName,
		SceneID:       res.SceneID,
		Prompt:        strings.TrimSpace(prompt),
		AspectRatio:   aspect,
		APIKey:        apiKey,
		TokenID:       tokenID,
	})
	return id, nil
}

// Regenerate starts a fresh job from a failed video's prompt. Terminal rows
// stay immutable, so regeneration creates a new row rather than resetting
// the old one. Scene-numbered bulk jobs pin the same rotation slot their
// batch used; everything else takes the current batch token.
func (s *VideoService) Regenerate(ctx domain.Context, userID, videoID string) (string, error) {
	v, err := s.videos.GetForUser(ctx, videoID, userID)
	if err != nil {
		return "", fmt.Errorf("op=regenerate: %w", err)
	}
	if v.Status != domain.VideoFailed {
		return "", fmt.Errorf("op=regenerate: only failed videos can be regenerated: %w", domain.ErrConflict)
	}

	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("op=regenerate: %w", err)
	}
	if d := s.plans.CanGenerateVideo(user, 1); !d.Allowed {
		return "", fmt.Errorf("op=regenerate: %s: %w", d.Reason, domain.ErrPlanDenied)
	}

	apiKey, tokenID, err := s.regenToken(ctx, v)
	if err != nil {
		return "", fmt.Errorf("op=regenerate: %w", err)
	}

	meta := map[string]any{"mode": "regenerate", "regeneratedFrom": v.ID}
	if sn := sceneNumber(v.Metadata); sn > 0 {
		meta["sceneNumber"] = sn
	}
	id, err := s.videos.Create(ctx, domain.Video{
		UserID:      userID,
		Prompt:      v.Prompt,
		AspectRatio: v.AspectRatio,
		Status:      domain.VideoQueued,
		Metadata:    meta,
	})
	if err != nil {
		return "", fmt.Errorf("op=regenerate: %w", err)
	}

	sceneID := fmt.Sprintf("bulk-%s-%d", id, time.Now().UnixMilli())
	res, err := s.gen.SubmitText(ctx, apiKey, domain.SubmitRequest{
		Prompt:      v.Prompt,
		AspectRatio: v.AspectRatio,
		SceneID:     sceneID,
	})
	if err != nil {
		if tokenID != "" {
			s.dispenser.RecordError(tokenID)
		}
		failed := domain.VideoFailed
		msg := err.Error()
		_ = s.videos.Update(ctx, id, domain.VideoUpdate{Status: &failed, ErrorMessage: &msg})
		return "", fmt.Errorf("op=regenerate: %w", err)
	}

	upd := domain.VideoUpdate{OperationName: &res.OperationName, SceneID: &res.SceneID}
	if tokenID != "" {
		upd.TokenUsed = &tokenID
	}
	if err := s.videos.Update(ctx, id, upd); err != nil {
		slog.Warn("failed to persist operation handle", slog.String("video_id", id), slog.Any("error", err))
	}
	if err := s.users.IncrementDailyCount(ctx, userID, 1); err != nil {
		slog.Warn("failed to increment daily count", slog.String("user_id", userID), slog.Any("error", err))
	}

	s.poller.EnqueueStatusCheck(domain.PollJob{
		VideoID:       id,
		OperationName: res.OperationName,
		SceneID:       res.SceneID,
		Prompt:        v.Prompt,
		AspectRatio:   v.AspectRatio,
		APIKey:        apiKey,
		TokenID:       tokenID,
	})
	return id, nil
}

// regenToken resolves the credential for a regeneration. A bulk job keeps
// its deterministic slot in the active token list so a whole batch retried
// together spreads over the pool the same way the original run did.
func (s *VideoService) regenToken(ctx domain.Context, v domain.Video) (apiKey, tokenID string, err error) {
	if sn := sceneNumber(v.Metadata); sn > 0 {
		active, err := s.tokenRepo.GetActive(ctx)
		if err == nil && len(active) > 0 {
			tok := active[(sn-1)%len(active)]
			if !s.dispenser.InCooldown(tok.ID) {
				return tok.Value, tok.ID, nil
			}
		}
	}
	tok, err := s.dispenser.DispenseBatch(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNoTokensAvailable) && s.cfg.FallbackAPIKey != "" {
			return s.cfg.FallbackAPIKey, "", nil
		}
		return "", "", err
	}
	return tok.Value, tok.ID, nil
}

func (s *VideoService) pickToken(ctx domain.Context) (apiKey, tokenID string, err error) {
	tok, err := s.dispenser.DispenseBatch(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNoTokensAvailable) && s.cfg.FallbackAPIKey != "" {
			return s.cfg.FallbackAPIKey, "", nil
		}
		return "", "", err
	}
	return tok.Value, tok.ID, nil
}

func sceneNumber(meta map[string]any) int {
	switch n := meta["sceneNumber"].(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

// CheckStatus performs one immediate status check for the caller. A finished
// generation is re-hosted and persisted through the same at-most-once path
// the polling workers use, so a concurrent worker cannot double-upload.
func (s *VideoService) CheckStatus(ctx domain.Context, userID, videoID string) (domain.Video, error) {
	v, err := s.videos.GetForUser(ctx, videoID, userID)
	if err != nil {
		return domain.Video{}, fmt.Errorf("op=check_status: %w", err)
	}
	if v.Status.Terminal() || v.OperationName == nil || v.SceneID == nil {
		return v, nil
	}

	apiKey, tokenID, err := s.statusKey(ctx, v)
	if err != nil {
		return v, nil
	}
	st, err := s.gen.CheckStatus(ctx, apiKey, *v.OperationName, *v.SceneID)
	if err != nil {
		if tokenID != "" && errors.Is(err, domain.ErrUpstreamTransient) {
			s.dispenser.RecordError(tokenID)
		}
		// A failed manual check is not an answer; the pollers keep going.
		return v, nil
	}

	switch {
	case st.Completed() && st.VideoURL != "":
		hosted, err := s.uploads.UploadOnce(ctx, *v.SceneID, st.VideoURL)
		if err != nil {
			// The artifact exists but could not be re-hosted after all
			// retries; that is a job failure, not a success with a
			// short-lived URL.
			failed := domain.VideoFailed
			msg := fmt.Sprintf("Media upload failed: %v", err)
			if err := s.videos.Update(ctx, videoID, domain.VideoUpdate{Status: &failed, ErrorMessage: &msg}); err == nil {
				observability.VideosFailedTotal.WithLabelValues("upload").Inc()
			}
			break
		}
		completed := domain.VideoCompleted
		if err := s.videos.Update(ctx, videoID, domain.VideoUpdate{Status: &completed, VideoURL: &hosted}); err == nil {
			observability.VideosCompletedTotal.Inc()
		}
	case st.ErrorMessage != "":
		failed := domain.VideoFailed
		msg := st.ErrorMessage
		if err := s.videos.Update(ctx, videoID, domain.VideoUpdate{Status: &failed, ErrorMessage: &msg}); err == nil {
			observability.VideosFailedTotal.WithLabelValues("upstream").Inc()
		}
	}
	return s.videos.GetForUser(ctx, videoID, userID)
}

// statusKey prefers the credential the job was submitted with and falls back
// to a rotation token when that credential is gone.
func (s *VideoService) statusKey(ctx domain.Context, v domain.Video) (string, string, error) {
	if v.TokenUsed != nil && *v.TokenUsed != "" {
		active, err := s.tokenRepo.GetActive(ctx)
		if err == nil {
			for _, t := range active {
				if t.ID == *v.TokenUsed {
					return t.Value, t.ID, nil
				}
			}
		}
	}
	tok, err := s.dispenser.NextRotationToken(ctx)
	if err != nil {
		if s.cfg.FallbackAPIKey != "" {
			return s.cfg.FallbackAPIKey, "", nil
		}
		return "", "", err
	}
	return tok.Value, tok.ID, nil
}

// GenerateImage produces a still image for script workflows.
func (s *VideoService) GenerateImage(ctx domain.Context, userID, prompt string) (string, error) {
	if err := s.validatePrompt(prompt); err != nil {
		return "", fmt.Errorf("op=generate_image: %w", err)
	}
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("op=generate_image: %w", err)
	}
	if d := s.plans.CanAccessTool(user, domain.ToolTextToImage); !d.Allowed {
		return "", fmt.Errorf("op=generate_image: %s: %w", d.Reason, domain.ErrPlanDenied)
	}

	apiKey, tokenID, err := s.pickToken(ctx)
	if err != nil {
		return "", fmt.Errorf("op=generate_image: %w", err)
	}
	img, err := s.gen.GenerateImage(ctx, apiKey, strings.TrimSpace(prompt))
	if err != nil {
		if tokenID != "" {
			s.dispenser.RecordError(tokenID)
		}
		return "", fmt.Errorf("op=generate_image: %w", err)
	}
	return img, nil
}

// GetVideo loads one of the caller's videos.
func (s *VideoService) GetVideo(ctx domain.Context, userID, videoID string) (domain.Video, error) {
	v, err := s.videos.GetForUser(ctx, videoID, userID)
	if err != nil {
		return domain.Video{}, fmt.Errorf("op=get_video: %w", err)
	}
	return v, nil
}

// ListVideos pages through the caller's videos, newest first.
func (s *VideoService) ListVideos(ctx domain.Context, userID string, offset, limit int) ([]domain.Video, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	vs, err := s.videos.ListByUser(ctx, userID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("op=list_videos: %w", err)
	}
	return vs, nil
}

// Stats summarizes queue health for the admin dashboard.
type Stats struct {
	Pending                  int64   `json:"pending"`
	Queued                   int64   `json:"queued"`
	Completed                int64   `json:"completed"`
	Failed                   int64   `json:"failed"`
	AverageCompletionSeconds float64 `json:"average_completion_seconds"`
}

// QueueStats collects per-status counts and the mean completion latency.
func (s *VideoService) QueueStats(ctx domain.Context) (Stats, error) {
	var out Stats
	for _, c := range []struct {
		status domain.VideoStatus
		dst    *int64
	}{
		{domain.VideoPending, &out.Pending},
		{domain.VideoQueued, &out.Queued},
		{domain.VideoCompleted, &out.Completed},
		{domain.VideoFailed, &out.Failed},
	} {
		n, err := s.videos.CountByStatus(ctx, c.status)
		if err != nil {
			return Stats{}, fmt.Errorf("op=queue_stats: %w", err)
		}
		*c.dst = n
	}
	avg, err := s.videos.AverageCompletionSeconds(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("op=queue_stats: %w", err)
	}
	out.AverageCompletionSeconds = avg
	return out, nil
}
