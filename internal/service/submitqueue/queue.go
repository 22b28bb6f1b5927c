// Package submitqueue paces upstream video submissions: jobs drain in
// batches sized by the shared rotation settings, each batch fanning out over
// a bounded number of concurrent submitters.
package submitqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reelforge/reelforge/internal/adapter/observability"
	"github.com/reelforge/reelforge/internal/domain"
)

// SettingsSource exposes the shared rotation settings that pace the queue.
type SettingsSource interface {
	Settings(ctx domain.Context) (domain.TokenSettings, error)
}

// Options tune the queue.
type Options struct {
	MaxConcurrent  int
	MaxRetries     int
	RetryDelay     time.Duration
	FallbackAPIKey string
}

// DefaultOptions matches production pacing: 8 concurrent submitters, 2
// retries, 10 seconds between attempts.
func DefaultOptions() Options {
	return Options{MaxConcurrent: 8, MaxRetries: 2, RetryDelay: 10 * time.Second}
}

type item struct {
	job     domain.QueuedVideo
	retries int
}

// Queue is the in-memory FIFO submission queue. A single processor goroutine
// drains it; Enqueue starts one if none is running.
type Queue struct {
	videos   domain.VideoRepository
	tokens   domain.TokenDispenser
	gen      domain.VideoGenerator
	poller   domain.StatusPoller
	settings SettingsSource
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	items         []item
	processing    bool
	delayOverride *int
}

// New constructs a Queue. Close must be called on shutdown.
func New(videos domain.VideoRepository, tokens domain.TokenDispenser, gen domain.VideoGenerator, poller domain.StatusPoller, settings SettingsSource, opts Options) *Queue {
	if opts.MaxConcurrent <= 0 {
		opts = DefaultOptions()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		videos:   videos,
		tokens:   tokens,
		gen:      gen,
		poller:   poller,
		settings: settings,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Enqueue appends jobs and wakes the processor. delaySecondsOverride, when
// non-nil, replaces the configured inter-batch delay for the queue until the
// next override.
func (q *Queue) Enqueue(jobs []domain.QueuedVideo, delaySecondsOverride *int) {
	q.mu.Lock()
	for _, j := range jobs {
		q.items = append(q.items, item{job: j})
	}
	if delaySecondsOverride != nil {
		q.delayOverride = delaySecondsOverride
	}
	observability.SubmissionQueueDepth.Set(float64(len(q.items)))
	start := !q.processing && len(q.items) > 0
	if start {
		q.processing = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	if start {
		go q.process()
	}
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the processor and waits for in-flight submissions.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) process() {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	for {
		if q.ctx.Err() != nil {
			return
		}
		batchSize, delay := q.pacing()
		batch := q.take(batchSize)
		if len(batch) == 0 {
			return
		}
		q.submitBatch(batch)

		q.mu.Lock()
		remaining := len(q.items)
		q.mu.Unlock()
		if remaining == 0 {
			return
		}
		select {
		case <-q.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// pacing reads the shared settings once per batch so admin changes apply
// between batches without a restart.
func (q *Queue) pacing() (int, time.Duration) {
	batchSize := 5
	delaySeconds := 60
	if s, err := q.settings.Settings(q.ctx); err == nil {
		if s.VideosPerBatch > 0 {
			batchSize = s.VideosPerBatch
		}
		if s.BatchDelaySeconds > 0 {
			delaySeconds = s.BatchDelaySeconds
		}
	} else {
		slog.Warn("submission queue falling back to default pacing", slog.Any("error", err))
	}
	q.mu.Lock()
	if q.delayOverride != nil {
		delaySeconds = *q.delayOverride
	}
	q.mu.Unlock()
	return batchSize, time.Duration(delaySeconds) * time.Second
}

func (q *Queue) take(n int) []item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := make([]item, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	observability.SubmissionQueueDepth.Set(float64(len(q.items)))
	return batch
}

// submitBatch fans the batch out in chunks so no more than MaxConcurrent
// submissions are in flight at once.
func (q *Queue) submitBatch(batch []item) {
	for start := 0; start < len(batch); start += q.opts.MaxConcurrent {
		end := start + q.opts.MaxConcurrent
		if end > len(batch) {
			end = len(batch)
		}
		g, ctx := errgroup.WithContext(q.ctx)
		for _, it := range batch[start:end] {
			it := it
			g.Go(func() error {
				q.submitOne(ctx, it)
				return nil
			})
		}
		_ = g.Wait()
	}
}

func (q *Queue) submitOne(ctx context.Context, it item) {
	apiKey := ""
	tokenID := ""
	tok, err := q.tokens.DispenseBatch(ctx)
	switch {
	case err == nil:
		apiKey, tokenID = tok.Value, tok.ID
	case errors.Is(err, domain.ErrNoTokensAvailable) && q.opts.FallbackAPIKey != "":
		slog.Warn("token pool exhausted, using fallback key", slog.String("video_id", it.job.VideoID))
		apiKey = q.opts.FallbackAPIKey
	default:
		q.handleFailure(it, fmt.Errorf("op=submitqueue.dispense: %w", err))
		return
	}

	sceneID := fmt.Sprintf("bulk-%s-%d", it.job.VideoID, time.Now().UnixMilli())
	res, err := q.gen.SubmitText(ctx, apiKey, domain.SubmitRequest{
		Prompt:      it.job.Prompt,
		AspectRatio: it.job.AspectRatio,
		SceneID:     sceneID,
	})
	if err != nil {
		if tokenID != "" {
			q.tokens.RecordError(tokenID)
		}
		q.handleFailure(it, err)
		return
	}

	upd := domain.VideoUpdate{
		OperationName: &res.OperationName,
		SceneID:       &res.SceneID,
	}
	if tokenID != "" {
		upd.TokenUsed = &tokenID
	}
	if err := q.videos.Update(ctx, it.job.VideoID, upd); err != nil {
		slog.Error("failed to persist operation handle", slog.String("video_id", it.job.VideoID), slog.Any("error", err))
	}
	observability.VideosSubmittedTotal.WithLabelValues("bulk", "ok").Inc()

	q.poller.EnqueueStatusCheck(domain.PollJob{
		VideoID:       it.job.VideoID,
		OperationName: res.OperationName,
		SceneID:       res.SceneID,
		Prompt:        it.job.Prompt,
		AspectRatio:   it.job.AspectRatio,
		APIKey:        apiKey,
		TokenID:       tokenID,
	})
}

// handleFailure retries transiently up to MaxRetries with a delayed
// re-enqueue, then marks the row failed. The attempt budget lives on the
// row's retry_count so a restart cannot grant a fresh set of retries.
func (q *Queue) handleFailure(it item, cause error) {
	observability.VideosSubmittedTotal.WithLabelValues("bulk", "error").Inc()

	retries := it.retries
	if v, err := q.videos.Get(q.ctx, it.job.VideoID); err == nil {
		retries = v.RetryCount
	}

	if retries < q.opts.MaxRetries {
		retries++
		it.retries = retries
		msg := fmt.Sprintf("%s (Retry %d/%d)", cause.Error(), retries, q.opts.MaxRetries)
		if err := q.videos.Update(q.ctx, it.job.VideoID, domain.VideoUpdate{RetryCount: &retries, ErrorMessage: &msg}); err != nil {
			slog.Warn("failed to record retry attempt", slog.String("video_id", it.job.VideoID), slog.Any("error", err))
		}
		slog.Info("submission retry scheduled",
			slog.String("video_id", it.job.VideoID),
			slog.Int("attempt", it.retries),
			slog.Duration("delay", q.opts.RetryDelay))
		retry := it
		time.AfterFunc(q.opts.RetryDelay, func() {
			if q.ctx.Err() != nil {
				return
			}
			q.requeue(retry)
		})
		return
	}

	failed := domain.VideoFailed
	msg := cause.Error()
	if err := q.videos.Update(q.ctx, it.job.VideoID, domain.VideoUpdate{Status: &failed, ErrorMessage: &msg}); err != nil {
		slog.Error("failed to mark video failed", slog.String("video_id", it.job.VideoID), slog.Any("error", err))
	}
	observability.VideosFailedTotal.WithLabelValues("submit").Inc()
}

func (q *Queue) requeue(it item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	observability.SubmissionQueueDepth.Set(float64(len(q.items)))
	start := !q.processing
	if start {
		q.processing = true
		q.wg.Add(1)
	}
	q.mu.Unlock()
	if start {
		go q.process()
	}
}
