// Package poller drives in-flight generation operations to a terminal state.
// A bounded worker pool polls the upstream, re-hosts finished artifacts, and
// persists the outcome exactly once per job.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/reelforge/reelforge/internal/adapter/observability"
	"github.com/reelforge/reelforge/internal/domain"
)

const maxBackoff = 120 * time.Second

// Options tune the coordinator.
type Options struct {
	MaxWorkers        int64
	PollInterval      time.Duration
	InitialDelay      time.Duration
	MaxAttempts       int
	TokenRetryAttempt int
	Heartbeat         time.Duration
}

// DefaultOptions matches production polling: 20 workers, 15 second cadence,
// 240 attempts (one hour), token switch on attempt 8, 60 second heartbeat.
func DefaultOptions() Options {
	return Options{
		MaxWorkers:        20,
		PollInterval:      15 * time.Second,
		InitialDelay:      15 * time.Second,
		MaxAttempts:       240,
		TokenRetryAttempt: 8,
		Heartbeat:         60 * time.Second,
	}
}

// Coordinator owns the polling worker pool. Jobs beyond the worker cap wait
// in an unbounded pending list; a finishing worker pulls the next one.
type Coordinator struct {
	videos domain.VideoRepository
	gen    domain.VideoGenerator
	media  domain.MediaStore
	tokens domain.TokenDispenser
	opts   Options

	sem     *semaphore.Weighted
	uploads singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending []domain.PollJob
}

// New constructs a Coordinator. Close must be called on shutdown.
func New(videos domain.VideoRepository, gen domain.VideoGenerator, media domain.MediaStore, tokens domain.TokenDispenser, opts Options) *Coordinator {
	if opts.MaxWorkers <= 0 {
		opts = DefaultOptions()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		videos: videos,
		gen:    gen,
		media:  media,
		tokens: tokens,
		opts:   opts,
		sem:    semaphore.NewWeighted(opts.MaxWorkers),
		ctx:    ctx,
		cancel: cancel,
	}
}

// EnqueueStatusCheck registers an in-flight operation for polling.
func (c *Coordinator) EnqueueStatusCheck(job domain.PollJob) {
	c.mu.Lock()
	c.pending = append(c.pending, job)
	c.mu.Unlock()
	c.dispatch()
}

// Pending returns the number of jobs waiting for a worker.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close stops all workers and waits for them to exit.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) dispatch() {
	for {
		if c.ctx.Err() != nil {
			return
		}
		if !c.sem.TryAcquire(1) {
			return
		}
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			c.sem.Release(1)
			return
		}
		job := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()

		c.wg.Add(1)
		observability.PollingWorkers.Inc()
		go func(job domain.PollJob) {
			defer func() {
				observability.PollingWorkers.Dec()
				c.sem.Release(1)
				c.wg.Done()
				c.dispatch()
			}()
			c.poll(job)
		}(job)
	}
}

func (c *Coordinator) poll(job domain.PollJob) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("polling worker panic", slog.String("video_id", job.VideoID), slog.Any("panic", r))
			c.markFailed(job.VideoID, "internal polling failure", "internal")
		}
	}()

	if !c.sleep(c.opts.InitialDelay) {
		return
	}

	start := time.Now()
	lastTouch := start
	consecutiveFailures := 0
	tokenSwitched := false

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		st, err := c.gen.CheckStatus(c.ctx, job.APIKey, job.OperationName, job.SceneID)
		switch {
		case err != nil:
			observability.PollAttemptsTotal.WithLabelValues("error").Inc()
			if errors.Is(err, domain.ErrUpstreamTransient) {
				consecutiveFailures++
				if job.TokenID != "" {
					c.tokens.RecordError(job.TokenID)
				}
			} else {
				// A definitive upstream answer, even a rejection, means the
				// wire is healthy; only 5xx and network failures grow the
				// backoff.
				consecutiveFailures = 0
			}
			slog.Warn("status check failed",
				slog.String("video_id", job.VideoID),
				slog.Int("attempt", attempt),
				slog.Int("consecutive_failures", consecutiveFailures),
				slog.Any("error", err))
		default:
			consecutiveFailures = 0
			observability.PollAttemptsTotal.WithLabelValues("ok").Inc()
			if st.Completed() && st.VideoURL != "" {
				c.finish(job, st.VideoURL)
				return
			}
			if st.ErrorMessage != "" {
				c.markFailed(job.VideoID, st.ErrorMessage, "upstream")
				return
			}
		}

		// One-time token switch: a generation stuck past this attempt is
		// usually pinned to an unhealthy credential, so resubmit on a fresh
		// one and poll the new operation instead.
		if attempt == c.opts.TokenRetryAttempt && !tokenSwitched {
			tokenSwitched = true
			if next, ok := c.switchToken(&job); ok {
				job = next
			}
		}

		if time.Since(lastTouch) >= c.opts.Heartbeat {
			if err := c.videos.Touch(c.ctx, job.VideoID); err != nil {
				slog.Warn("heartbeat touch failed", slog.String("video_id", job.VideoID), slog.Any("error", err))
			}
			lastTouch = time.Now()
		}

		if !c.sleep(c.backoff(consecutiveFailures)) {
			return
		}
	}

	elapsed := int(time.Since(start).Seconds())
	msg := fmt.Sprintf("Video generation timed out after %d seconds (%d attempts)", elapsed, c.opts.MaxAttempts)
	c.markFailed(job.VideoID, msg, "timeout")
}

// switchToken resubmits the prompt on the least-recently-used healthy token
// and returns the updated job. The old operation is abandoned and the stuck
// credential takes an error strike.
func (c *Coordinator) switchToken(job *domain.PollJob) (domain.PollJob, bool) {
	if job.TokenID != "" {
		c.tokens.RecordError(job.TokenID)
	}
	tok, err := c.tokens.NextRotationToken(c.ctx)
	if err != nil {
		slog.Warn("token switch skipped, no rotation token", slog.String("video_id", job.VideoID), slog.Any("error", err))
		return domain.PollJob{}, false
	}
	if tok.ID == job.TokenID {
		return domain.PollJob{}, false
	}

	sceneID := fmt.Sprintf("bulk-%s-%d", job.VideoID, time.Now().UnixMilli())
	res, err := c.gen.SubmitText(c.ctx, tok.Value, domain.SubmitRequest{
		Prompt:      job.Prompt,
		AspectRatio: job.AspectRatio,
		SceneID:     sceneID,
	})
	if err != nil {
		slog.Warn("token switch resubmit failed", slog.String("video_id", job.VideoID), slog.Any("error", err))
		if errors.Is(err, domain.ErrUpstreamTransient) {
			c.tokens.RecordError(tok.ID)
		}
		return domain.PollJob{}, false
	}

	upd := domain.VideoUpdate{
		OperationName: &res.OperationName,
		SceneID:       &res.SceneID,
		TokenUsed:     &tok.ID,
	}
	if err := c.videos.Update(c.ctx, job.VideoID, upd); err != nil {
		slog.Warn("failed to persist switched operation", slog.String("video_id", job.VideoID), slog.Any("error", err))
	}
	slog.Info("switched generation to a fresh token",
		slog.String("video_id", job.VideoID),
		slog.String("token_id", tok.ID))

	next := *job
	next.OperationName = res.OperationName
	next.SceneID = res.SceneID
	next.APIKey = tok.Value
	next.TokenID = tok.ID
	return next, true
}

func (c *Coordinator) finish(job domain.PollJob, upstreamURL string) {
	hosted, err := c.UploadOnce(c.ctx, job.SceneID, upstreamURL)
	if err != nil {
		slog.Error("artifact re-host failed",
			slog.String("video_id", job.VideoID), slog.Any("error", err))
		c.markFailed(job.VideoID, fmt.Sprintf("Media upload failed: %v", err), "upload")
		return
	}
	completed := domain.VideoCompleted
	if err := c.videos.Update(c.ctx, job.VideoID, domain.VideoUpdate{Status: &completed, VideoURL: &hosted}); err != nil {
		slog.Error("failed to mark video completed", slog.String("video_id", job.VideoID), slog.Any("error", err))
		return
	}
	observability.VideosCompletedTotal.Inc()
	slog.Info("video completed", slog.String("video_id", job.VideoID))
}

// UploadOnce re-hosts the artifact at most once per scene id, collapsing the
// worker and any concurrent manual status check into one upload.
func (c *Coordinator) UploadOnce(ctx domain.Context, sceneID, upstreamURL string) (string, error) {
	v, err, _ := c.uploads.Do(sceneID, func() (any, error) {
		return c.media.UploadVideoFromURL(ctx, upstreamURL)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Coordinator) markFailed(videoID, message, cause string) {
	failed := domain.VideoFailed
	if err := c.videos.Update(c.ctx, videoID, domain.VideoUpdate{Status: &failed, ErrorMessage: &message}); err != nil {
		slog.Error("failed to mark video failed", slog.String("video_id", videoID), slog.Any("error", err))
		return
	}
	observability.VideosFailedTotal.WithLabelValues(cause).Inc()
	slog.Info("video failed", slog.String("video_id", videoID), slog.String("cause", cause))
}

// backoff returns the next poll delay: the flat interval while healthy,
// exponential with jitter while status checks keep failing.
func (c *Coordinator) backoff(consecutiveFailures int) time.Duration {
	if consecutiveFailures == 0 {
		return c.opts.PollInterval
	}
	d := c.opts.PollInterval
	for i := 1; i < consecutiveFailures; i++ {
		d *= 2
		if d >= maxBackoff {
			d = maxBackoff
			break
		}
	}
	jitter := time.Duration(rand.Int64N(int64(c.opts.PollInterval) / 3))
	if d+jitter > maxBackoff {
		return maxBackoff
	}
	return d + jitter
}

// sleep waits for d or until shutdown; it reports whether to keep going.
func (c *Coordinator) sleep(d time.Duration) bool {
	if d <= 0 {
		return c.ctx.Err() == nil
	}
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
