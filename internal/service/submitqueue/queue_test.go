package submitqueue

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/reelforge/internal/domain"
)

type mockVideos struct {
	mock.Mock
	domain.VideoRepository
}

func (m *mockVideos) Update(_ domain.Context, id string, upd domain.VideoUpdate) error {
	args := m.Called(id, upd)
	return args.Error(0)
}

func (m *mockVideos) Get(_ domain.Context, id string) (domain.Video, error) {
	args := m.Called(id)
	return args.Get(0).(domain.Video), args.Error(1)
}

type mockDispenser struct {
	mock.Mock
	domain.TokenDispenser
}

func (m *mockDispenser) DispenseBatch(_ domain.Context) (domain.Token, error) {
	args := m.Called()
	return args.Get(0).(domain.Token), args.Error(1)
}

func (m *mockDispenser) RecordError(tokenID string) { m.Called(tokenID) }

type mockGenerator struct {
	mock.Mock
	domain.VideoGenerator
}

func (m *mockGenerator) SubmitText(_ domain.Context, apiKey string, req domain.SubmitRequest) (domain.SubmitResult, error) {
	args := m.Called(apiKey, req)
	return args.Get(0).(domain.SubmitResult), args.Error(1)
}

type mockPoller struct {
	mock.Mock
}

func (m *mockPoller) EnqueueStatusCheck(job domain.PollJob) { m.Called(job) }

type fixedSettings struct{ s domain.TokenSettings }

func (f fixedSettings) Settings(domain.Context) (domain.TokenSettings, error) { return f.s, nil }

func fastOptions() Options {
	return Options{MaxConcurrent: 8, MaxRetries: 2, RetryDelay: 10 * time.Millisecond}
}

func TestQueue_SubmitsAndHandsOffToPoller(t *testing.T) {
	videos := &mockVideos{}
	tokens := &mockDispenser{}
	gen := &mockGenerator{}
	poller := &mockPoller{}

	tokens.On("DispenseBatch").Return(domain.Token{ID: "tok-1", Value: "key-1"}, nil)
	gen.On("SubmitText", "key-1", mock.MatchedBy(func(req domain.SubmitRequest) bool {
		return strings.HasPrefix(req.SceneID, "bulk-vid-1-") && req.Prompt == "a fox"
	})).Return(domain.SubmitResult{OperationName: "ops/1", SceneID: "scene-1"}, nil)
	videos.On("Update", "vid-1", mock.MatchedBy(func(upd domain.VideoUpdate) bool {
		return upd.OperationName != nil && *upd.OperationName == "ops/1" &&
			upd.TokenUsed != nil && *upd.TokenUsed == "tok-1"
	})).Return(nil)

	handed := make(chan domain.PollJob, 1)
	poller.On("EnqueueStatusCheck", mock.Anything).Run(func(args mock.Arguments) {
		handed <- args.Get(0).(domain.PollJob)
	}).Return()

	q := New(videos, tokens, gen, poller, fixedSettings{domain.TokenSettings{VideosPerBatch: 10, BatchDelaySeconds: 1}}, fastOptions())
	defer q.Close()

	q.Enqueue([]domain.QueuedVideo{{VideoID: "vid-1", UserID: "u1", Prompt: "a fox", AspectRatio: domain.AspectLandscape}}, nil)

	select {
	case job := <-handed:
		assert.Equal(t, "vid-1", job.VideoID)
		assert.Equal(t, "ops/1", job.OperationName)
		assert.Equal(t, "tok-1", job.TokenID)
		assert.Equal(t, "key-1", job.APIKey)
	case <-time.After(2 * time.Second):
		t.Fatal("poller never received the job")
	}
	videos.AssertExpectations(t)
	gen.AssertExpectations(t)
}

func TestQueue_FallsBackWhenPoolExhausted(t *testing.T) {
	videos := &mockVideos{}
	tokens := &mockDispenser{}
	gen := &mockGenerator{}
	poller := &mockPoller{}

	tokens.On("DispenseBatch").Return(domain.Token{}, domain.ErrNoTokensAvailable)
	gen.On("SubmitText", "fallback-key", mock.Anything).Return(domain.SubmitResult{OperationName: "ops/1", SceneID: "s"}, nil)
	videos.On("Update", "vid-1", mock.MatchedBy(func(upd domain.VideoUpdate) bool {
		return upd.TokenUsed == nil
	})).Return(nil)

	handed := make(chan struct{}, 1)
	poller.On("EnqueueStatusCheck", mock.MatchedBy(func(job domain.PollJob) bool {
		return job.TokenID == "" && job.APIKey == "fallback-key"
	})).Run(func(mock.Arguments) { handed <- struct{}{} }).Return()

	opts := fastOptions()
	opts.FallbackAPIKey = "fallback-key"
	q := New(videos, tokens, gen, poller, fixedSettings{domain.TokenSettings{VideosPerBatch: 5, BatchDelaySeconds: 1}}, opts)
	defer q.Close()

	q.Enqueue([]domain.QueuedVideo{{VideoID: "vid-1", Prompt: "p"}}, nil)

	select {
	case <-handed:
	case <-time.After(2 * time.Second):
		t.Fatal("fallback submission never completed")
	}
}

func TestQueue_RetriesThenSucceeds(t *testing.T) {
	videos := &mockVideos{}
	tokens := &mockDispenser{}
	gen := &mockGenerator{}
	poller := &mockPoller{}

	tokens.On("DispenseBatch").Return(domain.Token{ID: "tok-1", Value: "key-1"}, nil)
	tokens.On("RecordError", "tok-1").Return()

	gen.On("SubmitText", "key-1", mock.Anything).
		Return(domain.SubmitResult{}, domain.ErrUpstreamTransient).Once()
	gen.On("SubmitText", "key-1", mock.Anything).
		Return(domain.SubmitResult{OperationName: "ops/2", SceneID: "s2"}, nil).Once()

	videos.On("Get", "vid-1").Return(domain.Video{ID: "vid-1", RetryCount: 0}, nil)
	videos.On("Update", "vid-1", mock.MatchedBy(func(upd domain.VideoUpdate) bool {
		return upd.RetryCount != nil && *upd.RetryCount == 1 &&
			upd.ErrorMessage != nil && strings.Contains(*upd.ErrorMessage, "(Retry 1/2)")
	})).Return(nil).Once()
	videos.On("Update", "vid-1", mock.MatchedBy(func(upd domain.VideoUpdate) bool {
		return upd.OperationName != nil
	})).Return(nil).Once()

	handed := make(chan struct{}, 1)
	poller.On("EnqueueStatusCheck", mock.Anything).Run(func(mock.Arguments) { handed <- struct{}{} }).Return()

	q := New(videos, tokens, gen, poller, fixedSettings{domain.TokenSettings{VideosPerBatch: 5, BatchDelaySeconds: 1}}, fastOptions())
	defer q.Close()

	q.Enqueue([]domain.QueuedVideo{{VideoID: "vid-1", Prompt: "p"}}, nil)

	select {
	case <-handed:
	case <-time.After(3 * time.Second):
		t.Fatal("retry never succeeded")
	}
	gen.AssertExpectations(t)
	videos.AssertExpectations(t)
	tokens.AssertCalled(t, "RecordError", "tok-1")
}

func TestQueue_ExhaustedRetriesMarksFailed(t *testing.T) {
	videos := &mockVideos{}
	tokens := &mockDispenser{}
	gen := &mockGenerator{}
	poller := &mockPoller{}

	tokens.On("DispenseBatch").Return(domain.Token{ID: "tok-1", Value: "key-1"}, nil)
	tokens.On("RecordError", "tok-1").Return()
	gen.On("SubmitText", "key-1", mock.Anything).Return(domain.SubmitResult{}, errors.New("boom"))
	videos.On("Get", "vid-1").Return(domain.Video{ID: "vid-1"}, nil)

	failed := make(chan struct{}, 1)
	videos.On("Update", "vid-1", mock.MatchedBy(func(upd domain.VideoUpdate) bool {
		return upd.Status != nil && *upd.Status == domain.VideoFailed
	})).Run(func(mock.Arguments) { failed <- struct{}{} }).Return(nil)

	opts := fastOptions()
	opts.MaxRetries = 0
	q := New(videos, tokens, gen, poller, fixedSettings{domain.TokenSettings{VideosPerBatch: 5, BatchDelaySeconds: 1}}, opts)
	defer q.Close()

	q.Enqueue([]domain.QueuedVideo{{VideoID: "vid-1", Prompt: "p"}}, nil)

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("video never marked failed")
	}
	poller.AssertNotCalled(t, "EnqueueStatusCheck", mock.Anything)
}

func TestQueue_RetryBudgetPersistsOnRow(t *testing.T) {
	videos := &mockVideos{}
	tokens := &mockDispenser{}
	gen := &mockGenerator{}
	poller := &mockPoller{}

	tokens.On("DispenseBatch").Return(domain.Token{ID: "tok-1", Value: "key-1"}, nil)
	tokens.On("RecordError", "tok-1").Return()
	gen.On("SubmitText", "key-1", mock.Anything).Return(domain.SubmitResult{}, domain.ErrUpstreamTransient)

	// The row already carries an exhausted budget, e.g. after a restart
	// dropped the in-memory counter. No further retry may be granted.
	videos.On("Get", "vid-1").Return(domain.Video{ID: "vid-1", RetryCount: 2}, nil)

	failed := make(chan struct{}, 1)
	videos.On("Update", "vid-1", mock.MatchedBy(func(upd domain.VideoUpdate) bool {
		return upd.Status != nil && *upd.Status == domain.VideoFailed
	})).Run(func(mock.Arguments) { failed <- struct{}{} }).Return(nil)

	q := New(videos, tokens, gen, poller, fixedSettings{domain.TokenSettings{VideosPerBatch: 5, BatchDelaySeconds: 1}}, fastOptions())
	defer q.Close()

	q.Enqueue([]domain.QueuedVideo{{VideoID: "vid-1", Prompt: "p"}}, nil)

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("video never marked failed")
	}
	gen.AssertNumberOfCalls(t, "SubmitText", 1)
	poller.AssertNotCalled(t, "EnqueueStatusCheck", mock.Anything)
}

func TestQueue_DrainsInBatches(t *testing.T) {
	videos := &mockVideos{}
	tokens := &mockDispenser{}
	gen := &mockGenerator{}
	poller := &mockPoller{}

	tokens.On("DispenseBatch").Return(domain.Token{ID: "tok-1", Value: "key-1"}, nil)
	gen.On("SubmitText", "key-1", mock.Anything).Return(domain.SubmitResult{OperationName: "ops/x", SceneID: "s"}, nil)
	videos.On("Update", mock.Anything, mock.Anything).Return(nil)

	done := make(chan struct{}, 8)
	poller.On("EnqueueStatusCheck", mock.Anything).Run(func(mock.Arguments) { done <- struct{}{} }).Return()

	zero := 0
	q := New(videos, tokens, gen, poller, fixedSettings{domain.TokenSettings{VideosPerBatch: 2, BatchDelaySeconds: 30}}, fastOptions())
	defer q.Close()

	jobs := make([]domain.QueuedVideo, 4)
	for i := range jobs {
		jobs[i] = domain.QueuedVideo{VideoID: "vid", Prompt: "p"}
	}
	// Zero override collapses the inter-batch delay so all batches drain.
	q.Enqueue(jobs, &zero)

	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d of 4 jobs drained", i)
		}
	}
	require.Equal(t, 0, q.Len())
}
