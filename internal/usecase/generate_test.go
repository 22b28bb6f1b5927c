package usecase

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/domain"
)

type mockUsers struct {
	mock.Mock
	domain.UserRepository
}

func (m *mockUsers) Get(_ domain.Context, id string) (domain.User, error) {
	args := m.Called(id)
	return args.Get(0).(domain.User), args.Error(1)
}

func (m *mockUsers) IncrementDailyCount(_ domain.Context, id string, n int) error {
	args := m.Called(id, n)
	return args.Error(0)
}

type mockVideos struct {
	mock.Mock
	domain.VideoRepository
}

func (m *mockVideos) Create(_ domain.Context, v domain.Video) (string, error) {
	args := m.Called(v)
	return args.String(0), args.Error(1)
}

func (m *mockVideos) Update(_ domain.Context, id string, upd domain.VideoUpdate) error {
	args := m.Called(id, upd)
	return args.Error(0)
}

func (m *mockVideos) GetForUser(_ domain.Context, id, userID string) (domain.Video, error) {
	args := m.Called(id, userID)
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

func (m *mockDispenser) NextRotationToken(_ domain.Context) (domain.Token, error) {
	args := m.Called()
	return args.Get(0).(domain.Token), args.Error(1)
}

func (m *mockDispenser) RecordError(tokenID string) { m.Called(tokenID) }

func (m *mockDispenser) InCooldown(tokenID string) bool {
	return m.Called(tokenID).Bool(0)
}

type mockTokenRepo struct {
	mock.Mock
	domain.TokenRepository
}

func (m *mockTokenRepo) GetActive(_ domain.Context) ([]domain.Token, error) {
	args := m.Called()
	return args.Get(0).([]domain.Token), args.Error(1)
}

type mockGen struct {
	mock.Mock
	domain.VideoGenerator
}

func (m *mockGen) SubmitText(_ domain.Context, apiKey string, req domain.SubmitRequest) (domain.SubmitResult, error) {
	args := m.Called(apiKey, req)
	return args.Get(0).(domain.SubmitResult), args.Error(1)
}

func (m *mockGen) SubmitImage(_ domain.Context, apiKey string, req domain.SubmitRequest) (domain.SubmitResult, error) {
	args := m.Called(apiKey, req)
	return args.Get(0).(domain.SubmitResult), args.Error(1)
}

func (m *mockGen) UploadImage(_ domain.Context, apiKey string, data []byte, mimeType string) (string, error) {
	args := m.Called(apiKey, data, mimeType)
	return args.String(0), args.Error(1)
}

func (m *mockGen) CheckStatus(_ domain.Context, apiKey, operationName, sceneID string) (domain.OperationStatus, error) {
	args := m.Called(apiKey, operationName, sceneID)
	return args.Get(0).(domain.OperationStatus), args.Error(1)
}

func (m *mockGen) GenerateImage(_ domain.Context, apiKey, prompt string) (string, error) {
	args := m.Called(apiKey, prompt)
	return args.String(0), args.Error(1)
}

type mockQueue struct{ mock.Mock }

func (m *mockQueue) Enqueue(jobs []domain.QueuedVideo, delay *int) { m.Called(jobs, delay) }

type mockPoller struct{ mock.Mock }

func (m *mockPoller) EnqueueStatusCheck(job domain.PollJob) { m.Called(job) }

type mockUploads struct{ mock.Mock }

func (m *mockUploads) UploadOnce(_ domain.Context, sceneID, upstreamURL string) (string, error) {
	args := m.Called(sceneID, upstreamURL)
	return args.String(0), args.Error(1)
}

type fixture struct {
	users     *mockUsers
	videos    *mockVideos
	dispenser *mockDispenser
	tokenRepo *mockTokenRepo
	gen       *mockGen
	queue     *mockQueue
	poller    *mockPoller
	uploads   *mockUploads
	svc       *VideoService
}

func newFixture() *fixture {
	f := &fixture{
		users:     &mockUsers{},
		videos:    &mockVideos{},
		dispenser: &mockDispenser{},
		tokenRepo: &mockTokenRepo{},
		gen:       &mockGen{},
		queue:     &mockQueue{},
		poller:    &mockPoller{},
		uploads:   &mockUploads{},
	}
	cfg := config.Config{
		MinPromptChars: 10,
		MaxPromptChars: 2000,
		MaxBulkPrompts: 100,
		MaxImageMB:     10,
	}
	f.svc = NewVideoService(cfg, f.users, f.videos, f.dispenser, f.tokenRepo, f.gen, f.queue, f.poller, f.uploads, planService())
	return f
}

const validPrompt = "a red fox running through snow at dawn"

func TestSubmitBulk_Success(t *testing.T) {
	f := newFixture()
	f.users.On("Get", "u1").Return(scaleUser(), nil)
	f.videos.On("Create", mock.MatchedBy(func(v domain.Video) bool {
		return v.Status == domain.VideoPending && v.UserID == "u1"
	})).Return("vid-1", nil).Once()
	f.videos.On("Create", mock.Anything).Return("vid-2", nil).Once()
	f.users.On("IncrementDailyCount", "u1", 2).Return(nil)
	f.videos.On("Update", mock.Anything, mock.MatchedBy(func(upd domain.VideoUpdate) bool {
		return upd.Status != nil && *upd.Status == domain.VideoQueued
	})).Return(nil)
	f.queue.On("Enqueue", mock.MatchedBy(func(jobs []domain.QueuedVideo) bool {
		return len(jobs) == 2 && jobs[0].SceneNumber == 1 && jobs[1].SceneNumber == 2
	}), mock.MatchedBy(func(delay *int) bool {
		// Scale tier forces its own inter-batch delay.
		return delay != nil && *delay == 30
	})).Return()

	ids, err := f.svc.SubmitBulk(context.Background(), "u1", []string{validPrompt, validPrompt + " again"}, domain.AspectLandscape)
	require.NoError(t, err)
	assert.Equal(t, []string{"vid-1", "vid-2"}, ids)
	f.queue.AssertExpectations(t)
}

func TestSubmitBulk_Validation(t *testing.T) {
	f := newFixture()

	_, err := f.svc.SubmitBulk(context.Background(), "u1", nil, domain.AspectLandscape)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.svc.SubmitBulk(context.Background(), "u1", []string{"short"}, domain.AspectLandscape)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	many := make([]string, 101)
	for i := range many {
		many[i] = validPrompt
	}
	_, err = f.svc.SubmitBulk(context.Background(), "u1", many, domain.AspectLandscape)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSubmitBulk_PlanDenied(t *testing.T) {
	f := newFixture()
	f.users.On("Get", "u1").Return(domain.User{ID: "u1", Role: domain.RoleUser, Plan: domain.TierFree}, nil)

	_, err := f.svc.SubmitBulk(context.Background(), "u1", []string{validPrompt}, domain.AspectLandscape)
	assert.ErrorIs(t, err, domain.ErrPlanDenied)
	f.videos.AssertNotCalled(t, "Create", mock.Anything)
}

func TestSubmitSingle_ReturnsUpstreamHandle(t *testing.T) {
	f := newFixture()
	f.users.On("Get", "u1").Return(scaleUser(), nil)
	f.dispenser.On("DispenseBatch").Return(domain.Token{ID: "tok-1", Value: "key-1"}, nil)
	f.videos.On("Create", mock.MatchedBy(func(v domain.Video) bool {
		return v.Status == domain.VideoQueued
	})).Return("vid-1", nil)
	f.gen.On("SubmitText", "key-1", mock.MatchedBy(func(req domain.SubmitRequest) bool {
		return strings.HasPrefix(req.SceneID, "bulk-vid-1-") && req.AspectRatio == domain.AspectPortrait
	})).Return(domain.SubmitResult{OperationName: "ops/1", SceneID: "scene-1"}, nil)
	f.videos.On("Update", "vid-1", mock.MatchedBy(func(upd domain.VideoUpdate) bool {
		return upd.OperationName != nil && *upd.OperationName == "ops/1" &&
			upd.TokenUsed != nil && *upd.TokenUsed == "tok-1"
	})).Return(nil)
	f.users.On("IncrementDailyCount", "u1", 1).Return(nil)
	f.poller.On("EnqueueStatusCheck", mock.MatchedBy(func(job domain.PollJob) bool {
		return job.VideoID == "vid-1" && job.OperationName == "ops/1" && job.TokenID == "tok-1"
	})).Return()

	sub, err := f.svc.SubmitSingle(context.Background(), "u1", validPrompt, domain.AspectPortrait)
	require.NoError(t, err)
	assert.Equal(t, "vid-1", sub.VideoID)
	assert.Equal(t, "ops/1", sub.OperationName)
	assert.Equal(t, "scene-1", sub.SceneID)
	assert.Equal(t, "tok-1", sub.TokenID)
	// The single path submits inline; the paced queue is bulk-only.
	f.queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
	f.poller.AssertExpectations(t)
}

func TestSubmitSingle_UpstreamFailureMarksRowFailed(t *testing.T) {
	f := newFixture()
	f.users.On("Get", "u1").Return(scaleUser(), nil)
	f.dispenser.On("DispenseBatch").Return(domain.Token{ID: "tok-1", Value: "key-1"}, nil)
	f.videos.On("Create", mock.Anything).Return("vid-1", nil)
	f.gen.On("SubmitText", "key-1", mock.Anything).Return(domain.SubmitResult{}, domain.ErrUpstreamTransient)
	f.dispenser.On("RecordError", "tok-1").Return()
	f.videos.On("Update", "vid-1", mock.MatchedBy(func(upd domain.VideoUpdate) bool {
		return upd.Status != nil && *upd.Status == domain.VideoFailed
	})).Return(nil)

	_, err := f.svc.SubmitSingle(context.Background(), "u1", validPrompt, domain.AspectLandscape)
	assert.ErrorIs(t, err, domain.ErrUpstreamTransient)
	f.dispenser.AssertCalled(t, "RecordError", "tok-1")
	f.poller.AssertNotCalled(t, "EnqueueStatusCheck", mock.Anything)
}

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}

func TestSubmitImageToVideo_Success(t *testing.T) {
	f := newFixture()
	empire := scaleUser()
	empire.Plan = domain.TierEmpire
	f.users.On("Get", "u1").Return(empire, nil)
	f.dispenser.On("DispenseBatch").Return(domain.Token{ID: "tok-1", Value: "key-1"}, nil)
	f.gen.On("UploadImage", "key-1", mock.Anything, "image/png").Return("media-1", nil)
	f.videos.On("Create", mock.Anything).Return("vid-1", nil)
	f.gen.On("SubmitImage", "key-1", mock.MatchedBy(func(req domain.SubmitRequest) bool {
		return req.ImageMediaID == "media-1"
	})).Return(domain.SubmitResult{OperationName: "ops/1", SceneID: "s1"}, nil)
	f.videos.On("Update", "vid-1", mock.Anything).Return(nil)
	f.users.On("IncrementDailyCount", "u1", 1).Return(nil)
	f.poller.On("EnqueueStatusCheck", mock.MatchedBy(func(job domain.PollJob) bool {
		return job.VideoID == "vid-1" && job.OperationName == "ops/1"
	})).Return()

	id, err := f.svc.SubmitImageToVideo(context.Background(), "u1", validPrompt, domain.AspectLandscape, pngHeader)
	require.NoError(t, err)
	assert.Equal(t, "vid-1", id)
	f.poller.AssertExpectations(t)
}

func TestSubmitImageToVideo_RejectsNonImage(t *testing.T) {
	f := newFixture()
	_, err := f.svc.SubmitImageToVideo(context.Background(), "u1", validPrompt, domain.AspectLandscape, []byte("plain text payload"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	f.users.AssertNotCalled(t, "Get", mock.Anything)
}

func TestSubmitImageToVideo_PlanDenied(t *testing.T) {
	f := newFixture()
	f.users.On("Get", "u1").Return(scaleUser(), nil)

	_, err := f.svc.SubmitImageToVideo(context.Background(), "u1", validPrompt, domain.AspectLandscape, pngHeader)
	assert.ErrorIs(t, err, domain.ErrPlanDenied)
}

func TestRegenerate_OnlyFailedRows(t *testing.T) {
	f := newFixture()
	f.videos.On("GetForUser", "vid-1", "u1").Return(domain.Video{ID: "vid-1", Status: domain.VideoCompleted}, nil)

	_, err := f.svc.Regenerate(context.Background(), "u1", "vid-1")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestRegenerate_PinsSceneSlot(t *testing.T) {
	f := newFixture()
	failed := domain.Video{
		ID:          "vid-1",
		UserID:      "u1",
		Prompt:      validPrompt,
		AspectRatio: domain.AspectLandscape,
		Status:      domain.VideoFailed,
		Metadata:    map[string]any{"sceneNumber": float64(3)},
	}
	f.videos.On("GetForUser", "vid-1", "u1").Return(failed, nil)
	f.users.On("Get", "u1").Return(scaleUser(), nil)
	active := []domain.Token{
		{ID: "tok-a", Value: "key-a"},
		{ID: "tok-b", Value: "key-b"},
	}
	f.tokenRepo.On("GetActive").Return(active, nil)
	// Scene 3 over 2 active tokens lands back on slot 0.
	f.dispenser.On("InCooldown", "tok-a").Return(false)
	f.videos.On("Create", mock.MatchedBy(func(v domain.Video) bool {
		return v.Prompt == validPrompt && v.Metadata["regeneratedFrom"] == "vid-1"
	})).Return("vid-2", nil)
	f.gen.On("SubmitText", "key-a", mock.Anything).Return(domain.SubmitResult{OperationName: "ops/2", SceneID: "s2"}, nil)
	f.videos.On("Update", "vid-2", mock.Anything).Return(nil)
	f.users.On("IncrementDailyCount", "u1", 1).Return(nil)
	f.poller.On("EnqueueStatusCheck", mock.Anything).Return()

	id, err := f.svc.Regenerate(context.Background(), "u1", "vid-1")
	require.NoError(t, err)
	assert.Equal(t, "vid-2", id)
	f.gen.AssertExpectations(t)
}

func TestCheckStatus_TerminalRowsReturnedAsIs(t *testing.T) {
	f := newFixture()
	url := "https://media/v.mp4"
	done := domain.Video{ID: "vid-1", Status: domain.VideoCompleted, VideoURL: &url}
	f.videos.On("GetForUser", "vid-1", "u1").Return(done, nil)

	v, err := f.svc.CheckStatus(context.Background(), "u1", "vid-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VideoCompleted, v.Status)
	f.gen.AssertNotCalled(t, "CheckStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckStatus_CompletesThroughSharedUploadPath(t *testing.T) {
	f := newFixture()
	op, scene, tok := "ops/1", "scene-1", "tok-1"
	inflight := domain.Video{
		ID: "vid-1", UserID: "u1", Status: domain.VideoQueued,
		OperationName: &op, SceneID: &scene, TokenUsed: &tok,
	}
	f.videos.On("GetForUser", "vid-1", "u1").Return(inflight, nil).Once()
	f.tokenRepo.On("GetActive").Return([]domain.Token{{ID: "tok-1", Value: "key-1"}}, nil)
	f.gen.On("CheckStatus", "key-1", "ops/1", "scene-1").
		Return(domain.OperationStatus{Status: "COMPLETED", VideoURL: "https://upstream/v.mp4"}, nil)
	f.uploads.On("UploadOnce", "scene-1", "https://upstream/v.mp4").Return("https://media/v.mp4", nil)
	f.videos.On("Update", "vid-1", mock.MatchedBy(func(upd domain.VideoUpdate) bool {
		return upd.Status != nil && *upd.Status == domain.VideoCompleted &&
			upd.VideoURL != nil && *upd.VideoURL == "https://media/v.mp4"
	})).Return(nil)
	completedURL := "https://media/v.mp4"
	f.videos.On("GetForUser", "vid-1", "u1").
		Return(domain.Video{ID: "vid-1", Status: domain.VideoCompleted, VideoURL: &completedURL}, nil)

	v, err := f.svc.CheckStatus(context.Background(), "u1", "vid-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VideoCompleted, v.Status)
	f.uploads.AssertExpectations(t)
}

func TestCheckStatus_UploadFailureFailsJob(t *testing.T) {
	f := newFixture()
	op, scene, tok := "ops/1", "scene-1", "tok-1"
	inflight := domain.Video{
		ID: "vid-1", UserID: "u1", Status: domain.VideoQueued,
		OperationName: &op, SceneID: &scene, TokenUsed: &tok,
	}
	f.videos.On("GetForUser", "vid-1", "u1").Return(inflight, nil).Once()
	f.tokenRepo.On("GetActive").Return([]domain.Token{{ID: "tok-1", Value: "key-1"}}, nil)
	f.gen.On("CheckStatus", "key-1", "ops/1", "scene-1").
		Return(domain.OperationStatus{Status: "COMPLETED", VideoURL: "https://upstream/v.mp4"}, nil)
	f.uploads.On("UploadOnce", "scene-1", "https://upstream/v.mp4").Return("", domain.ErrUpstreamTransient)
	f.videos.On("Update", "vid-1", mock.MatchedBy(func(upd domain.VideoUpdate) bool {
		return upd.Status != nil && *upd.Status == domain.VideoFailed &&
			upd.ErrorMessage != nil && strings.Contains(*upd.ErrorMessage, "Media upload failed") &&
			upd.VideoURL == nil
	})).Return(nil)
	f.videos.On("GetForUser", "vid-1", "u1").
		Return(domain.Video{ID: "vid-1", Status: domain.VideoFailed}, nil)

	v, err := f.svc.CheckStatus(context.Background(), "u1", "vid-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VideoFailed, v.Status)
	f.videos.AssertExpectations(t)
}

func TestGenerateImage_RecordsTokenError(t *testing.T) {
	f := newFixture()
	empire := scaleUser()
	empire.Plan = domain.TierEmpire
	f.users.On("Get", "u1").Return(empire, nil)
	f.dispenser.On("DispenseBatch").Return(domain.Token{ID: "tok-1", Value: "key-1"}, nil)
	f.gen.On("GenerateImage", "key-1", validPrompt).Return("", domain.ErrUpstreamTransient)
	f.dispenser.On("RecordError", "tok-1").Return()

	_, err := f.svc.GenerateImage(context.Background(), "u1", validPrompt)
	require.Error(t, err)
	f.dispenser.AssertCalled(t, "RecordError", "tok-1")
}

func TestTokenAdminRedaction(t *testing.T) {
	assert.Equal(t, "****", redact("short"))
	assert.Equal(t, "AIza...wxyz", redact("AIzaSyA_long_secret_value_wxyz"))
}
