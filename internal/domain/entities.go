// Package domain holds the core entities, error taxonomy, and ports of the
// bulk video generation orchestrator.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrPlanDenied        = errors.New("plan denied")
	ErrNoTokensAvailable = errors.New("no tokens available")
	ErrUpstreamTransient = errors.New("upstream transient failure")
	ErrUpstreamRejected  = errors.New("upstream rejected")
	ErrInternal          = errors.New("internal error")
)

// Role enumerates account roles.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// PlanTier enumerates subscription tiers.
type PlanTier string

const (
	TierFree   PlanTier = "free"
	TierScale  PlanTier = "scale"
	TierEmpire PlanTier = "empire"
)

// User is an account row. PlanExpiresAt is nil iff the tier is free or the
// role is admin.
type User struct {
	ID             string
	Email          string
	PasswordHash   string
	Role           Role
	Plan           PlanTier
	PlanStartedAt  *time.Time
	PlanExpiresAt  *time.Time
	DailyCount     int
	LastCountReset time.Time
	CreatedAt      time.Time
}

// IsAdmin reports whether the user bypasses plan enforcement.
func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// Token is an upstream API credential participating in batch rotation.
type Token struct {
	ID                string
	Value             string
	Label             string
	Active            bool
	CurrentBatchCount int
	TotalGenerated    int64
	BatchStartedAt    *time.Time
	LastUsedAt        *time.Time
	CreatedAt         time.Time
}

// TokenSettings is the singleton rotation state shared by all dispensers.
type TokenSettings struct {
	LastUsedTokenIndex int
	VideosPerBatch     int
	BatchDelaySeconds  int
}

// AspectRatio enumerates supported output orientations.
type AspectRatio string

const (
	AspectLandscape AspectRatio = "landscape"
	AspectPortrait  AspectRatio = "portrait"
)

// VideoStatus is the job lifecycle state. Completed and failed are terminal.
type VideoStatus string

const (
	VideoPending   VideoStatus = "pending"
	VideoQueued    VideoStatus = "queued"
	VideoCompleted VideoStatus = "completed"
	VideoFailed    VideoStatus = "failed"
)

// Terminal reports whether the status admits no further mutation.
func (s VideoStatus) Terminal() bool { return s == VideoCompleted || s == VideoFailed }

// Video is the durable record of one generation job. It is the sole handle
// that survives a restart; in-memory queue state is rebuilt from it.
type Video struct {
	ID                string
	UserID            string
	Prompt            string
	AspectRatio       AspectRatio
	Status            VideoStatus
	VideoURL          *string
	OperationName     *string
	SceneID           *string
	TokenUsed         *string
	RetryCount        int
	ErrorMessage      string
	Metadata          map[string]any
	ReferenceImageURL *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// VideoUpdate carries partial field updates; nil members are left untouched.
// The store sets updated_at server-side on every update.
type VideoUpdate struct {
	Status        *VideoStatus
	VideoURL      *string
	OperationName *string
	SceneID       *string
	TokenUsed     *string
	RetryCount    *int
	ErrorMessage  *string
}

// QueuedVideo is the in-memory submission queue element.
type QueuedVideo struct {
	VideoID     string
	UserID      string
	Prompt      string
	AspectRatio AspectRatio
	SceneNumber int
}

// PollJob is the polling coordinator work item for one in-flight operation.
type PollJob struct {
	VideoID       string
	OperationName string
	SceneID       string
	Prompt        string
	AspectRatio   AspectRatio
	APIKey        string
	TokenID       string
}

// Repositories (ports)

// UserRepository persists account rows.
type UserRepository interface {
	Get(ctx Context, id string) (User, error)
	Create(ctx Context, u User) (string, error)
	UpdatePlan(ctx Context, id string, tier PlanTier, startedAt, expiresAt *time.Time) error
	// IncrementDailyCount adds n atomically via a SQL increment.
	IncrementDailyCount(ctx Context, id string, n int) error
	// ResetExpiredDailyCounts zeroes counters whose last reset predates today.
	ResetExpiredDailyCounts(ctx Context, today time.Time) (int64, error)
}

// TokenRepository persists credentials and the rotation cursor. DispenseBatch
// runs the full batch-rotation algorithm inside one transaction with row
// locks; excluded ids (cooldown) are filtered before cursor arithmetic.
type TokenRepository interface {
	Create(ctx Context, value, label string) (Token, error)
	Delete(ctx Context, id string) error
	SetActive(ctx Context, id string, active bool) error
	List(ctx Context) ([]Token, error)
	GetActive(ctx Context) ([]Token, error)
	ReplaceAll(ctx Context, rawTokens []string) ([]Token, error)
	Settings(ctx Context) (TokenSettings, error)
	UpdateSettings(ctx Context, s TokenSettings) error
	DispenseBatch(ctx Context, excluded []string) (Token, error)
	TouchLastUsed(ctx Context, id string) error
}

// VideoRepository persists job rows.
type VideoRepository interface {
	Create(ctx Context, v Video) (string, error)
	Get(ctx Context, id string) (Video, error)
	GetForUser(ctx Context, id, userID string) (Video, error)
	Update(ctx Context, id string, upd VideoUpdate) error
	// Touch bumps updated_at only; used as the polling heartbeat.
	Touch(ctx Context, id string) error
	ListByUser(ctx Context, userID string, offset, limit int) ([]Video, error)
	// ListStale returns non-terminal rows whose updated_at is older than cutoff.
	ListStale(ctx Context, statuses []VideoStatus, cutoff time.Time, limit int) ([]Video, error)
	CountByStatus(ctx Context, status VideoStatus) (int64, error)
	AverageCompletionSeconds(ctx Context) (float64, error)
	DeleteOlderThan(ctx Context, cutoff time.Time) (int64, error)
}

// TokenDispenser is the token pool seen by submitters and pollers.
type TokenDispenser interface {
	// DispenseBatch returns the current batch token, rotating at the batch
	// boundary. Fails with ErrNoTokensAvailable when every active token is
	// cooling down or none exist.
	DispenseBatch(ctx Context) (Token, error)
	// NextRotationToken returns the least-recently-used active token that is
	// neither cooling down nor near the error threshold.
	NextRotationToken(ctx Context) (Token, error)
	RecordError(tokenID string)
	InCooldown(tokenID string) bool
}

// Submitter accepts jobs for paced upstream submission.
type Submitter interface {
	Enqueue(jobs []QueuedVideo, delaySecondsOverride *int)
}

// StatusPoller accepts in-flight operations to drive to a terminal state.
type StatusPoller interface {
	EnqueueStatusCheck(job PollJob)
}

// Upstream ports

// SubmitRequest is one upstream generation request.
type SubmitRequest struct {
	Prompt      string
	AspectRatio AspectRatio
	SceneID     string
	// ImageMediaID references a previously uploaded image for image-to-video.
	ImageMediaID string
}

// SubmitResult is the upstream handle for an accepted request.
type SubmitResult struct {
	OperationName string
	SceneID       string
}

// OperationStatus is one status-check outcome.
type OperationStatus struct {
	Status       string
	VideoURL     string
	ErrorMessage string
}

// Completed reports whether the upstream status string is terminal-success.
func (s OperationStatus) Completed() bool {
	switch s.Status {
	case "COMPLETED", "MEDIA_GENERATION_STATUS_COMPLETE", "MEDIA_GENERATION_STATUS_SUCCESSFUL":
		return true
	}
	return false
}

// VideoGenerator is the upstream video API.
type VideoGenerator interface {
	SubmitText(ctx Context, apiKey string, req SubmitRequest) (SubmitResult, error)
	SubmitImage(ctx Context, apiKey string, req SubmitRequest) (SubmitResult, error)
	UploadImage(ctx Context, apiKey string, data []byte, mimeType string) (string, error)
	GenerateImage(ctx Context, apiKey, prompt string) (string, error)
	CheckStatus(ctx Context, apiKey, operationName, sceneID string) (OperationStatus, error)
}

// MediaStore re-hosts upstream artifacts on stable URLs.
type MediaStore interface {
	UploadVideoFromURL(ctx Context, upstreamURL string) (string, error)
}

// Context is an alias so the domain package does not spell out std context
// in every port signature.
type Context = context.Context
