package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/reelforge/reelforge/internal/domain"
)

// VideoRepo persists and loads video job rows.
type VideoRepo struct{ Pool PgxPool }

// NewVideoRepo constructs a VideoRepo with the given pool.
func NewVideoRepo(p PgxPool) *VideoRepo { return &VideoRepo{Pool: p} }

const videoColumns = `id, user_id, prompt, aspect_ratio, status, video_url, operation_name, scene_id, token_used, retry_count, COALESCE(error_message,''), metadata, reference_image_url, created_at, updated_at`

func scanVideo(row pgx.Row) (domain.Video, error) {
	var v domain.Video
	err := row.Scan(&v.ID, &v.UserID, &v.Prompt, &v.AspectRatio, &v.Status,
		&v.VideoURL, &v.OperationName, &v.SceneID, &v.TokenUsed, &v.RetryCount,
		&v.ErrorMessage, &v.Metadata, &v.ReferenceImageURL, &v.CreatedAt, &v.UpdatedAt)
	return v, err
}

// Create inserts a new video row and returns its id.
func (r *VideoRepo) Create(ctx domain.Context, v domain.Video) (string, error) {
	tracer := otel.Tracer("repo.videos")
	ctx, span := tracer.Start(ctx, "videos.Create")
	defer span.End()
	id := v.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := v.Status
	if status == "" {
		status = domain.VideoPending
	}
	q := `INSERT INTO videos (id, user_id, prompt, aspect_ratio, status, scene_id, token_used, metadata, reference_image_url)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := execRetry(ctx, r.Pool, "video.create", q, id, v.UserID, v.Prompt, v.AspectRatio, status, v.SceneID, v.TokenUsed, v.Metadata, v.ReferenceImageURL)
	if err != nil {
		return "", fmt.Errorf("op=video.create: %w", err)
	}
	return id, nil
}

// Get loads a video by id.
func (r *VideoRepo) Get(ctx domain.Context, id string) (domain.Video, error) {
	tracer := otel.Tracer("repo.videos")
	ctx, span := tracer.Start(ctx, "videos.Get")
	defer span.End()
	v, err := scanVideo(r.Pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id=$1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Video{}, fmt.Errorf("op=video.get: %w", domain.ErrNotFound)
		}
		return domain.Video{}, fmt.Errorf("op=video.get: %w", err)
	}
	return v, nil
}

// GetForUser loads a video owned by userID.
func (r *VideoRepo) GetForUser(ctx domain.Context, id, userID string) (domain.Video, error) {
	tracer := otel.Tracer("repo.videos")
	ctx, span := tracer.Start(ctx, "videos.GetForUser")
	defer span.End()
	v, err := scanVideo(r.Pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id=$1 AND user_id=$2`, id, userID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Video{}, fmt.Errorf("op=video.get_for_user: %w", domain.ErrNotFound)
		}
		return domain.Video{}, fmt.Errorf("op=video.get_for_user: %w", err)
	}
	return v, nil
}

// Update applies the non-nil fields of upd. updated_at is always set
// server-side. Terminal rows only accept updates that do not change status
// or video_url, keeping completed/failed rows immutable.
func (r *VideoRepo) Update(ctx domain.Context, id string, upd domain.VideoUpdate) error {
	tracer := otel.Tracer("repo.videos")
	ctx, span := tracer.Start(ctx, "videos.Update")
	defer span.End()

	sets := []string{"updated_at = now()"}
	args := []any{id}
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	terminalGuard := false
	if upd.Status != nil {
		add("status", *upd.Status)
		terminalGuard = true
	}
	if upd.VideoURL != nil {
		add("video_url", *upd.VideoURL)
		terminalGuard = true
	}
	if upd.OperationName != nil {
		add("operation_name", *upd.OperationName)
	}
	if upd.SceneID != nil {
		add("scene_id", *upd.SceneID)
	}
	if upd.TokenUsed != nil {
		add("token_used", *upd.TokenUsed)
	}
	if upd.RetryCount != nil {
		add("retry_count", *upd.RetryCount)
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}

	q := `UPDATE videos SET ` + strings.Join(sets, ", ") + ` WHERE id=$1`
	if terminalGuard {
		q += ` AND status NOT IN ('completed','failed')`
	}
	tag, err := execRetry(ctx, r.Pool, "video.update", q, args...)
	if err != nil {
		return fmt.Errorf("op=video.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=video.update: %w", domain.ErrNotFound)
	}
	return nil
}

// Touch bumps updated_at only; the polling heartbeat.
func (r *VideoRepo) Touch(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.videos")
	ctx, span := tracer.Start(ctx, "videos.Touch")
	defer span.End()
	if _, err := execRetry(ctx, r.Pool, "video.touch", `UPDATE videos SET updated_at = now() WHERE id=$1`, id); err != nil {
		return fmt.Errorf("op=video.touch: %w", err)
	}
	return nil
}

// ListByUser returns a page of the user's videos, newest first.
func (r *VideoRepo) ListByUser(ctx domain.Context, userID string, offset, limit int) ([]domain.Video, error) {
	tracer := otel.Tracer("repo.videos")
	ctx, span := tracer.Start(ctx, "videos.ListByUser")
	defer span.End()
	q := `SELECT ` + videoColumns + ` FROM videos WHERE user_id=$1 ORDER BY created_at DESC OFFSET $2 LIMIT $3`
	return r.queryVideos(ctx, "video.list_by_user", q, userID, offset, limit)
}

// ListStale returns non-terminal rows whose updated_at predates cutoff.
// Used by startup recovery and the housekeeper's expiry sweep.
func (r *VideoRepo) ListStale(ctx domain.Context, statuses []domain.VideoStatus, cutoff time.Time, limit int) ([]domain.Video, error) {
	tracer := otel.Tracer("repo.videos")
	ctx, span := tracer.Start(ctx, "videos.ListStale")
	defer span.End()
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	q := `SELECT ` + videoColumns + ` FROM videos WHERE status = ANY($1) AND updated_at < $2 ORDER BY updated_at LIMIT $3`
	return r.queryVideos(ctx, "video.list_stale", q, ss, cutoff, limit)
}

func (r *VideoRepo) queryVideos(ctx domain.Context, op, q string, args ...any) ([]domain.Video, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	defer rows.Close()
	out := make([]domain.Video, 0, 16)
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("op=%s_scan: %w", op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s_rows: %w", op, err)
	}
	return out, nil
}

// CountByStatus returns the number of videos in a status.
func (r *VideoRepo) CountByStatus(ctx domain.Context, status domain.VideoStatus) (int64, error) {
	tracer := otel.Tracer("repo.videos")
	ctx, span := tracer.Start(ctx, "videos.CountByStatus")
	defer span.End()
	var n int64
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM videos WHERE status=$1`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=video.count_by_status: %w", err)
	}
	return n, nil
}

// AverageCompletionSeconds returns the mean created-to-updated latency of
// completed videos, or 0 when none exist.
func (r *VideoRepo) AverageCompletionSeconds(ctx domain.Context) (float64, error) {
	tracer := otel.Tracer("repo.videos")
	ctx, span := tracer.Start(ctx, "videos.AverageCompletionSeconds")
	defer span.End()
	var avg *float64
	q := `SELECT AVG(EXTRACT(EPOCH FROM (updated_at - created_at))) FROM videos WHERE status='completed'`
	if err := r.Pool.QueryRow(ctx, q).Scan(&avg); err != nil {
		return 0, fmt.Errorf("op=video.avg_completion: %w", err)
	}
	if avg == nil {
		return 0, nil
	}
	return *avg, nil
}

// DeleteOlderThan removes rows created before cutoff; the retention sweep.
func (r *VideoRepo) DeleteOlderThan(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.videos")
	ctx, span := tracer.Start(ctx, "videos.DeleteOlderThan")
	defer span.End()
	tag, err := execRetry(ctx, r.Pool, "video.delete_older_than", `DELETE FROM videos WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=video.delete_older_than: %w", err)
	}
	return tag.RowsAffected(), nil
}
