package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/domain"
	"github.com/reelforge/reelforge/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg      config.Config
	Videos   *usecase.VideoService
	Tokens   *usecase.TokenAdmin
	Users    domain.UserRepository
	DBCheck  func(ctx context.Context) error
	validate *validator.Validate
}

// NewServer constructs a Server.
func NewServer(cfg config.Config, videos *usecase.VideoService, tokens *usecase.TokenAdmin, users domain.UserRepository, dbCheck func(ctx context.Context) error) *Server {
	return &Server{
		Cfg:      cfg,
		Videos:   videos,
		Tokens:   tokens,
		Users:    users,
		DBCheck:  dbCheck,
		validate: validator.New(),
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, fmt.Errorf("malformed JSON body: %w", domain.ErrInvalidArgument), nil)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, r, fmt.Errorf("%v: %w", err, domain.ErrInvalidArgument), nil)
		return false
	}
	return true
}

type bulkRequest struct {
	Prompts     []string `json:"prompts" validate:"required,min=1,dive,required"`
	AspectRatio string   `json:"aspect_ratio" validate:"omitempty,oneof=landscape portrait"`
}

type videoResponse struct {
	ID                string         `json:"id"`
	Prompt            string         `json:"prompt"`
	AspectRatio       string         `json:"aspect_ratio"`
	Status            string         `json:"status"`
	VideoURL          *string        `json:"video_url,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	RetryCount        int            `json:"retry_count"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	ReferenceImageURL *string        `json:"reference_image_url,omitempty"`
	CreatedAt         string         `json:"created_at"`
	UpdatedAt         string         `json:"updated_at"`
}

func toVideoResponse(v domain.Video) videoResponse {
	return videoResponse{
		ID:                v.ID,
		Prompt:            v.Prompt,
		AspectRatio:       string(v.AspectRatio),
		Status:            string(v.Status),
		VideoURL:          v.VideoURL,
		ErrorMessage:      v.ErrorMessage,
		RetryCount:        v.RetryCount,
		Metadata:          v.Metadata,
		ReferenceImageURL: v.ReferenceImageURL,
		CreatedAt:         v.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:         v.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

// SubmitBulk handles POST /v1/videos/bulk.
func (s *Server) SubmitBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !s.decode(w, r, &req) {
		return
	}
	ids, err := s.Videos.SubmitBulk(r.Context(), UserIDFrom(r), req.Prompts, domain.AspectRatio(req.AspectRatio))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"video_ids": ids, "count": len(ids)})
}

type singleRequest struct {
	Prompt      string `json:"prompt" validate:"required"`
	AspectRatio string `json:"aspect_ratio" validate:"omitempty,oneof=landscape portrait"`
}

// SubmitSingle handles POST /v1/videos. The submit is synchronous, so the
// response carries the upstream operation handle.
func (s *Server) SubmitSingle(w http.ResponseWriter, r *http.Request) {
	var req singleRequest
	if !s.decode(w, r, &req) {
		return
	}
	sub, err := s.Videos.SubmitSingle(r.Context(), UserIDFrom(r), req.Prompt, domain.AspectRatio(req.AspectRatio))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// SubmitImageToVideo handles POST /v1/videos/image (multipart form with a
// prompt field and an image file).
func (s *Server) SubmitImageToVideo(w http.ResponseWriter, r *http.Request) {
	limit := s.Cfg.MaxImageMB << 20
	if err := r.ParseMultipartForm(limit); err != nil {
		writeError(w, r, fmt.Errorf("malformed multipart body: %w", domain.ErrInvalidArgument), nil)
		return
	}
	prompt := r.FormValue("prompt")
	aspect := domain.AspectRatio(r.FormValue("aspect_ratio"))
	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, r, fmt.Errorf("image file required: %w", domain.ErrInvalidArgument), nil)
		return
	}
	defer func() { _ = file.Close() }()
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		writeError(w, r, fmt.Errorf("reading image: %w", domain.ErrInternal), nil)
		return
	}
	if int64(len(data)) > limit {
		writeError(w, r, fmt.Errorf("image exceeds %d MB: %w", s.Cfg.MaxImageMB, domain.ErrInvalidArgument), nil)
		return
	}

	id, err := s.Videos.SubmitImageToVideo(r.Context(), UserIDFrom(r), prompt, aspect, data)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"video_id": id})
}

// Regenerate handles POST /v1/videos/{id}/regenerate.
func (s *Server) Regenerate(w http.ResponseWriter, r *http.Request) {
	id, err := s.Videos.Regenerate(r.Context(), UserIDFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"video_id": id})
}

// CheckStatus handles GET /v1/videos/{id}/status with one immediate
// upstream poll.
func (s *Server) CheckStatus(w http.ResponseWriter, r *http.Request) {
	v, err := s.Videos.CheckStatus(r.Context(), UserIDFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toVideoResponse(v))
}

// GetVideo handles GET /v1/videos/{id}.
func (s *Server) GetVideo(w http.ResponseWriter, r *http.Request) {
	v, err := s.Videos.GetVideo(r.Context(), UserIDFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toVideoResponse(v))
}

// ListVideos handles GET /v1/videos.
func (s *Server) ListVideos(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	vs, err := s.Videos.ListVideos(r.Context(), UserIDFrom(r), offset, limit)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]videoResponse, 0, len(vs))
	for _, v := range vs {
		out = append(out, toVideoResponse(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"videos": out, "count": len(out)})
}

type imageRequest struct {
	Prompt string `json:"prompt" validate:"required"`
}

// GenerateImage handles POST /v1/images.
func (s *Server) GenerateImage(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	if !s.decode(w, r, &req) {
		return
	}
	img, err := s.Videos.GenerateImage(r.Context(), UserIDFrom(r), req.Prompt)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"image": img})
}

// Admin surface

type addTokenRequest struct {
	Token string `json:"token" validate:"required"`
	Label string `json:"label"`
}

// ListTokens handles GET /v1/admin/tokens.
func (s *Server) ListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.Tokens.List(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens, "count": len(tokens)})
}

// AddToken handles POST /v1/admin/tokens.
func (s *Server) AddToken(w http.ResponseWriter, r *http.Request) {
	var req addTokenRequest
	if !s.decode(w, r, &req) {
		return
	}
	t, err := s.Tokens.Add(r.Context(), req.Token, req.Label)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

type replaceTokensRequest struct {
	Tokens []string `json:"tokens" validate:"required,min=1"`
}

// ReplaceTokens handles PUT /v1/admin/tokens, swapping the whole pool.
func (s *Server) ReplaceTokens(w http.ResponseWriter, r *http.Request) {
	var req replaceTokensRequest
	if !s.decode(w, r, &req) {
		return
	}
	tokens, err := s.Tokens.ReplaceAll(r.Context(), req.Tokens)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens, "count": len(tokens)})
}

// DeleteToken handles DELETE /v1/admin/tokens/{id}.
func (s *Server) DeleteToken(w http.ResponseWriter, r *http.Request) {
	if err := s.Tokens.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// SetTokenActive handles PATCH /v1/admin/tokens/{id}.
func (s *Server) SetTokenActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.Tokens.SetActive(r.Context(), chi.URLParam(r, "id"), *req.Active); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSettings handles GET /v1/admin/settings.
func (s *Server) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.Tokens.Settings(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"videos_per_batch":    settings.VideosPerBatch,
		"batch_delay_seconds": settings.BatchDelaySeconds,
	})
}

type settingsRequest struct {
	VideosPerBatch    int `json:"videos_per_batch" validate:"required,min=1"`
	BatchDelaySeconds int `json:"batch_delay_seconds" validate:"min=0"`
}

// UpdateSettings handles PUT /v1/admin/settings.
func (s *Server) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !s.decode(w, r, &req) {
		return
	}
	current, err := s.Tokens.Settings(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	current.VideosPerBatch = req.VideosPerBatch
	current.BatchDelaySeconds = req.BatchDelaySeconds
	if err := s.Tokens.UpdateSettings(r.Context(), current); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QueueStats handles GET /v1/admin/stats.
func (s *Server) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Videos.QueueStats(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Healthz handles GET /healthz.
func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz, checking the database.
func (s *Server) Readyz(w http.ResponseWriter, r *http.Request) {
	if s.DBCheck != nil {
		if err := s.DBCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "db": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
