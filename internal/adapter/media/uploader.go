// Package media re-hosts generated artifacts on a stable media host using
// unsigned uploads.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/reelforge/reelforge/internal/adapter/observability"
	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/domain"
)

const maxUploadAttempts = 5

// Uploader pushes artifacts to the media host. Upstream URLs expire, so the
// fetch and the re-host happen in one call while the source is still live.
type Uploader struct {
	uploadURL    string
	uploadPreset string
	hc           *http.Client
}

// New constructs an Uploader.
func New(cfg config.Config) *Uploader {
	return &Uploader{
		uploadURL:    cfg.MediaUploadURL,
		uploadPreset: cfg.MediaUploadPreset,
		hc: &http.Client{
			Timeout: 2 * time.Minute,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// UploadVideoFromURL downloads the artifact from the expiring upstream URL
// and uploads it unsigned to the media host, returning the stable secure URL.
// Both stages retry network failures with jittered backoff; HTTP rejections
// do not retry.
func (u *Uploader) UploadVideoFromURL(ctx domain.Context, upstreamURL string) (string, error) {
	var data []byte
	err := u.retryStage(ctx, "fetch", func() error {
		var err error
		data, err = u.fetch(ctx, upstreamURL)
		return err
	})
	if err != nil {
		observability.MediaUploadsTotal.WithLabelValues("error").Inc()
		return "", err
	}

	var hosted string
	err = u.retryStage(ctx, "upload", func() error {
		var err error
		hosted, err = u.upload(ctx, data)
		return err
	})
	if err != nil {
		observability.MediaUploadsTotal.WithLabelValues("error").Inc()
		return "", err
	}
	observability.MediaUploadsTotal.WithLabelValues("ok").Inc()
	return hosted, nil
}

func (u *Uploader) retryStage(ctx context.Context, stage string, op func() error) error {
	wrapped := func() error {
		err := op()
		if err != nil && !retryableUpload(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	bo.RandomizationFactor = 0.3
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, maxUploadAttempts-1), ctx)
	return backoff.RetryNotify(wrapped, policy, func(err error, next time.Duration) {
		slog.Warn("media stage retry",
			slog.String("stage", stage), slog.Any("error", err), slog.Duration("next", next))
	})
}

func (u *Uploader) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("op=media.fetch: %w", err)
	}
	resp, err := u.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=media.fetch: %v: %w", err, domain.ErrUpstreamTransient)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("op=media.fetch: source status %d: %w", resp.StatusCode, domain.ErrUpstreamRejected)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("op=media.fetch: read body: %v: %w", err, domain.ErrUpstreamTransient)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("op=media.fetch: empty body: %w", domain.ErrUpstreamRejected)
	}
	return data, nil
}

func (u *Uploader) upload(ctx context.Context, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("upload_preset", u.uploadPreset); err != nil {
		return "", fmt.Errorf("op=media.upload: %w", err)
	}
	fw, err := mw.CreateFormFile("file", "video.mp4")
	if err != nil {
		return "", fmt.Errorf("op=media.upload: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("op=media.upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("op=media.upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.uploadURL, &body)
	if err != nil {
		return "", fmt.Errorf("op=media.upload: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=media.upload: %v: %w", err, domain.ErrUpstreamTransient)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("op=media.upload: status %d: %s: %w", resp.StatusCode, snippet, domain.ErrUpstreamRejected)
	}

	var out struct {
		SecureURL string `json:"secure_url"`
		URL       string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("op=media.upload: decode: %w", err)
	}
	hosted := out.SecureURL
	if hosted == "" {
		hosted = out.URL
	}
	if hosted == "" {
		return "", fmt.Errorf("op=media.upload: no secure_url in response: %w", domain.ErrUpstreamRejected)
	}
	return hosted, nil
}

func retryableUpload(err error) bool {
	return errors.Is(err, domain.ErrUpstreamTransient)
}
