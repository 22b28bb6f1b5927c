// Package veo implements the upstream video generation API client.
package veo

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/domain"
)

const (
	pathSubmitText  = "/video:batchAsyncGenerateVideoText"
	pathSubmitImage = "/video:batchAsyncGenerateVideoReferenceImages"
	pathCheckStatus = "/video:batchCheckAsyncVideoGenerationStatus"
	pathUploadImage = "/v1:uploadUserImage"
	pathGenerateImg = "/v1/whisk:generateImage"
	aspectLandscape = "VIDEO_ASPECT_RATIO_LANDSCAPE"
	aspectPortrait  = "VIDEO_ASPECT_RATIO_PORTRAIT"
)

// Client talks to the upstream video generation API. One Client shares a
// keep-alive transport across all workers; the connection cap matches the
// polling and submission concurrency budget.
type Client struct {
	baseURL       string
	projectID     string
	hc            *http.Client
	submitTimeout time.Duration
	statusTimeout time.Duration
}

// New constructs a Client with a bounded keep-alive transport.
func New(cfg config.Config) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.UpstreamPoolSize,
		MaxIdleConnsPerHost: cfg.UpstreamPoolSize,
		MaxConnsPerHost:     cfg.UpstreamPoolSize,
		IdleConnTimeout:     30 * time.Second,
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.VeoBaseURL, "/"),
		projectID:     cfg.VeoProjectID,
		hc:            &http.Client{Transport: transport},
		submitTimeout: cfg.SubmitTimeout,
		statusTimeout: cfg.StatusTimeout,
	}
}

func modelKey(aspect domain.AspectRatio, imageToVideo bool) string {
	switch {
	case imageToVideo && aspect == domain.AspectPortrait:
		return "veo_3_0_i2v_fast_portrait"
	case imageToVideo:
		return "veo_3_0_i2v_fast"
	case aspect == domain.AspectPortrait:
		return "veo_3_0_t2v_fast_portrait"
	default:
		return "veo_3_0_t2v_fast"
	}
}

func aspectTag(aspect domain.AspectRatio) string {
	if aspect == domain.AspectPortrait {
		return aspectPortrait
	}
	return aspectLandscape
}

type clientContext struct {
	ProjectID string `json:"projectId"`
	Tool      string `json:"tool"`
}

type generationRequest struct {
	AspectRatio   string          `json:"aspectRatio"`
	Seed          uint32          `json:"seed"`
	TextInput     *textInput      `json:"textInput,omitempty"`
	ImageInput    *imageRef       `json:"imageInput,omitempty"`
	VideoModelKey string          `json:"videoModelKey"`
	Metadata      requestMetadata `json:"metadata"`
}

type textInput struct {
	Prompt string `json:"prompt"`
}

type imageRef struct {
	MediaID string `json:"mediaId"`
}

type requestMetadata struct {
	SceneID string `json:"sceneId"`
}

type submitBody struct {
	ClientContext clientContext       `json:"clientContext"`
	Requests      []generationRequest `json:"requests"`
}

type operationRef struct {
	Name string `json:"name"`
}

type statusOperation struct {
	Name     string `json:"name"`
	Metadata struct {
		Video struct {
			FifeURL string `json:"fifeUrl"`
		} `json:"video"`
	} `json:"metadata"`
	VideoURL    string `json:"videoUrl"`
	FileURL     string `json:"fileUrl"`
	DownloadURL string `json:"downloadUrl"`
}

type operationEntry struct {
	Operation statusOperation `json:"operation"`
	SceneID   string          `json:"sceneId"`
	Status    string          `json:"status"`
	Error     *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type operationsEnvelope struct {
	Operations []operationEntry `json:"operations"`
}

// SubmitText starts a text-to-video generation and returns the operation
// handle.
func (c *Client) SubmitText(ctx domain.Context, apiKey string, req domain.SubmitRequest) (domain.SubmitResult, error) {
	return c.submit(ctx, apiKey, pathSubmitText, req, false)
}

// SubmitImage starts an image-to-video generation from a previously uploaded
// reference image.
func (c *Client) SubmitImage(ctx domain.Context, apiKey string, req domain.SubmitRequest) (domain.SubmitResult, error) {
	return c.submit(ctx, apiKey, pathSubmitImage, req, true)
}

func (c *Client) submit(ctx domain.Context, apiKey, path string, req domain.SubmitRequest, imageMode bool) (domain.SubmitResult, error) {
	body := submitBody{
		ClientContext: clientContext{ProjectID: c.projectID, Tool: "PINHOLE"},
		Requests: []generationRequest{{
			AspectRatio:   aspectTag(req.AspectRatio),
			Seed:          rand.Uint32(),
			VideoModelKey: modelKey(req.AspectRatio, imageMode),
			Metadata:      requestMetadata{SceneID: req.SceneID},
		}},
	}
	if imageMode {
		body.Requests[0].ImageInput = &imageRef{MediaID: req.ImageMediaID}
		body.Requests[0].TextInput = &textInput{Prompt: req.Prompt}
	} else {
		body.Requests[0].TextInput = &textInput{Prompt: req.Prompt}
	}

	var env operationsEnvelope
	if err := c.post(ctx, apiKey, path, c.submitTimeout, body, &env); err != nil {
		return domain.SubmitResult{}, err
	}
	if len(env.Operations) == 0 || env.Operations[0].Operation.Name == "" {
		return domain.SubmitResult{}, fmt.Errorf("op=veo.submit: no operations in response: %w", domain.ErrUpstreamRejected)
	}
	op := env.Operations[0]
	sceneID := op.SceneID
	if sceneID == "" {
		sceneID = req.SceneID
	}
	return domain.SubmitResult{OperationName: op.Operation.Name, SceneID: sceneID}, nil
}

// CheckStatus polls one in-flight operation.
func (c *Client) CheckStatus(ctx domain.Context, apiKey, operationName, sceneID string) (domain.OperationStatus, error) {
	body := map[string]any{
		"operations": []map[string]any{{
			"operation": operationRef{Name: operationName},
			"sceneId":   sceneID,
		}},
	}
	var env operationsEnvelope
	if err := c.post(ctx, apiKey, pathCheckStatus, c.statusTimeout, body, &env); err != nil {
		return domain.OperationStatus{}, err
	}
	if len(env.Operations) == 0 {
		return domain.OperationStatus{}, nil
	}
	op := env.Operations[0]
	st := domain.OperationStatus{Status: op.Status}
	if op.Error != nil {
		st.ErrorMessage = op.Error.Message
		if st.ErrorMessage == "" {
			st.ErrorMessage = fmt.Sprintf("upstream error code %d", op.Error.Code)
		}
	}
	st.VideoURL = extractVideoURL(op.Operation)
	return st, nil
}

// UploadImage stores a reference image upstream and returns its media id.
func (c *Client) UploadImage(ctx domain.Context, apiKey string, data []byte, mimeType string) (string, error) {
	body := map[string]any{
		"imageInput": map[string]any{
			"rawImageBytes": base64.StdEncoding.EncodeToString(data),
			"mimeType":      mimeType,
		},
		"clientContext": clientContext{ProjectID: c.projectID, Tool: "PINHOLE"},
	}
	var resp struct {
		MediaID           string `json:"mediaId"`
		MediaGenerationID string `json:"mediaGenerationId"`
	}
	if err := c.post(ctx, apiKey, pathUploadImage, c.submitTimeout, body, &resp); err != nil {
		return "", err
	}
	id := resp.MediaID
	if id == "" {
		id = resp.MediaGenerationID
	}
	if id == "" {
		return "", fmt.Errorf("op=veo.upload_image: no media id in response: %w", domain.ErrUpstreamRejected)
	}
	return id, nil
}

// GenerateImage produces a still image from a prompt and returns the encoded
// image payload.
func (c *Client) GenerateImage(ctx domain.Context, apiKey, prompt string) (string, error) {
	body := map[string]any{
		"clientContext": clientContext{ProjectID: c.projectID, Tool: "PINHOLE"},
		"imageModelSettings": map[string]any{
			"imageModel":  "IMAGEN_3_5",
			"aspectRatio": "IMAGE_ASPECT_RATIO_LANDSCAPE",
		},
		"prompt": prompt,
		"seed":   rand.Uint32(),
	}
	var resp struct {
		ImagePanels []struct {
			GeneratedImages []struct {
				EncodedImage string `json:"encodedImage"`
			} `json:"generatedImages"`
		} `json:"imagePanels"`
	}
	if err := c.post(ctx, apiKey, pathGenerateImg, c.submitTimeout, body, &resp); err != nil {
		return "", err
	}
	if len(resp.ImagePanels) == 0 || len(resp.ImagePanels[0].GeneratedImages) == 0 {
		return "", fmt.Errorf("op=veo.generate_image: empty response: %w", domain.ErrUpstreamRejected)
	}
	return resp.ImagePanels[0].GeneratedImages[0].EncodedImage, nil
}

func (c *Client) post(ctx context.Context, apiKey, path string, timeout time.Duration, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("op=veo.marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("op=veo.request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("op=veo.post %s: timeout: %w", path, domain.ErrUpstreamTransient)
		}
		return fmt.Errorf("op=veo.post %s: %v: %w", path, err, domain.ErrUpstreamTransient)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		snippet := readSnippet(resp.Body, 256)
		slog.Warn("upstream 5xx", slog.String("path", path), slog.Int("status", resp.StatusCode), slog.String("body", snippet))
		return fmt.Errorf("op=veo.post %s: status %d: %w", path, resp.StatusCode, domain.ErrUpstreamTransient)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := readSnippet(resp.Body, 256)
		return fmt.Errorf("op=veo.post %s: status %d: %s: %w", path, resp.StatusCode, snippet, domain.ErrUpstreamRejected)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("op=veo.decode %s: %w", path, err)
	}
	return nil
}

// extractVideoURL searches the known artifact locations in order and decodes
// HTML entities the upstream occasionally leaves in URLs.
func extractVideoURL(op statusOperation) string {
	for _, u := range []string{op.Metadata.Video.FifeURL, op.VideoURL, op.FileURL, op.DownloadURL} {
		if u != "" {
			return decodeEntities(u)
		}
	}
	return ""
}

var entityReplacer = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
)

func decodeEntities(s string) string { return entityReplacer.Replace(s) }

// readSnippet reads up to n bytes from r for log/error context.
func readSnippet(r io.Reader, n int) string {
	buf := make([]byte, n)
	m, _ := io.ReadFull(io.LimitReader(r, int64(n)), buf)
	return string(buf[:m])
}
