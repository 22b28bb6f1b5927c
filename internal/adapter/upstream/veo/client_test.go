package veo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/domain"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.Config{
		VeoBaseURL:       srv.URL,
		VeoProjectID:     "proj-1",
		SubmitTimeout:    5 * time.Second,
		StatusTimeout:    5 * time.Second,
		UpstreamPoolSize: 4,
	})
}

func TestSubmitText_Success(t *testing.T) {
	var captured map[string]any
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"operations": []map[string]any{{
				"operation": map[string]any{"name": "ops/abc"},
				"sceneId":   "scene-1",
				"status":    "MEDIA_GENERATION_STATUS_PENDING",
			}},
		})
	}))

	res, err := c.SubmitText(context.Background(), "key-1", domain.SubmitRequest{
		Prompt:      "a red fox at dawn",
		AspectRatio: domain.AspectPortrait,
		SceneID:     "scene-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "ops/abc", res.OperationName)
	assert.Equal(t, "scene-1", res.SceneID)

	reqs := captured["requests"].([]any)
	require.Len(t, reqs, 1)
	first := reqs[0].(map[string]any)
	assert.Equal(t, "VIDEO_ASPECT_RATIO_PORTRAIT", first["aspectRatio"])
	assert.Equal(t, "veo_3_0_t2v_fast_portrait", first["videoModelKey"])
	assert.Equal(t, "proj-1", captured["clientContext"].(map[string]any)["projectId"])
}

func TestSubmitImage_UsesImageModelKey(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		first := body["requests"].([]any)[0].(map[string]any)
		assert.Equal(t, "veo_3_0_i2v_fast", first["videoModelKey"])
		assert.Equal(t, "media-9", first["imageInput"].(map[string]any)["mediaId"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"operations": []map[string]any{{"operation": map[string]any{"name": "ops/img"}}},
		})
	}))

	res, err := c.SubmitImage(context.Background(), "key-1", domain.SubmitRequest{
		Prompt:       "make it move",
		AspectRatio:  domain.AspectLandscape,
		SceneID:      "scene-2",
		ImageMediaID: "media-9",
	})
	require.NoError(t, err)
	assert.Equal(t, "ops/img", res.OperationName)
	// Falls back to the request scene id when the response omits it.
	assert.Equal(t, "scene-2", res.SceneID)
}

func TestSubmit_EmptyOperationsIsRejected(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"operations": []any{}})
	}))
	_, err := c.SubmitText(context.Background(), "k", domain.SubmitRequest{Prompt: "p", SceneID: "s"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUpstreamRejected))
}

func TestSubmit_ServerErrorIsTransient(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	_, err := c.SubmitText(context.Background(), "k", domain.SubmitRequest{Prompt: "p", SceneID: "s"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUpstreamTransient))
}

func TestSubmit_ClientErrorIsRejected(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad prompt", http.StatusBadRequest)
	}))
	_, err := c.SubmitText(context.Background(), "k", domain.SubmitRequest{Prompt: "p", SceneID: "s"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUpstreamRejected))
}

func TestCheckStatus_ExtractsURLInPriorityOrder(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"operations": []map[string]any{{
				"operation": map[string]any{
					"name":     "ops/abc",
					"metadata": map[string]any{"video": map[string]any{"fifeUrl": "https://cdn/fife?a=1&amp;b=2"}},
					"videoUrl": "https://cdn/other",
				},
				"sceneId": "scene-1",
				"status":  "MEDIA_GENERATION_STATUS_SUCCESSFUL",
			}},
		})
	}))

	st, err := c.CheckStatus(context.Background(), "k", "ops/abc", "scene-1")
	require.NoError(t, err)
	assert.True(t, st.Completed())
	assert.Equal(t, "https://cdn/fife?a=1&b=2", st.VideoURL)
}

func TestCheckStatus_SurfacesUpstreamError(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"operations": []map[string]any{{
				"operation": map[string]any{"name": "ops/abc"},
				"status":    "MEDIA_GENERATION_STATUS_FAILED",
				"error":     map[string]any{"code": 8, "message": "quota exhausted"},
			}},
		})
	}))

	st, err := c.CheckStatus(context.Background(), "k", "ops/abc", "scene-1")
	require.NoError(t, err)
	assert.False(t, st.Completed())
	assert.Equal(t, "quota exhausted", st.ErrorMessage)
}

func TestUploadImage_ReturnsMediaID(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		input := body["imageInput"].(map[string]any)
		assert.Equal(t, "image/png", input["mimeType"])
		assert.NotEmpty(t, input["rawImageBytes"])
		_ = json.NewEncoder(w).Encode(map[string]any{"mediaGenerationId": "media-42"})
	}))

	id, err := c.UploadImage(context.Background(), "k", []byte{0x89, 0x50}, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "media-42", id)
}

func TestGenerateImage_ReturnsEncodedImage(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"imagePanels": []map[string]any{{
				"generatedImages": []map[string]any{{"encodedImage": "base64data"}},
			}},
		})
	}))

	img, err := c.GenerateImage(context.Background(), "k", "a castle")
	require.NoError(t, err)
	assert.Equal(t, "base64data", img)
}

func TestModelKeyMatrix(t *testing.T) {
	assert.Equal(t, "veo_3_0_t2v_fast", modelKey(domain.AspectLandscape, false))
	assert.Equal(t, "veo_3_0_t2v_fast_portrait", modelKey(domain.AspectPortrait, false))
	assert.Equal(t, "veo_3_0_i2v_fast", modelKey(domain.AspectLandscape, true))
	assert.Equal(t, "veo_3_0_i2v_fast_portrait", modelKey(domain.AspectPortrait, true))
}
