package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest() *Request {
	return &Request{
		Prompt:      "make the sky dramatic",
		ImageData:   []byte("fake-png-bytes"),
		MimeType:    "image/png",
		QualityTier: "balanced",
	}
}

func successBody(imageData []byte) string {
	b64 := base64.StdEncoding.EncodeToString(imageData)
	return fmt.Sprintf(`{
		"candidates": [{
			"content": {
				"parts": [{"inlineData": {"mimeType": "image/png", "data": "%s"}}]
			}
		}]
	}`, b64)
}

func TestGenerateSuccess(t *testing.T) {
	edited := []byte("edited-image-bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, Model)
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))

		var req generateContentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Contents, 1)
		require.Len(t, req.Contents[0].Parts, 2)
		assert.Contains(t, req.Contents[0].Parts[1].Text, "make the sky dramatic")
		assert.Contains(t, req.Contents[0].Parts[1].Text, "Preserve all details")
		assert.Equal(t, "2K", req.GenerationConfig.ImageConfig.ImageSize)

		fmt.Fprint(w, successBody(edited))
	}))
	defer srv.Close()

	client := NewClient("test-key", srv.URL, 5*time.Second)
	result, err := client.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, edited, result.ImageData)
	assert.Equal(t, "image/png", result.MimeType)
	assert.Equal(t, Model, result.Model)
}

func TestImageSizeForTier(t *testing.T) {
	assert.Equal(t, "1K", imageSizeForTier("fast"))
	assert.Equal(t, "2K", imageSizeForTier("balanced"))
	assert.Equal(t, "4K", imageSizeForTier("quality"))
	assert.Equal(t, "2K", imageSizeForTier("unknown"))
}

func TestGenerateUpstreamErrorsAreRetryable(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		t.Run(fmt.Sprintf("status %d", status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))
			defer srv.Close()

			client := NewClient("test-key", srv.URL, 5*time.Second)
			_, err := client.Generate(context.Background(), testRequest())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUpstream)
			assert.True(t, Retryable(err))
		})
	}
}

func TestGenerateBadRequestIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": {"code": 400, "message": "invalid image", "status": "INVALID_ARGUMENT"}}`)
	}))
	defer srv.Close()

	client := NewClient("test-key", srv.URL, 5*time.Second)
	_, err := client.Generate(context.Background(), testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadRequest)
	assert.Contains(t, err.Error(), "invalid image")
	assert.False(t, Retryable(err))
}

func TestGenerateNoImageInResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates": [{"content": {"parts": [{"text": "I cannot edit this image."}]}}]}`)
	}))
	defer srv.Close()

	client := NewClient("test-key", srv.URL, 5*time.Second)
	_, err := client.Generate(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrNoImage)
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient("test-key", srv.URL, 5*time.Second)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := client.Generate(ctx, testRequest())
		require.Error(t, err)
	}

	_, err := client.Generate(ctx, testRequest())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, Retryable(err))
	assert.Equal(t, "open", client.State())
}

func TestGenerateContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, successBody([]byte("x")))
	}))
	defer srv.Close()

	client := NewClient("test-key", srv.URL, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Generate(ctx, testRequest())
	assert.Error(t, err)
}
