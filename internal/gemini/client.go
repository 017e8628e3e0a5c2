package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"github.com/vividon/backend/internal/logging"
	"github.com/vividon/backend/internal/monitoring"
)

// Client errors. Retryable failures mean the user was not charged and may try
// again; permanent failures mean the request itself is bad.
var (
	ErrCircuitOpen = errors.New("image provider circuit breaker is open")
	ErrUpstream    = errors.New("image provider error")
	ErrBadRequest  = errors.New("image provider rejected the request")
	ErrNoImage     = errors.New("image provider returned no image")
)

// Model is the image generation model all tiers route to; tiers differ only
// in the requested output resolution.
const Model = "gemini-3-pro-image-preview"

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// systemInstruction steers the model toward edit-in-place behavior for
// Photoshop layers.
const systemInstruction = "You are an image editing assistant inside a photo editor. " +
	"Apply the requested edit to the provided image and return the edited image."

// detailSuffix is appended to every user prompt.
const detailSuffix = " Preserve all details of the original image that the edit does not touch."

// imageSizeForTier maps a quality tier to the provider's output resolution.
// Unknown tiers get the balanced resolution, mirroring the cost table.
func imageSizeForTier(tier string) string {
	switch tier {
	case "fast":
		return "1K"
	case "quality":
		return "4K"
	default:
		return "2K"
	}
}

// Client calls the Gemini REST API behind a circuit breaker so a provider
// outage sheds load fast instead of tying up request handlers.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates a Gemini client. baseURL is overridable for tests; pass
// empty for production.
func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gemini",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info().
				Str("circuit_breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			monitoring.SetCircuitBreakerState(name, breakerStateValue(to))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Only provider-side failures trip the breaker; a rejected
			// request or a safety block is per-request, not an outage.
			return errors.Is(err, ErrBadRequest) || errors.Is(err, ErrNoImage)
		},
	})

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: cb,
	}
}

// Request is one edit call: a prompt plus the source image.
type Request struct {
	Prompt      string
	ImageData   []byte // raw image bytes
	MimeType    string // e.g. "image/png"
	QualityTier string
}

// Result carries the edited image.
type Result struct {
	ImageData []byte
	MimeType  string
	Model     string
}

// Retryable reports whether a Generate error is transient. Open-circuit and
// upstream errors are; a rejected request is not.
func Retryable(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrUpstream)
}

// Generate runs one image edit through the provider.
func (c *Client) Generate(ctx context.Context, req *Request) (*Result, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return c.generate(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			logger := logging.NewLogger("gemini")
			logger.Warn().Msg("Circuit breaker open, rejecting generation")
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	return result.(*Result), nil
}

// Wire types for the generateContent endpoint. Only the fields we use.
type generateContentRequest struct {
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"` // JSON-encoded as base64
}

type generationConfig struct {
	ResponseModalities []string    `json:"responseModalities"`
	ImageConfig        imageConfig `json:"imageConfig"`
}

type imageConfig struct {
	ImageSize string `json:"imageSize"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *Client) generate(ctx context.Context, req *Request) (*Result, error) {
	body := generateContentRequest{
		SystemInstruction: &content{
			Parts: []part{{Text: systemInstruction}},
		},
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{InlineData: &inlineData{MimeType: req.MimeType, Data: req.ImageData}},
				{Text: req.Prompt + detailSuffix},
			},
		}},
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"IMAGE"},
			ImageConfig:        imageConfig{ImageSize: imageSizeForTier(req.QualityTier)},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: request timed out", ErrUpstream)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrUpstream, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	default:
		var parsed generateContentResponse
		msg := http.StatusText(resp.StatusCode)
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, fmt.Errorf("%w: %s", ErrBadRequest, msg)
	}

	var parsed generateContentResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrUpstream, err)
	}

	for _, cand := range parsed.Candidates {
		for _, p := range cand.Content.Parts {
			if p.InlineData != nil && len(p.InlineData.Data) > 0 {
				return &Result{
					ImageData: p.InlineData.Data,
					MimeType:  p.InlineData.MimeType,
					Model:     Model,
				}, nil
			}
		}
	}

	// A 200 with no image part usually means a safety block; charging for it
	// would be wrong, so it surfaces as a provider failure.
	return nil, ErrNoImage
}

// State exposes the breaker state for health reporting.
func (c *Client) State() string {
	return c.breaker.State().String()
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}
