package ollama

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/snapcap/internal/config"
	"github.com/snapcap/pkg/logger"
)

// Error classes the pipeline's retry policy keys on.
var (
	// ErrConnection: server unreachable. Retryable.
	ErrConnection = errors.New("inference server unreachable")
	// ErrModelNotFound: the server does not know the configured model id.
	// Never retried.
	ErrModelNotFound = errors.New("model not found")
	// ErrMalformedResponse: unparsable or empty payload. Retried once.
	ErrMalformedResponse = errors.New("malformed model response")
	// ErrTimeout: the call exceeded its deadline. Retryable with backoff.
	ErrTimeout = errors.New("inference request timed out")
)

// CaptionResult is the parsed outcome of one successful generate call.
type CaptionResult struct {
	Text        string    `json:"text"`
	Model       string    `json:"model"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Client wraps the native generate API of a local Ollama-compatible server.
// It holds no mutable state beyond the shared limiter and is safe for
// concurrent use across workers.
type Client struct {
	cfg     config.EndpointConfig
	client  *resty.Client
	limiter *rate.Limiter
}

// NewClient creates a model client for the configured endpoint. Retries are
// deliberately left to the pipeline, which owns the per-job retry budget.
func NewClient(cfg config.EndpointConfig) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout())

	c := &Client{cfg: cfg, client: client}

	if cfg.RateLimitRPM > 0 {
		rps := float64(cfg.RateLimitRPM) / 60.0
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		logger.Infof("🚦 Model client rate limit: %d RPM", cfg.RateLimitRPM)
	}

	return c
}

type generateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
	Stream bool     `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Caption sends the prompt plus one or more image payloads to the model and
// returns the cleaned caption text. Multiple payloads go out as a single
// multi-image request.
func (c *Client) Caption(ctx context.Context, payloads [][]byte, prompt string) (CaptionResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return CaptionResult{}, fmt.Errorf("rate limit: %w", err)
		}
	}

	images := make([]string, len(payloads))
	for i, p := range payloads {
		images[i] = base64.StdEncoding.EncodeToString(p)
	}

	req := generateRequest{
		Model:  c.cfg.Model,
		Prompt: prompt,
		Images: images,
		Stream: false,
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post("/api/generate")

	if err != nil {
		return CaptionResult{}, classifyTransportError(err)
	}

	if resp.StatusCode() >= 400 {
		return CaptionResult{}, classifyStatusError(resp, c.cfg.Model)
	}

	var out generateResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return CaptionResult{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	text := CleanCaption(out.Response)
	if text == "" {
		return CaptionResult{}, fmt.Errorf("%w: empty caption", ErrMalformedResponse)
	}

	return CaptionResult{
		Text:        text,
		Model:       c.cfg.Model,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

// Health verifies the endpoint is reachable. Used as the preflight check
// before the worker pool starts.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.client.R().SetContext(ctx).Get("/api/tags")
	if err != nil {
		return classifyTransportError(err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("%w: status %d", ErrConnection, resp.StatusCode())
	}
	return nil
}

func classifyTransportError(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}

func classifyStatusError(resp *resty.Response, model string) error {
	var out generateResponse
	_ = json.Unmarshal(resp.Body(), &out)

	if resp.StatusCode() == http.StatusNotFound ||
		strings.Contains(strings.ToLower(out.Error), "not found") {
		return fmt.Errorf("%w: %q (status %d)", ErrModelNotFound, model, resp.StatusCode())
	}
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("%w: status %d: %s", ErrConnection, resp.StatusCode(), out.Error)
	}
	return fmt.Errorf("%w: status %d: %s", ErrMalformedResponse, resp.StatusCode(), out.Error)
}

var (
	thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)
	roleMarker = regexp.MustCompile(`(?i)^\s*(assistant|caption|description)\s*[:：]\s*`)
)

// CleanCaption strips the model's formatting artifacts: think blocks,
// leading role markers, and surrounding whitespace.
func CleanCaption(raw string) string {
	s := thinkBlock.ReplaceAllString(raw, "")
	s = roleMarker.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
