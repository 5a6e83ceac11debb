package seedream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/digkill/seedream-bot/internal/metrics"
)

// ErrorKind is the closed taxonomy of Seedream API failures. Callers route on
// Retryable only; the kind exists for logging and user messages.
type ErrorKind string

const (
	KindUnauthorized      ErrorKind = "unauthorized"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindModelNotFound     ErrorKind = "model_not_found"
	KindValidation        ErrorKind = "validation"
	KindRateLimited       ErrorKind = "rate_limited"
	KindServer            ErrorKind = "server"
	KindTransport         ErrorKind = "transport"
)

// Error is the single error type surfaced by the client.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("seedream %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable reports whether a fresh attempt could succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindServer || e.Kind == KindTransport || e.Kind == KindRateLimited
}

// Config defines connection parameters for the Seedream API.
type Config struct {
	APIKey           string
	BaseURL          string
	ModelEdit        string
	ModelTextToImage string
	Timeout          time.Duration
	MaxAttempts      int
	RetryBaseDelay   time.Duration
}

// Client submits generation tasks to the Seedream V4 API (KIE.ai). Calls only
// confirm task acceptance; results arrive later through the provider webhook
// registered via callBackUrl.
type Client struct {
	cfg        Config
	createURL  string
	httpClient *http.Client
	log        *slog.Logger
	metrics    *metrics.Metrics
}

func New(cfg Config, log *slog.Logger, m *metrics.Metrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 800 * time.Millisecond
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:       cfg,
		createURL: base + "/jobs/createTask",
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log:     log.With("component", "seedream"),
		metrics: m,
	}
}

// EditRequest describes an image-edit task over 1..10 reference images.
type EditRequest struct {
	Prompt      string
	ImageURLs   []string
	AspectRatio string
	Resolution  string
	MaxImages   int
	Seed        *int64
	CallbackURL string
}

// TextToImageRequest describes a from-scratch generation task.
type TextToImageRequest struct {
	Prompt      string
	AspectRatio string
	Resolution  string
	MaxImages   int
	Seed        *int64
	CallbackURL string
}

// CreateEdit submits an edit task and returns the provider task id.
func (c *Client) CreateEdit(ctx context.Context, req EditRequest) (string, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", &Error{Kind: KindValidation, Message: "prompt is empty"}
	}
	if len(req.ImageURLs) == 0 {
		return "", &Error{Kind: KindValidation, Message: "image_urls is empty"}
	}
	urls := req.ImageURLs
	if len(urls) > 10 {
		urls = urls[:10]
	}

	input := map[string]any{
		"prompt":           prompt,
		"image_urls":       urls,
		"image_size":       mapImageSize(req.AspectRatio),
		"image_resolution": resolutionOrDefault(req.Resolution),
		"max_images":       clampMaxImages(req.MaxImages),
	}
	if req.Seed != nil {
		input["seed"] = *req.Seed
	}

	payload := map[string]any{
		"model": c.cfg.ModelEdit,
		"input": input,
	}
	if req.CallbackURL != "" {
		payload["callBackUrl"] = req.CallbackURL
	}

	return c.createTask(ctx, "create_edit", payload)
}

// CreateTextToImage submits a text-to-image task and returns the provider task id.
func (c *Client) CreateTextToImage(ctx context.Context, req TextToImageRequest) (string, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", &Error{Kind: KindValidation, Message: "prompt is empty"}
	}

	input := map[string]any{
		"prompt":           prompt,
		"image_size":       mapImageSize(req.AspectRatio),
		"image_resolution": resolutionOrDefault(req.Resolution),
		"max_images":       clampMaxImages(req.MaxImages),
	}
	if req.Seed != nil {
		input["seed"] = *req.Seed
	}

	payload := map[string]any{
		"model": c.cfg.ModelTextToImage,
		"input": input,
	}
	if req.CallbackURL != "" {
		payload["callBackUrl"] = req.CallbackURL
	}

	return c.createTask(ctx, "create_text_to_image", payload)
}

func (c *Client) createTask(ctx context.Context, operation string, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &Error{Kind: KindValidation, Message: "marshal payload", cause: err}
	}

	start := time.Now()
	taskID, taskErr := c.createTaskWithRetry(ctx, operation, body)
	if c.metrics != nil {
		status := "ok"
		if taskErr != nil {
			status = "error"
		}
		c.metrics.SeedreamRequests.WithLabelValues(operation, status).Inc()
		c.metrics.SeedreamLatency.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
	}
	return taskID, taskErr
}

func (c *Client) createTaskWithRetry(ctx context.Context, operation string, body []byte) (string, error) {
	var lastErr *Error
	delay := c.cfg.RetryBaseDelay

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		taskID, err := c.doCreate(ctx, body)
		if err == nil {
			c.log.Info("task created", "operation", operation, "task_id", taskID, "attempt", attempt)
			return taskID, nil
		}
		lastErr = err
		if !err.Retryable() {
			c.log.Error("create task failed", "operation", operation, "kind", err.Kind, "error", err.Message)
			return "", err
		}

		wait := delay
		if err.Kind == KindRateLimited {
			if ra := err.retryAfter(); ra > 0 {
				wait = ra
			}
		}
		c.log.Warn("create task retrying", "operation", operation, "kind", err.Kind, "attempt", attempt, "wait", wait)

		if attempt == c.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", &Error{Kind: KindTransport, Message: "context cancelled", cause: ctx.Err()}
		case <-time.After(wait):
		}
		delay *= 2
		if delay > 8*time.Second {
			delay = 8 * time.Second
		}
	}
	return "", lastErr
}

// retryAfter is stashed on rate-limit errors via the message; parse best-effort.
func (e *Error) retryAfter() time.Duration {
	if e.Kind != KindRateLimited {
		return 0
	}
	parts := strings.Fields(e.Message)
	for i, p := range parts {
		if p == "retry-after" && i+1 < len(parts) {
			if n, err := strconv.Atoi(parts[i+1]); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	return 0
}

func (c *Client) doCreate(ctx context.Context, body []byte) (string, *Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.createURL, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: KindTransport, Message: "new request", cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Kind: KindTransport, Message: "post create task", cause: err}
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Kind: KindTransport, Message: "read response body", cause: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", &Error{Kind: KindUnauthorized, Message: "invalid API key"}
	case resp.StatusCode == http.StatusPaymentRequired:
		return "", &Error{Kind: KindInsufficientFunds, Message: "insufficient provider funds"}
	case resp.StatusCode == http.StatusNotFound:
		return "", &Error{Kind: KindModelNotFound, Message: "model not found"}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return "", &Error{Kind: KindValidation, Message: "bad request: " + truncateBody(rawBody)}
	case resp.StatusCode == http.StatusTooManyRequests:
		msg := "rate limited"
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			msg += " retry-after " + ra
		}
		return "", &Error{Kind: KindRateLimited, Message: msg}
	case resp.StatusCode >= 500:
		return "", &Error{Kind: KindServer, Message: fmt.Sprintf("provider status %d", resp.StatusCode)}
	case resp.StatusCode >= 300:
		return "", &Error{Kind: KindValidation, Message: fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, truncateBody(rawBody))}
	}

	var createResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID string `json:"taskId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &createResp); err != nil {
		return "", &Error{Kind: KindValidation, Message: "decode response: " + truncateBody(rawBody), cause: err}
	}
	if createResp.Code != 200 {
		return "", &Error{Kind: KindValidation, Message: fmt.Sprintf("api code=%d msg=%s", createResp.Code, createResp.Msg)}
	}
	if createResp.Data.TaskID == "" {
		return "", &Error{Kind: KindValidation, Message: "empty taskId in response"}
	}
	return createResp.Data.TaskID, nil
}

// mapImageSize maps a user-facing aspect ratio to the provider size token.
func mapImageSize(aspectRatio string) string {
	switch aspectRatio {
	case "9:16":
		return "portrait_16_9"
	case "16:9":
		return "landscape_16_9"
	case "4:3":
		return "landscape_4_3"
	case "3:4":
		return "portrait_4_3"
	case "1:1", "":
		return "square_hd"
	default:
		return "square_hd"
	}
}

func clampMaxImages(n int) int {
	if n < 1 {
		return 1
	}
	if n > 6 {
		return 6
	}
	return n
}

func resolutionOrDefault(res string) string {
	if res == "" {
		return "1K"
	}
	return res
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
