package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lamim/chapterforge/internal/config"
	"github.com/lamim/chapterforge/internal/metrics"
)

const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests
	DefaultHTTPTimeout = 120 * time.Second
	// DefaultMaxRetries is the default maximum number of retry attempts
	DefaultMaxRetries = 3
	// DefaultBaseRetryDelay is the base delay for exponential backoff
	DefaultBaseRetryDelay = 2 * time.Second
	// DefaultMaxBackoffDuration caps a single backoff sleep
	DefaultMaxBackoffDuration = 120 * time.Second
	// RateLimitBackoffMultiplier is the multiplier for rate limit backoff (3^n)
	RateLimitBackoffMultiplier = 3
)

// ErrorKind classifies model client failures
type ErrorKind string

const (
	KindTimeout         ErrorKind = "timeout"
	KindRateLimit       ErrorKind = "rate_limit"
	KindMalformedOutput ErrorKind = "malformed_output"
	KindTransport       ErrorKind = "transport"
	KindProvider        ErrorKind = "provider"
)

// APIError represents a failed model call
type APIError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	Type       string
	Code       string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("API error (%s, status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (%s): %s", e.Kind, e.Message)
}

// Client handles HTTP requests to OpenAI-compatible API endpoints
type Client struct {
	httpClient           *http.Client
	rateLimiterPool      *RateLimiterPool
	logger               *slog.Logger
	metrics              *metrics.Collector
	maxRetries           int
	baseRetryDelay       time.Duration
	providerRateLimits   map[string]int
	providerBurstPercent int
}

// Option configures a Client
type Option func(*Client)

// WithProviderRateLimits adds provider-wide request limits shared by all models of a provider
func WithProviderRateLimits(limits map[string]int, burstPercent int) Option {
	return func(c *Client) {
		c.providerRateLimits = limits
		c.providerBurstPercent = burstPercent
	}
}

// WithMetrics records request latency and limiter waits
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithRetryDelay overrides the base backoff delay
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.baseRetryDelay = d }
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a new API client. Per-request deadlines come from each
// model's http_timeout_seconds, so the HTTP client itself has no timeout.
func NewClient(logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient:           &http.Client{},
		rateLimiterPool:      NewRateLimiterPool(),
		logger:               logger,
		maxRetries:           DefaultMaxRetries,
		baseRetryDelay:       DefaultBaseRetryDelay,
		providerBurstPercent: 15,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChatCompletion sends a blocking chat completion request to the specified model
func (c *Client) ChatCompletion(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey string,
	messages []Message,
) (*ChatCompletionResponse, error) {
	req := c.buildRequest(modelCfg, messages, false)

	var resp *ChatCompletionResponse
	err := c.withRetry(ctx, modelCfg, nil, func(ctx context.Context) error {
		var err error
		resp, err = c.doRequest(ctx, modelCfg, apiKey, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) buildRequest(modelCfg config.ModelConfig, messages []Message, stream bool) ChatCompletionRequest {
	req := ChatCompletionRequest{
		Model:       modelCfg.ModelName,
		Messages:    messages,
		Temperature: modelCfg.Temperature,
		TopP:        modelCfg.TopP,
		MaxTokens:   modelCfg.MaxOutputTokens,
		N:           1,
		Stream:      stream,
	}
	if modelCfg.UseJSONMode {
		req.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}
	return req
}

// withRetry runs attempt with rate limiting, per-attempt timeout and
// exponential backoff. canRetry, when set, can veto a retry that would
// otherwise be allowed.
func (c *Client) withRetry(
	ctx context.Context,
	modelCfg config.ModelConfig,
	canRetry func() bool,
	attempt func(ctx context.Context) error,
) error {
	modelID := fmt.Sprintf("%s:%s", modelCfg.BaseURL, modelCfg.ModelName)
	provider := config.GetProviderName(modelCfg.BaseURL)

	maxAttempts := modelCfg.MaxRetries
	if maxAttempts == 0 {
		maxAttempts = c.maxRetries
	}

	var lastErr error
	for n := 0; maxAttempts < 0 || n <= maxAttempts; n++ {
		if n > 0 {
			sleep := c.backoff(n, lastErr, modelCfg)
			c.logger.Warn("Retrying API request",
				"attempt", n,
				"max_retries", maxAttempts,
				"backoff", sleep,
				"model", modelCfg.ModelName,
				"kind", errorKind(lastErr))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
		}

		waitStart := time.Now()
		if err := c.rateLimiterPool.Wait(ctx, modelID, modelCfg.RateLimitPerMinute, provider, c.providerRateLimits[provider], c.providerBurstPercent); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}
		c.metrics.RecordRateLimiterWait(modelCfg.ModelName, time.Since(waitStart))

		start := time.Now()
		err := c.runAttempt(ctx, modelCfg, attempt)
		c.metrics.RecordAPIRequest(modelCfg.ModelName, time.Since(start), err == nil)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return lastErr
		}
		if !isRetryable(err) || (canRetry != nil && !canRetry()) {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) runAttempt(ctx context.Context, modelCfg config.ModelConfig, attempt func(ctx context.Context) error) error {
	timeout := time.Duration(modelCfg.HTTPTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := attempt(attemptCtx)
	// The per-attempt deadline fired but the caller's context is still live
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &APIError{
			Kind:      KindTimeout,
			Message:   fmt.Sprintf("request exceeded %s", timeout),
			Retryable: true,
		}
	}
	return err
}

func (c *Client) backoff(attempt int, lastErr error, modelCfg config.ModelConfig) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseRetryDelay

	// Rate limits back off harder (3^n)
	if errorKind(lastErr) == KindRateLimit {
		backoff = time.Duration(math.Pow(RateLimitBackoffMultiplier, float64(attempt))) * c.baseRetryDelay
	}

	maxBackoff := DefaultMaxBackoffDuration
	if modelCfg.MaxBackoffSeconds > 0 {
		maxBackoff = time.Duration(modelCfg.MaxBackoffSeconds) * time.Second
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	jitter := time.Duration(float64(backoff) * 0.1 * (2*rand.Float64() - 1))
	return backoff + jitter
}

// post sends the request and returns the response when the status is 200
func (c *Client) post(ctx context.Context, baseURL, apiKey string, req ChatCompletionRequest) (*http.Response, error) {
	buf := getBuffer()
	defer putBuffer(buf)

	if err := json.NewEncoder(buf).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := strings.TrimRight(baseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	} else {
		c.logger.Debug("API request without key", "endpoint", endpoint)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 64*1024))
		return nil, statusError(httpResp.StatusCode, body)
	}
	return httpResp, nil
}

func (c *Client) doRequest(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey string,
	req ChatCompletionRequest,
) (*ChatCompletionResponse, error) {
	httpResp, err := c.post(ctx, modelCfg.BaseURL, apiKey, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, transportError(err)
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &APIError{
			Kind:      KindMalformedOutput,
			Message:   fmt.Sprintf("failed to parse response: %v", err),
			Retryable: true,
		}
	}
	if len(resp.Choices) == 0 {
		return nil, &APIError{
			Kind:      KindMalformedOutput,
			Message:   "no choices returned in response",
			Retryable: true,
		}
	}

	return &resp, nil
}

func transportError(err error) *APIError {
	kind := KindTransport
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = KindTimeout
	}
	return &APIError{
		Kind:      kind,
		Message:   fmt.Sprintf("request failed: %v", err),
		Retryable: true,
	}
}

func statusError(statusCode int, body []byte) *APIError {
	kind := KindProvider
	if statusCode == http.StatusTooManyRequests {
		kind = KindRateLimit
	}
	apiErr := &APIError{
		Kind:       kind,
		StatusCode: statusCode,
		Retryable:  isStatusCodeRetryable(statusCode),
	}

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		apiErr.Message = errResp.Error.Message
		apiErr.Type = errResp.Error.Type
		apiErr.Code = errResp.Error.Code
		return apiErr
	}
	apiErr.Message = fmt.Sprintf("API request failed with status %d: %s", statusCode, string(body))
	return apiErr
}

func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return false
}

func errorKind(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// isStatusCodeRetryable reports rate limits and transient server errors
func isStatusCodeRetryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}
