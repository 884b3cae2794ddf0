package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultDialTimeout is the timeout for establishing TCP connections
	DefaultDialTimeout = 10 * time.Second
	// DefaultTLSTimeout is the timeout for TLS handshake
	DefaultTLSTimeout = 10 * time.Second
	// DefaultHeaderTimeout is the timeout for waiting for response headers
	DefaultHeaderTimeout = 30 * time.Second
	// DefaultKeepAlive is the TCP keep-alive probe interval
	DefaultKeepAlive = 90 * time.Second

	maxErrorBodySize = 64 * 1024
)

// Message is one turn of the history sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the OpenAI-compatible streaming request body.
type ChatCompletionRequest struct {
	Model    string    `json:"model,omitempty"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// StatusError is a non-2xx response to the open request.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

// Opener opens one streaming completion and returns its body.
type Opener interface {
	Open(ctx context.Context, messages []Message) (io.ReadCloser, error)
}

// Config holds configuration for the upstream client
type Config struct {
	BaseURL           string // e.g. https://api.openai.com/v1
	APIKey            string
	Model             string
	RetryConfig       *RetryConfig       // Optional custom retry config
	RateLimiterConfig *RateLimiterConfig // Optional rate limiter config
	HTTPClient        *http.Client       // Optional, replaces the streaming client
}

// Client talks to an OpenAI-compatible /chat/completions endpoint
type Client struct {
	endpoint    string
	apiKey      string
	model       string
	httpClient  *http.Client
	retryConfig RetryConfig
	rateLimiter *RateLimiter
	log         *zap.Logger
}

func NewClient(config Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}

	retryConfig := DefaultRetryConfig()
	if config.RetryConfig != nil {
		retryConfig = *config.RetryConfig
	}

	rateLimiterConfig := DefaultRateLimiterConfig()
	if config.RateLimiterConfig != nil {
		rateLimiterConfig = *config.RateLimiterConfig
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		// No client-level Timeout: it would cut long streams. Connection setup is
		// bounded by the transport, body reads by the relay's idle timer.
		httpClient = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   DefaultDialTimeout,
					KeepAlive: DefaultKeepAlive,
				}).DialContext,
				TLSHandshakeTimeout:   DefaultTLSTimeout,
				ResponseHeaderTimeout: DefaultHeaderTimeout,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
			},
		}
	}

	return &Client{
		endpoint:    strings.TrimSuffix(config.BaseURL, "/") + "/chat/completions",
		apiKey:      config.APIKey,
		model:       config.Model,
		httpClient:  httpClient,
		retryConfig: retryConfig,
		rateLimiter: NewRateLimiter(rateLimiterConfig),
		log:         log,
	}
}

// Open sends the history and returns the streaming body once a 2xx status is
// received. Retryable failures are retried with backoff; nothing has been read
// from a body at that point, so a retry cannot duplicate content.
func (c *Client) Open(ctx context.Context, messages []Message) (io.ReadCloser, error) {
	body, err := json.Marshal(ChatCompletionRequest{Model: c.model, Messages: messages, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := CalculateBackoff(attempt-1, c.retryConfig)
			var se *StatusError
			if errors.As(lastErr, &se) && se.RetryAfter > backoff {
				backoff = min(se.RetryAfter, c.retryConfig.MaxBackoff)
			}
			c.log.Warn("retrying upstream open",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := c.do(ctx, body)
		if err == nil {
			return resp.Body, nil
		}
		lastErr = err

		if !isRetryable(ctx, err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("upstream open failed after %d attempts: %w", c.retryConfig.MaxRetries+1, lastErr)
}

func (c *Client) do(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(errBody)),
			RetryAfter: ParseRetryAfter(resp),
		}
	}

	return resp, nil
}

func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return IsRetryableStatusCode(se.StatusCode)
	}
	// transport errors (refused, reset, timeouts) are worth another try
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
