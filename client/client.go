// Package client consumes the chat relay's streaming send endpoint.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Message is one {role, content} turn of a send
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SendRequest is the body of POST /api/v1/chat/send
type SendRequest struct {
	ConversationID string    `json:"conversationId,omitempty"`
	Messages       []Message `json:"messages"`
}

// QuotaExceededError is returned when the send was denied before streaming.
// Unavailable is set when the server could not check the quota at all.
type QuotaExceededError struct {
	Used        int
	Limit       int
	Unavailable bool
}

func (e *QuotaExceededError) Error() string {
	if e.Unavailable {
		return "quota check unavailable"
	}
	return fmt.Sprintf("quota exceeded: %d of %d used", e.Used, e.Limit)
}

// APIError is a non-streaming error response
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("api error %d %s: %s (%s)", e.StatusCode, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

type envelope struct {
	Success bool `json:"success"`
	Data    struct {
		Allowed bool `json:"allowed"`
		Used    int  `json:"used"`
		Limit   int  `json:"limit"`
	} `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
}

// Config holds configuration for the relay client
type Config struct {
	BaseURL    string // e.g. http://localhost:8080
	Token      string // bearer token
	HTTPClient *http.Client
}

// Client sends messages to the relay
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(config Config) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		// streams are bounded by the consumer's idle timeout, not a client Timeout
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		token:      config.Token,
		httpClient: httpClient,
	}
}

// Send posts req and returns the event stream. A denial returns
// *QuotaExceededError and other non-stream responses *APIError. An upstream
// failure still returns a Stream, which ends with its error event.
func (c *Client) Send(ctx context.Context, req SendRequest, opts ...Option) (*Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/chat/send", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("send request: %w", err)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return NewStream(resp.Body, cancel, opts...), nil
	}

	defer cancel()
	defer resp.Body.Close()
	return nil, decodeError(resp)
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		if env.Error != nil && env.Error.Code == "QUOTA_EXCEEDED" {
			return &QuotaExceededError{Used: env.Data.Used, Limit: env.Data.Limit}
		}
	case http.StatusServiceUnavailable:
		if env.Error != nil && env.Error.Code == "QUOTA_UNAVAILABLE" {
			return &QuotaExceededError{Used: env.Data.Used, Limit: env.Data.Limit, Unavailable: true}
		}
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	if env.Error != nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}
