package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sahilchouksey/chat-relay/utils/sse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendStreamsReply(t *testing.T) {
	var got SendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chat/send", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, helloWorld(t))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/", Token: "tok"})
	s, err := c.Send(context.Background(), SendRequest{
		ConversationID: "c1",
		Messages:       []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	r := s.Wait()
	assert.Equal(t, OutcomeDone, r.Outcome)
	assert.Equal(t, "Hello world", r.Text)
	assert.Equal(t, "c1", got.ConversationID)
	assert.Equal(t, "hi", got.Messages[0].Content)
}

func envelopeHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func TestSendQuotaExceeded(t *testing.T) {
	srv := httptest.NewServer(envelopeHandler(http.StatusTooManyRequests,
		`{"success":false,"data":{"allowed":false,"used":5,"limit":5},"error":{"code":"QUOTA_EXCEEDED","message":"Monthly quota exceeded"}}`))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Send(context.Background(), SendRequest{Messages: []Message{{Role: "user", Content: "hi"}}})

	var quotaErr *QuotaExceededError
	require.True(t, errors.As(err, &quotaErr))
	assert.Equal(t, 5, quotaErr.Used)
	assert.Equal(t, 5, quotaErr.Limit)
	assert.False(t, quotaErr.Unavailable)
}

func TestSendRateLimitedIsNotQuota(t *testing.T) {
	srv := httptest.NewServer(envelopeHandler(http.StatusTooManyRequests,
		`{"success":false,"error":{"code":"TOO_MANY_REQUESTS","message":"Too many requests. Please try again later."}}`))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Send(context.Background(), SendRequest{Messages: []Message{{Role: "user", Content: "hi"}}})

	var quotaErr *QuotaExceededError
	assert.False(t, errors.As(err, &quotaErr))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "TOO_MANY_REQUESTS", apiErr.Code)
}

func TestSendQuotaUnavailable(t *testing.T) {
	srv := httptest.NewServer(envelopeHandler(http.StatusServiceUnavailable,
		`{"success":false,"data":{"allowed":false,"used":0,"limit":0},"error":{"code":"QUOTA_UNAVAILABLE","message":"Quota check unavailable"}}`))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Send(context.Background(), SendRequest{})

	var quotaErr *QuotaExceededError
	require.True(t, errors.As(err, &quotaErr))
	assert.True(t, quotaErr.Unavailable)
}

func TestSendValidationError(t *testing.T) {
	srv := httptest.NewServer(envelopeHandler(http.StatusUnprocessableEntity,
		`{"success":false,"error":{"code":"VALIDATION_ERROR","message":"Validation failed","details":"messages is required"}}`))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Send(context.Background(), SendRequest{})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", apiErr.Code)
	assert.Equal(t, "messages is required", apiErr.Details)
}

func TestSendUpstreamUnavailableIsAStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, wire(t, sse.Payload{Type: sse.TypeError, Code: sse.CodeUpstreamUnavailable, Message: "upstream unavailable"}))
	}))
	defer srv.Close()

	s, err := New(Config{BaseURL: srv.URL}).Send(context.Background(), SendRequest{})
	require.NoError(t, err)

	r := s.Wait()
	assert.Equal(t, OutcomeError, r.Outcome)
	assert.Equal(t, sse.CodeUpstreamUnavailable, r.Err.Code)
	assert.Empty(t, r.Text)
}

func TestSendCancelClosesRequest(t *testing.T) {
	serverSawCancel := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, wire(t, start, content("Hel")))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(serverSawCancel)
	}))
	defer srv.Close()

	s, err := New(Config{BaseURL: srv.URL}).Send(context.Background(), SendRequest{})
	require.NoError(t, err)

	for text, err := range s.Partials() {
		require.NoError(t, err)
		assert.Equal(t, "Hel", text)
		s.Cancel()
	}

	r := s.Result()
	assert.Equal(t, OutcomeAborted, r.Outcome)
	assert.Equal(t, "Hel", r.Text)

	select {
	case <-serverSawCancel:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the cancellation")
	}
}
