package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/sahilchouksey/chat-relay/utils/sse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wire(t *testing.T, payloads ...sse.Payload) string {
	t.Helper()
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	for _, p := range payloads {
		require.NoError(t, sse.SendPayload(w, p))
	}
	return buf.String()
}

func content(delta string) sse.Payload {
	return sse.Payload{Type: sse.TypeContent, Delta: delta}
}

var (
	start = sse.Payload{Type: sse.TypeStart, SessionID: "s1", ConversationID: "c1"}
	done  = sse.Payload{Type: sse.TypeDone}
)

func helloWorld(t *testing.T) string {
	return wire(t, start, content("Hel"), content("lo wo"), content("rld"), done)
}

func collect(s *Stream) ([]string, error) {
	var partials []string
	var last error
	for text, err := range s.Partials() {
		if err != nil {
			last = err
			continue
		}
		partials = append(partials, text)
	}
	return partials, last
}

func split(raw string, at ...int) io.ReadCloser {
	var readers []io.Reader
	prev := 0
	for _, i := range at {
		readers = append(readers, strings.NewReader(raw[prev:i]))
		prev = i
	}
	readers = append(readers, strings.NewReader(raw[prev:]))
	return io.NopCloser(io.MultiReader(readers...))
}

func TestStreamAssemblesText(t *testing.T) {
	s := NewStream(io.NopCloser(strings.NewReader(helloWorld(t))), nil)
	partials, err := collect(s)
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "Hello wo", "Hello world"}, partials)
	r := s.Result()
	assert.Equal(t, OutcomeDone, r.Outcome)
	assert.Equal(t, "Hello world", r.Text)
	assert.Equal(t, "s1", r.SessionID)
	assert.Equal(t, "c1", r.ConversationID)
}

func TestStreamChunkBoundaryIndependence(t *testing.T) {
	raw := helloWorld(t)
	for i := 1; i < len(raw); i++ {
		s := NewStream(split(raw, i), nil)
		r := s.Wait()
		require.Equal(t, OutcomeDone, r.Outcome, "split at %d", i)
		require.Equal(t, "Hello world", r.Text, "split at %d", i)
	}

	for i := 1; i < len(raw)-1; i++ {
		s := NewStream(split(raw, i, i+1), nil)
		require.Equal(t, "Hello world", s.Wait().Text, "splits at %d,%d", i, i+1)
	}

	s := NewStream(io.NopCloser(iotest.OneByteReader(strings.NewReader(raw))), nil)
	assert.Equal(t, "Hello world", s.Wait().Text)
}

func TestStreamMultibyteDeltas(t *testing.T) {
	raw := wire(t, start, content("héllo "), content("世界"), content(" 👋"), done)
	s := NewStream(io.NopCloser(iotest.OneByteReader(strings.NewReader(raw))), nil, WithReadSize(3))
	assert.Equal(t, "héllo 世界 👋", s.Wait().Text)
}

func TestStreamIgnoresCommentsAndCRLF(t *testing.T) {
	raw := ": ping\n\n" + strings.ReplaceAll(helloWorld(t), "\n", "\r\n")
	s := NewStream(io.NopCloser(strings.NewReader(raw)), nil)
	r := s.Wait()
	assert.Equal(t, OutcomeDone, r.Outcome)
	assert.Equal(t, "Hello world", r.Text)
}

func TestStreamErrorEvent(t *testing.T) {
	raw := wire(t, start, content("Hel"), sse.Payload{Type: sse.TypeError, Code: sse.CodeIdleTimeout, Message: "upstream idle timeout"})
	s := NewStream(io.NopCloser(strings.NewReader(raw)), nil)

	partials, err := collect(s)
	assert.Equal(t, []string{"Hel"}, partials)

	var streamErr *StreamError
	require.True(t, errors.As(err, &streamErr))
	assert.Equal(t, sse.CodeIdleTimeout, streamErr.Code)

	r := s.Result()
	assert.Equal(t, OutcomeError, r.Outcome)
	assert.Equal(t, "Hel", r.Text)
}

func TestStreamAbortedEvent(t *testing.T) {
	raw := wire(t, start, content("Hel"), sse.Payload{Type: sse.TypeAborted})
	r := NewStream(io.NopCloser(strings.NewReader(raw)), nil).Wait()
	assert.Equal(t, OutcomeAborted, r.Outcome)
	assert.Nil(t, r.Err)
}

func TestStreamStopsAtTerminalEvent(t *testing.T) {
	raw := wire(t, start, content("a"), done, content("late"))
	r := NewStream(io.NopCloser(strings.NewReader(raw)), nil).Wait()
	assert.Equal(t, "a", r.Text)
}

func TestStreamEOFWithoutTerminal(t *testing.T) {
	raw := wire(t, start, content("Hel")) + `data: {"type":"content","delta":"trunc`
	r := NewStream(io.NopCloser(strings.NewReader(raw)), nil).Wait()
	assert.Equal(t, OutcomeError, r.Outcome)
	assert.Equal(t, CodeStreamInterrupted, r.Err.Code)
	assert.Equal(t, "Hel", r.Text, "incomplete trailing line is never decoded")
}

func TestStreamMalformedEvent(t *testing.T) {
	raw := wire(t, start) + "data: {not json}\n\n"
	r := NewStream(io.NopCloser(strings.NewReader(raw)), nil).Wait()
	assert.Equal(t, OutcomeError, r.Outcome)
	assert.Equal(t, CodeProtocolError, r.Err.Code)
}

func TestStreamIdleTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte(wire(t, start, content("Hel"))))
	}()

	s := NewStream(pr, nil, WithIdleTimeout(30*time.Millisecond))
	r := s.Wait()

	assert.Equal(t, OutcomeError, r.Outcome)
	assert.Equal(t, CodeIdleTimeout, r.Err.Code)
	assert.Equal(t, "Hel", r.Text)

	_, err := pw.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe, "body released")
}

func TestStreamCancelMidStream(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte(wire(t, start, content("Hel"))))
	}()

	var transportCancelled atomic.Bool
	var finalized atomic.Int32
	var final Result
	s := NewStream(pr, func() { transportCancelled.Store(true) },
		WithFinalizer(func(r Result) {
			finalized.Add(1)
			final = r
		}))

	var partials []string
	for text, err := range s.Partials() {
		require.NoError(t, err)
		partials = append(partials, text)
		s.Cancel()
	}

	assert.Equal(t, []string{"Hel"}, partials)
	assert.True(t, transportCancelled.Load())
	assert.Equal(t, int32(1), finalized.Load())
	assert.Equal(t, OutcomeAborted, final.Outcome)
	assert.Equal(t, "Hel", final.Text)

	s.Cancel()
	assert.Equal(t, int32(1), finalized.Load(), "finalization runs once")
}

func TestStreamCancelFromAnotherGoroutine(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte(wire(t, start, content("Hel"))))
	}()

	s := NewStream(pr, nil)
	first := make(chan struct{})
	go func() {
		<-first
		s.Cancel()
	}()

	go func() {
		for text := range s.Partials() {
			if text == "Hel" {
				close(first)
			}
		}
	}()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream never finalized")
	}
	assert.Equal(t, OutcomeAborted, s.Result().Outcome)
	assert.Equal(t, "Hel", s.Result().Text)
}

func TestStreamCancelBeforeConsuming(t *testing.T) {
	var final Result
	s := NewStream(io.NopCloser(strings.NewReader(helloWorld(t))), nil,
		WithFinalizer(func(r Result) { final = r }))
	s.Cancel()

	assert.Equal(t, OutcomeAborted, final.Outcome)
	for _, err := range s.Partials() {
		assert.ErrorIs(t, err, ErrStreamConsumed)
	}
}

func TestStreamBreakCancels(t *testing.T) {
	var cancelled atomic.Bool
	s := NewStream(io.NopCloser(strings.NewReader(helloWorld(t))), func() { cancelled.Store(true) })
	for range s.Partials() {
		break
	}
	r := s.Result()
	assert.Equal(t, OutcomeAborted, r.Outcome)
	assert.Equal(t, "Hel", r.Text)
	assert.True(t, cancelled.Load())
}

func TestStreamConsumedOnce(t *testing.T) {
	s := NewStream(io.NopCloser(strings.NewReader(helloWorld(t))), nil)
	s.Wait()
	_, err := collect(s)
	assert.ErrorIs(t, err, ErrStreamConsumed)
}

func TestStreamTransportContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewStream(io.NopCloser(strings.NewReader(helloWorld(t))), cancel)
	s.Wait()
	assert.Error(t, ctx.Err(), "transport released after the terminal event")
}
