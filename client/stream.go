package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/sahilchouksey/chat-relay/utils/sse"
)

// DefaultIdleTimeout is longer than the server's keep-alive interval, so a
// healthy but slow stream never trips it.
const DefaultIdleTimeout = 90 * time.Second

// Outcome is how a stream ended
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeAborted Outcome = "aborted"
	OutcomeError   Outcome = "error"
)

// Error codes the consumer assigns itself; the rest come from the server.
const (
	CodeIdleTimeout       = sse.CodeIdleTimeout
	CodeStreamInterrupted = sse.CodeStreamInterrupted
	CodeProtocolError     = "protocol_error"
)

var ErrStreamConsumed = errors.New("stream already consumed")

// StreamError is the terminal error of a stream
type StreamError struct {
	Code    string
	Message string
}

func (e *StreamError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result is the final state of a stream
type Result struct {
	Outcome        Outcome
	Text           string
	Err            *StreamError // set when Outcome is error
	SessionID      string
	ConversationID string
}

type Option func(*Stream)

// WithIdleTimeout ends the stream with idle_timeout when no bytes arrive for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Stream) {
		s.idle = d
	}
}

// WithFinalizer registers fn to run exactly once with the final Result.
func WithFinalizer(fn func(Result)) Option {
	return func(s *Stream) {
		s.finalizers = append(s.finalizers, fn)
	}
}

// WithReadSize sets the size of each read from the body.
func WithReadSize(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.readSize = n
		}
	}
}

type chunk struct {
	data []byte
	err  error
}

// Stream consumes one relay event stream
type Stream struct {
	body       io.ReadCloser
	transport  context.CancelFunc
	idle       time.Duration
	readSize   int
	finalizers []func(Result)

	mu        sync.Mutex
	consumed  bool
	running   bool
	cancelled chan struct{}
	cancelOne sync.Once

	finalOnce sync.Once
	done      chan struct{}
	result    Result

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewStream wraps body. cancel stops the transport carrying it and may be nil.
func NewStream(body io.ReadCloser, cancel context.CancelFunc, opts ...Option) *Stream {
	s := &Stream{
		body:      body,
		transport: cancel,
		idle:      DefaultIdleTimeout,
		readSize:  4096,
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cancel stops reading and finalizes the stream as aborted with whatever
// text was accumulated. It is safe to call at any time, more than once.
func (s *Stream) Cancel() {
	s.cancelOne.Do(func() { close(s.cancelled) })
	s.stop()

	s.mu.Lock()
	running := s.running
	s.consumed = true
	s.mu.Unlock()
	if !running {
		s.finalize(Result{Outcome: OutcomeAborted})
	}
}

// Done is closed once the stream has been finalized
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Result blocks until the stream is finalized and returns its Result.
func (s *Stream) Result() Result {
	<-s.done
	return s.result
}

// Wait consumes the stream without observing partials.
func (s *Stream) Wait() Result {
	for range s.Partials() {
	}
	return s.Result()
}

// Partials yields the accumulated text after each content event. A terminal
// error is yielded once, with the text so far. Stopping the iteration early
// cancels the stream. A stream can be iterated once.
func (s *Stream) Partials() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s.mu.Lock()
		if s.consumed {
			s.mu.Unlock()
			yield("", ErrStreamConsumed)
			return
		}
		s.consumed = true
		s.running = true
		s.mu.Unlock()

		result := s.consume(yield)
		s.finalize(result)
		if result.Err != nil {
			yield(result.Text, result.Err)
		}
	}
}

func (s *Stream) consume(yield func(string, error) bool) Result {
	defer s.stop()

	chunks := make(chan chunk, 1)
	go s.read(chunks)

	var (
		carry  []byte
		text   strings.Builder
		result Result
	)

	var idle <-chan time.Time
	var timer *time.Timer
	if s.idle > 0 {
		timer = time.NewTimer(s.idle)
		defer timer.Stop()
		idle = timer.C
	}

	finish := func(o Outcome, code, msg string) Result {
		result.Outcome = o
		result.Text = text.String()
		if o == OutcomeError {
			result.Err = &StreamError{Code: code, Message: msg}
		}
		return result
	}

	for {
		// a cancel wins over data already buffered
		if s.isCancelled() {
			return finish(OutcomeAborted, "", "")
		}

		select {
		case <-s.cancelled:
			return finish(OutcomeAborted, "", "")
		case <-idle:
			return finish(OutcomeError, CodeIdleTimeout, "no data from server")
		case c := <-chunks:
			if len(c.data) > 0 {
				if timer != nil {
					timer.Reset(s.idle)
				}
				carry = append(carry, c.data...)
				for {
					i := bytes.IndexByte(carry, '\n')
					if i < 0 {
						break
					}
					line := carry[:i]
					carry = carry[i+1:]

					p, ok, err := sse.ParseLine(line)
					if err != nil {
						return finish(OutcomeError, CodeProtocolError, err.Error())
					}
					if !ok {
						continue
					}
					switch p.Type {
					case sse.TypeStart:
						result.SessionID = p.SessionID
						result.ConversationID = p.ConversationID
					case sse.TypeContent:
						text.WriteString(p.Delta)
						if !yield(text.String(), nil) || s.isCancelled() {
							return finish(OutcomeAborted, "", "")
						}
					case sse.TypeDone:
						return finish(OutcomeDone, "", "")
					case sse.TypeAborted:
						return finish(OutcomeAborted, "", "")
					case sse.TypeError:
						return finish(OutcomeError, p.Code, p.Message)
					}
				}
				// bytes after the last newline wait for the next read
				carry = append([]byte(nil), carry...)
			}
			if c.err != nil {
				if s.isCancelled() {
					return finish(OutcomeAborted, "", "")
				}
				msg := "connection closed before a terminal event"
				if !errors.Is(c.err, io.EOF) {
					msg = c.err.Error()
				}
				return finish(OutcomeError, CodeStreamInterrupted, msg)
			}
		}
	}
}

func (s *Stream) isCancelled() bool {
	select {
	case <-s.cancelled:
		return true
	default:
		return false
	}
}

func (s *Stream) read(out chan<- chunk) {
	for {
		buf := make([]byte, s.readSize)
		n, err := s.body.Read(buf)
		select {
		case out <- chunk{data: buf[:n], err: err}:
		case <-s.stopped:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Stream) transportCancel() {
	if s.transport != nil {
		s.transport()
	}
}

// stop releases the transport and the body; a blocked read returns.
func (s *Stream) stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.transportCancel()
		_ = s.body.Close()
	})
}

func (s *Stream) finalize(r Result) {
	s.finalOnce.Do(func() {
		s.result = r
		for _, fn := range s.finalizers {
			fn(r)
		}
		close(s.done)
	})
}
