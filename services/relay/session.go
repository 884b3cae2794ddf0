package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sahilchouksey/chat-relay/services/conversation"
	"github.com/sahilchouksey/chat-relay/services/quota"
	"github.com/sahilchouksey/chat-relay/services/upstream"
	"github.com/sahilchouksey/chat-relay/utils/sse"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Session is one send being relayed. Run writes its events; Cancel ends it
// early from another goroutine.
type Session struct {
	ID string

	relay     *Relay
	send      *conversation.Send
	decision  quota.Decision
	body      io.ReadCloser
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	closeOnce sync.Once
	state     stateMachine
	log       *zap.Logger
}

type readResult struct {
	data []byte
	err  error
}

// ConversationID is the conversation the send belongs to, assigned up front
// for new conversations.
func (s *Session) ConversationID() string {
	return s.send.ConversationID
}

func (s *Session) State() State {
	return s.state.load()
}

// Cancel aborts the session. The partial text is kept as an aborted message.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
	s.cancel()
}

// Run relays the upstream stream to w as start, content and exactly one
// terminal event, then finalizes persistence and settles quota. A write error
// on w is treated as the client going away. Run must be called once.
func (s *Session) Run(w *bufio.Writer) conversation.Result {
	defer s.stop()

	cfg := s.relay.cfg
	var text strings.Builder
	clientGone := false

	if err := sse.SendStart(w, s.ID, s.send.ConversationID); err != nil {
		clientGone = true
		s.cancel()
	}

	deltas := make(chan string, cfg.BufferSize)
	reads := make(chan readResult)

	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error {
		return s.read(gctx, reads)
	})
	g.Go(func() error {
		// stopping the upstream unblocks a reader stuck in Read
		defer s.stop()
		return s.produce(gctx, reads, deltas)
	})

	keepAlive := time.NewTimer(cfg.KeepAliveInterval)
	defer keepAlive.Stop()

loop:
	for {
		select {
		case delta, ok := <-deltas:
			if !ok {
				break loop
			}
			if clientGone {
				continue
			}
			if err := sse.SendContent(w, delta); err != nil {
				s.log.Debug("client write failed", zap.Error(err))
				clientGone = true
				s.cancel()
				continue
			}
			text.WriteString(delta)
			keepAlive.Reset(cfg.KeepAliveInterval)
		case <-keepAlive.C:
			if !clientGone {
				if err := sse.SendKeepAlive(w); err != nil {
					clientGone = true
					s.cancel()
					continue
				}
			}
			keepAlive.Reset(cfg.KeepAliveInterval)
		}
	}

	streamErr := g.Wait()
	if clientGone || (streamErr != nil && s.cancelled.Load()) {
		streamErr = ErrClientCancelled
	}

	result := conversation.Result{Text: text.String(), Model: cfg.Model}
	switch {
	case streamErr == nil:
		s.transition(StateStreaming, StateCompleted)
		result.Outcome = conversation.OutcomeDone
		if err := sse.SendDone(w); err != nil {
			s.log.Debug("client gone before done event", zap.Error(err))
		}
	case errors.Is(streamErr, ErrClientCancelled):
		s.transition(StateStreaming, StateAborted)
		result.Outcome = conversation.OutcomeAborted
		if !clientGone {
			_ = sse.SendAborted(w)
		}
	default:
		s.transition(StateStreaming, StateFailed)
		result.Outcome = conversation.OutcomeError
		result.ErrorCode = errorCode(streamErr)
		s.log.Warn("stream failed", zap.String("code", result.ErrorCode), zap.Error(streamErr))
		if err := sse.SendError(w, result.ErrorCode, streamErr.Error()); err != nil {
			s.log.Debug("client gone before error event", zap.Error(err))
		}
	}

	s.settle(result)
	return result
}

// stop cancels the upstream request and closes its body
func (s *Session) stop() {
	s.cancel()
	s.closeOnce.Do(func() {
		closeQuietly(s.body)
	})
}

// read pumps raw upstream bytes to produce until EOF or error
func (s *Session) read(ctx context.Context, out chan<- readResult) error {
	for {
		buf := make([]byte, s.relay.cfg.ReadSize)
		n, err := s.body.Read(buf)
		select {
		case out <- readResult{data: buf[:n], err: err}:
		case <-ctx.Done():
			return nil
		}
		if err != nil {
			return nil
		}
	}
}

// produce decodes upstream bytes into deltas. It returns nil once the
// provider signals the end of the completion, and owns closing out.
func (s *Session) produce(ctx context.Context, in <-chan readResult, out chan<- string) error {
	defer close(out)

	cfg := s.relay.cfg
	dec := upstream.NewDecoder()
	finished := false

	idle := time.NewTimer(cfg.IdleTimeout)
	defer idle.Stop()

	emit := func(frames []upstream.Frame) error {
		for _, f := range frames {
			if f.FinishReason != "" || f.Done {
				finished = true
			}
			if f.Delta == "" {
				continue
			}
			select {
			case out <- f.Delta:
			case <-ctx.Done():
				return ErrClientCancelled
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ErrClientCancelled
		case <-idle.C:
			return ErrIdleTimeout
		case rr := <-in:
			if len(rr.data) > 0 {
				idle.Reset(cfg.IdleTimeout)
				frames, err := dec.Feed(rr.data)
				if emitErr := emit(frames); emitErr != nil {
					return emitErr
				}
				if err != nil {
					return fmt.Errorf("%w: %w", ErrUpstreamError, err)
				}
				if dec.Done() {
					return nil
				}
			}
			if rr.err == nil {
				continue
			}
			if ctx.Err() != nil {
				return ErrClientCancelled
			}
			if !errors.Is(rr.err, io.EOF) {
				return fmt.Errorf("%w: %w", ErrStreamInterrupted, rr.err)
			}
			frames, err := dec.Finish()
			if emitErr := emit(frames); emitErr != nil {
				return emitErr
			}
			if err != nil {
				return fmt.Errorf("%w: %w", ErrUpstreamError, err)
			}
			if dec.Done() || finished {
				return nil
			}
			return fmt.Errorf("%w: upstream closed before completion", ErrStreamInterrupted)
		}
	}
}

// settle records the outcome and hands quota back when the send produced
// nothing.
func (s *Session) settle(result conversation.Result) {
	cfg := s.relay.cfg
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), cfg.FinalizeTimeout)
	defer cancel()

	if err := s.relay.sync.Finalize(ctx, s.send, result); err != nil {
		s.log.Warn("finalize deferred", zap.Error(err))
	}
	if result.Outcome == conversation.OutcomeError && result.Text == "" {
		s.relay.release(s.decision)
	}
	s.log.Info("session finished",
		zap.String("outcome", string(result.Outcome)),
		zap.String("state", s.State().String()),
		zap.Int("chars", len(result.Text)))
}

func (s *Session) transition(from, to State) {
	if err := s.state.move(from, to); err != nil {
		s.log.Error("session state", zap.Error(err))
		return
	}
	if to.Terminal() {
		s.log.Info("session ended", zap.String("state", to.String()))
		return
	}
	s.log.Debug("session state", zap.String("from", from.String()), zap.String("to", to.String()))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrIdleTimeout):
		return sse.CodeIdleTimeout
	case errors.Is(err, ErrStreamInterrupted):
		return sse.CodeStreamInterrupted
	case errors.Is(err, ErrUpstreamUnavailable):
		return sse.CodeUpstreamUnavailable
	}
	return sse.CodeUpstreamError
}
