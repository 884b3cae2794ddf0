package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sahilchouksey/chat-relay/model"
	"github.com/sahilchouksey/chat-relay/services/conversation"
	"github.com/sahilchouksey/chat-relay/services/quota"
	"github.com/sahilchouksey/chat-relay/services/upstream"
	"github.com/sahilchouksey/chat-relay/utils/sse"
	"go.uber.org/zap"
)

var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrStreamInterrupted   = errors.New("stream interrupted")
	ErrIdleTimeout         = errors.New("upstream idle timeout")
	ErrUpstreamError       = errors.New("upstream error")
	// ErrClientCancelled ends a session as aborted; it is not a failure.
	ErrClientCancelled = errors.New("client cancelled")
)

// Synchronizer is the persistence side of a send
type Synchronizer interface {
	Prepare(ctx context.Context, send *conversation.Send) error
	GetConversation(ctx context.Context, owner, id string) (*model.Conversation, error)
	History(ctx context.Context, owner, id string) ([]model.Message, error)
	Begin(ctx context.Context, send *conversation.Send)
	Finalize(ctx context.Context, send *conversation.Send, result conversation.Result) error
}

// QuotaReleaser hands back a reservation for a send that produced nothing
type QuotaReleaser interface {
	Release(ctx context.Context, d quota.Decision) error
}

// Config holds the streaming limits
type Config struct {
	IdleTimeout       time.Duration // no upstream bytes for this long fails the session (default: 60s)
	KeepAliveInterval time.Duration // comment sent downstream while upstream is silent (default: 15s)
	BufferSize        int           // frames buffered between producer and writer (default: 32)
	FinalizeTimeout   time.Duration // default: 10s
	ReadSize          int           // upstream read buffer (default: 4096)
	Model             string        // recorded in message metadata
}

func (c *Config) setDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 15 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 32
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 10 * time.Second
	}
	if c.ReadSize <= 0 {
		c.ReadSize = 4096
	}
}

// SendRequest is one admitted send
type SendRequest struct {
	UserID         string
	ConversationID string
	Messages       []conversation.Turn
	Decision       quota.Decision
}

// Relay opens one upstream stream per send and relays it to the client
type Relay struct {
	upstream upstream.Opener
	sync     Synchronizer
	quota    QuotaReleaser
	cfg      Config
	log      *zap.Logger
}

func New(up upstream.Opener, sync Synchronizer, q QuotaReleaser, cfg Config, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.setDefaults()
	return &Relay{upstream: up, sync: sync, quota: q, cfg: cfg, log: log}
}

// Open validates the send, persists the user message and opens the upstream
// stream. Any error is returned before a byte is written to the client, and
// the quota reservation is handed back. Upstream failures wrap
// ErrUpstreamUnavailable.
func (r *Relay) Open(ctx context.Context, req SendRequest) (*Session, error) {
	send, err := conversation.NewSend(req.UserID, req.ConversationID, req.Messages)
	if err != nil {
		r.release(req.Decision)
		return nil, err
	}
	if err := r.sync.Prepare(ctx, send); err != nil {
		r.release(req.Decision)
		return nil, err
	}

	history, err := r.history(ctx, send)
	if err != nil {
		r.release(req.Decision)
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:       uuid.NewString(),
		relay:    r,
		send:     send,
		decision: req.Decision,
		ctx:      sctx,
		cancel:   cancel,
		log:      r.log.With(zap.String("conversation_id", send.ConversationID), zap.String("user_id", req.UserID)),
	}
	s.log = s.log.With(zap.String("session_id", s.ID))
	s.transition(StateIdle, StateOpeningUpstream)

	r.sync.Begin(ctx, send)

	body, err := r.upstream.Open(sctx, history)
	if err != nil && ctx.Err() != nil {
		s.transition(StateOpeningUpstream, StateAborted)
		s.settle(conversation.Result{Outcome: conversation.OutcomeAborted, Model: r.cfg.Model})
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrClientCancelled, err)
	}
	if err != nil {
		s.transition(StateOpeningUpstream, StateFailed)
		s.log.Warn("upstream open failed", zap.Error(err))
		s.settle(conversation.Result{Outcome: conversation.OutcomeError, ErrorCode: sse.CodeUpstreamUnavailable, Model: r.cfg.Model})
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	s.body = body
	s.transition(StateOpeningUpstream, StateStreaming)
	return s, nil
}

// history builds the upstream message list. A new conversation sends the
// request turns as given. An existing one sends its system prompt, then the
// persisted messages by sequence_index, then the new user message.
func (r *Relay) history(ctx context.Context, send *conversation.Send) ([]upstream.Message, error) {
	if send.NewConversation {
		out := make([]upstream.Message, 0, len(send.Turns))
		for _, t := range send.Turns {
			out = append(out, upstream.Message{Role: t.Role, Content: t.Content})
		}
		return out, nil
	}

	conv, err := r.sync.GetConversation(ctx, send.UserID, send.ConversationID)
	if err != nil {
		return nil, err
	}
	persisted, err := r.sync.History(ctx, send.UserID, send.ConversationID)
	if err != nil {
		return nil, err
	}

	out := make([]upstream.Message, 0, len(persisted)+2)
	if conv.GeneratedPrompt != nil && *conv.GeneratedPrompt != "" {
		out = append(out, upstream.Message{Role: string(model.MessageRoleSystem), Content: *conv.GeneratedPrompt})
	}
	for _, m := range persisted {
		if m.Content == "" {
			continue // aborted before any text
		}
		out = append(out, upstream.Message{Role: string(m.Role), Content: m.Content})
	}
	out = append(out, upstream.Message{Role: string(model.MessageRoleUser), Content: send.UserContent})
	return out, nil
}

func (r *Relay) release(d quota.Decision) {
	if r.quota == nil || !d.Allowed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FinalizeTimeout)
	defer cancel()
	if err := r.quota.Release(ctx, d); err != nil {
		r.log.Warn("quota release failed", zap.String("user_id", d.UserID), zap.Error(err))
	}
}

// closeQuietly closes an upstream body whose error no longer matters
func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
