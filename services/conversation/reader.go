package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sahilchouksey/chat-relay/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const historyTTL = 10 * time.Minute

// TranscriptStore keeps a copy of an archived conversation
type TranscriptStore interface {
	PutTranscript(ctx context.Context, conv *model.Conversation, messages []model.Message) (string, error)
}

// ListOptions filters and pages ListConversations
type ListOptions struct {
	Status model.ConversationStatus
	Limit  int
	Offset int
}

type cachedHistory struct {
	MessageCount int             `json:"message_count"`
	Messages     []model.Message `json:"messages"`
}

func historyKey(conversationID string) string {
	return "chat-relay:history:" + conversationID
}

// ListConversations returns the owner's conversations, most recently active first
func (s *Synchronizer) ListConversations(ctx context.Context, owner string, opts ListOptions) ([]model.Conversation, int64, error) {
	scope := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&model.Conversation{}).Where("owner = ?", owner)
		if opts.Status != "" {
			q = q.Where("status = ?", opts.Status)
		}
		return q
	}

	var total int64
	if err := scope().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count conversations: %w", err)
	}

	var conversations []model.Conversation
	query := scope().Order("last_activity_at DESC").Order("id")
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := query.Find(&conversations).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch conversations: %w", err)
	}

	return conversations, total, nil
}

// GetConversation returns one conversation. Another user's conversation is reported as not found.
func (s *Synchronizer) GetConversation(ctx context.Context, owner, id string) (*model.Conversation, error) {
	var conv model.Conversation
	err := s.db.WithContext(ctx).Where("id = ? AND owner = ?", id, owner).Take(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation: %w", err)
	}
	return &conv, nil
}

// History returns the persisted messages ordered by sequence_index.
func (s *Synchronizer) History(ctx context.Context, owner, id string) ([]model.Message, error) {
	conv, err := s.GetConversation(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	return s.messagesUpTo(ctx, conv.ID, conv.MessageCount)
}

// messagesUpTo loads the first count messages. The cache entry is only used
// when it was built for the same count, so it never serves a stale snapshot.
func (s *Synchronizer) messagesUpTo(ctx context.Context, conversationID string, count int) ([]model.Message, error) {
	if s.cache != nil {
		var cached cachedHistory
		if err := s.cache.GetJSON(ctx, historyKey(conversationID), &cached); err == nil && cached.MessageCount == count {
			return cached.Messages, nil
		}
	}

	var messages []model.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND sequence_index <= ?", conversationID, count).
		Order("sequence_index ASC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	if s.cache != nil {
		entry := cachedHistory{MessageCount: count, Messages: messages}
		if err := s.cache.SetJSON(ctx, historyKey(conversationID), entry, historyTTL); err != nil {
			s.log.Debug("history cache write failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	return messages, nil
}

func (s *Synchronizer) invalidateHistory(ctx context.Context, conversationID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, historyKey(conversationID)); err != nil {
		s.log.Debug("history cache invalidation failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// Archive closes a conversation for new sends. With a transcript store
// configured, the transcript is uploaded first and its location kept in the log.
func (s *Synchronizer) Archive(ctx context.Context, owner, id string) (*model.Conversation, error) {
	conv, err := s.GetConversation(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if conv.IsArchived() {
		return conv, nil
	}

	if s.transcripts != nil {
		messages, err := s.messagesUpTo(ctx, conv.ID, conv.MessageCount)
		if err != nil {
			return nil, err
		}
		location, err := s.transcripts.PutTranscript(ctx, conv, messages)
		if err != nil {
			return nil, fmt.Errorf("failed to store transcript: %w", err)
		}
		s.log.Info("conversation transcript stored", zap.String("conversation_id", conv.ID), zap.String("location", location))
	}

	now := s.now().UTC()
	err = s.db.WithContext(ctx).Model(&model.Conversation{}).
		Where("id = ? AND owner = ?", conv.ID, owner).
		Updates(map[string]interface{}{
			"status":     model.ConversationStatusArchived,
			"updated_at": now,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to archive conversation: %w", err)
	}

	conv.Status = model.ConversationStatusArchived
	conv.UpdatedAt = now
	return conv, nil
}
