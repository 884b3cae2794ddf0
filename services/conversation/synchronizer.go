package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sahilchouksey/chat-relay/model"
	"github.com/sahilchouksey/chat-relay/utils/cache"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Synchronizer persists conversations and their messages. Message inserts and
// the conversation aggregates move together in one transaction.
type Synchronizer struct {
	db          *gorm.DB
	cache       *cache.RedisCache // optional
	transcripts TranscriptStore   // optional
	retrier     *Retrier          // optional
	now         func() time.Time
	log         *zap.Logger
}

type Option func(*Synchronizer)

// WithCache enables the Redis history cache
func WithCache(c *cache.RedisCache) Option {
	return func(s *Synchronizer) { s.cache = c }
}

// WithTranscripts uploads a transcript when a conversation is archived
func WithTranscripts(t TranscriptStore) Option {
	return func(s *Synchronizer) { s.transcripts = t }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

func NewSynchronizer(db *gorm.DB, log *zap.Logger, opts ...Option) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Synchronizer{db: db, now: time.Now, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetRetrier hands failed finalizations to r
func (s *Synchronizer) SetRetrier(r *Retrier) {
	s.retrier = r
}

// Prepare checks that an existing conversation belongs to the sender and is
// still open. New conversations need no check.
func (s *Synchronizer) Prepare(ctx context.Context, send *Send) error {
	if send.NewConversation {
		return nil
	}
	conv, err := s.GetConversation(ctx, send.UserID, send.ConversationID)
	if err != nil {
		return err
	}
	if conv.IsArchived() {
		return ErrArchived
	}
	return nil
}

// Begin persists the conversation (when new) and the user message before the
// upstream is opened. A failure here is only logged: Finalize repeats the step.
func (s *Synchronizer) Begin(ctx context.Context, send *Send) {
	if err := s.persistUser(ctx, send); err != nil {
		s.log.Warn("user message not persisted at begin, deferring to finalize",
			zap.String("conversation_id", send.ConversationID),
			zap.String("message_id", send.UserMessageID),
			zap.Error(err))
	}
}

// Finalize records the end of a send: the user message if Begin could not,
// then the assistant message when there is text or the send was aborted.
// On failure the work is queued for retry and the error is returned for logging.
func (s *Synchronizer) Finalize(ctx context.Context, send *Send, result Result) error {
	err := s.finalize(ctx, send, result)
	if err == nil {
		return nil
	}

	s.log.Error("finalize failed",
		zap.String("conversation_id", send.ConversationID),
		zap.String("outcome", string(result.Outcome)),
		zap.Error(err))

	if s.retrier != nil && !errors.Is(err, ErrArchived) {
		s.retrier.Enqueue(send, result)
	}
	return err
}

func (s *Synchronizer) finalize(ctx context.Context, send *Send, result Result) error {
	if err := s.persistUser(ctx, send); err != nil {
		return err
	}

	if result.Text == "" && result.Outcome != OutcomeAborted {
		return nil
	}

	meta := datatypes.JSONMap{"outcome": string(result.Outcome)}
	if result.ErrorCode != "" {
		meta["error_code"] = result.ErrorCode
	}
	if result.Model != "" {
		meta["model"] = result.Model
	}

	msg := &model.Message{
		ID:             send.AssistantMessageID,
		ConversationID: send.ConversationID,
		Role:           model.MessageRoleAssistant,
		Content:        result.Text,
		Status:         statusFor(result.Outcome),
		Metadata:       meta,
	}
	if _, err := s.insertMessage(ctx, msg); err != nil {
		return fmt.Errorf("%w: assistant message: %w", ErrPersistence, err)
	}
	return nil
}

func (s *Synchronizer) persistUser(ctx context.Context, send *Send) error {
	if send.UserPersisted {
		return nil
	}

	if send.NewConversation {
		if err := s.ensureConversation(ctx, send); err != nil {
			return fmt.Errorf("%w: create conversation: %w", ErrPersistence, err)
		}
	}

	msg := &model.Message{
		ID:             send.UserMessageID,
		ConversationID: send.ConversationID,
		Role:           model.MessageRoleUser,
		Content:        send.UserContent,
		Status:         model.MessageStatusComplete,
	}
	if _, err := s.insertMessage(ctx, msg); err != nil {
		return fmt.Errorf("%w: user message: %w", ErrPersistence, err)
	}

	send.UserPersisted = true
	return nil
}

// ensureConversation creates the planned conversation. The id is fixed up
// front, so a replay hits the conflict and does nothing.
func (s *Synchronizer) ensureConversation(ctx context.Context, send *Send) error {
	now := s.now().UTC()
	conv := model.Conversation{
		ID:              send.ConversationID,
		Owner:           send.UserID,
		Title:           send.Title,
		Status:          model.ConversationStatusActive,
		LastActivityAt:  now,
		GeneratedPrompt: send.GeneratedPrompt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&conv).Error
}

// insertMessage appends msg to an active conversation. Inside one transaction it
// bumps message_count, moves last_activity_at forward (never back), reads the
// new count as the message's sequence_index and inserts the row. The UPDATE's
// row lock serializes concurrent inserts on the same conversation only.
// A message whose id already exists is left alone and reported as not inserted.
func (s *Synchronizer) insertMessage(ctx context.Context, msg *model.Message) (bool, error) {
	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&model.Message{}).Where("id = ?", msg.ID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}

		now := s.now().UTC()
		res := tx.Model(&model.Conversation{}).
			Where("id = ? AND status = ?", msg.ConversationID, model.ConversationStatusActive).
			Updates(map[string]interface{}{
				"message_count":    gorm.Expr("message_count + ?", 1),
				"last_activity_at": gorm.Expr("CASE WHEN last_activity_at < ? THEN ? ELSE last_activity_at END", now, now),
				"updated_at":       now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var archived int64
			if err := tx.Model(&model.Conversation{}).
				Where("id = ? AND status = ?", msg.ConversationID, model.ConversationStatusArchived).
				Count(&archived).Error; err != nil {
				return err
			}
			if archived > 0 {
				return ErrArchived
			}
			return ErrNotFound
		}

		var conv model.Conversation
		if err := tx.Select("message_count").Where("id = ?", msg.ConversationID).Take(&conv).Error; err != nil {
			return err
		}

		msg.SequenceIndex = conv.MessageCount
		msg.CreatedAt = now
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if inserted {
		s.invalidateHistory(ctx, msg.ConversationID)
	}
	return inserted, nil
}

// Replay runs a parked finalization once, without queueing it again.
func (s *Synchronizer) Replay(ctx context.Context, send *Send, result Result) error {
	err := s.finalize(ctx, send, result)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrArchived) {
		// the conversation is gone or closed; nothing left to attach to
		s.log.Warn("dropping finalization for closed conversation",
			zap.String("conversation_id", send.ConversationID),
			zap.Error(err))
		return nil
	}
	return err
}
