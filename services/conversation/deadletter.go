package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sahilchouksey/chat-relay/utils/cache"
	"go.uber.org/zap"
)

const deadLetterKey = "chat-relay:finalize:dead"

// RedisDeadLetter keeps parked finalizations in a Redis list
type RedisDeadLetter struct {
	cache *cache.RedisCache
}

func NewRedisDeadLetter(c *cache.RedisCache) *RedisDeadLetter {
	return &RedisDeadLetter{cache: c}
}

func (d *RedisDeadLetter) Park(ctx context.Context, p Parked) error {
	return d.cache.PushJSON(ctx, deadLetterKey, p)
}

// Len returns the number of parked finalizations
func (d *RedisDeadLetter) Len(ctx context.Context) (int64, error) {
	return d.cache.Len(ctx, deadLetterKey)
}

// DrainStats summarizes one Drain run
type DrainStats struct {
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
}

// Drain replays up to limit parked finalizations. A record that fails again
// goes back to the tail of the list.
func (d *RedisDeadLetter) Drain(ctx context.Context, replay ReplayFunc, limit int) (DrainStats, error) {
	var stats DrainStats
	for i := 0; i < limit; i++ {
		var p Parked
		err := d.cache.PopJSON(ctx, deadLetterKey, &p)
		if errors.Is(err, cache.ErrNotFound) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("failed to pop dead letter: %w", err)
		}
		if p.Send == nil {
			continue
		}

		if err := replay(ctx, p.Send, p.Result); err != nil {
			stats.Failed++
			p.Attempts++
			p.LastError = err.Error()
			p.ParkedAt = time.Now().UTC()
			if perr := d.Park(ctx, p); perr != nil {
				return stats, fmt.Errorf("failed to re-park finalization: %w", perr)
			}
			continue
		}
		stats.Replayed++
	}
	return stats, nil
}

// LogDeadLetter is used when no Redis is configured: parked work is only logged.
type LogDeadLetter struct {
	Log *zap.Logger
}

func (d LogDeadLetter) Park(_ context.Context, p Parked) error {
	d.Log.Error("finalization abandoned",
		zap.String("conversation_id", p.Send.ConversationID),
		zap.String("user_message_id", p.Send.UserMessageID),
		zap.String("assistant_message_id", p.Send.AssistantMessageID),
		zap.String("outcome", string(p.Result.Outcome)),
		zap.Int("attempts", p.Attempts),
		zap.String("last_error", p.LastError))
	return nil
}
