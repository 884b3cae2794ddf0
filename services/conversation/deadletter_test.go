package conversation

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/sahilchouksey/chat-relay/utils/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisDeadLetterDrainReplaysIntoDatabase(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := cache.NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	dl := NewRedisDeadLetter(rc)

	s, db, _ := newSync(t)
	ctx := context.Background()

	send, _ := NewSend("u1", "", userTurn("persist me later"))
	require.NoError(t, dl.Park(ctx, Parked{Send: send, Result: Result{Outcome: OutcomeAborted, Text: "par"}, Attempts: 5}))

	n, err := dl.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := dl.Drain(ctx, s.Replay, 10)
	require.NoError(t, err)
	assert.Equal(t, DrainStats{Replayed: 1}, stats)

	msgs := loadMessages(t, db, send.ConversationID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "persist me later", msgs[0].Content)
	assert.Equal(t, "par", msgs[1].Content)

	n, err = dl.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisDeadLetterDrainRequeuesFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := cache.NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	dl := NewRedisDeadLetter(rc)
	ctx := context.Background()

	send, _ := NewSend("u1", "", userTurn("x"))
	require.NoError(t, dl.Park(ctx, Parked{Send: send, Attempts: 5}))

	failing := func(context.Context, *Send, Result) error { return assert.AnError }
	stats, err := dl.Drain(ctx, failing, 1)
	require.NoError(t, err)
	assert.Equal(t, DrainStats{Failed: 1}, stats)

	var p Parked
	require.NoError(t, rc.PopJSON(ctx, deadLetterKey, &p))
	assert.Equal(t, 6, p.Attempts)
	assert.Equal(t, send.UserMessageID, p.Send.UserMessageID)
}
