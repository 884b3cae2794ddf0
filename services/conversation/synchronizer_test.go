package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sahilchouksey/chat-relay/internal/testdb"
	"github.com/sahilchouksey/chat-relay/model"
	"github.com/sahilchouksey/chat-relay/utils/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newSync(t *testing.T, opts ...Option) (*Synchronizer, *gorm.DB, *clock) {
	t.Helper()
	db := testdb.Open(t).GetDB()
	c := &clock{now: t0}
	opts = append([]Option{WithClock(c.Now)}, opts...)
	return NewSynchronizer(db, nil, opts...), db, c
}

func userTurn(content string) []Turn {
	return []Turn{{Role: "user", Content: content}}
}

func loadConversation(t *testing.T, db *gorm.DB, id string) model.Conversation {
	t.Helper()
	var conv model.Conversation
	require.NoError(t, db.Where("id = ?", id).Take(&conv).Error)
	return conv
}

func loadMessages(t *testing.T, db *gorm.DB, id string) []model.Message {
	t.Helper()
	var msgs []model.Message
	require.NoError(t, db.Where("conversation_id = ?", id).Order("sequence_index").Find(&msgs).Error)
	return msgs
}

func TestNewSend(t *testing.T) {
	send, err := NewSend("u1", "", []Turn{
		{Role: "system", Content: "You are terse."},
		{Role: "user", Content: "  What is   the capital\nof France?  "},
	})
	require.NoError(t, err)
	assert.True(t, send.NewConversation)
	assert.NotEmpty(t, send.ConversationID)
	assert.Equal(t, "What is the capital of France?", send.Title)
	require.NotNil(t, send.GeneratedPrompt)
	assert.Equal(t, "You are terse.", *send.GeneratedPrompt)
	assert.NotEqual(t, send.UserMessageID, send.AssistantMessageID)

	existing, err := NewSend("u1", "conv-1", userTurn("hi"))
	require.NoError(t, err)
	assert.False(t, existing.NewConversation)
	assert.Equal(t, "conv-1", existing.ConversationID)
	assert.Empty(t, existing.Title)

	long, err := NewSend("u1", "", userTurn(strings.Repeat("a", 200)))
	require.NoError(t, err)
	assert.Equal(t, maxTitleLength, len([]rune(long.Title)))

	for _, bad := range [][]Turn{
		nil,
		{{Role: "assistant", Content: "hi"}},
		{{Role: "user", Content: "   "}},
		{{Role: "robot", Content: "x"}, {Role: "user", Content: "hi"}},
	} {
		_, err := NewSend("u1", "", bad)
		assert.ErrorIs(t, err, ErrInvalidTurns)
	}
}

func TestBeginPersistsConversationAndUserMessage(t *testing.T) {
	s, db, _ := newSync(t)
	send, err := NewSend("u1", "", userTurn("hello"))
	require.NoError(t, err)

	s.Begin(context.Background(), send)
	assert.True(t, send.UserPersisted)

	conv := loadConversation(t, db, send.ConversationID)
	assert.Equal(t, "u1", conv.Owner)
	assert.Equal(t, "hello", conv.Title)
	assert.Equal(t, 1, conv.MessageCount)
	assert.True(t, conv.LastActivityAt.Equal(t0))

	msgs := loadMessages(t, db, send.ConversationID)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.MessageRoleUser, msgs[0].Role)
	assert.Equal(t, 1, msgs[0].SequenceIndex)
	assert.Equal(t, send.UserMessageID, msgs[0].ID)
}

func TestFinalizeDone(t *testing.T) {
	s, db, c := newSync(t)
	send, _ := NewSend("u1", "", userTurn("say hello"))
	s.Begin(context.Background(), send)

	c.Set(t0.Add(time.Minute))
	require.NoError(t, s.Finalize(context.Background(), send, Result{Outcome: OutcomeDone, Text: "Hello world", Model: "m1"}))

	conv := loadConversation(t, db, send.ConversationID)
	assert.Equal(t, 2, conv.MessageCount)
	assert.True(t, conv.LastActivityAt.Equal(t0.Add(time.Minute)))

	msgs := loadMessages(t, db, send.ConversationID)
	require.Len(t, msgs, 2)
	assert.Equal(t, []int{1, 2}, []int{msgs[0].SequenceIndex, msgs[1].SequenceIndex})
	assert.Equal(t, "Hello world", msgs[1].Content)
	assert.Equal(t, model.MessageStatusComplete, msgs[1].Status)
	assert.Equal(t, "done", msgs[1].Metadata["outcome"])
	assert.Equal(t, "m1", msgs[1].Metadata["model"])
}

func TestFinalizeAbortedPersistsEmptyAssistantMessage(t *testing.T) {
	s, db, c := newSync(t)
	send, _ := NewSend("u1", "", userTurn("tell me a story"))
	s.Begin(context.Background(), send)

	c.Set(t0.Add(5 * time.Second))
	require.NoError(t, s.Finalize(context.Background(), send, Result{Outcome: OutcomeAborted}))

	msgs := loadMessages(t, db, send.ConversationID)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.MessageRoleAssistant, msgs[1].Role)
	assert.Equal(t, "", msgs[1].Content)
	assert.Equal(t, model.MessageStatusAborted, msgs[1].Status)

	conv := loadConversation(t, db, send.ConversationID)
	assert.Equal(t, 2, conv.MessageCount)
	assert.True(t, conv.LastActivityAt.Equal(t0.Add(5*time.Second)))
}

func TestFinalizeErrorWithoutTextKeepsUserMessageOnly(t *testing.T) {
	s, db, _ := newSync(t)
	send, _ := NewSend("u1", "", userTurn("hello?"))
	s.Begin(context.Background(), send)

	require.NoError(t, s.Finalize(context.Background(), send, Result{Outcome: OutcomeError, ErrorCode: "idle_timeout"}))

	msgs := loadMessages(t, db, send.ConversationID)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.MessageRoleUser, msgs[0].Role)
	assert.Equal(t, 1, loadConversation(t, db, send.ConversationID).MessageCount)
}

func TestFinalizeErrorWithTextIsPartial(t *testing.T) {
	s, db, _ := newSync(t)
	send, _ := NewSend("u1", "", userTurn("hello?"))
	s.Begin(context.Background(), send)

	require.NoError(t, s.Finalize(context.Background(), send, Result{Outcome: OutcomeError, Text: "Hel", ErrorCode: "stream_interrupted"}))

	msgs := loadMessages(t, db, send.ConversationID)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.MessageStatusPartial, msgs[1].Status)
	assert.Equal(t, "stream_interrupted", msgs[1].Metadata["error_code"])
}

func TestFinalizePersistsUserMessageWhenBeginDidNot(t *testing.T) {
	s, db, _ := newSync(t)
	send, _ := NewSend("u1", "", userTurn("hi"))

	require.NoError(t, s.Finalize(context.Background(), send, Result{Outcome: OutcomeDone, Text: "hey"}))

	msgs := loadMessages(t, db, send.ConversationID)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.MessageRoleUser, msgs[0].Role)
	assert.Equal(t, model.MessageRoleAssistant, msgs[1].Role)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	s, db, _ := newSync(t)
	send, _ := NewSend("u1", "", userTurn("hi"))
	s.Begin(context.Background(), send)
	result := Result{Outcome: OutcomeDone, Text: "hey"}

	require.NoError(t, s.Finalize(context.Background(), send, result))

	// a replay that lost the in-memory flag
	replay := *send
	replay.UserPersisted = false
	require.NoError(t, s.Finalize(context.Background(), &replay, result))

	assert.Len(t, loadMessages(t, db, send.ConversationID), 2)
	assert.Equal(t, 2, loadConversation(t, db, send.ConversationID).MessageCount)
}

func TestLastActivityNeverMovesBack(t *testing.T) {
	s, db, c := newSync(t)
	send, _ := NewSend("u1", "", userTurn("hi"))
	s.Begin(context.Background(), send)

	c.Set(t0.Add(-time.Hour))
	require.NoError(t, s.Finalize(context.Background(), send, Result{Outcome: OutcomeDone, Text: "late"}))

	conv := loadConversation(t, db, send.ConversationID)
	assert.True(t, conv.LastActivityAt.Equal(t0))
	assert.False(t, conv.LastActivityAt.Before(conv.CreatedAt))
}

func TestConcurrentFinalizationsKeepCountsAndOrder(t *testing.T) {
	s, db, _ := newSync(t)
	first, _ := NewSend("u1", "", userTurn("start"))
	require.NoError(t, s.Finalize(context.Background(), first, Result{Outcome: OutcomeDone, Text: "ok"}))

	const senders = 12
	sends := make([]*Send, senders)
	var g errgroup.Group
	for i := 0; i < senders; i++ {
		send, err := NewSend("u1", first.ConversationID, userTurn(fmt.Sprintf("q%d", i)))
		require.NoError(t, err)
		sends[i] = send
		g.Go(func() error {
			s.Begin(context.Background(), send)
			return s.Finalize(context.Background(), send, Result{Outcome: OutcomeDone, Text: fmt.Sprintf("a%d", i)})
		})
	}
	require.NoError(t, g.Wait())

	msgs := loadMessages(t, db, first.ConversationID)
	conv := loadConversation(t, db, first.ConversationID)
	assert.Equal(t, 2+2*senders, len(msgs))
	assert.Equal(t, len(msgs), conv.MessageCount)

	seqByID := map[string]int{}
	for i, m := range msgs {
		assert.Equal(t, i+1, m.SequenceIndex, "gapless strictly increasing")
		seqByID[m.ID] = m.SequenceIndex
	}
	for _, send := range sends {
		assert.Less(t, seqByID[send.UserMessageID], seqByID[send.AssistantMessageID])
	}
}

func TestConcurrentConversationsAreIndependent(t *testing.T) {
	s, db, _ := newSync(t)

	var g errgroup.Group
	sends := make([]*Send, 6)
	for i := range sends {
		send, err := NewSend("u1", "", userTurn(fmt.Sprintf("topic %d", i)))
		require.NoError(t, err)
		sends[i] = send
		g.Go(func() error {
			s.Begin(context.Background(), send)
			return s.Finalize(context.Background(), send, Result{Outcome: OutcomeDone, Text: "ok"})
		})
	}
	require.NoError(t, g.Wait())

	for _, send := range sends {
		msgs := loadMessages(t, db, send.ConversationID)
		require.Len(t, msgs, 2)
		assert.Equal(t, 1, msgs[0].SequenceIndex)
		assert.Equal(t, 2, msgs[1].SequenceIndex)
	}
}

type recordingDeadLetter struct {
	mu     sync.Mutex
	parked []Parked
}

func (d *recordingDeadLetter) Park(_ context.Context, p Parked) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parked = append(d.parked, p)
	return nil
}

func (d *recordingDeadLetter) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.parked)
}

func TestFinalizeFailureGoesToRetrier(t *testing.T) {
	s, _, _ := newSync(t)

	var replays atomic.Int32
	replay := func(ctx context.Context, send *Send, result Result) error {
		replays.Add(1)
		return nil
	}
	retrier := NewRetrier(replay, &recordingDeadLetter{}, RetryPolicy{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, nil)
	retrier.Start(context.Background())
	defer retrier.Stop()
	s.SetRetrier(retrier)

	// the conversation does not exist, so the write fails
	send, _ := NewSend("u1", "missing-conversation", userTurn("hi"))
	err := s.Finalize(context.Background(), send, Result{Outcome: OutcomeDone, Text: "x"})
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Eventually(t, func() bool { return replays.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestReplayDropsMissingConversation(t *testing.T) {
	s, _, _ := newSync(t)
	send, _ := NewSend("u1", "missing-conversation", userTurn("hi"))
	assert.NoError(t, s.Replay(context.Background(), send, Result{Outcome: OutcomeDone, Text: "x"}))
}

func TestRetrierParksAfterMaxAttempts(t *testing.T) {
	dead := &recordingDeadLetter{}
	var calls atomic.Int32
	replay := func(ctx context.Context, send *Send, result Result) error {
		calls.Add(1)
		return assert.AnError
	}
	retrier := NewRetrier(replay, dead, RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}, nil)
	retrier.Start(context.Background())
	defer retrier.Stop()

	send, _ := NewSend("u1", "", userTurn("hi"))
	retrier.Enqueue(send, Result{Outcome: OutcomeDone, Text: "x"})

	require.Eventually(t, func() bool { return dead.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 3, dead.parked[0].Attempts)
	assert.Equal(t, assert.AnError.Error(), dead.parked[0].LastError)
}

func TestRetrierStopParksQueuedWork(t *testing.T) {
	dead := &recordingDeadLetter{}
	retrier := NewRetrier(func(context.Context, *Send, Result) error { return nil }, dead, RetryPolicy{QueueSize: 1}, nil)

	a, _ := NewSend("u1", "", userTurn("a"))
	b, _ := NewSend("u1", "", userTurn("b"))
	retrier.Enqueue(a, Result{Outcome: OutcomeDone})
	retrier.Enqueue(b, Result{Outcome: OutcomeDone}) // queue full: parked right away
	assert.Equal(t, 1, dead.Len())

	retrier.Stop()
	assert.Equal(t, 2, dead.Len())

	retrier.Enqueue(a, Result{Outcome: OutcomeDone}) // after stop
	assert.Equal(t, 3, dead.Len())
}

func TestPrepare(t *testing.T) {
	s, db, _ := newSync(t)
	send, _ := NewSend("u1", "", userTurn("hi"))
	s.Begin(context.Background(), send)
	ctx := context.Background()

	mine, _ := NewSend("u1", send.ConversationID, userTurn("again"))
	assert.NoError(t, s.Prepare(ctx, mine))

	theirs, _ := NewSend("u2", send.ConversationID, userTurn("sneaky"))
	assert.ErrorIs(t, s.Prepare(ctx, theirs), ErrNotFound)

	require.NoError(t, db.Model(&model.Conversation{}).Where("id = ?", send.ConversationID).Update("status", model.ConversationStatusArchived).Error)
	assert.ErrorIs(t, s.Prepare(ctx, mine), ErrArchived)

	fresh, _ := NewSend("u1", "", userTurn("new"))
	assert.NoError(t, s.Prepare(ctx, fresh))
}

func TestHistoryUsesCacheKeyedByCount(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := cache.NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)

	s, db, _ := newSync(t, WithCache(rc))
	ctx := context.Background()
	send, _ := NewSend("u1", "", userTurn("one"))
	require.NoError(t, s.Finalize(ctx, send, Result{Outcome: OutcomeDone, Text: "two"}))

	history, err := s.History(ctx, "u1", send.ConversationID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, mr.Exists(historyKey(send.ConversationID)))

	// served from cache: a direct edit is invisible until the next insert
	require.NoError(t, db.Model(&model.Message{}).Where("id = ?", send.UserMessageID).Update("content", "edited").Error)
	history, err = s.History(ctx, "u1", send.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "one", history[0].Content)

	next, _ := NewSend("u1", send.ConversationID, userTurn("three"))
	s.Begin(ctx, next)
	assert.False(t, mr.Exists(historyKey(send.ConversationID)))

	history, err = s.History(ctx, "u1", send.ConversationID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "edited", history[0].Content)
	assert.Equal(t, "three", history[2].Content)

	_, err = s.History(ctx, "u2", send.ConversationID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListConversations(t *testing.T) {
	s, _, c := newSync(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		c.Set(t0.Add(time.Duration(i) * time.Minute))
		send, _ := NewSend("u1", "", userTurn(fmt.Sprintf("c%d", i)))
		s.Begin(ctx, send)
		ids = append(ids, send.ConversationID)
	}
	other, _ := NewSend("u2", "", userTurn("not mine"))
	s.Begin(ctx, other)

	list, total, err := s.ListConversations(ctx, "u1", ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[1], list[1].ID)

	_, err = s.Archive(ctx, "u1", ids[0])
	require.NoError(t, err)
	archived, total, err := s.ListConversations(ctx, "u1", ListOptions{Status: model.ConversationStatusArchived})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, ids[0], archived[0].ID)
}

type fakeTranscripts struct {
	conv     *model.Conversation
	messages []model.Message
	err      error
}

func (f *fakeTranscripts) PutTranscript(_ context.Context, conv *model.Conversation, messages []model.Message) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.conv = conv
	f.messages = messages
	return "s3://bucket/" + conv.ID + ".json", nil
}

func TestArchiveStoresTranscript(t *testing.T) {
	store := &fakeTranscripts{}
	s, db, _ := newSync(t, WithTranscripts(store))
	ctx := context.Background()

	send, _ := NewSend("u1", "", userTurn("hi"))
	require.NoError(t, s.Finalize(ctx, send, Result{Outcome: OutcomeDone, Text: "hello"}))

	conv, err := s.Archive(ctx, "u1", send.ConversationID)
	require.NoError(t, err)
	assert.True(t, conv.IsArchived())
	assert.True(t, loadConversation(t, db, send.ConversationID).IsArchived())
	require.Len(t, store.messages, 2)

	// archiving twice is a no-op
	_, err = s.Archive(ctx, "u1", send.ConversationID)
	require.NoError(t, err)

	_, err = s.Archive(ctx, "u2", send.ConversationID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinalizeAfterArchiveAddsNothing(t *testing.T) {
	store := &fakeTranscripts{}
	s, db, _ := newSync(t, WithTranscripts(store))
	ctx := context.Background()

	var replays atomic.Int32
	retrier := NewRetrier(func(context.Context, *Send, Result) error {
		replays.Add(1)
		return nil
	}, &recordingDeadLetter{}, RetryPolicy{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, nil)
	retrier.Start(ctx)
	defer retrier.Stop()
	s.SetRetrier(retrier)

	send, _ := NewSend("u1", "", userTurn("hi"))
	s.Begin(ctx, send)
	_, err := s.Archive(ctx, "u1", send.ConversationID)
	require.NoError(t, err)
	require.Len(t, store.messages, 1)

	// the stream ends after its conversation was archived
	err = s.Finalize(ctx, send, Result{Outcome: OutcomeDone, Text: "late reply"})
	assert.ErrorIs(t, err, ErrArchived)

	conv := loadConversation(t, db, send.ConversationID)
	assert.Equal(t, 1, conv.MessageCount)
	assert.Len(t, loadMessages(t, db, send.ConversationID), 1)

	assert.NoError(t, s.Replay(ctx, send, Result{Outcome: OutcomeDone, Text: "late reply"}))
	assert.Never(t, func() bool { return replays.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestArchiveFailsWhenTranscriptFails(t *testing.T) {
	store := &fakeTranscripts{err: assert.AnError}
	s, db, _ := newSync(t, WithTranscripts(store))
	ctx := context.Background()

	send, _ := NewSend("u1", "", userTurn("hi"))
	s.Begin(ctx, send)

	_, err := s.Archive(ctx, "u1", send.ConversationID)
	assert.Error(t, err)
	assert.False(t, loadConversation(t, db, send.ConversationID).IsArchived())
}
