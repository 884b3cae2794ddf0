package conversation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReplayFunc runs one finalization attempt
type ReplayFunc func(ctx context.Context, send *Send, result Result) error

// RetryPolicy bounds how long a failed finalization is retried in memory
type RetryPolicy struct {
	MaxAttempts    int           // attempts including the one that failed in Finalize (default: 5)
	InitialBackoff time.Duration // default: 500ms
	MaxBackoff     time.Duration // default: 30s
	QueueSize      int           // default: 256
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		QueueSize:      256,
	}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.InitialBackoff * time.Duration(1<<uint(max(attempt-1, 0)))
	if d > p.MaxBackoff || d <= 0 {
		return p.MaxBackoff
	}
	return d
}

// Parked is a finalization that ran out of in-memory retries
type Parked struct {
	Send      *Send     `json:"send"`
	Result    Result    `json:"result"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	ParkedAt  time.Time `json:"parked_at"`
}

// DeadLetter stores finalizations the Retrier gave up on
type DeadLetter interface {
	Park(ctx context.Context, p Parked) error
}

type pending struct {
	send     *Send
	result   Result
	attempts int
	lastErr  error
}

// Retrier replays failed finalizations in the background with exponential
// backoff. Work that exhausts its attempts, or that arrives while the queue is
// full or stopped, goes to the dead letter.
type Retrier struct {
	replay ReplayFunc
	dead   DeadLetter
	policy RetryPolicy
	log    *zap.Logger

	queue  chan pending
	done   chan struct{}
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewRetrier(replay ReplayFunc, dead DeadLetter, policy RetryPolicy, log *zap.Logger) *Retrier {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.QueueSize <= 0 {
		policy.QueueSize = def.QueueSize
	}
	return &Retrier{
		replay: replay,
		dead:   dead,
		policy: policy,
		log:    log,
		queue:  make(chan pending, policy.QueueSize),
		done:   make(chan struct{}),
	}
}

// Start runs the worker until ctx is done or Stop is called
func (r *Retrier) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
}

// Stop closes the queue and waits for the worker. Queued work is parked.
func (r *Retrier) Stop() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.done)
		close(r.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()

	// worker never started
	for p := range r.queue {
		r.park(p)
	}
}

// Enqueue schedules a retry for a finalization that just failed once
func (r *Retrier) Enqueue(send *Send, result Result) {
	r.offer(pending{send: send, result: result, attempts: 1})
}

func (r *Retrier) offer(p pending) {
	r.mu.Lock()
	if !r.closed {
		select {
		case r.queue <- p:
			r.mu.Unlock()
			return
		default:
		}
	}
	r.mu.Unlock()
	r.park(p)
}

func (r *Retrier) run(ctx context.Context) {
	for p := range r.queue {
		timer := time.NewTimer(r.policy.backoff(p.attempts))
		select {
		case <-ctx.Done():
			timer.Stop()
			r.park(p)
			continue
		case <-r.done:
			timer.Stop()
			r.park(p)
			continue
		case <-timer.C:
		}

		err := r.replay(ctx, p.send, p.result)
		if err == nil {
			r.log.Info("finalization recovered",
				zap.String("conversation_id", p.send.ConversationID),
				zap.Int("attempts", p.attempts+1))
			continue
		}

		p.attempts++
		p.lastErr = err
		if p.attempts >= r.policy.MaxAttempts {
			r.park(p)
			continue
		}
		r.offer(p)
	}
}

func (r *Retrier) park(p pending) {
	parked := Parked{
		Send:     p.send,
		Result:   p.result,
		Attempts: p.attempts,
		ParkedAt: time.Now().UTC(),
	}
	if p.lastErr != nil {
		parked.LastError = p.lastErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.dead.Park(ctx, parked); err != nil {
		// last resort: the record survives in the logs only
		r.log.Error("finalization lost",
			zap.String("conversation_id", p.send.ConversationID),
			zap.String("user_message_id", p.send.UserMessageID),
			zap.String("assistant_message_id", p.send.AssistantMessageID),
			zap.String("outcome", string(p.result.Outcome)),
			zap.Int("text_bytes", len(p.result.Text)),
			zap.Error(err))
		return
	}
	r.log.Warn("finalization parked in dead letter",
		zap.String("conversation_id", p.send.ConversationID),
		zap.Int("attempts", p.attempts))
}
