package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sahilchouksey/chat-relay/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrQuotaExceeded is returned with a denied Decision.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrUnavailable means the gate could not verify the reservation. The request is denied.
	ErrUnavailable = errors.New("quota gate unavailable")
)

// Decision is the result of one reservation attempt.
type Decision struct {
	UserID  string    `json:"-"`
	Allowed bool      `json:"allowed"`
	Used    int       `json:"used"`
	Limit   int       `json:"limit"`
	Period  time.Time `json:"-"`
}

// Unlimited reports whether the decision was made against the unlimited sentinel
func (d Decision) Unlimited() bool {
	return d.Limit == model.UnlimitedQuota
}

// Snapshot is the read-only view served by the usage endpoint.
type Snapshot struct {
	Used        int     `json:"used"`
	Limit       int     `json:"limit"`
	Remaining   int     `json:"remaining"`
	Percentage  float64 `json:"percentage"`
	CanGenerate bool    `json:"can_generate"`
}

type Option func(*Gate)

// WithClock overrides the time source used to derive the current period.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// Gate admits sends against a per-user monthly counter stored in the usages table.
type Gate struct {
	db     *gorm.DB
	limits LimitResolver
	now    func() time.Time
	log    *zap.Logger
}

func NewGate(db *gorm.DB, limits LimitResolver, log *zap.Logger, opts ...Option) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gate{db: db, limits: limits, now: time.Now, log: log}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Reserve takes one unit of quota for userID. The reset to a new period, the limit
// check and the increment happen in a single conditional UPDATE, so concurrent
// callers can never be admitted past the limit. Any storage error denies.
func (g *Gate) Reserve(ctx context.Context, userID string) (Decision, error) {
	now := g.now().UTC()
	period := model.PeriodStart(now)
	decision := Decision{UserID: userID, Period: period}

	limit, err := g.limits.Limit(ctx, userID)
	if err != nil {
		g.log.Error("quota limit lookup failed", zap.String("user_id", userID), zap.Error(err))
		return decision, fmt.Errorf("%w: resolve limit: %w", ErrUnavailable, err)
	}
	decision.Limit = limit

	db := g.db.WithContext(ctx)

	seed := model.Usage{UserID: userID, QuotaUsed: 0, QuotaPeriodStart: period, UpdatedAt: now}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		g.log.Error("quota row insert failed", zap.String("user_id", userID), zap.Error(err))
		return decision, fmt.Errorf("%w: ensure usage row: %w", ErrUnavailable, err)
	}

	update := db.Model(&model.Usage{}).Where("user_id = ?", userID)
	if limit != model.UnlimitedQuota {
		// a stale period resets to 1, which only fits under a positive limit
		update = update.Where("(quota_period_start < ? AND ? > 0) OR quota_used < ?", period, limit, limit)
	}
	res := update.Updates(map[string]interface{}{
		"quota_used":         gorm.Expr("CASE WHEN quota_period_start < ? THEN 1 ELSE quota_used + 1 END", period),
		"quota_period_start": gorm.Expr("CASE WHEN quota_period_start < ? THEN ? ELSE quota_period_start END", period, period),
		"updated_at":         now,
	})
	if res.Error != nil {
		g.log.Error("quota reservation failed", zap.String("user_id", userID), zap.Error(res.Error))
		return decision, fmt.Errorf("%w: reserve: %w", ErrUnavailable, res.Error)
	}

	var row model.Usage
	if err := db.Where("user_id = ?", userID).Take(&row).Error; err != nil {
		if res.RowsAffected == 1 {
			// the unit is taken; hand it back so the denial leaves no trace
			g.release(ctx, userID, period)
		}
		return decision, fmt.Errorf("%w: read usage: %w", ErrUnavailable, err)
	}
	decision.Used = usedIn(row, period)

	if res.RowsAffected != 1 {
		g.log.Info("quota denied",
			zap.String("user_id", userID),
			zap.Int("used", decision.Used),
			zap.Int("limit", limit))
		return decision, ErrQuotaExceeded
	}

	decision.Allowed = true
	return decision, nil
}

// Release hands back a reservation for a send that produced nothing. It only
// decrements inside the period the reservation was made in.
func (g *Gate) Release(ctx context.Context, d Decision) error {
	if !d.Allowed {
		return nil
	}
	return g.release(ctx, d.UserID, d.Period)
}

func (g *Gate) release(ctx context.Context, userID string, period time.Time) error {
	err := g.db.WithContext(ctx).Model(&model.Usage{}).
		Where("user_id = ? AND quota_period_start = ? AND quota_used > 0", userID, period).
		Updates(map[string]interface{}{
			"quota_used": gorm.Expr("quota_used - 1"),
			"updated_at": g.now().UTC(),
		}).Error
	if err != nil {
		g.log.Warn("quota release failed", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

// Usage reports the current period's counter without writing. A counter from an
// earlier period reads as zero.
func (g *Gate) Usage(ctx context.Context, userID string) (Snapshot, error) {
	period := model.PeriodStart(g.now())

	limit, err := g.limits.Limit(ctx, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: resolve limit: %w", ErrUnavailable, err)
	}

	var row model.Usage
	err = g.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, fmt.Errorf("%w: read usage: %w", ErrUnavailable, err)
	}

	return NewSnapshot(usedIn(row, period), limit), nil
}

// NewSnapshot derives remaining/percentage/can_generate from used and limit.
func NewSnapshot(used, limit int) Snapshot {
	s := Snapshot{Used: used, Limit: limit}
	if limit == model.UnlimitedQuota {
		s.Remaining = -1
		s.CanGenerate = true
		return s
	}

	s.Remaining = max(limit-used, 0)
	s.CanGenerate = used < limit
	if limit > 0 {
		s.Percentage = min(float64(used)/float64(limit)*100, 100)
	} else {
		s.Percentage = 100
	}
	return s
}

func usedIn(row model.Usage, period time.Time) int {
	if row.UserID == "" || row.QuotaPeriodStart.Before(period) {
		return 0
	}
	return row.QuotaUsed
}
