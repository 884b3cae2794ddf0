package quota

import (
	"context"
	"errors"

	"github.com/sahilchouksey/chat-relay/model"
	"gorm.io/gorm"
)

// LimitResolver returns the monthly limit for a user. model.UnlimitedQuota means no limit.
type LimitResolver interface {
	Limit(ctx context.Context, userID string) (int, error)
}

// TierLimits resolves limits from the users table: an explicit quota_limit wins,
// then the tier default, then the fallback. Unknown users get the fallback.
type TierLimits struct {
	db       *gorm.DB
	tiers    map[string]int
	fallback int
}

func NewTierLimits(db *gorm.DB, tiers map[string]int, fallback int) *TierLimits {
	return &TierLimits{db: db, tiers: tiers, fallback: fallback}
}

func (r *TierLimits) Limit(ctx context.Context, userID string) (int, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.fallback, nil
	}
	if err != nil {
		return 0, err
	}

	if user.QuotaLimit != nil {
		return *user.QuotaLimit, nil
	}
	if limit, ok := r.tiers[user.Tier]; ok {
		return limit, nil
	}
	return r.fallback, nil
}

// StaticLimit gives every user the same limit.
type StaticLimit int

func (s StaticLimit) Limit(context.Context, string) (int, error) {
	return int(s), nil
}
