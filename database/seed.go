package database

import (
	"fmt"

	"github.com/sahilchouksey/chat-relay/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DevUser is an account created for local development
type DevUser struct {
	ID         string
	Tier       string
	QuotaLimit *int
}

func intPtr(v int) *int { return &v }

// DefaultDevUsers covers each way a limit can be resolved
var DefaultDevUsers = []DevUser{
	{ID: "dev-free", Tier: "free"},
	{ID: "dev-pro", Tier: "pro"},
	{ID: "dev-capped", Tier: "free", QuotaLimit: intPtr(3)},
	{ID: "dev-unlimited", Tier: "enterprise", QuotaLimit: intPtr(model.UnlimitedQuota)},
}

// Seeder handles database seeding operations
type Seeder struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewSeeder creates a new seeder instance
func NewSeeder(db *gorm.DB, log *zap.Logger) *Seeder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Seeder{db: db, log: log}
}

// SeedAll runs all seed functions
func (s *Seeder) SeedAll() error {
	s.log.Info("starting database seeding")

	if err := s.SeedUsers(DefaultDevUsers); err != nil {
		return fmt.Errorf("failed to seed users: %w", err)
	}

	s.log.Info("database seeding completed")
	return nil
}

// SeedUsers upserts users; tier and quota override are reset to the given values.
func (s *Seeder) SeedUsers(users []DevUser) error {
	for _, u := range users {
		row := model.User{ID: u.ID, Tier: u.Tier, QuotaLimit: u.QuotaLimit}
		err := s.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"tier", "quota_limit", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		s.log.Info("seeded user", zap.String("id", u.ID), zap.String("tier", u.Tier))
	}
	return nil
}

// ResetUsage clears the monthly counters of the given users
func (s *Seeder) ResetUsage(userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	res := s.db.Where("user_id IN ?", userIDs).Delete(&model.Usage{})
	if res.Error != nil {
		return res.Error
	}
	s.log.Info("reset usage", zap.Int64("rows", res.RowsAffected))
	return nil
}

// RunSeeds is a convenience function to run all seeds
func RunSeeds(db *gorm.DB, log *zap.Logger) error {
	return NewSeeder(db, log).SeedAll()
}
