package model

import "time"

// Usage is the per-user monthly completion counter.
type Usage struct {
	UserID           string    `gorm:"type:varchar(64);primaryKey" json:"user_id"`
	QuotaUsed        int       `gorm:"not null;default:0;check:quota_used >= 0" json:"quota_used"`
	QuotaPeriodStart time.Time `gorm:"not null" json:"quota_period_start"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName specifies the table name for Usage
func (Usage) TableName() string {
	return "usages"
}

// PeriodStart returns the first instant (UTC) of the calendar month containing t.
// Periods are compared on year and month, never on month alone.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
