package model

import (
	"time"
)

// UnlimitedQuota is the quota_limit sentinel for users that are never denied.
const UnlimitedQuota = -1

// User is the read-only view of an account owned by the identity and billing
// systems. The relay only reads Tier and QuotaLimit.
type User struct {
	ID         string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Tier       string    `gorm:"type:varchar(32);default:'free'" json:"tier"`
	QuotaLimit *int      `json:"quota_limit,omitempty"` // nil = use tier default
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName specifies the table name for User
func (User) TableName() string {
	return "users"
}
