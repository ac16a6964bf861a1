package users

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// User is the identity provider's full record for an account.
type User struct {
	ID              string    `gorm:"column:id;primaryKey;size:190;not null"`
	Username        *string   `gorm:"column:username;size:64"`
	FirstName       *string   `gorm:"column:first_name;size:190"`
	ProfileImageURL string    `gorm:"column:profile_image_url;size:512;not null;default:''"`
	LastSeenAt      time.Time `gorm:"column:last_seen_at"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user records.
func (User) TableName() string {
	return "users"
}

// normalize value helper used across the directory implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}

// optional converts a possibly blank display name into an absent-or-present field, composed to
// NFC so the same name from different clients compares equal.
func optional(value string) *string {
	trimmed := norm.NFC.String(normalize(value))
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
