package model

import (
	"strings"
	"time"
	_ "time/tzdata"
)

// User stores Telegram user metadata and the profile timezone.
type User struct {
	ID         uint   `gorm:"primaryKey"`
	TelegramID *int64 `gorm:"uniqueIndex"`
	FirstName  string
	LastName   string
	Username   string
	Timezone   string `gorm:"size:64;default:UTC"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Location resolves the user's timezone, falling back to UTC for empty or unknown names.
func (u User) Location() *time.Location {
	name := strings.TrimSpace(u.Timezone)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
