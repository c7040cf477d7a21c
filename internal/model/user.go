package model

import "time"

// User stores Telegram user metadata together with moderation, quota and
// conversation state.
type User struct {
	ID           uint   `gorm:"primaryKey"`
	TelegramID   int64  `gorm:"uniqueIndex;not null"`
	Username     string `gorm:"index"`
	FirstName    string
	LastName     string
	LanguageCode string
	IsBot        bool

	IsBanned bool `gorm:"not null;default:false;index"`

	DailyRequests int        `gorm:"not null;default:0"`
	LastRequestAt *time.Time `gorm:"index"`

	// ThreadID is the assistant conversation handle; empty until the first
	// assistant call.
	ThreadID string `gorm:"not null"`

	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// HasThread reports whether the assistant conversation was already opened.
func (u *User) HasThread() bool {
	return u.ThreadID != ""
}

// Profile is the identity snapshot carried by every Telegram update.
type Profile struct {
	TelegramID   int64
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
	IsBot        bool
}
