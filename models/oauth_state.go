package models

import (
	"time"
)

// OAuthState is a single-use CSRF state for the admin Discord OAuth login.
type OAuthState struct {
	State        string     `gorm:"primaryKey;type:varchar(64)" json:"state"`
	Nonce        string     `gorm:"type:varchar(64);not null" json:"nonce"`
	RedirectPath string     `gorm:"type:varchar(256)" json:"redirect_path"`
	ExpiresAt    time.Time  `gorm:"not null;index" json:"expires_at"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
}
