package models

import (
	"time"
)

// VerifySession is one wallet-verification handshake. The nonce is globally
// unique and the session is consumed exactly once: a session with UsedAt set,
// or past ExpiresAt, can never be accepted again.
type VerifySession struct {
	ID               string     `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	GuildID          string     `gorm:"type:varchar(32);not null;index" json:"guild_id"`
	DiscordUserID    string     `gorm:"type:varchar(32);not null;index" json:"discord_user_id"`
	Nonce            string     `gorm:"type:varchar(64);not null;uniqueIndex" json:"nonce"`
	ChallengeMessage string     `gorm:"type:text;not null" json:"challenge_message"`
	ExpiresAt        time.Time  `gorm:"not null;index" json:"expires_at"`
	UsedAt           *time.Time `json:"used_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at" gorm:"autoCreateTime"`
}
