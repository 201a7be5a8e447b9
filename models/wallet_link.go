package models

import (
	"time"
)

// WalletLink binds one verified Solana wallet to a Discord member within a
// guild. At most one link exists per (guild, member); re-verifying with a
// different wallet replaces the pubkey in place.
type WalletLink struct {
	ID            string     `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	GuildID       string     `gorm:"type:varchar(32);not null;uniqueIndex:idx_wallet_links_guild_member,priority:1" json:"guild_id"`
	DiscordUserID string     `gorm:"type:varchar(32);not null;uniqueIndex:idx_wallet_links_guild_member,priority:2" json:"discord_user_id"`
	WalletPubkey  string     `gorm:"type:varchar(64);not null;index" json:"wallet_pubkey"` // base58, 32-byte ed25519 key
	VerifiedAt    time.Time  `gorm:"not null" json:"verified_at"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time  `json:"updated_at" gorm:"autoUpdateTime"`

	Guild Guild `gorm:"foreignKey:GuildID;constraint:OnDelete:CASCADE" json:"-"`
}
