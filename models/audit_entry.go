package models

import (
	"time"
)

type AuditAction string

const (
	AuditRoleAdded      AuditAction = "ROLE_ADDED"
	AuditRoleRemoved    AuditAction = "ROLE_REMOVED"
	AuditVerifySuccess  AuditAction = "VERIFY_SUCCESS"
	AuditVerifyReplaced AuditAction = "VERIFY_REPLACED"
	AuditVerifyUnlinked AuditAction = "VERIFY_UNLINKED"
)

// AuditEntry is an append-only record of role mutations and verification
// events. Entries older than the retention window are pruned daily.
type AuditEntry struct {
	ID            string      `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	GuildID       string      `gorm:"type:varchar(32);not null;index" json:"guild_id"`
	DiscordUserID string      `gorm:"type:varchar(32);not null;index" json:"discord_user_id"`
	RuleID        *string     `gorm:"type:uuid" json:"rule_id,omitempty"`
	RoleID        string      `gorm:"type:varchar(32)" json:"role_id,omitempty"`
	Action        AuditAction `gorm:"type:varchar(20);not null" json:"action"`
	Reason        string      `gorm:"type:text" json:"reason"`
	CreatedAt     time.Time   `gorm:"autoCreateTime;index" json:"created_at"`
}
