package models

import (
	"time"
)

// Guild is a Discord server known to the gating service. A row is created on
// first interaction and never deleted; wallet links and rules cascade from it.
type Guild struct {
	ID        string    `gorm:"primaryKey;type:varchar(32)" json:"id"` // Discord snowflake
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
