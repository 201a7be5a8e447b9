package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type RuleType string

const (
	RuleTokenAmount   RuleType = "TOKEN_AMOUNT"
	RuleTokenUsd      RuleType = "TOKEN_USD"
	RuleNftCollection RuleType = "NFT_COLLECTION"
)

const PriceSourceCoinGecko = "COINGECKO"

// GatingRule is the stored form of a holdings rule. The row is wide with
// nullable columns; RuleType says which of them are meaningful. Services work
// on the typed variant (services.RuleSpec) instead of sniffing columns.
//
// Multiple rules may target the same RoleID; they compose disjunctively.
type GatingRule struct {
	ID       string   `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	GuildID  string   `gorm:"type:varchar(32);not null;index" json:"guild_id"`
	RoleID   string   `gorm:"type:varchar(32);not null;index" json:"role_id"`
	RuleType RuleType `gorm:"type:varchar(16);not null" json:"rule_type"`
	Enabled  bool     `gorm:"not null;default:true" json:"enabled"`

	// TOKEN_AMOUNT / TOKEN_USD
	Mint            *string          `gorm:"type:varchar(64)" json:"mint,omitempty"`
	ThresholdAmount *decimal.Decimal `gorm:"type:decimal(38,12)" json:"threshold_amount,omitempty"`

	// TOKEN_USD
	ThresholdUsd *decimal.Decimal `gorm:"type:decimal(38,12)" json:"threshold_usd,omitempty"`
	PriceSource  *string          `gorm:"type:varchar(16)" json:"price_source,omitempty"`
	PriceAssetID *string          `gorm:"type:varchar(128)" json:"price_asset_id,omitempty"`

	// NFT_COLLECTION
	CollectionAddress *string `gorm:"type:varchar(64)" json:"collection_address,omitempty"`
	ThresholdCount    *int    `json:"threshold_count,omitempty"`

	CreatedBy string    `gorm:"type:varchar(32);not null" json:"created_by"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	Guild Guild `gorm:"foreignKey:GuildID;constraint:OnDelete:CASCADE" json:"-"`
}
