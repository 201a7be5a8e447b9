package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceQuote caches one USD quote per external asset id.
type PriceQuote struct {
	AssetID   string          `gorm:"primaryKey;type:varchar(128)" json:"asset_id"`
	PriceUSD  decimal.Decimal `gorm:"type:decimal(38,12);not null" json:"price_usd"`
	FetchedAt time.Time       `gorm:"not null" json:"fetched_at"`
}
