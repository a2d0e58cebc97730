package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account holds a user's promotion balance.
type Account struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key, shared with the user registry.

	Email    string          `gorm:"type:text;index"`                        // Contact address, informational only.
	Balance  decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0"` // Cached ledger balance.
	Disabled bool            `gorm:"not null;default:false"`                 // Disabled accounts cannot spend.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
