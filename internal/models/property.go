package models

import "time"

// Property is the slice of the listing record this engine reads and writes.
// The listing subsystem owns the remaining columns.
type Property struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	OwnerAccountID uint64    `gorm:"not null;index"`                   // Owning account.
	VIPTier        string    `gorm:"column:vip_tier;type:varchar(64)"` // Current VIP tier service type, empty when none.
	Title          string    `gorm:"type:text"`                        // Listing title, informational only.
	ListedAt       time.Time `gorm:"not null;index"`                   // Recency marker used for listing order.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
