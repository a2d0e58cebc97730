package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ServiceCategory groups service types that share purchase semantics.
type ServiceCategory string

// ServiceCategory values.
const (
	// ServiceCategoryVIPTier marks mutually exclusive VIP tiers.
	ServiceCategoryVIPTier ServiceCategory = "vip_tier"
	// ServiceCategoryFeature marks independent, stackable features.
	ServiceCategoryFeature ServiceCategory = "feature"
)

// Well-known service types.
const (
	ServiceVIP       = "vip"
	ServiceVIPPlus   = "vip_plus"
	ServiceSuperVIP  = "super_vip"
	ServiceAutoRenew = "auto_renew"
	ServiceColor     = "color"
)

// PricingEntry is the per-day price of a promotion service.
type PricingEntry struct {
	ServiceType string `gorm:"type:varchar(64);primaryKey"` // Service type key.

	Category    ServiceCategory `gorm:"type:varchar(32);not null;default:'feature'"` // Purchase semantics.
	PricePerDay decimal.Decimal `gorm:"type:decimal(20,2);not null"`                 // Price for one day.
	DisplayName string          `gorm:"type:text;not null"`                          // Display text.
	Description string          `gorm:"type:text"`                                   // Longer description.

	Features datatypes.JSONSlice[string] `gorm:"type:jsonb"` // Feature bullet list.

	IsActive  bool `gorm:"not null;default:true"` // Inactive entries cannot be purchased.
	SortOrder int  `gorm:"not null;default:0"`    // Display order.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// IsVIPTier reports whether the entry is one of the exclusive VIP tiers.
func (p PricingEntry) IsVIPTier() bool {
	return p.Category == ServiceCategoryVIPTier
}
