package models

import "time"

// ServiceEntitlement is a time-boxed grant of one service type on one property.
type ServiceEntitlement struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	PropertyID  uint64 `gorm:"not null;uniqueIndex:idx_entitlement_property_service"`                  // Target property.
	ServiceType string `gorm:"type:varchar(64);not null;uniqueIndex:idx_entitlement_property_service"` // Pricing entry key.

	ExpiresAt        time.Time `gorm:"not null;index"`         // Expiry instant.
	IsActive         bool      `gorm:"not null;default:true"`  // Cleared by the expiration sweep.
	AutoRenewEnabled bool      `gorm:"not null;default:false"` // Drives the daily renewal bump.
	Params           string    `gorm:"type:text"`              // Presentation parameter, e.g. a color.

	LastTransactionID *uint64    `gorm:"index"` // Transaction that last extended the grant.
	LastRenewedAt     *time.Time // Last renewal bump, if any.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// ActiveAt reports whether the entitlement grants its service at t.
func (e ServiceEntitlement) ActiveAt(t time.Time) bool {
	return e.IsActive && e.ExpiresAt.After(t)
}
