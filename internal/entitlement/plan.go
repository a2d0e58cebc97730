// Package entitlement stores the time-boxed services granted to properties and
// computes how a purchase extends or replaces them.
package entitlement

import (
	"time"

	"github.com/propmarket/promotions/internal/models"
)

// Grant is one purchased line to apply to a property.
type Grant struct {
	ServiceType string
	Days        int
	Params      string
	VIPTier     bool
}

// Change is the planned effect of a Grant.
type Change struct {
	Grant
	Existing          *models.ServiceEntitlement
	PreviousExpiresAt *time.Time
	ExpiresAt         time.Time
	// ReplacedTier names the VIP tier this grant displaces, if any.
	ReplacedTier string
}

// NextExpiry extends an active grant from its expiry and starts anything else from now.
func NextExpiry(now time.Time, current *models.ServiceEntitlement, days int) time.Time {
	base := now
	if current != nil && current.IsActive && current.ExpiresAt.After(now) {
		base = current.ExpiresAt
	}
	return base.Add(time.Duration(days) * 24 * time.Hour).UTC()
}

// ActiveTier returns the VIP tier entitlement currently in force, if any.
func ActiveTier(rows []models.ServiceEntitlement, isTier func(string) bool, now time.Time) *models.ServiceEntitlement {
	for i := range rows {
		if isTier(rows[i].ServiceType) && rows[i].ActiveAt(now) {
			return &rows[i]
		}
	}
	return nil
}

// Plan computes the changes grants make to a property's current entitlements.
// A VIP tier different from the one in force replaces it and starts from now.
func Plan(current []models.ServiceEntitlement, grants []Grant, isTier func(string) bool, now time.Time) []Change {
	now = now.UTC()
	byType := make(map[string]*models.ServiceEntitlement, len(current))
	for i := range current {
		byType[current[i].ServiceType] = &current[i]
	}
	tier := ActiveTier(current, isTier, now)

	changes := make([]Change, 0, len(grants))
	for _, g := range grants {
		ch := Change{Grant: g, Existing: byType[g.ServiceType]}
		if ch.Existing != nil && ch.Existing.ActiveAt(now) {
			prev := ch.Existing.ExpiresAt.UTC()
			ch.PreviousExpiresAt = &prev
		}
		switch {
		case g.VIPTier && tier != nil && tier.ServiceType != g.ServiceType:
			ch.ReplacedTier = tier.ServiceType
			ch.PreviousExpiresAt = nil
			ch.ExpiresAt = now.Add(time.Duration(g.Days) * 24 * time.Hour)
		default:
			ch.ExpiresAt = NextExpiry(now, ch.Existing, g.Days)
		}
		changes = append(changes, ch)
	}
	return changes
}
