// Package pricing serves the per-day price list of promotion services.
package pricing

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	gocache "github.com/patrickmn/go-cache"
	"github.com/propmarket/promotions/internal/ierr"
	"github.com/propmarket/promotions/internal/models"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	// DefaultTTL bounds how stale a cached price list may be.
	DefaultTTL = time.Minute
	activeKey  = "pricing:active"

	// MinDays and MaxDays bound the length of one purchased line.
	MinDays = 1
	MaxDays = 30
)

type snapshot struct {
	active []models.PricingEntry
	byType map[string]models.PricingEntry
}

// Catalog reads pricing entries through an in-memory TTL cache.
type Catalog struct {
	db    *gorm.DB
	cache *gocache.Cache
	ttl   time.Duration
}

// NewCatalog returns a catalog; ttl <= 0 uses DefaultTTL.
func NewCatalog(conn *gorm.DB, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Catalog{
		db:    conn,
		cache: gocache.New(ttl, 2*ttl),
		ttl:   ttl,
	}
}

// Active returns the active entries in display order.
func (c *Catalog) Active(ctx context.Context) ([]models.PricingEntry, error) {
	snap, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	return append([]models.PricingEntry(nil), snap.active...), nil
}

// Lookup returns the active entry for serviceType.
func (c *Catalog) Lookup(ctx context.Context, serviceType string) (models.PricingEntry, error) {
	snap, err := c.load(ctx)
	if err != nil {
		return models.PricingEntry{}, err
	}
	entry, ok := snap.byType[strings.TrimSpace(serviceType)]
	if !ok || !entry.IsActive {
		return models.PricingEntry{}, ierr.NewErrorf("unknown service type %q", serviceType).
			WithHintf("Service %q is not available", serviceType).
			WithReportableDetails(map[string]any{"service_type": serviceType}).
			Mark(ierr.ErrValidation)
	}
	return entry, nil
}

// VIPTiers returns the set of VIP tier service types, active or not.
func (c *Catalog) VIPTiers(ctx context.Context) (map[string]bool, error) {
	snap, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	tiers := map[string]bool{}
	for serviceType, entry := range snap.byType {
		if entry.IsVIPTier() {
			tiers[serviceType] = true
		}
	}
	return tiers, nil
}

// Invalidate drops the cached price list.
func (c *Catalog) Invalidate() {
	c.cache.Delete(activeKey)
}

func (c *Catalog) load(ctx context.Context) (*snapshot, error) {
	if cached, ok := c.cache.Get(activeKey); ok {
		if snap, okSnap := cached.(*snapshot); okSnap {
			return snap, nil
		}
	}
	var rows []models.PricingEntry
	if err := c.db.WithContext(ctx).
		Order("sort_order ASC, service_type ASC").
		Find(&rows).Error; err != nil {
		return nil, ierr.WithError(err).WithMessage("load pricing").Mark(ierr.ErrDatabase)
	}
	snap := &snapshot{
		active: lo.Filter(rows, func(e models.PricingEntry, _ int) bool { return e.IsActive }),
		byType: lo.KeyBy(rows, func(e models.PricingEntry) string { return e.ServiceType }),
	}
	c.cache.Set(activeKey, snap, c.ttl)
	return snap, nil
}

// LineCost prices one line. Days outside [MinDays, MaxDays] are rejected.
func LineCost(entry models.PricingEntry, days int) (decimal.Decimal, error) {
	if days < MinDays || days > MaxDays {
		return decimal.Zero, ierr.NewErrorf("days %d out of range for %s", days, entry.ServiceType).
			WithHintf("Days must be between %d and %d", MinDays, MaxDays).
			WithReportableDetails(map[string]any{"service_type": entry.ServiceType, "days": days}).
			Mark(ierr.ErrValidation)
	}
	return entry.PricePerDay.Mul(decimal.NewFromInt(int64(days))).Round(2), nil
}

// Update changes a price list row and drops the cache.
type Update struct {
	PricePerDay *decimal.Decimal
	IsActive    *bool
	DisplayName *string
	Description *string
	SortOrder   *int
}

// Apply writes u to the entry for serviceType.
func (c *Catalog) Apply(ctx context.Context, serviceType string, u Update) (models.PricingEntry, error) {
	updates := map[string]any{}
	if u.PricePerDay != nil {
		if !u.PricePerDay.IsPositive() {
			return models.PricingEntry{}, ierr.NewError("price must be positive").
				WithHint("Price per day must be greater than zero").
				Mark(ierr.ErrValidation)
		}
		updates["price_per_day"] = u.PricePerDay.Round(2)
	}
	if u.IsActive != nil {
		updates["is_active"] = *u.IsActive
	}
	if u.DisplayName != nil {
		updates["display_name"] = strings.TrimSpace(*u.DisplayName)
	}
	if u.Description != nil {
		updates["description"] = strings.TrimSpace(*u.Description)
	}
	if u.SortOrder != nil {
		updates["sort_order"] = *u.SortOrder
	}

	var entry models.PricingEntry
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errFind := tx.First(&entry, "service_type = ?", serviceType).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return ierr.WithError(errFind).WithHintf("Service %q does not exist", serviceType).Mark(ierr.ErrNotFound)
			}
			return ierr.WithError(errFind).Mark(ierr.ErrDatabase)
		}
		if len(updates) == 0 {
			return nil
		}
		if errUpdate := tx.Model(&entry).Updates(updates).Error; errUpdate != nil {
			return ierr.WithError(errUpdate).Mark(ierr.ErrDatabase)
		}
		return tx.First(&entry, "service_type = ?", serviceType).Error
	})
	if err != nil {
		return models.PricingEntry{}, err
	}
	c.Invalidate()
	return entry, nil
}
