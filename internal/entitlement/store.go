package entitlement

import (
	"context"
	"sort"
	"time"

	"github.com/propmarket/promotions/internal/db"
	"github.com/propmarket/promotions/internal/ierr"
	"github.com/propmarket/promotions/internal/models"
	"gorm.io/gorm"
)

// Store reads and writes service entitlements.
type Store struct {
	db *gorm.DB
}

// NewStore returns a store bound to conn.
func NewStore(conn *gorm.DB) *Store {
	return &Store{db: conn}
}

// LockProperty loads every entitlement of a property under row lock.
func LockProperty(tx *gorm.DB, propertyID uint64) ([]models.ServiceEntitlement, error) {
	var rows []models.ServiceEntitlement
	if err := db.ForUpdate(tx).
		Where("property_id = ?", propertyID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, ierr.WithError(err).WithMessage("lock entitlements").Mark(ierr.ErrDatabase)
	}
	return rows, nil
}

// Write persists planned changes inside tx and keeps properties.vip_tier in step.
func Write(tx *gorm.DB, propertyID uint64, changes []Change, transactionID uint64, now time.Time) error {
	now = now.UTC()
	for _, ch := range changes {
		if ch.ReplacedTier != "" {
			if err := tx.Model(&models.ServiceEntitlement{}).
				Where("property_id = ? AND service_type = ? AND is_active = ?", propertyID, ch.ReplacedTier, true).
				Updates(map[string]any{"is_active": false, "updated_at": now}).Error; err != nil {
				return ierr.WithError(err).WithMessage("deactivate replaced tier").Mark(ierr.ErrDatabase)
			}
		}

		autoRenew := ch.ServiceType == models.ServiceAutoRenew
		if ch.Existing != nil {
			updates := map[string]any{
				"expires_at":          ch.ExpiresAt,
				"is_active":           true,
				"last_transaction_id": transactionID,
				"updated_at":          now,
			}
			if ch.Params != "" {
				updates["params"] = ch.Params
			}
			if autoRenew {
				updates["auto_renew_enabled"] = true
			}
			if err := tx.Model(&models.ServiceEntitlement{}).
				Where("id = ?", ch.Existing.ID).
				Updates(updates).Error; err != nil {
				return ierr.WithError(err).WithMessage("extend entitlement").Mark(ierr.ErrDatabase)
			}
		} else {
			txnID := transactionID
			row := models.ServiceEntitlement{
				PropertyID:        propertyID,
				ServiceType:       ch.ServiceType,
				ExpiresAt:         ch.ExpiresAt,
				IsActive:          true,
				AutoRenewEnabled:  autoRenew,
				Params:            ch.Params,
				LastTransactionID: &txnID,
			}
			if err := tx.Create(&row).Error; err != nil {
				return ierr.WithError(err).WithMessage("create entitlement").Mark(ierr.ErrDatabase)
			}
		}

		if ch.VIPTier {
			if err := tx.Model(&models.Property{}).
				Where("id = ?", propertyID).
				Updates(map[string]any{"vip_tier": ch.ServiceType, "updated_at": now}).Error; err != nil {
				return ierr.WithError(err).WithMessage("set property tier").Mark(ierr.ErrDatabase)
			}
		}
	}
	return nil
}

// ListByProperty returns a property's entitlements, newest expiry first.
func (s *Store) ListByProperty(ctx context.Context, propertyID uint64, includeInactive bool) ([]models.ServiceEntitlement, error) {
	q := s.db.WithContext(ctx).Where("property_id = ?", propertyID)
	if !includeInactive {
		q = q.Where("is_active = ?", true)
	}
	var rows []models.ServiceEntitlement
	if err := q.Order("expires_at DESC").Find(&rows).Error; err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return rows, nil
}

// Cursor resumes a due-row scan after the last row already handed out.
// The zero Cursor starts from the beginning.
type Cursor struct {
	ExpiresAt time.Time
	ID        uint64
}

// After returns the cursor positioned on e.
func After(e models.ServiceEntitlement) Cursor {
	return Cursor{ExpiresAt: e.ExpiresAt.UTC(), ID: e.ID}
}

// DueForExpiry returns active entitlements whose expiry has passed, oldest
// first, starting after the cursor.
func (s *Store) DueForExpiry(ctx context.Context, now time.Time, after Cursor, limit int) ([]models.ServiceEntitlement, error) {
	q := s.db.WithContext(ctx).
		Where("is_active = ? AND expires_at <= ?", true, now.UTC())
	if after.ID != 0 {
		q = q.Where("expires_at > ? OR (expires_at = ? AND id > ?)", after.ExpiresAt, after.ExpiresAt, after.ID)
	}
	var rows []models.ServiceEntitlement
	if err := q.Order("expires_at ASC, id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return rows, nil
}

// DueForRenewal returns unexpired auto-renew grants not yet bumped in the
// window, in id order after afterID.
func (s *Store) DueForRenewal(ctx context.Context, now, windowStart time.Time, afterID uint64, limit int) ([]models.ServiceEntitlement, error) {
	var rows []models.ServiceEntitlement
	if err := s.db.WithContext(ctx).
		Where("service_type = ? AND is_active = ? AND auto_renew_enabled = ? AND expires_at > ?",
			models.ServiceAutoRenew, true, true, now.UTC()).
		Where("last_renewed_at IS NULL OR last_renewed_at < ?", windowStart.UTC()).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return rows, nil
}

// Expire deactivates one entitlement if it is still active and expired.
// It reports false when another sweep got there first.
func (s *Store) Expire(ctx context.Context, e models.ServiceEntitlement, vipTier bool, now time.Time) (bool, error) {
	now = now.UTC()
	expired := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{"is_active": false, "updated_at": now}
		if e.ServiceType == models.ServiceAutoRenew {
			updates["auto_renew_enabled"] = false
		}
		res := tx.Model(&models.ServiceEntitlement{}).
			Where("id = ? AND is_active = ? AND expires_at <= ?", e.ID, true, now).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return nil
		}
		expired = true
		if !vipTier {
			return nil
		}
		return tx.Model(&models.Property{}).
			Where("id = ? AND vip_tier = ?", e.PropertyID, e.ServiceType).
			Updates(map[string]any{"vip_tier": "", "updated_at": now}).Error
	})
	if err != nil {
		return false, ierr.WithError(err).WithMessage("expire entitlement").Mark(ierr.ErrDatabase)
	}
	return expired, nil
}

// Renew bumps the property's listed_at once per renewal window.
// It reports false when the grant was already renewed in this window or is no longer live.
func (s *Store) Renew(ctx context.Context, e models.ServiceEntitlement, windowStart, now time.Time) (bool, error) {
	now = now.UTC()
	renewed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ServiceEntitlement{}).
			Where("id = ? AND is_active = ? AND auto_renew_enabled = ? AND expires_at > ?", e.ID, true, true, now).
			Where("last_renewed_at IS NULL OR last_renewed_at < ?", windowStart.UTC()).
			Updates(map[string]any{"last_renewed_at": now, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return nil
		}
		renewed = true
		return tx.Model(&models.Property{}).
			Where("id = ?", e.PropertyID).
			Updates(map[string]any{"listed_at": now, "updated_at": now}).Error
	})
	if err != nil {
		return false, ierr.WithError(err).WithMessage("renew entitlement").Mark(ierr.ErrDatabase)
	}
	return renewed, nil
}

// ExpiryStat summarises one service type.
type ExpiryStat struct {
	ServiceType   string `json:"service_type"`
	Active        int64  `json:"active"`
	Expired       int64  `json:"expired"`
	AwaitingSweep int64  `json:"awaiting_sweep"`
}

// ExpiredCounts reports per service type how many grants are live, expired, or
// past expiry but still flagged active.
func (s *Store) ExpiredCounts(ctx context.Context, now time.Time) ([]ExpiryStat, error) {
	now = now.UTC()
	type row struct {
		ServiceType string
		IsActive    bool
		Total       int64
	}
	var grouped []row
	if err := s.db.WithContext(ctx).
		Model(&models.ServiceEntitlement{}).
		Select("service_type, is_active, COUNT(*) AS total").
		Group("service_type, is_active").
		Scan(&grouped).Error; err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	var awaiting []struct {
		ServiceType string
		Total       int64
	}
	if err := s.db.WithContext(ctx).
		Model(&models.ServiceEntitlement{}).
		Select("service_type, COUNT(*) AS total").
		Where("is_active = ? AND expires_at <= ?", true, now).
		Group("service_type").
		Scan(&awaiting).Error; err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}

	stats := map[string]*ExpiryStat{}
	var order []string
	get := func(serviceType string) *ExpiryStat {
		if st, ok := stats[serviceType]; ok {
			return st
		}
		st := &ExpiryStat{ServiceType: serviceType}
		stats[serviceType] = st
		order = append(order, serviceType)
		return st
	}
	for _, r := range grouped {
		st := get(r.ServiceType)
		if r.IsActive {
			st.Active += r.Total
		} else {
			st.Expired += r.Total
		}
	}
	for _, r := range awaiting {
		st := get(r.ServiceType)
		st.Active -= r.Total
		st.Expired += r.Total
		st.AwaitingSweep = r.Total
	}

	sort.Strings(order)
	out := make([]ExpiryStat, 0, len(order))
	for _, serviceType := range order {
		out = append(out, *stats[serviceType])
	}
	return out, nil
}
