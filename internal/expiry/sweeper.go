// Package expiry runs the daily renewal bump and the expiration sweep over
// service entitlements.
package expiry

import (
	"context"
	"time"

	"github.com/propmarket/promotions/internal/entitlement"
	"github.com/propmarket/promotions/internal/metrics"
	"github.com/propmarket/promotions/internal/pricing"
	log "github.com/sirupsen/logrus"
)

const (
	defaultBatchSize     = 500
	maxBatchesPerRun     = 200
	defaultRenewalWindow = 24 * time.Hour
)

// Report counts what one sweep did.
type Report struct {
	Scanned int `json:"scanned"`
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// Sweeper expires and renews entitlements. Items are processed independently:
// a failing row is logged and left for the next run.
type Sweeper struct {
	store     *entitlement.Store
	catalog   *pricing.Catalog
	window    time.Duration
	loc       *time.Location
	batchSize int
	now       func() time.Time
}

// NewSweeper returns a sweeper whose renewal windows are window long, aligned
// to midnight in loc when window is one day.
func NewSweeper(store *entitlement.Store, catalog *pricing.Catalog, window time.Duration, loc *time.Location) *Sweeper {
	if window <= 0 {
		window = defaultRenewalWindow
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Sweeper{
		store:     store,
		catalog:   catalog,
		window:    window,
		loc:       loc,
		batchSize: defaultBatchSize,
		now:       time.Now,
	}
}

// WithClock overrides the time source.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	if now != nil {
		s.now = now
	}
	return s
}

// WithBatchSize overrides how many rows are loaded per query.
func (s *Sweeper) WithBatchSize(n int) *Sweeper {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// WindowStart returns the start of the renewal window containing now.
func (s *Sweeper) WindowStart(now time.Time) time.Time {
	if s.window == defaultRenewalWindow {
		local := now.In(s.loc)
		return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc).UTC()
	}
	return now.UTC().Truncate(s.window)
}

// Expire deactivates every active entitlement whose expiry has passed.
func (s *Sweeper) Expire(ctx context.Context) (Report, error) {
	var report Report
	now := s.now().UTC()
	tiers, err := s.catalog.VIPTiers(ctx)
	if err != nil {
		return report, err
	}

	var cursor entitlement.Cursor
	for batch := 0; batch < maxBatchesPerRun; batch++ {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		rows, errLoad := s.store.DueForExpiry(ctx, now, cursor, s.batchSize)
		if errLoad != nil {
			return report, errLoad
		}
		applied := 0
		for _, row := range rows {
			report.Scanned++
			cursor = entitlement.After(row)
			ok, errExpire := s.store.Expire(ctx, row, tiers[row.ServiceType], now)
			if errExpire != nil {
				report.Errors++
				log.WithError(errExpire).WithFields(log.Fields{
					"entitlement_id": row.ID,
					"property_id":    row.PropertyID,
					"service_type":   row.ServiceType,
				}).Error("expire entitlement failed")
				continue
			}
			if !ok {
				report.Skipped++
				continue
			}
			applied++
			metrics.EntitlementsSweptTotal.WithLabelValues("expired", row.ServiceType).Inc()
		}
		report.Applied += applied
		if len(rows) < s.batchSize {
			break
		}
	}

	if report.Scanned > 0 {
		log.WithFields(log.Fields{
			"expired": report.Applied,
			"skipped": report.Skipped,
			"errors":  report.Errors,
		}).Info("expiration sweep finished")
	}
	return report, nil
}

// Renew bumps the listing recency of every property with a live auto-renew
// grant, once per renewal window.
func (s *Sweeper) Renew(ctx context.Context) (Report, error) {
	var report Report
	now := s.now().UTC()
	windowStart := s.WindowStart(now)

	var lastID uint64
	for batch := 0; batch < maxBatchesPerRun; batch++ {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		rows, errLoad := s.store.DueForRenewal(ctx, now, windowStart, lastID, s.batchSize)
		if errLoad != nil {
			return report, errLoad
		}
		applied := 0
		for _, row := range rows {
			report.Scanned++
			lastID = row.ID
			ok, errRenew := s.store.Renew(ctx, row, windowStart, now)
			if errRenew != nil {
				report.Errors++
				log.WithError(errRenew).WithFields(log.Fields{
					"entitlement_id": row.ID,
					"property_id":    row.PropertyID,
				}).Error("renew entitlement failed")
				continue
			}
			if !ok {
				report.Skipped++
				continue
			}
			applied++
			metrics.EntitlementsSweptTotal.WithLabelValues("renewed", row.ServiceType).Inc()
		}
		report.Applied += applied
		if len(rows) < s.batchSize {
			break
		}
	}

	if report.Scanned > 0 {
		log.WithFields(log.Fields{
			"renewed":      report.Applied,
			"skipped":      report.Skipped,
			"errors":       report.Errors,
			"window_start": windowStart.Format(time.RFC3339),
		}).Info("renewal sweep finished")
	}
	return report, nil
}
