package expiry

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/propmarket/promotions/internal/dbtest"
	"github.com/propmarket/promotions/internal/entitlement"
	"github.com/propmarket/promotions/internal/models"
	"github.com/propmarket/promotions/internal/pricing"
	"gorm.io/gorm"
)

var t0 = time.Date(2026, 6, 10, 3, 0, 0, 0, time.UTC)

func newSweeper(conn *gorm.DB, now *time.Time) *Sweeper {
	return NewSweeper(entitlement.NewStore(conn), pricing.NewCatalog(conn, time.Minute), 24*time.Hour, time.UTC).
		WithClock(func() time.Time { return *now })
}

func grant(t *testing.T, conn *gorm.DB, propertyID uint64, serviceType string, expiresAt time.Time, autoRenew bool) models.ServiceEntitlement {
	t.Helper()
	row := models.ServiceEntitlement{
		PropertyID:       propertyID,
		ServiceType:      serviceType,
		ExpiresAt:        expiresAt,
		IsActive:         true,
		AutoRenewEnabled: autoRenew,
	}
	if err := conn.Create(&row).Error; err != nil {
		t.Fatalf("create entitlement: %v", err)
	}
	return row
}

func reload(t *testing.T, conn *gorm.DB, dest any, id uint64) {
	t.Helper()
	if err := conn.First(dest, id).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
}

func setTier(t *testing.T, conn *gorm.DB, propertyID uint64, tier string) {
	t.Helper()
	if err := conn.Model(&models.Property{}).Where("id = ?", propertyID).Update("vip_tier", tier).Error; err != nil {
		t.Fatalf("set tier: %v", err)
	}
}

// failEntitlementUpdates makes every update touching one of ids fail, so the
// row stays due on each pass.
func failEntitlementUpdates(t *testing.T, conn *gorm.DB, ids ...uint64) {
	t.Helper()
	failing := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		failing[id] = true
	}
	errRegister := conn.Callback().Update().After("gorm:update").Register("test:fail_entitlements", func(tx *gorm.DB) {
		if tx.Statement.Table != "service_entitlements" {
			return
		}
		for _, v := range tx.Statement.Vars {
			if id, ok := v.(uint64); ok && failing[id] {
				_ = tx.AddError(errors.Newf("entitlement %d rejected", id))
				return
			}
		}
	})
	if errRegister != nil {
		t.Fatalf("register callback: %v", errRegister)
	}
}

func TestExpireDeactivatesDueEntitlements(t *testing.T) {
	conn := dbtest.Open(t)
	account := dbtest.Account(t, conn, "0")
	property := dbtest.Property(t, conn, account.ID)
	setTier(t, conn, property.ID, models.ServiceVIP)

	vip := grant(t, conn, property.ID, models.ServiceVIP, t0.Add(-time.Hour), false)
	autoRenew := grant(t, conn, property.ID, models.ServiceAutoRenew, t0.Add(-time.Minute), true)
	color := grant(t, conn, property.ID, models.ServiceColor, t0.Add(24*time.Hour), false)

	now := t0
	sweeper := newSweeper(conn, &now)
	report, err := sweeper.Expire(t.Context())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if report.Applied != 2 || report.Errors != 0 {
		t.Fatalf("report = %+v", report)
	}

	var row models.ServiceEntitlement
	reload(t, conn, &row, vip.ID)
	if row.IsActive {
		t.Fatalf("vip still active")
	}
	row = models.ServiceEntitlement{}
	reload(t, conn, &row, autoRenew.ID)
	if row.IsActive || row.AutoRenewEnabled {
		t.Fatalf("auto_renew active=%v enabled=%v", row.IsActive, row.AutoRenewEnabled)
	}
	row = models.ServiceEntitlement{}
	reload(t, conn, &row, color.ID)
	if !row.IsActive {
		t.Fatalf("unexpired color was deactivated")
	}
	var reloaded models.Property
	reload(t, conn, &reloaded, property.ID)
	if reloaded.VIPTier != "" {
		t.Fatalf("vip_tier = %q, want empty", reloaded.VIPTier)
	}

	report, err = sweeper.Expire(t.Context())
	if err != nil {
		t.Fatalf("second expire: %v", err)
	}
	if report.Scanned != 0 || report.Applied != 0 {
		t.Fatalf("second sweep report = %+v", report)
	}
}

func TestExpireLeavesNewerTierOnProperty(t *testing.T) {
	conn := dbtest.Open(t)
	account := dbtest.Account(t, conn, "0")
	property := dbtest.Property(t, conn, account.ID)
	setTier(t, conn, property.ID, models.ServiceSuperVIP)
	grant(t, conn, property.ID, models.ServiceVIP, t0.Add(-time.Hour), false)
	grant(t, conn, property.ID, models.ServiceSuperVIP, t0.Add(48*time.Hour), false)

	now := t0
	if _, err := newSweeper(conn, &now).Expire(t.Context()); err != nil {
		t.Fatalf("expire: %v", err)
	}
	var reloaded models.Property
	reload(t, conn, &reloaded, property.ID)
	if reloaded.VIPTier != models.ServiceSuperVIP {
		t.Fatalf("vip_tier = %q, want super_vip", reloaded.VIPTier)
	}
}

func TestExpireWorksThroughBatches(t *testing.T) {
	conn := dbtest.Open(t)
	account := dbtest.Account(t, conn, "0")
	for i := 0; i < 5; i++ {
		property := dbtest.Property(t, conn, account.ID)
		grant(t, conn, property.ID, models.ServiceColor, t0.Add(-time.Duration(i+1)*time.Minute), false)
	}

	now := t0
	report, err := newSweeper(conn, &now).WithBatchSize(2).Expire(t.Context())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if report.Applied != 5 {
		t.Fatalf("applied = %d, want 5", report.Applied)
	}
	if n := dbtest.Count(t, conn, &models.ServiceEntitlement{}, "is_active = ?", true); n != 0 {
		t.Fatalf("active rows = %d, want 0", n)
	}
}

func TestRenewBumpsOncePerWindow(t *testing.T) {
	conn := dbtest.Open(t)
	account := dbtest.Account(t, conn, "0")
	property := dbtest.Property(t, conn, account.ID)
	grant(t, conn, property.ID, models.ServiceAutoRenew, t0.Add(5*24*time.Hour), true)

	now := t0
	sweeper := newSweeper(conn, &now)
	report, err := sweeper.Renew(t.Context())
	if err != nil || report.Applied != 1 {
		t.Fatalf("first renew = %+v, %v", report, err)
	}
	var reloaded models.Property
	reload(t, conn, &reloaded, property.ID)
	if !reloaded.ListedAt.Equal(t0) {
		t.Fatalf("listed_at = %s, want %s", reloaded.ListedAt, t0)
	}

	now = t0.Add(2 * time.Hour)
	report, err = sweeper.Renew(t.Context())
	if err != nil || report.Applied != 0 {
		t.Fatalf("same-window renew = %+v, %v", report, err)
	}
	reloaded = models.Property{}
	reload(t, conn, &reloaded, property.ID)
	if !reloaded.ListedAt.Equal(t0) {
		t.Fatalf("listed_at moved within window: %s", reloaded.ListedAt)
	}

	now = t0.Add(24 * time.Hour)
	report, err = sweeper.Renew(t.Context())
	if err != nil || report.Applied != 1 {
		t.Fatalf("next-window renew = %+v, %v", report, err)
	}
	reloaded = models.Property{}
	reload(t, conn, &reloaded, property.ID)
	if !reloaded.ListedAt.Equal(now) {
		t.Fatalf("listed_at = %s, want %s", reloaded.ListedAt, now)
	}
}

func TestRenewSkipsExpiredAndDisabledGrants(t *testing.T) {
	conn := dbtest.Open(t)
	account := dbtest.Account(t, conn, "0")
	expiredProperty := dbtest.Property(t, conn, account.ID)
	disabledProperty := dbtest.Property(t, conn, account.ID)
	grant(t, conn, expiredProperty.ID, models.ServiceAutoRenew, t0.Add(-time.Hour), true)
	grant(t, conn, disabledProperty.ID, models.ServiceAutoRenew, t0.Add(time.Hour), false)

	now := t0
	report, err := newSweeper(conn, &now).Renew(t.Context())
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if report.Scanned != 0 {
		t.Fatalf("report = %+v", report)
	}
	for _, id := range []uint64{expiredProperty.ID, disabledProperty.ID} {
		var reloaded models.Property
		reload(t, conn, &reloaded, id)
		if !reloaded.ListedAt.Equal(expiredProperty.ListedAt) {
			t.Fatalf("property %d listed_at bumped to %s", id, reloaded.ListedAt)
		}
	}
}

func TestWindowStartUsesLocalMidnight(t *testing.T) {
	loc := time.FixedZone("UTC+4", 4*3600)
	sweeper := NewSweeper(nil, nil, 24*time.Hour, loc)
	// 22:30 UTC is already the next day at UTC+4.
	got := sweeper.WindowStart(time.Date(2026, 6, 10, 22, 30, 0, 0, time.UTC))
	want := time.Date(2026, 6, 10, 20, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("WindowStart = %s, want %s", got, want)
	}
	hourly := NewSweeper(nil, nil, time.Hour, loc)
	if got := hourly.WindowStart(time.Date(2026, 6, 10, 22, 30, 0, 0, time.UTC)); !got.Equal(time.Date(2026, 6, 10, 22, 0, 0, 0, time.UTC)) {
		t.Fatalf("hourly WindowStart = %s", got)
	}
}

func TestExpireMovesPastFailingRows(t *testing.T) {
	conn := dbtest.Open(t)
	account := dbtest.Account(t, conn, "0")
	var bad []uint64
	for i := 0; i < 2; i++ {
		property := dbtest.Property(t, conn, account.ID)
		bad = append(bad, grant(t, conn, property.ID, models.ServiceColor, t0.Add(-time.Duration(10+i)*time.Hour), false).ID)
	}
	for i := 0; i < 3; i++ {
		property := dbtest.Property(t, conn, account.ID)
		grant(t, conn, property.ID, models.ServiceColor, t0.Add(-time.Duration(i+1)*time.Minute), false)
	}
	failEntitlementUpdates(t, conn, bad...)

	now := t0
	report, err := newSweeper(conn, &now).WithBatchSize(2).Expire(t.Context())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if report.Applied != 3 || report.Errors != 2 {
		t.Fatalf("report = %+v, want 3 applied and 2 errors", report)
	}
	if n := dbtest.Count(t, conn, &models.ServiceEntitlement{}, "is_active = ?", true); n != 2 {
		t.Fatalf("active rows = %d, want only the 2 failing ones", n)
	}
}

func TestRenewMovesPastFailingRows(t *testing.T) {
	conn := dbtest.Open(t)
	account := dbtest.Account(t, conn, "0")
	var bad []uint64
	var good []uint64
	for i := 0; i < 5; i++ {
		property := dbtest.Property(t, conn, account.ID)
		row := grant(t, conn, property.ID, models.ServiceAutoRenew, t0.Add(5*24*time.Hour), true)
		if i < 2 {
			bad = append(bad, row.ID)
		} else {
			good = append(good, property.ID)
		}
	}
	failEntitlementUpdates(t, conn, bad...)

	now := t0
	report, err := newSweeper(conn, &now).WithBatchSize(2).Renew(t.Context())
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if report.Applied != 3 || report.Errors != 2 {
		t.Fatalf("report = %+v, want 3 applied and 2 errors", report)
	}
	for _, id := range good {
		var property models.Property
		reload(t, conn, &property, id)
		if !property.ListedAt.Equal(t0) {
			t.Fatalf("property %d listed_at = %s, want %s", id, property.ListedAt, t0)
		}
	}
}
