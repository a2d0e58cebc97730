package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/propmarket/promotions/internal/dbtest"
	"github.com/propmarket/promotions/internal/models"
	"gorm.io/gorm"
)

func writePlan(t *testing.T, conn *gorm.DB, propertyID uint64, grants []Grant, now time.Time) {
	t.Helper()
	err := conn.Transaction(func(tx *gorm.DB) error {
		current, err := LockProperty(tx, propertyID)
		if err != nil {
			return err
		}
		return Write(tx, propertyID, Plan(current, grants, isTier, now), 1, now)
	})
	if err != nil {
		t.Fatalf("write plan: %v", err)
	}
}

func TestWriteSwitchesTierOnProperty(t *testing.T) {
	conn := dbtest.Open(t)
	account := dbtest.Account(t, conn, "0")
	property := dbtest.Property(t, conn, account.ID)

	writePlan(t, conn, property.ID, []Grant{{ServiceType: models.ServiceVIP, Days: 3, VIPTier: true}}, t0)
	writePlan(t, conn, property.ID, []Grant{{ServiceType: models.ServiceSuperVIP, Days: 2, VIPTier: true}}, t0.Add(time.Hour))

	var reloaded models.Property
	if err := conn.First(&reloaded, property.ID).Error; err != nil {
		t.Fatalf("load property: %v", err)
	}
	if reloaded.VIPTier != models.ServiceSuperVIP {
		t.Fatalf("expected super_vip on property, got %q", reloaded.VIPTier)
	}

	rows, err := NewStore(conn).ListByProperty(context.Background(), property.ID, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	active := 0
	for _, row := range rows {
		if row.IsActive {
			active++
			if row.ServiceType != models.ServiceSuperVIP {
				t.Fatalf("unexpected active tier %s", row.ServiceType)
			}
		}
	}
	if active != 1 || len(rows) != 2 {
		t.Fatalf("expected exactly one active tier of two rows, got %d of %d", active, len(rows))
	}
}

func TestExpireIsConditional(t *testing.T) {
	conn := dbtest.Open(t)
	account := dbtest.Account(t, conn, "0")
	property := dbtest.Property(t, conn, account.ID)
	store := NewStore(conn)
	ctx := context.Background()

	writePlan(t, conn, property.ID, []Grant{{ServiceType: models.ServiceVIP, Days: 1, VIPTier: true}}, t0)
	later := t0.Add(25 * time.Hour)

	due, err := store.DueForExpiry(ctx, later, Cursor{}, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected one due row, got %d (%v)", len(due), err)
	}
	first, err := store.Expire(ctx, due[0], true, later)
	if err != nil || !first {
		t.Fatalf("expected first expire to apply: %v %v", first, err)
	}
	second, err := store.Expire(ctx, due[0], true, later)
	if err != nil || second {
		t.Fatalf("expected second expire to be a no-op: %v %v", second, err)
	}

	var reloaded models.Property
	if err := conn.First(&reloaded, property.ID).Error; err != nil {
		t.Fatalf("load property: %v", err)
	}
	if reloaded.VIPTier != "" {
		t.Fatalf("expected tier cleared, got %q", reloaded.VIPTier)
	}

	stats, err := store.ExpiredCounts(ctx, later)
	if err != nil {
		t.Fatalf("expired counts: %v", err)
	}
	if len(stats) != 1 || stats[0].Expired != 1 || stats[0].Active != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestExpiredCountsSeparatesAwaitingSweep(t *testing.T) {
	conn := dbtest.Open(t)
	account := dbtest.Account(t, conn, "0")
	first := dbtest.Property(t, conn, account.ID)
	second := dbtest.Property(t, conn, account.ID)

	writePlan(t, conn, first.ID, []Grant{{ServiceType: models.ServiceColor, Days: 1, Params: "#00FF00"}}, t0)
	writePlan(t, conn, second.ID, []Grant{{ServiceType: models.ServiceColor, Days: 10, Params: "#00FF00"}}, t0)

	stats, err := NewStore(conn).ExpiredCounts(context.Background(), t0.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("expired counts: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected one service type, got %+v", stats)
	}
	got := stats[0]
	if got.Active != 1 || got.Expired != 1 || got.AwaitingSweep != 1 {
		t.Fatalf("unexpected stat %+v", got)
	}
}
