package db

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/propmarket/promotions/internal/models"
	"gorm.io/gorm"
)

func TestMigrateSQLiteCreatesLedgerTables(t *testing.T) {
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}

	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	for _, table := range []string{"accounts", "properties", "pricing_entries", "service_entitlements", "balance_transactions", "settings"} {
		if !conn.Migrator().HasTable(table) {
			t.Fatalf("missing table %s", table)
		}
	}
	for _, column := range []string{"external_reference", "balance_before", "balance_after", "details"} {
		if !conn.Migrator().HasColumn(&models.Transaction{}, column) {
			t.Fatalf("balance_transactions missing column %s", column)
		}
	}
	propertyColumns, errColumns := conn.Migrator().ColumnTypes(&models.Property{})
	if errColumns != nil {
		t.Fatalf("property columns: %v", errColumns)
	}
	hasTier := false
	for _, column := range propertyColumns {
		if column.Name() == "v_ip_tier" {
			t.Fatalf("properties tier column named %s", column.Name())
		}
		hasTier = hasTier || column.Name() == "vip_tier"
	}
	if !hasTier {
		t.Fatalf("properties missing column vip_tier")
	}
	if !conn.Migrator().HasIndex(&models.ServiceEntitlement{}, "idx_entitlement_property_service") {
		t.Fatalf("service_entitlements missing unique (property, service) index")
	}
}

func TestSeedPricingOnlyFillsEmptyCatalog(t *testing.T) {
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	ctx := context.Background()
	if errSeed := SeedPricing(ctx, conn); errSeed != nil {
		t.Fatalf("seed: %v", errSeed)
	}
	if errSeed := SeedPricing(ctx, conn); errSeed != nil {
		t.Fatalf("second seed: %v", errSeed)
	}

	var count int64
	if errCount := conn.Model(&models.PricingEntry{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != int64(len(DefaultPricing())) {
		t.Fatalf("expected %d pricing rows, got %d", len(DefaultPricing()), count)
	}

	var vip models.PricingEntry
	if errFind := conn.First(&vip, "service_type = ?", models.ServiceVIP).Error; errFind != nil {
		t.Fatalf("load vip: %v", errFind)
	}
	if !vip.IsVIPTier() || vip.PricePerDay.String() != "2" {
		t.Fatalf("unexpected vip entry: %+v", vip)
	}
}

func TestDetectDialectFromDSN(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost:5432/promo": DialectPostgres,
		"host=localhost dbname=promo":         DialectPostgres,
		"file:data/promo.db":                  DialectSQLite,
		"sqlite://data/promo.db":              DialectSQLite,
		"promo.db":                            DialectSQLite,
	}
	for dsn, want := range cases {
		got, err := detectDialectFromDSN(dsn)
		if err != nil {
			t.Fatalf("detect %q: %v", dsn, err)
		}
		if got != want {
			t.Fatalf("detect %q: expected %s, got %s", dsn, want, got)
		}
	}
	if _, err := detectDialectFromDSN("mysql://localhost/promo"); err == nil {
		t.Fatalf("expected mysql dsn to be rejected")
	}
}
