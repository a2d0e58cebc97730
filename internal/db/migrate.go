package db

import (
	"context"
	"fmt"

	"github.com/propmarket/promotions/internal/models"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Migrate creates or updates every table the engine owns.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if err := conn.AutoMigrate(
		&models.Account{},
		&models.Property{},
		&models.PricingEntry{},
		&models.ServiceEntitlement{},
		&models.Transaction{},
		&models.Setting{},
	); err != nil {
		return fmt.Errorf("db: auto migrate: %w", err)
	}
	return nil
}

// DefaultPricing is the catalog written into an empty pricing table.
func DefaultPricing() []models.PricingEntry {
	return []models.PricingEntry{
		{
			ServiceType: models.ServiceVIP,
			Category:    models.ServiceCategoryVIPTier,
			PricePerDay: decimal.RequireFromString("2.00"),
			DisplayName: "VIP",
			Description: "Highlighted in the VIP block above regular listings.",
			Features:    datatypes.NewJSONSlice([]string{"vip_block", "vip_badge"}),
			IsActive:    true,
			SortOrder:   10,
		},
		{
			ServiceType: models.ServiceVIPPlus,
			Category:    models.ServiceCategoryVIPTier,
			PricePerDay: decimal.RequireFromString("3.50"),
			DisplayName: "VIP+",
			Description: "VIP placement with a larger card.",
			Features:    datatypes.NewJSONSlice([]string{"vip_block", "vip_badge", "large_card"}),
			IsActive:    true,
			SortOrder:   20,
		},
		{
			ServiceType: models.ServiceSuperVIP,
			Category:    models.ServiceCategoryVIPTier,
			PricePerDay: decimal.RequireFromString("6.00"),
			DisplayName: "Super VIP",
			Description: "Top of the home page and every matching search.",
			Features:    datatypes.NewJSONSlice([]string{"home_page", "search_top", "vip_badge", "large_card"}),
			IsActive:    true,
			SortOrder:   30,
		},
		{
			ServiceType: models.ServiceAutoRenew,
			Category:    models.ServiceCategoryFeature,
			PricePerDay: decimal.RequireFromString("0.50"),
			DisplayName: "Auto renew",
			Description: "Moves the listing back to the top once a day.",
			Features:    datatypes.NewJSONSlice([]string{"daily_bump"}),
			IsActive:    true,
			SortOrder:   40,
		},
		{
			ServiceType: models.ServiceColor,
			Category:    models.ServiceCategoryFeature,
			PricePerDay: decimal.RequireFromString("0.75"),
			DisplayName: "Color separation",
			Description: "Renders the listing card on a colored background.",
			Features:    datatypes.NewJSONSlice([]string{"colored_card"}),
			IsActive:    true,
			SortOrder:   50,
		},
	}
}

// SeedPricing writes DefaultPricing when the catalog is empty.
func SeedPricing(ctx context.Context, conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	var count int64
	if err := conn.WithContext(ctx).Model(&models.PricingEntry{}).Count(&count).Error; err != nil {
		return fmt.Errorf("db: count pricing: %w", err)
	}
	if count > 0 {
		return nil
	}
	entries := DefaultPricing()
	if err := conn.WithContext(ctx).Create(&entries).Error; err != nil {
		return fmt.Errorf("db: seed pricing: %w", err)
	}
	log.Infof("seeded %d pricing entries", len(entries))
	return nil
}
