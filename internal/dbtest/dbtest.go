// Package dbtest opens migrated in-memory databases and seeds fixtures for tests.
package dbtest

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/propmarket/promotions/internal/db"
	"github.com/propmarket/promotions/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var seq atomic.Int64

// Open returns a migrated, seeded in-memory database private to the test.
// The pool holds a single connection so transactions serialize like row locks would.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:promotions_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), seq.Add(1))
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard, NowFunc: db.NowUTC})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("sql db: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	if errSeed := db.SeedPricing(t.Context(), conn); errSeed != nil {
		t.Fatalf("seed pricing: %v", errSeed)
	}
	return conn
}

// Account inserts an account and funds it with an opening credit adjustment,
// so the balance always equals the sum of its completed transactions.
func Account(t *testing.T, conn *gorm.DB, balance string) models.Account {
	t.Helper()
	opening := decimal.RequireFromString(balance)
	account := models.Account{
		Email:   fmt.Sprintf("owner%d@example.com", seq.Add(1)),
		Balance: decimal.Zero,
	}
	if err := conn.Create(&account).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	if !opening.IsPositive() {
		return account
	}

	now := db.NowUTC()
	errFund := conn.Transaction(func(tx *gorm.DB) error {
		txn := models.Transaction{
			AccountID:     account.ID,
			Kind:          models.TransactionKindAdminAdjustment,
			Status:        models.TransactionStatusCompleted,
			Amount:        opening.Round(2),
			BalanceBefore: decimal.Zero,
			BalanceAfter:  opening.Round(2),
			PaymentMethod: models.PaymentMethodAdmin,
			Details: models.NewTransactionDetails(models.AdjustmentDetails{
				Direction: models.AdjustmentCredit,
				Reason:    "opening balance",
			}),
			CompletedAt: &now,
		}
		if err := tx.Create(&txn).Error; err != nil {
			return err
		}
		return tx.Model(&models.Account{}).Where("id = ?", account.ID).Update("balance", opening.Round(2)).Error
	})
	if errFund != nil {
		t.Fatalf("fund account: %v", errFund)
	}
	account.Balance = opening.Round(2)
	return account
}

// Property inserts a property owned by ownerID.
func Property(t *testing.T, conn *gorm.DB, ownerID uint64) models.Property {
	t.Helper()
	property := models.Property{
		OwnerAccountID: ownerID,
		Title:          "Two-bedroom flat in Vake",
		ListedAt:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := conn.Create(&property).Error; err != nil {
		t.Fatalf("create property: %v", err)
	}
	return property
}

// Balance reloads the account balance.
func Balance(t *testing.T, conn *gorm.DB, accountID uint64) decimal.Decimal {
	t.Helper()
	var account models.Account
	if err := conn.First(&account, accountID).Error; err != nil {
		t.Fatalf("load account: %v", err)
	}
	return account.Balance
}

// Count returns the number of rows of model matching the optional condition.
func Count(t *testing.T, conn *gorm.DB, model any, query string, args ...any) int64 {
	t.Helper()
	q := conn.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
