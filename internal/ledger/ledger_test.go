package ledger

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/propmarket/promotions/internal/dbtest"
	"github.com/propmarket/promotions/internal/ierr"
	"github.com/propmarket/promotions/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func postDebit(conn *gorm.DB, accountID uint64, amount string) error {
	return conn.Transaction(func(tx *gorm.DB) error {
		account, err := Lock(tx, accountID)
		if err != nil {
			return err
		}
		_, err = Post(tx, account, Entry{
			Amount:        decimal.RequireFromString(amount),
			PaymentMethod: models.PaymentMethodBalance,
			Details: models.PurchaseDetails{
				PropertyID: 1,
				Lines:      []models.PurchaseLine{{ServiceType: models.ServiceColor, Days: 1}},
				TotalCost:  decimal.RequireFromString(amount),
			},
		}, time.Now())
		return err
	})
}

func TestPostRejectsOverdraftWithoutSideEffects(t *testing.T) {
	conn := dbtest.Open(t)
	account := dbtest.Account(t, conn, "4.00")

	err := postDebit(conn, account.ID, "6.00")
	funds, ok := ierr.AsInsufficientFunds(err)
	if !ok {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if funds.Shortfall.StringFixed(2) != "2.00" || funds.Balance.StringFixed(2) != "4.00" {
		t.Fatalf("unexpected figures: %+v", funds)
	}
	if got := dbtest.Balance(t, conn, account.ID); got.StringFixed(2) != "4.00" {
		t.Fatalf("balance changed to %s", got)
	}
	if n := dbtest.Count(t, conn, &models.Transaction{}, "account_id = ? AND kind = ?", account.ID, models.TransactionKindServicePurchase); n != 0 {
		t.Fatalf("expected no purchase transactions, got %d", n)
	}
}

func TestPostRecordsBalanceSnapshot(t *testing.T) {
	conn := dbtest.Open(t)
	account := dbtest.Account(t, conn, "10.00")

	if err := postDebit(conn, account.ID, "6.00"); err != nil {
		t.Fatalf("debit: %v", err)
	}
	var txn models.Transaction
	if err := conn.Where("account_id = ? AND kind = ?", account.ID, models.TransactionKindServicePurchase).First(&txn).Error; err != nil {
		t.Fatalf("load transaction: %v", err)
	}
	if txn.Kind != models.TransactionKindServicePurchase || txn.Status != models.TransactionStatusCompleted {
		t.Fatalf("unexpected transaction: %+v", txn)
	}
	if txn.BalanceBefore.StringFixed(2) != "10.00" || txn.BalanceAfter.StringFixed(2) != "4.00" {
		t.Fatalf("unexpected snapshot %s -> %s", txn.BalanceBefore, txn.BalanceAfter)
	}
	if _, ok := txn.Details.Purchase(); !ok {
		t.Fatalf("expected purchase details, got %T", txn.Details.Details)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	conn := dbtest.Open(t)
	account := dbtest.Account(t, conn, "10.00")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := postDebit(conn, account.ID, "3.00"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 3 {
		t.Fatalf("expected 3 debits to succeed, got %d", succeeded)
	}
	if got := dbtest.Balance(t, conn, account.ID); got.StringFixed(2) != "1.00" {
		t.Fatalf("expected 1.00 left, got %s", got)
	}
}

func TestRandomSequenceKeepsBalanceEqualToLedgerSum(t *testing.T) {
	conn := dbtest.Open(t)
	account := dbtest.Account(t, conn, "0")
	l := New(conn)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	var purchases []uint64
	for i := 0; i < 60; i++ {
		amount := decimal.NewFromInt(int64(rng.Intn(900) + 1)).Shift(-2)
		switch rng.Intn(4) {
		case 0:
			_, _ = l.Adjust(ctx, Adjustment{AccountID: account.ID, Direction: models.AdjustmentCredit, Amount: amount, Reason: "promo credit", AdminID: 1})
		case 1:
			_, _ = l.Adjust(ctx, Adjustment{AccountID: account.ID, Direction: models.AdjustmentDebit, Amount: amount, Reason: "correction", AdminID: 1})
		case 2:
			if err := postDebit(conn, account.ID, amount.StringFixed(2)); err == nil {
				var last models.Transaction
				if errFind := conn.Where("account_id = ?", account.ID).Order("id DESC").First(&last).Error; errFind != nil {
					t.Fatalf("load last: %v", errFind)
				}
				purchases = append(purchases, last.ID)
			}
		case 3:
			if len(purchases) > 0 {
				idx := rng.Intn(len(purchases))
				_, _ = l.Refund(ctx, purchases[idx], "listing removed")
			}
		}

		report, err := l.Verify(ctx, account.ID)
		if err != nil {
			t.Fatalf("verify step %d: %v", i, err)
		}
		if !report.Consistent {
			t.Fatalf("step %d: balance %s != ledger %s", i, report.Balance, report.LedgerSum)
		}
		if report.Balance.IsNegative() {
			t.Fatalf("step %d: negative balance %s", i, report.Balance)
		}
	}
}

func TestRefundIsOneShot(t *testing.T) {
	conn := dbtest.Open(t)
	account := dbtest.Account(t, conn, "10.00")
	l := New(conn)
	ctx := context.Background()

	if err := postDebit(conn, account.ID, "2.50"); err != nil {
		t.Fatalf("debit: %v", err)
	}
	var purchase models.Transaction
	if err := conn.Where("account_id = ? AND kind = ?", account.ID, models.TransactionKindServicePurchase).First(&purchase).Error; err != nil {
		t.Fatalf("load purchase: %v", err)
	}

	refund, err := l.Refund(ctx, purchase.ID, "duplicate order")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refund.Kind != models.TransactionKindRefund || refund.BalanceAfter.StringFixed(2) != "10.00" {
		t.Fatalf("unexpected refund %+v", refund)
	}
	if _, err := l.Refund(ctx, purchase.ID, "again"); !ierr.IsAlreadyProcessed(err) {
		t.Fatalf("expected already processed, got %v", err)
	}
	if _, err := l.Refund(ctx, refund.ID, "refund a refund"); !ierr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAdjustValidatesInput(t *testing.T) {
	conn := dbtest.Open(t)
	account := dbtest.Account(t, conn, "1.00")
	l := New(conn)
	ctx := context.Background()

	if _, err := l.Adjust(ctx, Adjustment{AccountID: account.ID, Direction: "sideways", Amount: decimal.NewFromInt(1), Reason: "x"}); !ierr.IsValidation(err) {
		t.Fatalf("expected validation error for direction, got %v", err)
	}
	if _, err := l.Adjust(ctx, Adjustment{AccountID: account.ID, Direction: models.AdjustmentCredit, Amount: decimal.Zero, Reason: "x"}); !ierr.IsValidation(err) {
		t.Fatalf("expected validation error for zero amount, got %v", err)
	}
	if _, err := l.Adjust(ctx, Adjustment{AccountID: 9999, Direction: models.AdjustmentCredit, Amount: decimal.NewFromInt(1), Reason: "x"}); !ierr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFundedAccountStartsConsistent(t *testing.T) {
	conn := dbtest.Open(t)
	account := dbtest.Account(t, conn, "12.34")

	report, err := New(conn).Verify(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Consistent || report.Completed != 1 || report.LedgerSum.StringFixed(2) != "12.34" {
		t.Fatalf("unexpected report %+v", report)
	}
	var opening models.Transaction
	if err := conn.Where("account_id = ?", account.ID).First(&opening).Error; err != nil {
		t.Fatalf("load opening entry: %v", err)
	}
	if adj, ok := opening.Details.Adjustment(); !ok || adj.Direction != models.AdjustmentCredit {
		t.Fatalf("expected a credit adjustment, got %+v", opening.Details.Details)
	}
}
