// Package ledger owns every mutation of account balances. Each balance change
// is paired with a Transaction row written in the same database transaction.
package ledger

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/propmarket/promotions/internal/db"
	"github.com/propmarket/promotions/internal/ierr"
	"github.com/propmarket/promotions/internal/metrics"
	"github.com/propmarket/promotions/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Entry is a completed posting against a locked account.
type Entry struct {
	Amount            decimal.Decimal
	PaymentMethod     string
	Details           models.Details
	ExternalReference *string
}

// Lock loads the account row and holds its lock until tx ends.
func Lock(tx *gorm.DB, accountID uint64) (*models.Account, error) {
	var account models.Account
	if err := db.ForUpdate(tx).First(&account, accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ierr.WithError(err).
				WithHintf("Account %d does not exist", accountID).
				Mark(ierr.ErrNotFound)
		}
		return nil, ierr.WithError(err).WithMessage("lock account").Mark(ierr.ErrDatabase)
	}
	return &account, nil
}

// Post writes a completed transaction and moves the balance of a locked account.
// A posting that would take the balance below zero fails with *ierr.InsufficientFundsError.
func Post(tx *gorm.DB, account *models.Account, e Entry, now time.Time) (*models.Transaction, error) {
	if account == nil {
		return nil, errors.New("ledger: nil account")
	}
	if e.Details == nil {
		return nil, errors.New("ledger: entry without details")
	}
	if !e.Amount.IsPositive() {
		return nil, ierr.NewErrorf("amount must be positive, got %s", e.Amount).
			WithHint("Amount must be greater than zero").
			Mark(ierr.ErrValidation)
	}

	now = now.UTC()
	txn := &models.Transaction{
		ExternalReference: e.ExternalReference,
		AccountID:         account.ID,
		Kind:              e.Details.Kind(),
		Status:            models.TransactionStatusCompleted,
		Amount:            e.Amount.Round(2),
		PaymentMethod:     e.PaymentMethod,
		Details:           models.NewTransactionDetails(e.Details),
		CompletedAt:       &now,
	}
	before := account.Balance
	after := before.Add(txn.SignedAmount())
	if after.IsNegative() {
		return nil, ierr.NewInsufficientFunds(txn.Amount, before)
	}
	txn.BalanceBefore = before
	txn.BalanceAfter = after

	if err := setBalance(tx, account, after); err != nil {
		return nil, err
	}
	if err := tx.Create(txn).Error; err != nil {
		return nil, ierr.WithError(err).WithMessage("write transaction").Mark(ierr.ErrDatabase)
	}
	metrics.LedgerPostingsTotal.WithLabelValues(string(txn.Kind)).Inc()
	return txn, nil
}

// Settle credits a top-up whose status has already been moved to completed by
// the caller's compare-and-set, filling in the balance snapshot.
func Settle(tx *gorm.DB, account *models.Account, txn *models.Transaction, amount decimal.Decimal, details models.Details, now time.Time) error {
	if txn.Kind != models.TransactionKindTopUp {
		return errors.Newf("ledger: settle on %s transaction", txn.Kind)
	}
	if !amount.IsPositive() {
		return ierr.NewErrorf("settle amount must be positive, got %s", amount).Mark(ierr.ErrValidation)
	}
	amount = amount.Round(2)
	before := account.Balance
	after := before.Add(amount)
	if err := setBalance(tx, account, after); err != nil {
		return err
	}

	now = now.UTC()
	updates := map[string]any{
		"amount":         amount,
		"balance_before": before,
		"balance_after":  after,
		"completed_at":   now,
	}
	if details != nil {
		updates["details"] = models.NewTransactionDetails(details)
	}
	if err := tx.Model(&models.Transaction{}).Where("id = ?", txn.ID).Updates(updates).Error; err != nil {
		return ierr.WithError(err).WithMessage("settle transaction").Mark(ierr.ErrDatabase)
	}
	txn.Amount = amount
	txn.BalanceBefore = before
	txn.BalanceAfter = after
	txn.CompletedAt = &now
	if details != nil {
		txn.Details = models.NewTransactionDetails(details)
	}
	metrics.LedgerPostingsTotal.WithLabelValues(string(txn.Kind)).Inc()
	return nil
}

func setBalance(tx *gorm.DB, account *models.Account, balance decimal.Decimal) error {
	if err := tx.Model(&models.Account{}).
		Where("id = ?", account.ID).
		Update("balance", balance).Error; err != nil {
		return ierr.WithError(err).WithMessage("update balance").Mark(ierr.ErrDatabase)
	}
	account.Balance = balance
	return nil
}

// Ledger exposes read paths and the standalone postings (adjustments, refunds).
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// New returns a ledger bound to conn.
func New(conn *gorm.DB) *Ledger {
	return &Ledger{db: conn, now: time.Now}
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	if now != nil {
		l.now = now
	}
	return l
}

// Balance returns the cached balance of an account.
func (l *Ledger) Balance(ctx context.Context, accountID uint64) (decimal.Decimal, error) {
	var account models.Account
	if err := l.db.WithContext(ctx).Select("id", "balance").First(&account, accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, ierr.WithError(err).Mark(ierr.ErrNotFound)
		}
		return decimal.Zero, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return account.Balance, nil
}

// Page selects a window of an account's history, newest first.
type Page struct {
	Limit    int
	BeforeID uint64
	Kind     models.TransactionKind
	Status   models.TransactionStatus
}

// Transactions lists an account's entries newest first.
func (l *Ledger) Transactions(ctx context.Context, accountID uint64, p Page) ([]models.Transaction, error) {
	if p.Limit <= 0 || p.Limit > 100 {
		p.Limit = 20
	}
	q := l.db.WithContext(ctx).Where("account_id = ?", accountID)
	if p.BeforeID > 0 {
		q = q.Where("id < ?", p.BeforeID)
	}
	if p.Kind != "" {
		q = q.Where("kind = ?", p.Kind)
	}
	if p.Status != "" {
		q = q.Where("status = ?", p.Status)
	}
	var rows []models.Transaction
	if err := q.Order("id DESC").Limit(p.Limit).Find(&rows).Error; err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return rows, nil
}
