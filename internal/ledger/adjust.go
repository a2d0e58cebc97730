package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/propmarket/promotions/internal/ierr"
	"github.com/propmarket/promotions/internal/models"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Adjustment is a manual balance correction made by an operator.
type Adjustment struct {
	AccountID uint64
	Direction models.AdjustmentDirection
	Amount    decimal.Decimal
	Reason    string
	AdminID   uint64
}

// Adjust posts an admin_adjustment entry.
func (l *Ledger) Adjust(ctx context.Context, a Adjustment) (*models.Transaction, error) {
	if a.Direction != models.AdjustmentCredit && a.Direction != models.AdjustmentDebit {
		return nil, ierr.NewErrorf("unknown adjustment direction %q", a.Direction).
			WithHint("Direction must be credit or debit").
			Mark(ierr.ErrValidation)
	}
	reason := strings.TrimSpace(a.Reason)
	if reason == "" {
		return nil, ierr.NewError("adjustment without reason").
			WithHint("A reason is required").
			Mark(ierr.ErrValidation)
	}

	var out *models.Transaction
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, errLock := Lock(tx, a.AccountID)
		if errLock != nil {
			return errLock
		}
		txn, errPost := Post(tx, account, Entry{
			Amount:        a.Amount,
			PaymentMethod: models.PaymentMethodAdmin,
			Details: models.AdjustmentDetails{
				Direction: a.Direction,
				Reason:    reason,
				AdminID:   a.AdminID,
			},
		}, l.now())
		if errPost != nil {
			return errPost
		}
		out = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"account_id": a.AccountID,
		"admin_id":   a.AdminID,
		"direction":  a.Direction,
		"amount":     out.Amount.StringFixed(2),
	}).Info("ledger: admin adjustment posted")
	return out, nil
}

// Refund returns the full amount of a completed purchase to its account.
// A purchase can be refunded once; the unique external reference enforces it.
func (l *Ledger) Refund(ctx context.Context, transactionID uint64, reason string) (*models.Transaction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ierr.NewError("refund without reason").
			WithHint("A reason is required").
			Mark(ierr.ErrValidation)
	}

	var out *models.Transaction
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var original models.Transaction
		if errFind := tx.First(&original, transactionID).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return ierr.WithError(errFind).Mark(ierr.ErrNotFound)
			}
			return ierr.WithError(errFind).Mark(ierr.ErrDatabase)
		}
		if original.Kind != models.TransactionKindVIPPurchase && original.Kind != models.TransactionKindServicePurchase {
			return ierr.NewErrorf("transaction %d is a %s", original.ID, original.Kind).
				WithHint("Only purchases can be refunded").
				Mark(ierr.ErrValidation)
		}
		if original.Status != models.TransactionStatusCompleted {
			return ierr.NewErrorf("transaction %d is %s", original.ID, original.Status).
				WithHint("Only completed purchases can be refunded").
				Mark(ierr.ErrValidation)
		}

		account, errLock := Lock(tx, original.AccountID)
		if errLock != nil {
			return errLock
		}
		ref := refundReference(original.ID)
		var existing int64
		if errCount := tx.Model(&models.Transaction{}).Where("external_reference = ?", ref).Count(&existing).Error; errCount != nil {
			return ierr.WithError(errCount).Mark(ierr.ErrDatabase)
		}
		if existing > 0 {
			return ierr.NewErrorf("transaction %d already refunded", original.ID).
				WithHint("This purchase has already been refunded").
				Mark(ierr.ErrAlreadyProcessed)
		}
		txn, errPost := Post(tx, account, Entry{
			Amount:            original.Amount,
			PaymentMethod:     models.PaymentMethodBalance,
			Details:           models.RefundDetails{OriginalTransactionID: original.ID, Reason: reason},
			ExternalReference: &ref,
		}, l.now())
		if errPost != nil {
			return errPost
		}
		out = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func refundReference(id uint64) string {
	return fmt.Sprintf("refund:%d", id)
}
