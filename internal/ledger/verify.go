package ledger

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/propmarket/promotions/internal/ierr"
	"github.com/propmarket/promotions/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Report compares the cached balance with the sum of completed entries.
type Report struct {
	AccountID  uint64          `json:"account_id"`
	Balance    decimal.Decimal `json:"balance"`
	LedgerSum  decimal.Decimal `json:"ledger_sum"`
	Difference decimal.Decimal `json:"difference"`
	Completed  int             `json:"completed_transactions"`
	Pending    int             `json:"pending_transactions"`
	Consistent bool            `json:"consistent"`
}

// Verify recomputes the balance from completed transactions.
func (l *Ledger) Verify(ctx context.Context, accountID uint64) (Report, error) {
	report := Report{AccountID: accountID}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account models.Account
		if errFind := tx.First(&account, accountID).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return ierr.WithError(errFind).Mark(ierr.ErrNotFound)
			}
			return ierr.WithError(errFind).Mark(ierr.ErrDatabase)
		}
		report.Balance = account.Balance

		var rows []models.Transaction
		if errFind := tx.Select("id", "kind", "status", "amount", "details").
			Where("account_id = ?", accountID).
			Order("id ASC").
			Find(&rows).Error; errFind != nil {
			return ierr.WithError(errFind).Mark(ierr.ErrDatabase)
		}
		sum := decimal.Zero
		for _, txn := range rows {
			switch txn.Status {
			case models.TransactionStatusCompleted:
				sum = sum.Add(txn.SignedAmount())
				report.Completed++
			case models.TransactionStatusPending:
				report.Pending++
			}
		}
		report.LedgerSum = sum
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	report.Difference = report.Balance.Sub(report.LedgerSum)
	report.Consistent = report.Difference.IsZero()
	return report, nil
}
