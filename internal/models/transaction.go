package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind classifies a ledger entry.
type TransactionKind string

// TransactionKind values.
const (
	TransactionKindTopUp           TransactionKind = "top_up"
	TransactionKindVIPPurchase     TransactionKind = "vip_purchase"
	TransactionKindServicePurchase TransactionKind = "service_purchase"
	TransactionKindRefund          TransactionKind = "refund"
	TransactionKindAdminAdjustment TransactionKind = "admin_adjustment"
)

// TransactionStatus is the lifecycle state of a ledger entry.
type TransactionStatus string

// TransactionStatus values. Only pending is mutable.
const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusCancelled TransactionStatus = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusCancelled:
		return true
	default:
		return false
	}
}

// Transaction is one append-only ledger entry.
type Transaction struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ExternalReference *string `gorm:"type:varchar(128);uniqueIndex"` // Gateway order identifier.

	AccountID uint64            `gorm:"not null;index"`                  // Owning account.
	Kind      TransactionKind   `gorm:"type:varchar(32);not null;index"` // Entry classification.
	Status    TransactionStatus `gorm:"type:varchar(16);not null;index"` // Lifecycle state.

	Amount        decimal.Decimal `gorm:"type:decimal(20,2);not null"` // Unsigned magnitude.
	BalanceBefore decimal.Decimal `gorm:"type:decimal(20,2);not null"` // Balance before applying.
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(20,2);not null"` // Balance after applying, equal to before while pending.

	PaymentMethod string             `gorm:"type:varchar(32)"` // balance, card, admin.
	Details       TransactionDetails `gorm:"type:jsonb"`       // Kind-specific audit document.

	CreatedAt   time.Time  `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
	UpdatedAt   time.Time  `gorm:"not null;autoUpdateTime"`       // Last update timestamp.
	CompletedAt *time.Time // Time the entry reached a terminal state.
}

// TableName keeps the ledger out of the generic "transactions" namespace.
func (Transaction) TableName() string {
	return "balance_transactions"
}

// Payment methods recorded on transactions.
const (
	PaymentMethodBalance = "balance"
	PaymentMethodCard    = "card"
	PaymentMethodAdmin   = "admin"
)

// SignedAmount returns the amount as it applies to the account balance.
func (t Transaction) SignedAmount() decimal.Decimal {
	switch t.Kind {
	case TransactionKindTopUp, TransactionKindRefund:
		return t.Amount
	case TransactionKindVIPPurchase, TransactionKindServicePurchase:
		return t.Amount.Neg()
	case TransactionKindAdminAdjustment:
		if adj, ok := t.Details.Adjustment(); ok && adj.Direction == AdjustmentDebit {
			return t.Amount.Neg()
		}
		return t.Amount
	default:
		return decimal.Zero
	}
}
