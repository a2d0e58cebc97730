package reconcile

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/propmarket/promotions/internal/gateway"
	"github.com/propmarket/promotions/internal/ierr"
	"github.com/propmarket/promotions/internal/ledger"
	"github.com/propmarket/promotions/internal/models"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Top-up amount bounds.
var (
	MinTopUp = decimal.NewFromInt(1)
	MaxTopUp = decimal.NewFromInt(5000)
)

// Checkout is a started top-up awaiting payment.
type Checkout struct {
	TransactionID uint64          `json:"transaction_id"`
	OrderID       string          `json:"order_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	CheckoutURL   string          `json:"checkout_url"`
}

// TopUps opens gateway payments for balance top-ups.
type TopUps struct {
	db        *gorm.DB
	gw        Gateway
	completer *Completer
	currency  string
	now       func() time.Time
}

// NewTopUps returns a top-up initiator charging in currency.
func NewTopUps(conn *gorm.DB, gw Gateway, completer *Completer, currency string) *TopUps {
	return &TopUps{db: conn, gw: gw, completer: completer, currency: currency, now: time.Now}
}

// WithClock overrides the time source.
func (t *TopUps) WithClock(now func() time.Time) *TopUps {
	if now != nil {
		t.now = now
	}
	return t
}

// Start records a pending top-up and asks the gateway for a checkout page.
// When the gateway refuses, the top-up is failed with checkout_failed.
func (t *TopUps) Start(ctx context.Context, accountID uint64, amount decimal.Decimal) (*Checkout, error) {
	if err := validateTopUp(amount); err != nil {
		return nil, err
	}
	amount = amount.Round(2)
	now := t.now().UTC()
	orderID := gateway.NewOrderID(now)

	var txn models.Transaction
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, errLock := ledger.Lock(tx, accountID)
		if errLock != nil {
			return errLock
		}
		if account.Disabled {
			return ierr.NewErrorf("account %d is disabled", accountID).
				WithHint("This account cannot top up").
				Mark(ierr.ErrUnauthorized)
		}
		ref := orderID
		txn = models.Transaction{
			ExternalReference: &ref,
			AccountID:         account.ID,
			Kind:              models.TransactionKindTopUp,
			Status:            models.TransactionStatusPending,
			Amount:            amount,
			BalanceBefore:     account.Balance,
			BalanceAfter:      account.Balance,
			PaymentMethod:     models.PaymentMethodCard,
			Details: models.NewTransactionDetails(models.TopUpDetails{
				RequestedAmount: amount,
				Currency:        t.currency,
				Source:          SourceCheckout,
			}),
			CreatedAt: now,
		}
		if errCreate := tx.Create(&txn).Error; errCreate != nil {
			return ierr.WithError(errCreate).WithMessage("create top-up").Mark(ierr.ErrDatabase)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	entry := log.WithFields(log.Fields{
		"transaction_id": txn.ID,
		"account_id":     accountID,
		"order_id":       orderID,
	})

	checkout, err := t.gw.CreateCheckout(ctx, gateway.CheckoutRequest{
		OrderID:     orderID,
		Amount:      amount,
		Currency:    t.currency,
		Description: "Balance top-up",
	})
	if err != nil {
		entry.WithError(err).Warn("checkout creation failed")
		if _, errFail := t.completer.CompleteByID(ctx, txn.ID, Failed(ReasonCheckoutFailed, nil, SourceCheckout)); errFail != nil && !errors.Is(errFail, ierr.ErrAlreadyProcessed) {
			entry.WithError(errFail).Error("mark top-up checkout_failed")
		}
		if errors.Is(err, ierr.ErrGateway) {
			return nil, err
		}
		return nil, ierr.WithError(err).WithHint("The payment provider is unavailable").Mark(ierr.ErrGateway)
	}

	details, _ := txn.Details.TopUp()
	details.CheckoutURL = checkout.URL
	details.GatewayPaymentID = checkout.PaymentID
	if errSave := t.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status = ?", txn.ID, models.TransactionStatusPending).
		Update("details", models.NewTransactionDetails(details)).Error; errSave != nil {
		entry.WithError(errSave).Warn("store checkout url")
	}
	entry.WithField("amount", amount.String()).Info("top-up checkout created")

	return &Checkout{
		TransactionID: txn.ID,
		OrderID:       orderID,
		Amount:        amount,
		Currency:      t.currency,
		CheckoutURL:   checkout.URL,
	}, nil
}

func validateTopUp(amount decimal.Decimal) error {
	if amount.LessThan(MinTopUp) || amount.GreaterThan(MaxTopUp) {
		return ierr.NewErrorf("top-up amount %s out of range", amount).
			WithHintf("Top-up amount must be between %s and %s", MinTopUp.StringFixed(2), MaxTopUp.StringFixed(2)).
			Mark(ierr.ErrValidation)
	}
	if !amount.Equal(amount.Round(2)) {
		return ierr.NewErrorf("top-up amount %s has more than two decimals", amount).
			WithHint("Amount must have at most two decimal places").
			Mark(ierr.ErrValidation)
	}
	return nil
}
