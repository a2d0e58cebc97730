// Package reconcile settles pending top-ups against the payment gateway. The
// webhook, the polling verifier and the timeout path all finish a top-up through
// Completer, whose compare-and-set on the pending status lets exactly one of
// them win.
package reconcile

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/propmarket/promotions/internal/gateway"
	"github.com/propmarket/promotions/internal/ierr"
	"github.com/propmarket/promotions/internal/ledger"
	"github.com/propmarket/promotions/internal/metrics"
	"github.com/propmarket/promotions/internal/models"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Sources that can finish a top-up.
const (
	SourceWebhook  = "webhook"
	SourcePoll     = "poll"
	SourceTimeout  = "timeout"
	SourceCheckout = "checkout"
)

// Failure reasons recorded on failed top-ups.
const (
	ReasonTimeout        = "timeout"
	ReasonCheckoutFailed = "checkout_failed"
	ReasonDeclined       = "declined"
)

// OutcomeKind is the gateway verdict being applied.
type OutcomeKind string

// OutcomeKind values.
const (
	OutcomeSucceeded    OutcomeKind = "succeeded"
	OutcomeFailed       OutcomeKind = "failed"
	OutcomeStillPending OutcomeKind = "still_pending"
)

// Outcome is what a reconciliation path learned about a top-up.
type Outcome struct {
	Kind OutcomeKind
	// Amount confirmed by the gateway. Zero credits the requested amount.
	Amount decimal.Decimal
	Reason string
	Source string
	// Order is the gateway echo stored on the transaction, if any.
	Order             *gateway.Order
	SignatureVerified bool
}

// Succeeded credits amount.
func Succeeded(amount decimal.Decimal, order *gateway.Order, source string) Outcome {
	return Outcome{Kind: OutcomeSucceeded, Amount: amount, Order: order, Source: source}
}

// Failed closes the top-up without a credit.
func Failed(reason string, order *gateway.Order, source string) Outcome {
	return Outcome{Kind: OutcomeFailed, Reason: reason, Order: order, Source: source}
}

// StillPending only records that the gateway was consulted.
func StillPending(order *gateway.Order, source string) Outcome {
	return Outcome{Kind: OutcomeStillPending, Order: order, Source: source}
}

// FromOrder turns a classified gateway order into an outcome.
func FromOrder(order *gateway.Order, source string, verified bool) Outcome {
	var out Outcome
	switch order.Status {
	case gateway.StatusSucceeded:
		out = Succeeded(order.Amount, order, source)
	case gateway.StatusFailed:
		reason := order.OrderStatus
		if reason == "" || reason == gateway.OrderApproved {
			reason = ReasonDeclined
		}
		out = Failed(reason, order, source)
	default:
		out = StillPending(order, source)
	}
	out.SignatureVerified = verified
	return out
}

// Completer applies outcomes to pending top-ups.
type Completer struct {
	db  *gorm.DB
	now func() time.Time
}

// NewCompleter returns a completer bound to conn.
func NewCompleter(conn *gorm.DB) *Completer {
	return &Completer{db: conn, now: time.Now}
}

// WithClock overrides the time source.
func (c *Completer) WithClock(now func() time.Time) *Completer {
	if now != nil {
		c.now = now
	}
	return c
}

// Complete applies o to the top-up whose gateway order id is ref.
// A top-up that already left pending yields ierr.ErrAlreadyProcessed together
// with its current row.
func (c *Completer) Complete(ctx context.Context, ref string, o Outcome) (*models.Transaction, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ierr.NewError("empty order reference").Mark(ierr.ErrValidation)
	}
	return c.complete(ctx, o, func(q *gorm.DB) *gorm.DB {
		return q.Where("external_reference = ?", ref)
	})
}

// CompleteByID applies o to a top-up by transaction id.
func (c *Completer) CompleteByID(ctx context.Context, id uint64, o Outcome) (*models.Transaction, error) {
	return c.complete(ctx, o, func(q *gorm.DB) *gorm.DB {
		return q.Where("id = ?", id)
	})
}

func (c *Completer) complete(ctx context.Context, o Outcome, scope func(*gorm.DB) *gorm.DB) (*models.Transaction, error) {
	var txn models.Transaction
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := scope(tx.Where("kind = ?", models.TransactionKindTopUp)).First(&txn).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ierr.WithError(err).WithHint("Unknown payment order").Mark(ierr.ErrNotFound)
			}
			return ierr.WithError(err).WithMessage("load top-up").Mark(ierr.ErrDatabase)
		}
		if txn.Status != models.TransactionStatusPending {
			return ierr.NewErrorf("top-up %d already %s", txn.ID, txn.Status).Mark(ierr.ErrAlreadyProcessed)
		}

		now := c.now().UTC()
		details := mergeDetails(txn, o, now)

		switch o.Kind {
		case OutcomeStillPending:
			return c.touch(tx, &txn, details)
		case OutcomeFailed:
			return c.fail(tx, &txn, details, now)
		case OutcomeSucceeded:
			return c.succeed(tx, &txn, o, details, now)
		default:
			return errors.Newf("reconcile: unknown outcome %q", o.Kind)
		}
	})

	source := o.Source
	if source == "" {
		source = "unknown"
	}
	switch {
	case err == nil:
		metrics.ReconcileOutcomesTotal.WithLabelValues(source, resultLabel(o)).Inc()
	case errors.Is(err, ierr.ErrAlreadyProcessed):
		metrics.ReconcileOutcomesTotal.WithLabelValues(source, "already_processed").Inc()
	}
	if err != nil {
		if errors.Is(err, ierr.ErrAlreadyProcessed) {
			return c.reload(ctx, txn.ID), err
		}
		return nil, err
	}
	return &txn, nil
}

// reload reads the committed row after a lost compare-and-set, so callers never
// see the pending snapshot the transaction started from.
func (c *Completer) reload(ctx context.Context, id uint64) *models.Transaction {
	if id == 0 {
		return nil
	}
	var current models.Transaction
	if err := c.db.WithContext(ctx).First(&current, id).Error; err != nil {
		log.WithError(err).WithField("transaction_id", id).Warn("reload settled top-up failed")
		return nil
	}
	return &current
}

func resultLabel(o Outcome) string {
	switch o.Kind {
	case OutcomeSucceeded:
		return "completed"
	case OutcomeFailed:
		if o.Reason == ReasonTimeout {
			return ReasonTimeout
		}
		return "failed"
	default:
		return "pending"
	}
}

// touch rewrites details of a still-pending top-up.
func (c *Completer) touch(tx *gorm.DB, txn *models.Transaction, details models.TopUpDetails) error {
	res := tx.Model(&models.Transaction{}).
		Where("id = ? AND status = ?", txn.ID, models.TransactionStatusPending).
		Update("details", models.NewTransactionDetails(details))
	if res.Error != nil {
		return ierr.WithError(res.Error).WithMessage("touch top-up").Mark(ierr.ErrDatabase)
	}
	if res.RowsAffected != 1 {
		return ierr.NewErrorf("top-up %d left pending concurrently", txn.ID).Mark(ierr.ErrAlreadyProcessed)
	}
	txn.Details = models.NewTransactionDetails(details)
	return nil
}

func (c *Completer) fail(tx *gorm.DB, txn *models.Transaction, details models.TopUpDetails, now time.Time) error {
	res := tx.Model(&models.Transaction{}).
		Where("id = ? AND status = ?", txn.ID, models.TransactionStatusPending).
		Updates(map[string]any{
			"status":       models.TransactionStatusFailed,
			"completed_at": now,
			"details":      models.NewTransactionDetails(details),
		})
	if res.Error != nil {
		return ierr.WithError(res.Error).WithMessage("fail top-up").Mark(ierr.ErrDatabase)
	}
	if res.RowsAffected != 1 {
		return ierr.NewErrorf("top-up %d completed concurrently", txn.ID).Mark(ierr.ErrAlreadyProcessed)
	}
	txn.Status = models.TransactionStatusFailed
	txn.CompletedAt = &now
	txn.Details = models.NewTransactionDetails(details)
	log.WithFields(log.Fields{
		"transaction_id": txn.ID,
		"account_id":     txn.AccountID,
		"reason":         details.FailureReason,
		"source":         details.Source,
	}).Info("top-up failed")
	return nil
}

func (c *Completer) succeed(tx *gorm.DB, txn *models.Transaction, o Outcome, details models.TopUpDetails, now time.Time) error {
	res := tx.Model(&models.Transaction{}).
		Where("id = ? AND status = ?", txn.ID, models.TransactionStatusPending).
		Update("status", models.TransactionStatusCompleted)
	if res.Error != nil {
		return ierr.WithError(res.Error).WithMessage("complete top-up").Mark(ierr.ErrDatabase)
	}
	if res.RowsAffected != 1 {
		return ierr.NewErrorf("top-up %d completed concurrently", txn.ID).Mark(ierr.ErrAlreadyProcessed)
	}
	txn.Status = models.TransactionStatusCompleted

	amount := o.Amount
	if !amount.IsPositive() {
		amount = details.RequestedAmount
	}
	if !amount.IsPositive() {
		amount = txn.Amount
	}
	if !amount.Equal(details.RequestedAmount) && details.RequestedAmount.IsPositive() {
		log.WithFields(log.Fields{
			"transaction_id": txn.ID,
			"requested":      details.RequestedAmount.String(),
			"confirmed":      amount.String(),
		}).Warn("top-up confirmed amount differs from requested")
	}

	account, err := ledger.Lock(tx, txn.AccountID)
	if err != nil {
		return err
	}
	if err := ledger.Settle(tx, account, txn, amount, details, now); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"transaction_id": txn.ID,
		"account_id":     txn.AccountID,
		"amount":         amount.String(),
		"balance":        account.Balance.String(),
		"source":         details.Source,
	}).Info("top-up credited")
	return nil
}

// mergeDetails folds the outcome into the stored top-up details.
func mergeDetails(txn models.Transaction, o Outcome, now time.Time) models.TopUpDetails {
	details, ok := txn.Details.TopUp()
	if !ok {
		details = models.TopUpDetails{RequestedAmount: txn.Amount}
	}
	if o.Source != "" {
		details.Source = o.Source
	}
	if o.Kind == OutcomeFailed {
		details.FailureReason = o.Reason
	}
	details.CheckedAt = &now
	if o.Order != nil {
		details.GatewayOrderStatus = o.Order.OrderStatus
		details.GatewayResponseStatus = o.Order.ResponseStatus
		if o.Order.PaymentID != "" {
			details.GatewayPaymentID = o.Order.PaymentID
		}
		details.SignatureVerified = o.SignatureVerified
		if payload := echoPayload(o.Order); payload != nil {
			details.Payload = payload
		}
	}
	return details
}

// echoPayload stores the gateway params without the signature fields.
func echoPayload(order *gateway.Order) datatypes.JSON {
	if len(order.Params) == 0 {
		if len(order.Raw) == 0 {
			return nil
		}
		return datatypes.JSON(order.Raw)
	}
	clean := make(map[string]string, len(order.Params))
	for k, v := range order.Params {
		if k == gateway.ParamSignature || k == gateway.ParamResponseSignatureString {
			continue
		}
		clean[k] = v
	}
	raw, err := json.Marshal(clean)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
