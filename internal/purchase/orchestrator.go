// Package purchase spends account balance on promotion services for a property.
package purchase

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/propmarket/promotions/internal/db"
	"github.com/propmarket/promotions/internal/entitlement"
	"github.com/propmarket/promotions/internal/ierr"
	"github.com/propmarket/promotions/internal/ledger"
	"github.com/propmarket/promotions/internal/metrics"
	"github.com/propmarket/promotions/internal/models"
	"github.com/propmarket/promotions/internal/pricing"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var validate = validator.New()

// colorRule accepts only the six-digit #RRGGBB form.
const colorRule = "len=7,hexcolor"

// LineRequest asks for one service for a number of days.
type LineRequest struct {
	ServiceType string `json:"service_type"`
	Days        int    `json:"days"`
	Params      string `json:"params,omitempty"`
}

// Request is a purchase of one or more services for a single property.
type Request struct {
	AccountID  uint64
	PropertyID uint64
	Lines      []LineRequest
}

// ServiceResult is the resulting expiry of one purchased service.
type ServiceResult struct {
	ServiceType  string    `json:"service_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	ReplacedTier string    `json:"replaced_tier,omitempty"`
}

// Result is returned after a committed purchase.
type Result struct {
	TransactionID uint64                 `json:"transaction_id"`
	Kind          models.TransactionKind `json:"kind"`
	TotalCost     decimal.Decimal        `json:"total_cost"`
	Balance       decimal.Decimal        `json:"balance"`
	Services      []ServiceResult        `json:"services"`
}

// PricedLine is a validated line with its price.
type PricedLine struct {
	entitlement.Grant
	UnitPrice decimal.Decimal
	LineCost  decimal.Decimal
}

// Orchestrator runs purchases. Each purchase is one database transaction.
type Orchestrator struct {
	db      *gorm.DB
	catalog *pricing.Catalog
	now     func() time.Time
}

// New returns an orchestrator.
func New(conn *gorm.DB, catalog *pricing.Catalog) *Orchestrator {
	return &Orchestrator{db: conn, catalog: catalog, now: time.Now}
}

// WithClock overrides the time source.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	if now != nil {
		o.now = now
	}
	return o
}

// Quote prices a request without touching the balance.
func (o *Orchestrator) Quote(ctx context.Context, lines []LineRequest) ([]PricedLine, decimal.Decimal, error) {
	if len(lines) == 0 {
		return nil, decimal.Zero, ierr.NewError("empty purchase").
			WithHint("Select at least one service").
			Mark(ierr.ErrValidation)
	}
	types := lo.Map(lines, func(l LineRequest, _ int) string { return strings.TrimSpace(l.ServiceType) })
	if dup := lo.FindDuplicates(types); len(dup) > 0 {
		return nil, decimal.Zero, ierr.NewErrorf("duplicate service types %v", dup).
			WithHintf("Service %q appears more than once", dup[0]).
			Mark(ierr.ErrValidation)
	}

	priced := make([]PricedLine, 0, len(lines))
	total := decimal.Zero
	tiers := 0
	for i, line := range lines {
		entry, err := o.catalog.Lookup(ctx, types[i])
		if err != nil {
			return nil, decimal.Zero, err
		}
		cost, err := pricing.LineCost(entry, line.Days)
		if err != nil {
			return nil, decimal.Zero, err
		}
		params := strings.TrimSpace(line.Params)
		if entry.ServiceType == models.ServiceColor {
			if validate.Var(params, colorRule) != nil {
				return nil, decimal.Zero, ierr.NewErrorf("invalid color %q", params).
					WithHint("Color must be a hex value like #FFD700").
					Mark(ierr.ErrValidation)
			}
			params = strings.ToUpper(params)
		}
		if entry.IsVIPTier() {
			tiers++
		}
		priced = append(priced, PricedLine{
			Grant: entitlement.Grant{
				ServiceType: entry.ServiceType,
				Days:        line.Days,
				Params:      params,
				VIPTier:     entry.IsVIPTier(),
			},
			UnitPrice: entry.PricePerDay,
			LineCost:  cost,
		})
		total = total.Add(cost)
	}
	if tiers > 1 {
		return nil, decimal.Zero, ierr.NewError("more than one vip tier").
			WithHint("Only one VIP tier can be bought at a time").
			Mark(ierr.ErrValidation)
	}
	return priced, total, nil
}

// Purchase debits the account and grants every requested service, or does nothing.
func (o *Orchestrator) Purchase(ctx context.Context, req Request) (*Result, error) {
	result, err := o.purchase(ctx, req)
	metrics.PurchasesTotal.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"account_id":     req.AccountID,
		"property_id":    req.PropertyID,
		"transaction_id": result.TransactionID,
		"total_cost":     result.TotalCost.StringFixed(2),
	}).Info("purchase completed")
	return result, nil
}

func (o *Orchestrator) purchase(ctx context.Context, req Request) (*Result, error) {
	if req.AccountID == 0 {
		return nil, ierr.NewError("missing account").Mark(ierr.ErrUnauthorized)
	}
	priced, total, err := o.Quote(ctx, req.Lines)
	if err != nil {
		return nil, err
	}
	tiers, err := o.catalog.VIPTiers(ctx)
	if err != nil {
		return nil, err
	}
	isTier := func(serviceType string) bool { return tiers[serviceType] }

	var result *Result
	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := o.now().UTC()

		account, errLock := ledger.Lock(tx, req.AccountID)
		if errLock != nil {
			return errLock
		}
		if account.Disabled {
			return ierr.NewErrorf("account %d disabled", account.ID).
				WithHint("This account cannot make purchases").
				Mark(ierr.ErrUnauthorized)
		}

		var property models.Property
		if errFind := db.ForUpdate(tx).First(&property, req.PropertyID).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return ierr.WithError(errFind).
					WithHintf("Property %d does not exist", req.PropertyID).
					Mark(ierr.ErrNotFound)
			}
			return ierr.WithError(errFind).Mark(ierr.ErrDatabase)
		}
		if property.OwnerAccountID != account.ID {
			return ierr.NewErrorf("account %d does not own property %d", account.ID, property.ID).
				WithHint("You can only promote your own listings").
				Mark(ierr.ErrUnauthorized)
		}
		if account.Balance.LessThan(total) {
			return ierr.NewInsufficientFunds(total, account.Balance)
		}

		current, errCurrent := entitlement.LockProperty(tx, property.ID)
		if errCurrent != nil {
			return errCurrent
		}
		grants := lo.Map(priced, func(p PricedLine, _ int) entitlement.Grant { return p.Grant })
		changes := entitlement.Plan(current, grants, isTier, now)

		details := models.PurchaseDetails{PropertyID: property.ID, TotalCost: total}
		for i, ch := range changes {
			details.Lines = append(details.Lines, models.PurchaseLine{
				ServiceType:       ch.ServiceType,
				VIPTier:           ch.VIPTier,
				Days:              ch.Days,
				UnitPrice:         priced[i].UnitPrice,
				LineCost:          priced[i].LineCost,
				Params:            ch.Params,
				PreviousExpiresAt: ch.PreviousExpiresAt,
				ExpiresAt:         ch.ExpiresAt,
				ReplacedTier:      ch.ReplacedTier,
			})
		}

		txn, errPost := ledger.Post(tx, account, ledger.Entry{
			Amount:        total,
			PaymentMethod: models.PaymentMethodBalance,
			Details:       details,
		}, now)
		if errPost != nil {
			return errPost
		}
		if errWrite := entitlement.Write(tx, property.ID, changes, txn.ID, now); errWrite != nil {
			return errWrite
		}

		result = &Result{
			TransactionID: txn.ID,
			Kind:          txn.Kind,
			TotalCost:     total,
			Balance:       account.Balance,
			Services: lo.Map(changes, func(ch entitlement.Change, _ int) ServiceResult {
				return ServiceResult{ServiceType: ch.ServiceType, ExpiresAt: ch.ExpiresAt, ReplacedTier: ch.ReplacedTier}
			}),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ierr.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ierr.ErrValidation):
		return "invalid"
	case errors.Is(err, ierr.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ierr.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
