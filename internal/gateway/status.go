package gateway

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// Status is the reconciliation-relevant outcome of a gateway order.
type Status string

// Status values.
const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusPending   Status = "pending"
)

// Gateway order_status values.
const (
	OrderCreated    = "created"
	OrderProcessing = "processing"
	OrderApproved   = "approved"
	OrderDeclined   = "declined"
	OrderExpired    = "expired"
	OrderReversed   = "reversed"
)

// Classify maps the gateway's order_status and response_status to a Status.
// Anything not recognisably final stays pending.
func Classify(orderStatus, responseStatus string) Status {
	orderStatus = strings.ToLower(strings.TrimSpace(orderStatus))
	responseStatus = strings.ToLower(strings.TrimSpace(responseStatus))
	if responseStatus == "failure" {
		return StatusFailed
	}
	switch orderStatus {
	case OrderApproved:
		if responseStatus == "" || responseStatus == "success" {
			return StatusSucceeded
		}
		return StatusPending
	case OrderDeclined, OrderExpired, OrderReversed:
		return StatusFailed
	default:
		return StatusPending
	}
}

// FromMinor converts an amount in minor units ("1050") to a decimal (10.50).
func FromMinor(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, errors.New("gateway: empty amount")
	}
	minor, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "gateway: parse amount %q", raw)
	}
	if !minor.Equal(minor.Truncate(0)) {
		return decimal.Zero, errors.Newf("gateway: fractional minor amount %q", raw)
	}
	return minor.Shift(-2), nil
}

// ToMinor converts a decimal amount to minor units.
func ToMinor(amount decimal.Decimal) string {
	return amount.Round(2).Shift(2).StringFixed(0)
}
