package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Details is the kind-specific audit payload of a transaction.
type Details interface {
	Kind() TransactionKind
}

// TopUpDetails tracks a gateway payment from initiation to its final outcome.
type TopUpDetails struct {
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	Currency        string          `json:"currency,omitempty"`
	CheckoutURL     string          `json:"checkout_url,omitempty"`

	GatewayOrderStatus    string `json:"gateway_order_status,omitempty"`
	GatewayResponseStatus string `json:"gateway_response_status,omitempty"`
	GatewayPaymentID      string `json:"gateway_payment_id,omitempty"`
	SignatureVerified     bool   `json:"signature_verified"`

	// Source is the reconciliation path that last touched the entry: webhook, poll or timeout.
	Source        string         `json:"source,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Payload       datatypes.JSON `json:"gateway_payload,omitempty"`
	CheckedAt     *time.Time     `json:"checked_at,omitempty"`
}

// Kind implements Details.
func (TopUpDetails) Kind() TransactionKind { return TransactionKindTopUp }

// PurchaseLine is one priced service of a purchase.
type PurchaseLine struct {
	ServiceType       string          `json:"service_type"`
	VIPTier           bool            `json:"vip_tier,omitempty"`
	Days              int             `json:"days"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	LineCost          decimal.Decimal `json:"line_cost"`
	Params            string          `json:"params,omitempty"`
	PreviousExpiresAt *time.Time      `json:"previous_expires_at,omitempty"`
	ExpiresAt         time.Time       `json:"expires_at"`
	ReplacedTier      string          `json:"replaced_tier,omitempty"`
}

// PurchaseDetails is the cost breakdown of a balance spend.
type PurchaseDetails struct {
	PropertyID uint64          `json:"property_id"`
	Lines      []PurchaseLine  `json:"lines"`
	TotalCost  decimal.Decimal `json:"total_cost"`
}

// Kind implements Details. Any VIP tier line makes the whole purchase a VIP purchase.
func (d PurchaseDetails) Kind() TransactionKind {
	for _, line := range d.Lines {
		if line.VIPTier {
			return TransactionKindVIPPurchase
		}
	}
	return TransactionKindServicePurchase
}

// RefundDetails links a refund to the entry it reverses.
type RefundDetails struct {
	OriginalTransactionID uint64 `json:"original_transaction_id"`
	Reason                string `json:"reason"`
}

// Kind implements Details.
func (RefundDetails) Kind() TransactionKind { return TransactionKindRefund }

// AdjustmentDirection is the sign of an admin adjustment.
type AdjustmentDirection string

// AdjustmentDirection values.
const (
	AdjustmentCredit AdjustmentDirection = "credit"
	AdjustmentDebit  AdjustmentDirection = "debit"
)

// AdjustmentDetails records a manual balance correction.
type AdjustmentDetails struct {
	Direction AdjustmentDirection `json:"direction"`
	Reason    string              `json:"reason"`
	AdminID   uint64              `json:"admin_id,omitempty"`
}

// Kind implements Details.
func (AdjustmentDetails) Kind() TransactionKind { return TransactionKindAdminAdjustment }

// TransactionDetails is the column wrapper that persists a Details value as a
// {"kind": ..., "data": ...} JSON envelope.
type TransactionDetails struct {
	Details
}

// NewTransactionDetails wraps d for persistence.
func NewTransactionDetails(d Details) TransactionDetails {
	return TransactionDetails{Details: d}
}

type detailsEnvelope struct {
	Kind TransactionKind `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON implements json.Marshaler.
func (d TransactionDetails) MarshalJSON() ([]byte, error) {
	if d.Details == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(d.Details)
	if err != nil {
		return nil, err
	}
	return json.Marshal(detailsEnvelope{Kind: d.Details.Kind(), Data: data})
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *TransactionDetails) UnmarshalJSON(raw []byte) error {
	if len(raw) == 0 || string(raw) == "null" {
		d.Details = nil
		return nil
	}
	var env detailsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("transaction details: %w", err)
	}
	var target Details
	switch env.Kind {
	case TransactionKindTopUp:
		var v TopUpDetails
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return fmt.Errorf("transaction details: top up: %w", err)
		}
		target = v
	case TransactionKindVIPPurchase, TransactionKindServicePurchase:
		var v PurchaseDetails
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return fmt.Errorf("transaction details: purchase: %w", err)
		}
		target = v
	case TransactionKindRefund:
		var v RefundDetails
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return fmt.Errorf("transaction details: refund: %w", err)
		}
		target = v
	case TransactionKindAdminAdjustment:
		var v AdjustmentDetails
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return fmt.Errorf("transaction details: adjustment: %w", err)
		}
		target = v
	default:
		return fmt.Errorf("transaction details: unknown kind %q", env.Kind)
	}
	d.Details = target
	return nil
}

// Value implements driver.Valuer.
func (d TransactionDetails) Value() (driver.Value, error) {
	if d.Details == nil {
		return nil, nil
	}
	raw, err := d.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (d *TransactionDetails) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		d.Details = nil
		return nil
	case []byte:
		return d.UnmarshalJSON(v)
	case string:
		return d.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("transaction details: unsupported scan type %T", src)
	}
}

// GormDataType reports the generic column type.
func (TransactionDetails) GormDataType() string {
	return "json"
}

// TopUp returns the top-up payload, if that is what the envelope holds.
func (d TransactionDetails) TopUp() (TopUpDetails, bool) {
	v, ok := d.Details.(TopUpDetails)
	return v, ok
}

// Purchase returns the purchase payload, if that is what the envelope holds.
func (d TransactionDetails) Purchase() (PurchaseDetails, bool) {
	v, ok := d.Details.(PurchaseDetails)
	return v, ok
}

// Adjustment returns the adjustment payload, if that is what the envelope holds.
func (d TransactionDetails) Adjustment() (AdjustmentDetails, bool) {
	v, ok := d.Details.(AdjustmentDetails)
	return v, ok
}
