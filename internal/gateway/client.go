// Package gateway talks to the card payment gateway: hosted checkout creation,
// order status queries and callback signatures.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/propmarket/promotions/internal/ierr"
	"github.com/propmarket/promotions/internal/metrics"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	checkoutPath = "/api/checkout/url/"
	statusPath   = "/api/status/order_id"
	maxBodyBytes = 1 << 20
)

// Config identifies the merchant account.
type Config struct {
	BaseURL     string
	MerchantID  string
	SecretKey   string
	Currency    string
	CallbackURL string
	ResponseURL string
	Timeout     time.Duration
	RetryMax    int
}

// CheckoutRequest opens a hosted payment page for a top-up.
type CheckoutRequest struct {
	OrderID     string
	Amount      decimal.Decimal
	Currency    string
	Description string
}

// Checkout is the hosted payment page for an order.
type Checkout struct {
	URL       string
	PaymentID string
}

// Order is the gateway's view of an order.
type Order struct {
	OrderID        string
	OrderStatus    string
	ResponseStatus string
	Amount         decimal.Decimal
	Currency       string
	PaymentID      string
	Status         Status
	SignatureValid bool
	Params         map[string]string
	Raw            json.RawMessage
}

// Client calls the gateway API with retries on transport errors and 5xx.
type Client struct {
	cfg  Config
	http *retryablehttp.Client
}

// NewClient returns a client for cfg.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = leveledLogger{entry: log.WithField("component", "gateway")}
	return &Client{cfg: cfg, http: rc}
}

// SecretKey returns the merchant secret used for signatures.
func (c *Client) SecretKey() string { return c.cfg.SecretKey }

// CreateCheckout asks the gateway for a hosted checkout URL.
func (c *Client) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	start := time.Now()
	checkout, err := c.createCheckout(ctx, req)
	metrics.ObserveGateway("checkout", start, err)
	return checkout, err
}

func (c *Client) createCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	currency := req.Currency
	if currency == "" {
		currency = c.cfg.Currency
	}
	params := map[string]string{
		"order_id":            req.OrderID,
		"merchant_id":         c.cfg.MerchantID,
		"order_desc":          req.Description,
		"amount":              ToMinor(req.Amount),
		"currency":            currency,
		"server_callback_url": c.cfg.CallbackURL,
		"response_url":        c.cfg.ResponseURL,
	}
	params[ParamSignature] = Sign(c.cfg.SecretKey, params)

	fields, err := c.post(ctx, checkoutPath, params)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(fields["response_status"], "success") || fields["checkout_url"] == "" {
		return nil, ierr.NewErrorf("checkout rejected: %s (code %s)", fields["error_message"], fields["error_code"]).
			WithHint("The payment provider could not start the payment").
			Mark(ierr.ErrGateway)
	}
	return &Checkout{URL: fields["checkout_url"], PaymentID: fields["payment_id"]}, nil
}

// OrderStatus fetches the authoritative status of an order.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (*Order, error) {
	start := time.Now()
	order, err := c.orderStatus(ctx, orderID)
	metrics.ObserveGateway("status", start, err)
	return order, err
}

func (c *Client) orderStatus(ctx context.Context, orderID string) (*Order, error) {
	params := map[string]string{
		"order_id":    orderID,
		"merchant_id": c.cfg.MerchantID,
	}
	params[ParamSignature] = Sign(c.cfg.SecretKey, params)

	fields, err := c.post(ctx, statusPath, params)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(fields["response_status"], "failure") && fields["order_status"] == "" {
		return nil, ierr.NewErrorf("status query failed: %s (code %s)", fields["error_message"], fields["error_code"]).
			Mark(ierr.ErrGateway)
	}
	order, err := ParseOrder(fields)
	if err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrGateway)
	}
	order.SignatureValid = Verify(c.cfg.SecretKey, fields)
	if fields[ParamSignature] != "" && !order.SignatureValid {
		return nil, ierr.NewErrorf("status response for %s failed signature check", orderID).Mark(ierr.ErrSignature)
	}
	return order, nil
}

// ParseOrder builds an Order from flattened gateway fields.
func ParseOrder(fields map[string]string) (*Order, error) {
	orderID := strings.TrimSpace(fields["order_id"])
	if orderID == "" {
		return nil, errors.New("gateway: order_id missing")
	}
	order := &Order{
		OrderID:        orderID,
		OrderStatus:    strings.ToLower(strings.TrimSpace(fields["order_status"])),
		ResponseStatus: strings.ToLower(strings.TrimSpace(fields["response_status"])),
		Currency:       fields["currency"],
		PaymentID:      fields["payment_id"],
		Params:         fields,
	}
	order.Status = Classify(order.OrderStatus, order.ResponseStatus)
	amountRaw := fields["actual_amount"]
	if amountRaw == "" {
		amountRaw = fields["amount"]
	}
	if amountRaw != "" {
		amount, err := FromMinor(amountRaw)
		if err != nil {
			return nil, err
		}
		order.Amount = amount
	}
	if raw, err := json.Marshal(fields); err == nil {
		order.Raw = raw
	}
	return order, nil
}

func (c *Client) post(ctx context.Context, path string, params map[string]string) (map[string]string, error) {
	body, err := json.Marshal(map[string]any{"request": params})
	if err != nil {
		return nil, errors.Wrap(err, "gateway: encode request")
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrGateway)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("The payment provider is unavailable").
			Mark(ierr.ErrGateway)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("gateway: close response body error: %v", errClose)
		}
	}()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrGateway)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, ierr.NewErrorf("gateway %s returned status %d", path, resp.StatusCode).Mark(ierr.ErrGateway)
	}

	var envelope struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || len(envelope.Response) == 0 {
		return nil, ierr.NewErrorf("gateway %s returned malformed body", path).Mark(ierr.ErrGateway)
	}
	fields, err := FlattenJSON(envelope.Response)
	if err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrGateway)
	}
	return fields, nil
}

// FlattenJSON turns a flat JSON object into string params. Numbers keep their
// literal text; nested values keep their JSON encoding.
func FlattenJSON(raw []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, errors.Wrap(err, "gateway: decode params")
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = val
		case json.Number:
			out[k] = val.String()
		case bool:
			out[k] = fmt.Sprintf("%t", val)
		default:
			encoded, err := json.Marshal(val)
			if err != nil {
				return nil, errors.Wrapf(err, "gateway: encode %s", k)
			}
			out[k] = string(encoded)
		}
	}
	return out, nil
}

// leveledLogger routes retryablehttp logs through logrus.
type leveledLogger struct {
	entry *log.Entry
}

func (l leveledLogger) fields(kv []interface{}) *log.Entry {
	e := l.entry
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			e = e.WithField(key, kv[i+1])
		}
	}
	return e
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.fields(kv).Error(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.fields(kv).Warn(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.fields(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.fields(kv).Trace(msg) }
