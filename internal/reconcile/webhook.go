package reconcile

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/propmarket/promotions/internal/config"
	"github.com/propmarket/promotions/internal/gateway"
	"github.com/propmarket/promotions/internal/ierr"
	"github.com/propmarket/promotions/internal/logging"
	"github.com/propmarket/promotions/internal/metrics"
	"github.com/propmarket/promotions/internal/settings"
	"github.com/propmarket/promotions/internal/util"
	log "github.com/sirupsen/logrus"
)

// Gateway is the slice of the payment gateway client reconciliation uses.
type Gateway interface {
	CreateCheckout(ctx context.Context, req gateway.CheckoutRequest) (*gateway.Checkout, error)
	OrderStatus(ctx context.Context, orderID string) (*gateway.Order, error)
}

// Result is the callback processing verdict reported back to the gateway.
type Result string

// Result values.
const (
	ResultCompleted        Result = "completed"
	ResultFailed           Result = "failed"
	ResultPending          Result = "pending"
	ResultAlreadyProcessed Result = "already_processed"
	ResultRejected         Result = "rejected"
	ResultNotFound         Result = "not_found"
)

// Webhook processes server callbacks pushed by the gateway.
type Webhook struct {
	completer *Completer
	gw        Gateway
	secret    string
	mode      string
	settings  *settings.Store
}

// NewWebhook returns a processor verifying callbacks with secret. mode is the
// configured signature mode; the GATEWAY_SIGNATURE_MODE setting overrides it.
func NewWebhook(completer *Completer, gw Gateway, secret, mode string, store *settings.Store) *Webhook {
	return &Webhook{completer: completer, gw: gw, secret: secret, mode: mode, settings: store}
}

// Mode returns the signature mode currently in force.
func (w *Webhook) Mode() string {
	mode := w.mode
	if w.settings != nil {
		mode = w.settings.String(settings.SignatureModeKey, mode)
	}
	if strings.EqualFold(strings.TrimSpace(mode), config.SignaturePermissive) {
		return config.SignaturePermissive
	}
	return config.SignatureStrict
}

// Handle applies one callback. Structural problems return a validation error;
// everything else resolves to a Result so the gateway stops retrying.
func (w *Webhook) Handle(ctx context.Context, params map[string]string) (Result, error) {
	if missing := gateway.MissingFields(params); len(missing) > 0 {
		return "", ierr.NewErrorf("callback missing %s", strings.Join(missing, ", ")).
			WithHint("Callback is missing required fields").
			WithReportableDetails(map[string]any{"missing": missing}).
			Mark(ierr.ErrValidation)
	}
	order, err := gateway.ParseOrder(params)
	if err != nil {
		return "", ierr.WithError(err).WithHint("Callback amount is malformed").Mark(ierr.ErrValidation)
	}

	entry := log.WithFields(log.Fields{
		"order_id":     order.OrderID,
		"order_status": order.OrderStatus,
	})

	if gateway.Verify(w.secret, params) {
		return w.apply(ctx, order.OrderID, FromOrder(order, SourceWebhook, true))
	}

	mode := w.Mode()
	metrics.SignatureFailuresTotal.WithLabelValues(mode).Inc()
	logging.Security().WithFields(log.Fields{
		"order_id":       order.OrderID,
		"signature_mode": mode,
		"signature":      util.HideSecret(strings.TrimSpace(params[gateway.ParamSignature])),
	}).Warn("gateway callback signature verification failed")

	if mode != config.SignaturePermissive {
		return ResultRejected, nil
	}

	// The pushed status is not trusted; ask the gateway directly.
	pulled, err := w.gw.OrderStatus(ctx, order.OrderID)
	if err != nil {
		entry.WithError(err).Warn("callback status pull failed, leaving top-up for the verifier")
		return ResultPending, nil
	}
	return w.apply(ctx, order.OrderID, FromOrder(pulled, SourceWebhook, pulled.SignatureValid))
}

func (w *Webhook) apply(ctx context.Context, ref string, o Outcome) (Result, error) {
	_, err := w.completer.Complete(ctx, ref, o)
	switch {
	case err == nil:
	case errors.Is(err, ierr.ErrAlreadyProcessed):
		return ResultAlreadyProcessed, nil
	case errors.Is(err, ierr.ErrNotFound):
		log.WithField("order_id", ref).Warn("callback for unknown order")
		return ResultNotFound, nil
	default:
		return "", err
	}
	switch o.Kind {
	case OutcomeSucceeded:
		return ResultCompleted, nil
	case OutcomeFailed:
		return ResultFailed, nil
	default:
		return ResultPending, nil
	}
}
