package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/propmarket/promotions/internal/config"
	"github.com/propmarket/promotions/internal/dbtest"
	paygw "github.com/propmarket/promotions/internal/gateway"
	"github.com/propmarket/promotions/internal/reconcile"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const testSecret = "callback-secret"

type stubGateway struct{}

func (stubGateway) CreateCheckout(_ context.Context, req paygw.CheckoutRequest) (*paygw.Checkout, error) {
	return &paygw.Checkout{URL: "https://pay.example/" + req.OrderID}, nil
}

func (stubGateway) OrderStatus(context.Context, string) (*paygw.Order, error) {
	return nil, errors.New("status unavailable")
}

type fixture struct {
	conn      *gorm.DB
	router    *gin.Engine
	accountID uint64
	orderID   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	conn := dbtest.Open(t)
	completer := reconcile.NewCompleter(conn)
	account := dbtest.Account(t, conn, "5.00")
	checkout, err := reconcile.NewTopUps(conn, stubGateway{}, completer, "GEL").
		Start(t.Context(), account.ID, decimal.RequireFromString("20.00"))
	if err != nil {
		t.Fatalf("start top-up: %v", err)
	}

	r := gin.New()
	RegisterGatewayRoutes(r, reconcile.NewWebhook(completer, stubGateway{}, testSecret, config.SignatureStrict, nil))
	return &fixture{conn: conn, router: r, accountID: account.ID, orderID: checkout.OrderID}
}

func signed(orderID, orderStatus, minor string) map[string]string {
	params := map[string]string{
		"order_id":        orderID,
		"order_status":    orderStatus,
		"response_status": "success",
		"amount":          minor,
		"currency":        "GEL",
	}
	params[paygw.ParamSignature] = paygw.Sign(testSecret, params)
	return params
}

func (f *fixture) postJSON(t *testing.T, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v0/gateway/callback", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) postForm(t *testing.T, params map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodPost, "/v0/gateway/callback", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func statusOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.Status
}

func TestCallbackCreditsOnceAndReplaysAsProcessed(t *testing.T) {
	f := newFixture(t)
	params := signed(f.orderID, paygw.OrderApproved, "2000")

	if got := statusOf(t, f.postJSON(t, map[string]any{"response": params})); got != "completed" {
		t.Fatalf("expected completed, got %q", got)
	}
	if got := dbtest.Balance(t, f.conn, f.accountID); got.StringFixed(2) != "25.00" {
		t.Fatalf("expected 25.00, got %s", got)
	}

	if got := statusOf(t, f.postForm(t, params)); got != "already_processed" {
		t.Fatalf("expected already_processed on replay, got %q", got)
	}
	if got := dbtest.Balance(t, f.conn, f.accountID); got.StringFixed(2) != "25.00" {
		t.Fatalf("replay changed balance to %s", got)
	}
}

func TestCallbackDeclinedFailsTopUp(t *testing.T) {
	f := newFixture(t)
	if got := statusOf(t, f.postForm(t, signed(f.orderID, paygw.OrderDeclined, "2000"))); got != "failed" {
		t.Fatalf("expected failed, got %q", got)
	}
	if got := dbtest.Balance(t, f.conn, f.accountID); got.StringFixed(2) != "5.00" {
		t.Fatalf("declined payment moved balance to %s", got)
	}
}

func TestCallbackBadSignatureRejectedInStrictMode(t *testing.T) {
	f := newFixture(t)
	params := signed(f.orderID, paygw.OrderApproved, "2000")
	params[paygw.ParamSignature] = "0000"

	if got := statusOf(t, f.postJSON(t, params)); got != "rejected" {
		t.Fatalf("expected rejected, got %q", got)
	}
	if got := dbtest.Balance(t, f.conn, f.accountID); got.StringFixed(2) != "5.00" {
		t.Fatalf("unsigned callback moved balance to %s", got)
	}
}

func TestCallbackUnknownOrder(t *testing.T) {
	f := newFixture(t)
	if got := statusOf(t, f.postJSON(t, signed("nope", paygw.OrderApproved, "100"))); got != "not_found" {
		t.Fatalf("expected not_found, got %q", got)
	}
}

func TestCallbackStructuralFailures(t *testing.T) {
	f := newFixture(t)

	w := f.postJSON(t, map[string]string{"order_id": f.orderID})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing fields, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v0/gateway/callback", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", rec.Code)
	}

	params := signed(f.orderID, paygw.OrderApproved, "12.5x")
	if w := f.postJSON(t, params); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed amount, got %d", w.Code)
	}
}
