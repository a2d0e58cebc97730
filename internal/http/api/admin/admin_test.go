package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/propmarket/promotions/internal/config"
	"github.com/propmarket/promotions/internal/dbtest"
	"github.com/propmarket/promotions/internal/entitlement"
	"github.com/propmarket/promotions/internal/ledger"
	"github.com/propmarket/promotions/internal/models"
	"github.com/propmarket/promotions/internal/pricing"
	"github.com/propmarket/promotions/internal/purchase"
	"github.com/propmarket/promotions/internal/scheduler"
	"github.com/propmarket/promotions/internal/security"
	"github.com/propmarket/promotions/internal/settings"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const adminSecret = "admin-test-secret"

type fixture struct {
	conn      *gorm.DB
	router    *gin.Engine
	catalog   *pricing.Catalog
	settings  *settings.Store
	scheduler *scheduler.Scheduler
	runs      atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	conn := dbtest.Open(t)
	f := &fixture{conn: conn, catalog: pricing.NewCatalog(conn, time.Minute), settings: settings.NewStore()}

	sched, err := scheduler.New(nil, []scheduler.Task{
		{
			Name:     scheduler.TaskReconcile,
			Schedule: "0 0 1 1 *",
			Run: func(context.Context) (any, error) {
				f.runs.Add(1)
				return map[string]int{"checked": 3}, nil
			},
		},
		{
			Name:     scheduler.TaskExpiration,
			Schedule: "0 0 1 1 *",
			Run: func(context.Context) (any, error) {
				return nil, fmt.Errorf("sweep exploded")
			},
		},
	}, scheduler.Options{})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	f.scheduler = sched
	t.Cleanup(sched.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f.router = gin.New()
	RegisterAdminRoutes(f.router, Deps{
		DB:           conn,
		JWT:          config.JWTConfig{Secret: "account-secret", AdminSecret: adminSecret},
		Scheduler:    sched,
		Ledger:       ledger.New(conn),
		Catalog:      f.catalog,
		Entitlements: entitlement.NewStore(conn),
		Settings:     f.settings,
		Context:      ctx,
	})
	return f
}

func adminToken(t *testing.T, grants ...string) string {
	t.Helper()
	token, err := security.GenerateAdminToken(adminSecret, 1, "ops", time.Hour, grants...)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

type taskResponse struct {
	TaskID    string         `json:"task_id"`
	Task      string         `json:"task"`
	Status    string         `json:"status"`
	Result    map[string]int `json:"result"`
	LastError string         `json:"last_error"`
}

func (f *fixture) waitTask(t *testing.T, token, taskID string) taskResponse {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		w := f.do(t, http.MethodGet, "/v0/admin/tasks/"+taskID, token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("get task: %d %s", w.Code, w.Body.String())
		}
		var task taskResponse
		decode(t, w, &task)
		if task.Status != "running" {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s still running", taskID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAdminAuthAndPermissions(t *testing.T) {
	f := newFixture(t)

	if w := f.do(t, http.MethodGet, "/v0/admin/scheduler", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	accountToken, err := security.GenerateAccountToken("account-secret", 1, "a@example.com", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if w := f.do(t, http.MethodGet, "/v0/admin/scheduler", accountToken, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an account token, got %d", w.Code)
	}

	limited := adminToken(t, "GET /v0/admin/scheduler")
	if w := f.do(t, http.MethodGet, "/v0/admin/scheduler", limited, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for a granted route, got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/v0/admin/scheduler/stop", limited, nil); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for an ungranted route, got %d", w.Code)
	}
}

func TestManualTaskLifecycle(t *testing.T) {
	f := newFixture(t)
	token := adminToken(t, "*")

	w := f.do(t, http.MethodPost, "/v0/admin/reconcile", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	var started taskResponse
	decode(t, w, &started)
	if started.TaskID == "" || started.Task != scheduler.TaskReconcile {
		t.Fatalf("unexpected start response %s", w.Body.String())
	}

	done := f.waitTask(t, token, started.TaskID)
	if done.Status != "success" || done.Result["checked"] != 3 {
		t.Fatalf("unexpected finished task %+v", done)
	}
	if f.runs.Load() != 1 {
		t.Fatalf("expected one run, got %d", f.runs.Load())
	}

	w = f.do(t, http.MethodPost, "/v0/admin/expiration-sweep", token, nil)
	var failing taskResponse
	decode(t, w, &failing)
	failed := f.waitTask(t, token, failing.TaskID)
	if failed.Status != "failed" || failed.LastError == "" {
		t.Fatalf("expected failed task with error, got %+v", failed)
	}

	if w := f.do(t, http.MethodPost, "/v0/admin/renewal", token, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unregistered task, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/v0/admin/tasks/missing", token, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown task id, got %d", w.Code)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	f := newFixture(t)
	token := adminToken(t, "*")

	var status struct {
		Running bool `json:"running"`
		Tasks   []struct {
			Name string `json:"name"`
		} `json:"tasks"`
	}
	decode(t, f.do(t, http.MethodGet, "/v0/admin/scheduler", token, nil), &status)
	if status.Running || len(status.Tasks) != 2 {
		t.Fatalf("unexpected initial status %+v", status)
	}

	decode(t, f.do(t, http.MethodPost, "/v0/admin/scheduler/start", token, nil), &status)
	if !status.Running || !f.scheduler.IsRunning() {
		t.Fatal("expected scheduler running")
	}
	decode(t, f.do(t, http.MethodPost, "/v0/admin/scheduler/stop", token, nil), &status)
	if status.Running || f.scheduler.IsRunning() {
		t.Fatal("expected scheduler stopped")
	}
}

func TestLedgerCheckAdjustAndRefund(t *testing.T) {
	f := newFixture(t)
	token := adminToken(t, "*")
	account := dbtest.Account(t, f.conn, "0.00")
	property := dbtest.Property(t, f.conn, account.ID)

	path := fmt.Sprintf("/v0/admin/accounts/%d/adjustments", account.ID)
	w := f.do(t, http.MethodPost, path, token, map[string]any{"direction": "credit", "amount": "30.00", "reason": "goodwill"})
	if w.Code != http.StatusOK {
		t.Fatalf("adjust: %d %s", w.Code, w.Body.String())
	}
	if got := dbtest.Balance(t, f.conn, account.ID); got.StringFixed(2) != "30.00" {
		t.Fatalf("expected 30.00 after credit, got %s", got)
	}
	if w := f.do(t, http.MethodPost, path, token, map[string]any{"direction": "credit", "amount": "1.00"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without reason, got %d", w.Code)
	}

	result, err := purchase.New(f.conn, f.catalog).Purchase(t.Context(), purchase.Request{
		AccountID:  account.ID,
		PropertyID: property.ID,
		Lines:      []purchase.LineRequest{{ServiceType: models.ServiceVIP, Days: 5}},
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}

	refundPath := fmt.Sprintf("/v0/admin/transactions/%d/refund", result.TransactionID)
	if w := f.do(t, http.MethodPost, refundPath, token, map[string]any{"reason": "listing removed"}); w.Code != http.StatusOK {
		t.Fatalf("refund: %d %s", w.Code, w.Body.String())
	}
	if w := f.do(t, http.MethodPost, refundPath, token, map[string]any{"reason": "again"}); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second refund, got %d", w.Code)
	}
	if got := dbtest.Balance(t, f.conn, account.ID); got.StringFixed(2) != "30.00" {
		t.Fatalf("expected 30.00 after refund, got %s", got)
	}

	w = f.do(t, http.MethodGet, fmt.Sprintf("/v0/admin/accounts/%d/ledger-check", account.ID), token, nil)
	var report struct {
		Consistent bool   `json:"consistent"`
		LedgerSum  string `json:"ledger_sum"`
		Completed  int    `json:"completed_transactions"`
	}
	decode(t, w, &report)
	if !report.Consistent || report.Completed != 3 {
		t.Fatalf("unexpected report %s", w.Body.String())
	}
	if sum, err := decimal.NewFromString(report.LedgerSum); err != nil || sum.StringFixed(2) != "30.00" {
		t.Fatalf("unexpected ledger sum %q", report.LedgerSum)
	}

	if w := f.do(t, http.MethodGet, "/v0/admin/accounts/999999/ledger-check", token, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing account, got %d", w.Code)
	}
}

func TestServicesViews(t *testing.T) {
	f := newFixture(t)
	token := adminToken(t, "*")
	account := dbtest.Account(t, f.conn, "100.00")
	property := dbtest.Property(t, f.conn, account.ID)

	_, err := purchase.New(f.conn, f.catalog).Purchase(t.Context(), purchase.Request{
		AccountID:  account.ID,
		PropertyID: property.ID,
		Lines: []purchase.LineRequest{
			{ServiceType: models.ServiceVIPPlus, Days: 2},
			{ServiceType: models.ServiceAutoRenew, Days: 2},
		},
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}

	w := f.do(t, http.MethodGet, fmt.Sprintf("/v0/admin/properties/%d/services", property.ID), token, nil)
	var services struct {
		Services []struct {
			ServiceType string `json:"service_type"`
			Live        bool   `json:"live"`
		} `json:"services"`
	}
	decode(t, w, &services)
	if len(services.Services) != 2 || !services.Services[0].Live {
		t.Fatalf("unexpected services %s", w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/v0/admin/services/expired-counts", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expired counts: %d %s", w.Code, w.Body.String())
	}
	var counts struct {
		Services []entitlement.ExpiryStat `json:"services"`
	}
	decode(t, w, &counts)
	active := int64(0)
	for _, stat := range counts.Services {
		active += stat.Active
	}
	if active != 2 {
		t.Fatalf("expected 2 live grants, got %+v", counts.Services)
	}
}

func TestPricingUpdateInvalidatesCatalog(t *testing.T) {
	f := newFixture(t)
	token := adminToken(t, "*")

	if _, err := f.catalog.Lookup(t.Context(), models.ServiceColor); err != nil {
		t.Fatalf("warm catalog: %v", err)
	}
	w := f.do(t, http.MethodPut, "/v0/admin/pricing/"+models.ServiceColor, token, map[string]any{"price_per_day": "1.25"})
	if w.Code != http.StatusOK {
		t.Fatalf("update: %d %s", w.Code, w.Body.String())
	}
	entry, err := f.catalog.Lookup(t.Context(), models.ServiceColor)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry.PricePerDay.StringFixed(2) != "1.25" {
		t.Fatalf("expected new price, got %s", entry.PricePerDay)
	}

	if w := f.do(t, http.MethodPut, "/v0/admin/pricing/"+models.ServiceColor, token, map[string]any{"price_per_day": "0"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero price, got %d", w.Code)
	}
	if w := f.do(t, http.MethodPut, "/v0/admin/pricing/teleport", token, map[string]any{"is_active": false}); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown service, got %d", w.Code)
	}
}

func TestSettingsPut(t *testing.T) {
	f := newFixture(t)
	token := adminToken(t, "*")

	w := f.do(t, http.MethodPut, "/v0/admin/settings/"+settings.ReconcileBatchSizeKey, token, map[string]any{"value": 7})
	if w.Code != http.StatusOK {
		t.Fatalf("put: %d %s", w.Code, w.Body.String())
	}
	if got := f.settings.Int(settings.ReconcileBatchSizeKey, 20); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}

	w = f.do(t, http.MethodPut, "/v0/admin/settings/"+settings.SignatureModeKey, token, map[string]any{"value": "Permissive"})
	if w.Code != http.StatusOK || f.settings.String(settings.SignatureModeKey, "") != config.SignaturePermissive {
		t.Fatalf("signature mode not stored: %d %s", w.Code, w.Body.String())
	}

	if w := f.do(t, http.MethodPut, "/v0/admin/settings/"+settings.ReconcileBatchSizeKey, token, map[string]any{"value": -1}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a negative value, got %d", w.Code)
	}
	if w := f.do(t, http.MethodPut, "/v0/admin/settings/SOMETHING_ELSE", token, map[string]any{"value": 1}); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown key, got %d", w.Code)
	}
}
