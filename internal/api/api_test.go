package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"storefront-payments/internal/config"
	"storefront-payments/internal/domain"
	"storefront-payments/internal/infrastructure/notify"
	"storefront-payments/internal/repo"
	"storefront-payments/internal/service"
	"storefront-payments/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type fakeReconciler struct {
	report worker.CycleReport
	err    error
	calls  int
}

func (f *fakeReconciler) RunOnce(context.Context) (worker.CycleReport, error) {
	f.calls++
	return f.report, f.err
}

type testAPI struct {
	store      repo.Store
	registry   service.RegistryService
	reconciler *fakeReconciler
	recorder   *notify.Recorder
	handler    http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	return newTestAPIWithLogger(t, zaptest.NewLogger(t))
}

func newTestAPIWithLogger(t *testing.T, logger *zap.Logger) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repo.NewMemoryStore()
	require.NoError(t, store.Stock.SetStock(context.Background(), 1, "tea", 10))

	recorder := &notify.Recorder{}
	registry := service.NewRegistryService(store, service.RegistryOptions{
		ReceivingAddress: "EQreceiver",
		Currency:         "TON",
		ConversionRate:   decimal.RequireFromString("0.001"),
		MinAmount:        decimal.RequireFromString("0.01"),
		MaxAmount:        decimal.NewFromInt(1000),
		Notifier:         recorder,
	}, logger)
	reconciler := &fakeReconciler{report: worker.CycleReport{Observed: 3, Settled: 1}}
	cfg := &config.Config{AdminIDs: []int64{99}}

	srv := NewServer(registry, store, reconciler, func() map[string]string {
		return map[string]string{"status": "up", "open_connections": "1"}
	}, logger, Options{
		IsAdmin:        cfg.IsAdmin,
		AllowedOrigins: []string{"http://localhost:3000"},
		CheckoutRate:   2,
		IntentTTL:      time.Hour,
	})
	return &testAPI{store: store, registry: registry, reconciler: reconciler, recorder: recorder, handler: srv.Routes()}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

var admin = map[string]string{"X-Admin-ID": "99"}

func checkoutBody(userID int64, qty int, total string) map[string]any {
	return map[string]any{
		"user_id": userID,
		"items":   []map[string]any{{"product_id": 1, "name": "tea", "quantity": qty, "unit_price": "1000"}},
		"total":   total,
	}
}

type checkoutResponse struct {
	Intent intentResponse       `json:"intent"`
	Target domain.PaymentTarget `json:"target"`
}

func TestCheckoutAndGetIntent(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/v1/checkout", checkoutBody(5, 2, "2000"), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp checkoutResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, domain.IntentPending, resp.Intent.Status)
	assert.True(t, decimal.NewFromInt(2).Equal(resp.Target.Amount))
	assert.Equal(t, resp.Intent.Memo, resp.Target.Memo)
	assert.Contains(t, resp.Target.Link, "amount=2000000000")

	w = a.do(t, http.MethodGet, "/v1/intents/"+resp.Intent.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got intentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, resp.Intent.ID, got.ID)
	assert.Nil(t, got.Order)
}

func TestGetSettledIntentIncludesOrder(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	w := a.do(t, http.MethodPost, "/v1/checkout", checkoutBody(5, 1, "1000"), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp checkoutResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	intent, err := a.registry.Get(ctx, resp.Intent.ID)
	require.NoError(t, err)
	require.NoError(t, a.store.Intents.MarkMatched(ctx, intent.ID, "tx-1", intent.ExpectedAmount, time.Now()))
	_, err = service.NewFinalizerService(a.store, nil, zaptest.NewLogger(t), nil).Finalize(ctx, intent, "tx-1")
	require.NoError(t, err)

	w = a.do(t, http.MethodGet, "/v1/intents/"+intent.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got intentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, domain.IntentSettled, got.Status)
	require.NotNil(t, got.Order)
	assert.Equal(t, "tx-1", got.Order.TxHash)
}

func TestCheckoutErrors(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name string
		body any
		code int
	}{
		{"bad json", "not an object", http.StatusBadRequest},
		{"missing user", map[string]any{"items": []any{}}, http.StatusBadRequest},
		{"empty cart", map[string]any{"user_id": 1, "total": "1000"}, http.StatusUnprocessableEntity},
		{"out of stock", checkoutBody(2, 11, "1000"), http.StatusUnprocessableEntity},
		{"amount too small", checkoutBody(3, 1, "1"), http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, http.MethodPost, "/v1/checkout", tt.body, nil)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}

	w := a.do(t, http.MethodGet, "/v1/intents/nope", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = a.do(t, http.MethodGet, "/v1/intents/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCheckoutRateLimited(t *testing.T) {
	a := newTestAPI(t)

	for i := 0; i < 2; i++ {
		w := a.do(t, http.MethodPost, "/v1/checkout", checkoutBody(8, 1, "1000"), nil)
		require.Equal(t, http.StatusCreated, w.Code)
	}
	w := a.do(t, http.MethodPost, "/v1/checkout", checkoutBody(8, 1, "1000"), nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = a.do(t, http.MethodPost, "/v1/checkout", checkoutBody(9, 1, "1000"), nil)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestAdminGuard(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodGet, "/admin/review", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = a.do(t, http.MethodGet, "/admin/review", nil, map[string]string{"X-Admin-ID": "1"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = a.do(t, http.MethodGet, "/admin/review", nil, admin)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminCancelAndResolve(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	w := a.do(t, http.MethodPost, "/v1/checkout", checkoutBody(5, 1, "1000"), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp checkoutResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	id := resp.Intent.ID.String()

	w = a.do(t, http.MethodPost, "/admin/intents/"+id+"/cancel", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	var cancelled intentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cancelled))
	assert.Equal(t, domain.IntentFailed, cancelled.Status)
	assert.Equal(t, string(domain.FailureAdminCancelled), cancelled.FailureReason)

	w = a.do(t, http.MethodPost, "/admin/intents/"+id+"/cancel", nil, admin)
	assert.Equal(t, http.StatusConflict, w.Code)

	require.NoError(t, a.store.Intents.Flag(ctx, resp.Intent.ID, domain.ReviewMemoCollision, "collision", time.Now()))
	w = a.do(t, http.MethodGet, "/admin/review", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	var review struct {
		Intents []intentResponse `json:"intents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &review))
	require.Len(t, review.Intents, 1)

	w = a.do(t, http.MethodPost, "/admin/intents/"+id+"/resolve", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	var resolved intentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resolved))
	assert.NotNil(t, resolved.ReviewedAt)
	assert.Equal(t, "resolved by admin 99", resolved.ReviewNote)

	w = a.do(t, http.MethodPost, "/admin/intents/"+id+"/resolve", map[string]string{"note": "again"}, admin)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminOrphansAndReconcile(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	require.NoError(t, a.store.Orphans.RecordOrphan(ctx, domain.OrphanTransfer{
		TxHash: "tx-9", Amount: decimal.NewFromInt(3), Currency: "TON", Memo: "X", Reason: domain.OrphanNoIntent, ObservedAt: time.Now(),
	}))
	w := a.do(t, http.MethodGet, "/admin/orphans?limit=10", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	var orphans struct {
		Orphans []orphanResponse `json:"orphans"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &orphans))
	require.Len(t, orphans.Orphans, 1)
	assert.Equal(t, "tx-9", orphans.Orphans[0].TxHash)

	w = a.do(t, http.MethodGet, "/admin/orphans?limit=0", nil, admin)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodPost, "/admin/reconcile", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	var report worker.CycleReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 3, report.Observed)

	a.reconciler.err = domain.ErrCycleInProgress
	w = a.do(t, http.MethodPost, "/admin/reconcile", nil, admin)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 2, a.reconciler.calls)
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "open_connections")
}

func TestUserLimiterSweep(t *testing.T) {
	l := NewUserLimiter(1, 0)
	assert.True(t, l.Allow(1))
	assert.False(t, l.Allow(1))
	time.Sleep(time.Millisecond)
	l.Sweep()
	assert.True(t, l.Allow(1))
}

func (a *testAPI) checkout(t *testing.T, userID int64) intentResponse {
	t.Helper()
	w := a.do(t, http.MethodPost, "/v1/checkout", checkoutBody(userID, 1, "1000"), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp checkoutResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Intent
}

func TestBuyerCancel(t *testing.T) {
	a := newTestAPI(t)
	intent := a.checkout(t, 5)
	path := "/v1/intents/" + intent.ID.String() + "/cancel"

	w := a.do(t, http.MethodPost, path, map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodPost, path, map[string]any{"user_id": 6}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 0, a.recorder.Count(notify.KindFailed))

	w = a.do(t, http.MethodPost, path, map[string]any{"user_id": 5}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cancelled intentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cancelled))
	assert.Equal(t, domain.IntentFailed, cancelled.Status)
	assert.Equal(t, string(domain.FailureUserCancelled), cancelled.FailureReason)

	records := a.recorder.Records()
	require.Len(t, records, 1)
	assert.Equal(t, int64(5), records[0].UserID)
	assert.Equal(t, notify.KindFailed, records[0].Outcome.Kind)

	w = a.do(t, http.MethodPost, path, map[string]any{"user_id": 5}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestOrdersByUserAndID(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	intent := a.checkout(t, 12)
	a.checkout(t, 13)

	stored, err := a.registry.Get(ctx, intent.ID)
	require.NoError(t, err)
	require.NoError(t, a.store.Intents.MarkMatched(ctx, stored.ID, "tx-9", stored.ExpectedAmount, time.Now()))
	order, err := service.NewFinalizerService(a.store, nil, zaptest.NewLogger(t), nil).Finalize(ctx, stored, "tx-9")
	require.NoError(t, err)

	w := a.do(t, http.MethodGet, "/v1/users/12/orders", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Orders []orderResponse `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Orders, 1)
	assert.Equal(t, order.ID, list.Orders[0].ID)
	assert.Equal(t, intent.ID, list.Orders[0].IntentID)

	w = a.do(t, http.MethodGet, "/v1/users/13/orders", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Empty(t, list.Orders)

	w = a.do(t, http.MethodGet, "/v1/orders/"+order.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got orderResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "tx-9", got.TxHash)
	assert.Equal(t, int64(12), got.UserID)

	w = a.do(t, http.MethodGet, "/v1/orders/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = a.do(t, http.MethodGet, "/v1/users/abc/orders", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServerErrorIsLoggedWithRequestID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	a := newTestAPIWithLogger(t, zap.New(core))
	a.reconciler.err = assert.AnError

	w := a.do(t, http.MethodPost, "/admin/reconcile", nil, map[string]string{"X-Admin-ID": "99", "X-Request-ID": "req-42"})
	require.Equal(t, http.StatusInternalServerError, w.Code)

	failed := logs.FilterMessage("request failed").All()
	require.Len(t, failed, 1)
	fields := failed[0].ContextMap()
	assert.Equal(t, "req-42", fields["request_id"])
	assert.Equal(t, "/admin/reconcile", fields["route"])
}
