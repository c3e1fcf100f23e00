package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rental-service/internal/models"
	"rental-service/internal/payment"
	"rental-service/internal/service"
	"rental-service/internal/store/storetest"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	owner  = "owner-1"
	renter = "renter-1"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testServer struct {
	router   *gin.Engine
	mock     *payment.MockProvider
	resource *models.Resource
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := storetest.New(t)
	mock := payment.NewMockProvider("api-secret")
	registry := payment.NewRegistry(mock)
	settlement := service.NewSettlement(s, nil, nil)

	h := NewHandler(Services{
		Bookings:   service.NewBookingService(s, nil, service.BookingConfig{BaseBackoff: time.Millisecond}),
		Orders:     service.NewOrderService(s, nil),
		Payments:   service.NewPaymentService(s, registry, settlement, nil, nil),
		Reconciler: service.NewReconciler(s, registry, settlement, service.RetryPolicy{}),
	}, opts)

	router := gin.New()
	h.SetupRoutes(router)

	return &testServer{
		router:   router,
		mock:     mock,
		resource: storetest.SeedResource(t, s, owner, 1000, 0),
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

func (ts *testServer) do(t *testing.T, method, path, caller string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(callerHeader, caller)
	}

	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func (ts *testServer) callback(t *testing.T, provider string, raw payment.RawCallback) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/callback/"+provider, bytes.NewReader(raw.Body))
	for k, v := range raw.Headers {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func day(n int) time.Time {
	return time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, n)
}

func (ts *testServer) book(t *testing.T, startDay, endDay int) models.Order {
	t.Helper()
	w, env := ts.do(t, http.MethodPost, "/api/v1/orders", renter, gin.H{
		"resource_id": ts.resource.ID,
		"start_date":  day(startDay),
		"end_date":    day(endDay),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var o models.Order
	require.NoError(t, json.Unmarshal(env.Data, &o))
	return o
}

func TestHealthAndReadiness(t *testing.T) {
	healthy := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	ts := newTestServer(t, Options{Readiness: map[string]Pinger{"database": healthy}})
	w, _ := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = ts.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	ts = newTestServer(t, Options{Readiness: map[string]Pinger{"database": healthy, "redis": down}})
	w, _ = ts.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestCallerIdentityIsRequired(t *testing.T) {
	ts := newTestServer(t, Options{})

	w, env := ts.do(t, http.MethodGet, "/api/v1/orders", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, env.Success)
	assert.Equal(t, "VALIDATION_ERROR", env.Code)

	w, env = ts.do(t, http.MethodGet, "/api/v1/orders", models.SystemActor, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", env.Code)
}

func TestCreateOrderErrors(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.book(t, 3, 5)

	tests := []struct {
		name     string
		caller   string
		body     gin.H
		wantCode int
		wantErr  string
	}{
		{
			name:     "overlapping window",
			caller:   "renter-2",
			body:     gin.H{"resource_id": ts.resource.ID, "start_date": day(5), "end_date": day(7)},
			wantCode: http.StatusConflict,
			wantErr:  "SLOT_CONFLICT",
		},
		{
			name:     "owner books own resource",
			caller:   owner,
			body:     gin.H{"resource_id": ts.resource.ID, "start_date": day(10), "end_date": day(11)},
			wantCode: http.StatusForbidden,
			wantErr:  "SELF_BOOKING_FORBIDDEN",
		},
		{
			name:     "unknown resource",
			caller:   renter,
			body:     gin.H{"resource_id": "missing", "start_date": day(10), "end_date": day(11)},
			wantCode: http.StatusNotFound,
			wantErr:  "RESOURCE_NOT_FOUND",
		},
		{
			name:     "missing dates",
			caller:   renter,
			body:     gin.H{"resource_id": ts.resource.ID},
			wantCode: http.StatusBadRequest,
			wantErr:  "VALIDATION_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := ts.do(t, http.MethodPost, "/api/v1/orders", tt.caller, tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.False(t, env.Success)
			assert.Equal(t, tt.wantErr, env.Code)
			assert.NotEmpty(t, env.Message)
		})
	}
}

func TestOrderVisibleOnlyToParties(t *testing.T) {
	ts := newTestServer(t, Options{})
	o := ts.book(t, 1, 2)

	w, env := ts.do(t, http.MethodGet, "/api/v1/orders/"+o.ID, owner, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)

	w, env = ts.do(t, http.MethodGet, "/api/v1/orders/"+o.ID, "stranger", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", env.Code)

	w, env = ts.do(t, http.MethodGet, "/api/v1/orders/nope", renter, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "ORDER_NOT_FOUND", env.Code)
}

func TestListOrdersRejectsMalformedPaging(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.book(t, 1, 2)

	for _, query := range []string{"page=abc", "limit=ten", "page=1&limit=1.5"} {
		t.Run(query, func(t *testing.T) {
			w, env := ts.do(t, http.MethodGet, "/api/v1/orders?"+query, renter, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.False(t, env.Success)
			assert.Equal(t, "VALIDATION_ERROR", env.Code)
		})
	}

	w, env := ts.do(t, http.MethodGet, "/api/v1/orders?page=1&limit=5", renter, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, Options{})
	o := ts.book(t, 1, 2)

	w, env := ts.do(t, http.MethodPost, "/api/v1/orders/"+o.ID+"/confirm", renter, nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "only the owner confirms")
	assert.Equal(t, "FORBIDDEN", env.Code)

	w, _ = ts.do(t, http.MethodPost, "/api/v1/orders/"+o.ID+"/confirm", owner, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, env = ts.do(t, http.MethodPatch, "/api/v1/orders/"+o.ID+"/status", owner, gin.H{"status": "PENDING"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_TRANSITION", env.Code)

	w, _ = ts.do(t, http.MethodPatch, "/api/v1/orders/"+o.ID+"/status", owner, gin.H{"status": "ACTIVE", "notes": "handed over"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, env = ts.do(t, http.MethodPost, "/api/v1/orders/"+o.ID+"/complete", renter, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ORDER_NOT_YET_DUE", env.Code)

	w, env = ts.do(t, http.MethodPost, "/api/v1/orders/"+o.ID+"/cancel", renter, gin.H{"reason": "plans changed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var cancelled models.Order
	require.NoError(t, json.Unmarshal(env.Data, &cancelled))
	assert.Equal(t, models.OrderCancelled, cancelled.Status)
	assert.Contains(t, cancelled.Notes, "plans changed")

	w, env = ts.do(t, http.MethodGet, "/api/v1/orders?role=owner", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page service.OrderPage
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, 1, page.Total)
}

func TestPaymentCallbackFlow(t *testing.T) {
	ts := newTestServer(t, Options{})
	o := ts.book(t, 1, 2)

	w, env := ts.do(t, http.MethodPost, "/api/v1/payments", renter, gin.H{
		"order_id": o.ID,
		"amount":   o.TotalPrice,
		"title":    "rental",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res payment.PaymentResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "mock", res.Provider)

	raw, err := ts.mock.SimulateCallback(res.PaymentID, o.ID, o.TotalPrice, models.PaymentSuccess)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		w = ts.callback(t, "mock", raw)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"code":"SUCCESS","message":"OK"}`, w.Body.String())
	}

	w, env = ts.do(t, http.MethodGet, "/api/v1/orders/"+o.ID, renter, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var paid models.Order
	require.NoError(t, json.Unmarshal(env.Data, &paid))
	assert.Equal(t, models.OrderConfirmed, paid.Status)
	assert.Equal(t, models.OrderPaymentPaid, paid.PaymentStatus)

	w, env = ts.do(t, http.MethodGet, "/api/v1/payments/"+res.PaymentID+"/events", renter, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events []models.PaymentEvent
	require.NoError(t, json.Unmarshal(env.Data, &events))
	assert.Len(t, events, 2, "CREATED plus one STATUS_CHANGED despite the replay")
}

func TestPaymentCallbackRejections(t *testing.T) {
	ts := newTestServer(t, Options{})

	w := ts.callback(t, "mock", payment.RawCallback{
		Headers: http.Header{payment.MockSignatureHeader: []string{"deadbeef"}},
		Body:    []byte(`{"payment_id":"p1"}`),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.callback(t, "paypal", payment.RawCallback{Body: []byte(`{}`)})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "PROVIDER_NOT_CONFIGURED", env.Code)
}

func TestCallbackRateLimit(t *testing.T) {
	ts := newTestServer(t, Options{WebhookRateLimit: 0.001, WebhookRateBurst: 1})
	raw := payment.RawCallback{Body: []byte(`{}`)}

	w := ts.callback(t, "paypal", raw)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = ts.callback(t, "paypal", raw)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestIPLimiterSeparatesClients(t *testing.T) {
	l := newIPLimiter(0.001, 1)
	assert.True(t, l.allow("10.0.0.1"))
	assert.False(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.2"))
}
