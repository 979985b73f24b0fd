package http_api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/tributum/internal/metrics"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

var hash = "0x" + strings.Repeat("ab", 32)

type fakeTributum struct {
	addErr    error
	added     *models.Subscription
	submitted *models.PaymentRequest
	submit    *models.SubmitResult
	cancelErr error
	claim     *models.PaymentClaim
	claimErr  error
	subs      []*models.Subscription
	totals    *models.SubscriptionTotals
	totalsFor int64
}

func (f *fakeTributum) Start(context.Context) error { return nil }
func (f *fakeTributum) Stop()                       {}

func (f *fakeTributum) AddSubscription(_ context.Context, sub *models.Subscription) error {
	if f.addErr != nil {
		return f.addErr
	}
	sub.ID = 11
	f.added = sub
	return nil
}

func (f *fakeTributum) ListSubscriptions(context.Context, int64) ([]*models.Subscription, error) {
	return f.subs, nil
}

func (f *fakeTributum) SubscriptionTotals(_ context.Context, userID int64) (*models.SubscriptionTotals, error) {
	f.totalsFor = userID
	return f.totals, nil
}

func (f *fakeTributum) CancelSubscription(context.Context, int64, string) error { return f.cancelErr }

func (f *fakeTributum) SubmitPayment(_ context.Context, req models.PaymentRequest) (*models.SubmitResult, error) {
	f.submitted = &req
	return f.submit, nil
}

func (f *fakeTributum) GetClaim(context.Context, string) (*models.PaymentClaim, error) {
	return f.claim, f.claimErr
}

func (f *fakeTributum) ReopenClaim(context.Context, string) error { return nil }

func (f *fakeTributum) ListDeadLetters(context.Context, int) ([]*models.DeadLetter, error) {
	return nil, nil
}

func (f *fakeTributum) Sweep(context.Context) (*models.SweepReport, error) {
	return &models.SweepReport{}, nil
}

func newTestServer(t *testing.T, app *fakeTributum) *HTTPServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	metrics.InitMetrics()
	return NewHTTPServer(app, 0, logger.NewNopLogger())
}

func do(t *testing.T, s *HTTPServer, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var out map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

func TestAddSubscription(t *testing.T) {
	app := &fakeTributum{}
	s := newTestServer(t, app)

	code, body := do(t, s, http.MethodPost, "/add_subscription",
		`{"user_id": 5, "service_name": "Music", "cost": "9.99", "currency": "eth", "billing_cycle": "monthly", "next_payment_date": "2025-03-01"}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "success", body["status"])
	assert.EqualValues(t, 11, body["id"])
	require.NotNil(t, app.added)
	assert.Equal(t, "9.99", app.added.Cost.String())
	assert.Equal(t, 2025, app.added.NextPaymentDate.Year())

	app.addErr = models.ErrSubscriptionExists
	code, body = do(t, s, http.MethodPost, "/add_subscription",
		`{"user_id": 5, "service_name": "Music", "cost": 9.99, "currency": "ETH", "billing_cycle": "yearly", "next_payment_date": "2025-03-01"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, false, body["success"])
}

func TestAddSubscriptionValidation(t *testing.T) {
	s := newTestServer(t, &fakeTributum{})

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing user", `{"service_name": "Music", "cost": 1, "currency": "ETH", "billing_cycle": "monthly", "next_payment_date": "2025-03-01"}`, "user_id"},
		{"bad cycle", `{"user_id": 5, "service_name": "Music", "cost": 1, "currency": "ETH", "billing_cycle": "weekly", "next_payment_date": "2025-03-01"}`, "billing_cycle"},
		{"bad currency", `{"user_id": 5, "service_name": "Music", "cost": 1, "currency": "$$", "billing_cycle": "monthly", "next_payment_date": "2025-03-01"}`, "currency"},
		{"bad date", `{"user_id": 5, "service_name": "Music", "cost": 1, "currency": "ETH", "billing_cycle": "monthly", "next_payment_date": "tomorrow"}`, "next_payment_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, s, http.MethodPost, "/add_subscription", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, tt.field, body["field"])
		})
	}
}

func TestVerifyPayment(t *testing.T) {
	app := &fakeTributum{submit: &models.SubmitResult{Outcome: models.OutcomeAccepted, TxHash: hash, Verdict: models.Pending(0)}}
	s := newTestServer(t, app)

	code, body := do(t, s, http.MethodPost, "/verify-payment",
		`{"userId": 5, "txHash": "`+hash+`", "serviceName": "Music", "amount": "9.99", "currency": "ETH"}`)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, hash, body["tx_hash"])
	require.NotNil(t, app.submitted)
	assert.Equal(t, "Music", app.submitted.ServiceName)
	require.NotNil(t, app.submitted.Amount)
	assert.Equal(t, "9.99", app.submitted.Amount.String())

	app.submit = &models.SubmitResult{Outcome: models.OutcomeAlreadyProcessed, TxHash: hash, Verdict: models.Rejected(models.ReasonMismatchedTerms)}
	code, body = do(t, s, http.MethodPost, "/verify-payment", `{"userId": 5, "txHash": "`+hash+`"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "rejected", body["status"])
	assert.Equal(t, "mismatched_terms", body["reason"])

	app.submit = &models.SubmitResult{Outcome: models.OutcomeInvalid, TxHash: hash, Invalid: models.NewValidationError("serviceName", "subscription not found")}
	code, body = do(t, s, http.MethodPost, "/verify-payment", `{"userId": 5, "txHash": "`+hash+`", "serviceName": "Video"}`)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "serviceName", body["field"])
	assert.Equal(t, "subscription not found", body["error"])
}

func TestVerifyPaymentRejectsMalformedHash(t *testing.T) {
	app := &fakeTributum{}
	s := newTestServer(t, app)

	code, body := do(t, s, http.MethodPost, "/verify-payment", `{"userId": 5, "txHash": "0x1234"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "txHash", body["field"])
	assert.Nil(t, app.submitted)

	code, _ = do(t, s, http.MethodPost, "/verify-payment", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestClaimLookup(t *testing.T) {
	app := &fakeTributum{claim: &models.PaymentClaim{TxHash: hash, State: models.ClaimConfirmed}}
	s := newTestServer(t, app)

	code, body := do(t, s, http.MethodGet, "/api/v1/claims/"+hash, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "confirmed", body["state"])

	app.claim, app.claimErr = nil, models.ErrNotFound
	code, _ = do(t, s, http.MethodGet, "/api/v1/claims/"+hash, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSubscriptionsAndCancel(t *testing.T) {
	app := &fakeTributum{subs: []*models.Subscription{{ID: 1, UserID: 5, ServiceName: "Music", Status: models.StatusActive}}}
	s := newTestServer(t, app)

	code, body := do(t, s, http.MethodGet, "/api/v1/subscriptions?user_id=5", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["subscriptions"], 1)

	code, _ = do(t, s, http.MethodGet, "/api/v1/subscriptions", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, s, http.MethodPost, "/cancel_subscription", `{"user_id": 5, "service_name": "Music"}`)
	assert.Equal(t, http.StatusOK, code)

	app.cancelErr = models.ErrNotFound
	code, _ = do(t, s, http.MethodPost, "/cancel_subscription", `{"user_id": 5, "service_name": "Video"}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSubscriptionTotals(t *testing.T) {
	app := &fakeTributum{totals: &models.SubscriptionTotals{
		UserID: 5,
		Count:  2,
		Totals: []models.CurrencyTotals{{
			Currency: "ETH",
			Monthly:  decimal.RequireFromString("10.5"),
			Yearly:   decimal.RequireFromString("126"),
		}},
		Nearest: &models.UpcomingPayment{ServiceName: "Music", DueDate: time.Date(2025, 3, 13, 0, 0, 0, 0, time.UTC), DaysRemaining: 3},
	}}
	s := newTestServer(t, app)

	code, body := do(t, s, http.MethodGet, "/api/v1/subscriptions/total?user_id=5", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 5, app.totalsFor)
	assert.EqualValues(t, 2, body["count"])
	totals := body["totals"].([]interface{})
	require.Len(t, totals, 1)
	eth := totals[0].(map[string]interface{})
	assert.Equal(t, "10.5", eth["monthly"])
	assert.Equal(t, "126", eth["yearly"])
	nearest := body["nearest"].(map[string]interface{})
	assert.Equal(t, "Music", nearest["service_name"])
	assert.EqualValues(t, 3, nearest["days_remaining"])

	code, body = do(t, s, http.MethodGet, "/api/v1/subscriptions/total?user_id=abc", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "user_id", body["field"])
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, &fakeTributum{})

	code, body := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tributum_http_requests_total")
}
