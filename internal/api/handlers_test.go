package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/transfa/lifecycle-service/internal/app"
	"github.com/transfa/lifecycle-service/internal/domain"
	"github.com/transfa/lifecycle-service/internal/risk"
	"github.com/transfa/lifecycle-service/internal/store"
	"github.com/transfa/lifecycle-service/pkg/gatewayclient"
)

const (
	testInternalKey    = "internal-secret"
	testReviewerSecret = "reviewer-secret"
	testGatewaySecret  = "gateway-secret"
)

type fakeGateway struct{}

func (fakeGateway) InitiatePayment(_ context.Context, payload gatewayclient.PaymentRequest) (*gatewayclient.PaymentResponse, error) {
	return &gatewayclient.PaymentResponse{TransactionID: "gw-" + payload.MerchantReference, Status: "PENDING"}, nil
}

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(context.Context, string, string, int, time.Duration) (bool, int, error) {
	return false, 42, nil
}

func newTestRouter(t *testing.T, rules []risk.Rule, limiter SubmissionLimiter) http.Handler {
	t.Helper()
	repo := store.NewMemoryRepository()
	limits := map[domain.RiskLevel]domain.Limits{
		domain.RiskLow:    {DailyWithdrawalLimit: decimal.NewFromInt(500000), DailyTransferLimit: decimal.NewFromInt(1000000), MonthlyOperationsLimit: decimal.NewFromInt(300)},
		domain.RiskMedium: {DailyWithdrawalLimit: decimal.NewFromInt(200000), DailyTransferLimit: decimal.NewFromInt(500000), MonthlyOperationsLimit: decimal.NewFromInt(150)},
		domain.RiskHigh:   {DailyWithdrawalLimit: decimal.NewFromInt(100000), DailyTransferLimit: decimal.NewFromInt(200000), MonthlyOperationsLimit: decimal.NewFromInt(60)},
	}
	demandes := app.NewDemandeService(repo, risk.NewEngine(rules...), app.DemandeServiceConfig{LimitsByRisk: limits}, nil, zap.NewNop())
	transactions := app.NewTransactionService(repo, fakeGateway{}, app.TransactionServiceConfig{}, nil, zap.NewNop())
	h := NewHandlers(demandes, transactions, limiter, 5, zap.NewNop())
	return NewRouter(h, AuthConfig{
		InternalAPIKey:        testInternalKey,
		ReviewerJWTSecret:     testReviewerSecret,
		GatewayCallbackSecret: testGatewaySecret,
	})
}

type scoreRule int

func (s scoreRule) Name() string { return "score" }
func (s scoreRule) Evaluate(risk.Attributes) (risk.Contribution, error) {
	return risk.Contribution{Points: int(s)}, nil
}

type flagRule string

func (f flagRule) Name() string { return "flag" }
func (f flagRule) Evaluate(risk.Attributes) (risk.Contribution, error) {
	return risk.Contribution{Flags: []string{string(f)}}, nil
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
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
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func internalHeaders() map[string]string {
	return map[string]string{"X-Internal-API-Key": testInternalKey}
}

func reviewerHeaders(t *testing.T, subject string) map[string]string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testReviewerSecret))
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + signed}
}

func registrationBody(eventID, cni, email string) domain.UserRegistrationEvent {
	return domain.UserRegistrationEvent{
		EventID:  eventID,
		IDClient: "client-" + eventID,
		IDAgence: "agence-01",
		Cni:      cni,
		Email:    email,
		Nom:      "Mbarga",
		Prenom:   "Alice",
		Numero:   "+237690000001",
		RectoCni: "recto.png",
		VersoCni: "verso.png",
	}
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t, nil, nil)
	rr := doJSON(t, router, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "healthy", rr.Body.String())
}

func TestInternalRoutesRequireKey(t *testing.T) {
	router := newTestRouter(t, nil, nil)
	rr := doJSON(t, router, http.MethodPost, "/demandes", registrationBody("evt-1", "123456789", "a@example.com"), nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSubmitDemande(t *testing.T) {
	router := newTestRouter(t, []risk.Rule{scoreRule(45)}, nil)

	rr := doJSON(t, router, http.MethodPost, "/demandes", registrationBody("evt-1", "123456789", "a@example.com"), internalHeaders())
	require.Equal(t, http.StatusCreated, rr.Code)
	var d domain.Demande
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	assert.Equal(t, domain.DemandeApproved, d.Status)
	assert.Equal(t, domain.RiskMedium, d.RiskLevel)

	rr = doJSON(t, router, http.MethodGet, "/demandes/"+d.ID.String(), nil, internalHeaders())
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/demandes/event/evt-1", nil, internalHeaders())
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/demandes", registrationBody("evt-2", "123456789", "b@example.com"), internalHeaders())
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "DUPLICATE_REQUEST", decodeError(t, rr).Code)
}

func TestSubmitDemandeValidation(t *testing.T) {
	router := newTestRouter(t, nil, nil)

	rr := doJSON(t, router, http.MethodPost, "/demandes", registrationBody("evt-1", "", "a@example.com"), internalHeaders())
	require.Equal(t, http.StatusBadRequest, rr.Code)
	resp := decodeError(t, rr)
	assert.Equal(t, "VALIDATION_FAILED", resp.Code)
	assert.Contains(t, resp.Fields, "cni")
}

func TestSubmitDemandeFraudBlocked(t *testing.T) {
	router := newTestRouter(t, []risk.Rule{flagRule(risk.FlagWatchlisted)}, nil)

	rr := doJSON(t, router, http.MethodPost, "/demandes", registrationBody("evt-1", "123456789", "a@example.com"), internalHeaders())
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "FRAUD_BLOCKED", decodeError(t, rr).Code)
}

func TestSubmitDemandeRateLimited(t *testing.T) {
	router := newTestRouter(t, nil, denyAllLimiter{})

	rr := doJSON(t, router, http.MethodPost, "/demandes", registrationBody("evt-1", "123456789", "a@example.com"), internalHeaders())
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "42", rr.Header().Get("Retry-After"))
}

func TestGetDemandeErrors(t *testing.T) {
	router := newTestRouter(t, nil, nil)

	rr := doJSON(t, router, http.MethodGet, "/demandes/not-a-uuid", nil, internalHeaders())
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/demandes/event/unknown", nil, internalHeaders())
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rr).Code)
}

func TestManualReviewFlow(t *testing.T) {
	router := newTestRouter(t, []risk.Rule{scoreRule(70)}, nil)

	rr := doJSON(t, router, http.MethodPost, "/demandes", registrationBody("evt-1", "123456789", "a@example.com"), internalHeaders())
	require.Equal(t, http.StatusCreated, rr.Code)
	var d domain.Demande
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	require.Equal(t, domain.DemandeManualReview, d.Status)

	path := "/demandes/" + d.ID.String()

	rr = doJSON(t, router, http.MethodPost, path+"/decision", map[string]string{"decision": "APPROVE"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doJSON(t, router, http.MethodPost, path+"/assign", map[string]string{"reviewerId": "reviewer-1"}, reviewerHeaders(t, "supervisor"))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodPost, path+"/decision", map[string]string{"decision": "APPROVE"}, reviewerHeaders(t, "reviewer-2"))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "REVIEWER_MISMATCH", decodeError(t, rr).Code)

	rr = doJSON(t, router, http.MethodPost, path+"/decision", map[string]string{"decision": "maybe"}, reviewerHeaders(t, "reviewer-1"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, router, http.MethodPost, path+"/decision", map[string]string{"decision": "APPROVE", "notes": "ok"}, reviewerHeaders(t, "reviewer-1"))
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	assert.Equal(t, domain.DemandeApproved, d.Status)

	rr = doJSON(t, router, http.MethodPost, path+"/decision", map[string]string{"decision": "REJECT", "notes": "late"}, reviewerHeaders(t, "reviewer-1"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_STATE_TRANSITION", decodeError(t, rr).Code)
}

func TestTransactionLifecycleOverHTTP(t *testing.T) {
	router := newTestRouter(t, nil, nil)

	body := map[string]interface{}{
		"externalId":    "ext-1",
		"clientId":      "client-1",
		"accountNumber": "ACC-1",
		"type":          "DEPOSIT",
		"amount":        "0",
	}
	rr := doJSON(t, router, http.MethodPost, "/transactions", body, internalHeaders())
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_AMOUNT", decodeError(t, rr).Code)

	body["amount"] = "100000"
	rr = doJSON(t, router, http.MethodPost, "/transactions", body, internalHeaders())
	require.Equal(t, http.StatusCreated, rr.Code)
	var tx domain.Transaction
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tx))
	assert.Equal(t, domain.TransactionPending, tx.Status)
	require.NotNil(t, tx.GatewayReference)

	rr = doJSON(t, router, http.MethodPost, "/transactions", body, internalHeaders())
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/transactions/external/ext-1", nil, internalHeaders())
	assert.Equal(t, http.StatusOK, rr.Code)

	callback := gatewayCallbackRequest{RequestID: "ext-1", Status: "SUCCESS", TransactionID: *tx.GatewayReference}
	raw, err := json.Marshal(callback)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/callbacks/gateway", bytes.NewReader(raw))
	req.Header.Set(gatewaySignatureHeader, "deadbeef")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/callbacks/gateway", bytes.NewReader(raw))
	req.Header.Set(gatewaySignatureHeader, hex.EncodeToString(SignGatewayPayload(testGatewaySecret, raw)))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tx))
	assert.Equal(t, domain.TransactionSuccess, tx.Status)

	rr = doJSON(t, router, http.MethodPost, "/transactions/"+tx.ID.String()+"/cancel", nil, internalHeaders())
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_STATE_TRANSITION", decodeError(t, rr).Code)
}

func TestGatewayCallbackUnknownReference(t *testing.T) {
	router := newTestRouter(t, nil, nil)

	raw := []byte(`{"requestId":"x","status":"SUCCESS","transactionId":"missing"}`)
	req := httptest.NewRequest(http.MethodPost, "/callbacks/gateway", bytes.NewReader(raw))
	req.Header.Set(gatewaySignatureHeader, "sha256="+hex.EncodeToString(SignGatewayPayload(testGatewaySecret, raw)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "UNKNOWN_REFERENCE", decodeError(t, rec).Code)
}
