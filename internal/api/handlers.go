/**
 * @description
 * HTTP handlers for the lifecycle service. Handlers parse the request, call the
 * lifecycle managers and map their errors through domain.Classify. Business
 * rejections carry a stable code in the body.
 *
 * @dependencies
 * - internal/app: lifecycle managers.
 * - internal/domain: payloads and the error taxonomy.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/transfa/lifecycle-service/internal/app"
	"github.com/transfa/lifecycle-service/internal/domain"
	"github.com/transfa/lifecycle-service/internal/risk"
)

const submissionWindow = time.Minute

// SubmissionLimiter throttles onboarding submissions per agency.
type SubmissionLimiter interface {
	Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (bool, int, error)
}

// Handlers holds the lifecycle managers the handlers use.
type Handlers struct {
	demandes        *app.DemandeService
	transactions    *app.TransactionService
	limiter         SubmissionLimiter
	submissionLimit int
	logger          *zap.Logger
}

// NewHandlers wires the handlers. limiter may be nil.
func NewHandlers(demandes *app.DemandeService, transactions *app.TransactionService, limiter SubmissionLimiter, submissionLimit int, logger *zap.Logger) *Handlers {
	return &Handlers{
		demandes:        demandes,
		transactions:    transactions,
		limiter:         limiter,
		submissionLimit: submissionLimit,
		logger:          logger.With(zap.String("component", "api")),
	}
}

type errorResponse struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Fields map[string]string `json:"fields,omitempty"`
}

type fraudBlockedResponse struct {
	errorResponse
	Demande *domain.Demande `json:"demande"`
}

// SubmitDemandeHandler receives an onboarding request and runs the analysis
// synchronously.
func (h *Handlers) SubmitDemandeHandler(w http.ResponseWriter, r *http.Request) {
	var event domain.UserRegistrationEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
		return
	}

	if !h.allowSubmission(w, r, event.IDAgence) {
		return
	}

	d, err := h.demandes.Receive(r.Context(), event)
	if err != nil {
		h.writeServiceError(w, "submit_demande", err)
		return
	}
	d, err = h.demandes.Analyze(r.Context(), d.ID)
	if err != nil {
		h.writeServiceError(w, "submit_demande", err)
		return
	}

	if d.Status == domain.DemandeRejected && hasBlockingFlag(d) {
		h.logger.Warn("onboarding blocked by fraud controls", zap.String("demande_id", d.ID.String()), zap.Strings("fraud_flags", d.FraudFlags))
		writeJSON(w, http.StatusForbidden, fraudBlockedResponse{
			errorResponse: errorResponse{Error: domain.ErrFraudBlocked.Error(), Code: "FRAUD_BLOCKED"},
			Demande:       d,
		})
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *Handlers) allowSubmission(w http.ResponseWriter, r *http.Request, agencyID string) bool {
	if h.limiter == nil || h.submissionLimit <= 0 {
		return true
	}
	subject := strings.TrimSpace(agencyID)
	if subject == "" {
		subject = clientIP(r)
	}
	allowed, retryAfter, err := h.limiter.Allow(r.Context(), "demandes", subject, h.submissionLimit, submissionWindow)
	if err != nil {
		h.logger.Warn("rate limiter unavailable; allowing submission", zap.Error(err))
		return true
	}
	if !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many submissions, retry later")
		return false
	}
	return true
}

// GetDemandeHandler returns a demande by id.
func (h *Handlers) GetDemandeHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	d, err := h.demandes.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "get_demande", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GetDemandeByEventHandler returns a demande by the registration event id.
func (h *Handlers) GetDemandeByEventHandler(w http.ResponseWriter, r *http.Request) {
	d, err := h.demandes.GetByEventID(r.Context(), chi.URLParam(r, "eventId"))
	if err != nil {
		h.writeServiceError(w, "get_demande_by_event", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// AssignReviewerHandler assigns a demande under review. Without a reviewerId the
// caller assigns it to themselves.
func (h *Handlers) AssignReviewerHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := GetReviewerID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Reviewer not authenticated")
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req struct {
		ReviewerID string `json:"reviewerId"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
			return
		}
	}
	reviewer := strings.TrimSpace(req.ReviewerID)
	if reviewer == "" {
		reviewer = caller
	}

	d, err := h.demandes.AssignReviewer(r.Context(), id, reviewer, caller)
	if err != nil {
		h.writeServiceError(w, "assign_reviewer", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ManualDecisionHandler records an APPROVE or REJECT decision by the authenticated reviewer.
func (h *Handlers) ManualDecisionHandler(w http.ResponseWriter, r *http.Request) {
	reviewer, ok := GetReviewerID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Reviewer not authenticated")
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req struct {
		Decision string `json:"decision"`
		Notes    string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
		return
	}

	var approve bool
	switch strings.ToUpper(strings.TrimSpace(req.Decision)) {
	case "APPROVE", "APPROVED":
		approve = true
	case "REJECT", "REJECTED":
		approve = false
	default:
		h.writeServiceError(w, "manual_decision", (&domain.ValidationError{}).Add("decision", "must be APPROVE or REJECT"))
		return
	}

	d, err := h.demandes.DecideManualReview(r.Context(), id, reviewer, approve, req.Notes)
	if err != nil {
		h.writeServiceError(w, "manual_decision", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// InitiateTransactionHandler creates a transaction. A replayed externalId returns
// the stored record with 200.
func (h *Handlers) InitiateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.InitiateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
		return
	}

	tx, created, err := h.transactions.Initiate(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "initiate_transaction", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, tx)
}

// GetTransactionHandler returns a transaction by id.
func (h *Handlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	tx, err := h.transactions.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "get_transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// GetTransactionByExternalIDHandler returns a transaction by the caller's idempotency key.
func (h *Handlers) GetTransactionByExternalIDHandler(w http.ResponseWriter, r *http.Request) {
	tx, err := h.transactions.GetByExternalID(r.Context(), chi.URLParam(r, "externalId"))
	if err != nil {
		h.writeServiceError(w, "get_transaction_by_external_id", err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// CancelTransactionHandler cancels a pending transaction.
func (h *Handlers) CancelTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
			return
		}
	}

	tx, err := h.transactions.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		h.writeServiceError(w, "cancel_transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

type gatewayCallbackRequest struct {
	RequestID     string `json:"requestId"`
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
	Message       string `json:"message"`
}

// GatewayCallbackHandler applies a payment gateway outcome. transactionId is the
// gateway reference; requestId is our externalId echoed back.
func (h *Handlers) GatewayCallbackHandler(w http.ResponseWriter, r *http.Request) {
	var req gatewayCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
		return
	}

	tx, err := h.transactions.ApplyGatewayCallback(r.Context(), req.TransactionID, req.Status, req.Message)
	if err != nil {
		h.writeServiceError(w, "gateway_callback", err)
		return
	}
	if req.RequestID != "" && req.RequestID != tx.ExternalID {
		h.logger.Warn("gateway callback requestId does not match transaction",
			zap.String("transaction_id", tx.ID.String()),
			zap.String("external_id", tx.ExternalID),
			zap.String("request_id", req.RequestID),
		)
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	c := domain.Classify(err)
	resp := errorResponse{Error: err.Error(), Code: c.Code}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = verr.Fields
	}

	status := http.StatusBadRequest
	switch c.Category {
	case domain.CategoryNotFound:
		status = http.StatusNotFound
	case domain.CategorySecurity:
		status = http.StatusForbidden
		h.logger.Warn("request denied", zap.String("endpoint", endpoint), zap.String("code", c.Code), zap.Error(err))
	case domain.CategoryTechnical:
		status = http.StatusInternalServerError
		resp = errorResponse{Error: "Internal server error", Code: c.Code}
		h.logger.Error("request failed", zap.String("endpoint", endpoint), zap.Error(err))
	default:
		h.logger.Info("request rejected", zap.String("endpoint", endpoint), zap.String("code", c.Code), zap.Error(err))
	}
	writeJSON(w, status, resp)
}

func hasBlockingFlag(d *domain.Demande) bool {
	for _, f := range d.FraudFlags {
		if risk.IsBlocking(f) {
			return true
		}
	}
	return false
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid ID format")
		return uuid.Nil, false
	}
	return id, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}
