/**
 * @description
 * Lifecycle manager for money movements. A transaction is created PENDING and
 * reaches exactly one terminal status through a gateway callback, a cancellation,
 * the sweeper or an immediate gateway refusal.
 *
 * Key features:
 * - Idempotent initiation keyed by externalId.
 * - Approved-demande limits checked at insert time, serialized per client.
 * - The gateway is called only after the PENDING record is committed; its reference
 *   is attached with a later conditional update.
 * - Every terminal transition enqueues a notification, plus an HTTP callback for
 *   card operations.
 *
 * @dependencies
 * - internal/store: persistence and outbox.
 * - pkg/gatewayclient: payment gateway.
 * - github.com/shopspring/decimal: amounts and limits.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/transfa/lifecycle-service/internal/bus"
	"github.com/transfa/lifecycle-service/internal/domain"
	"github.com/transfa/lifecycle-service/internal/store"
	"github.com/transfa/lifecycle-service/pkg/gatewayclient"
)

// PaymentGateway opens payments on the external gateway.
type PaymentGateway interface {
	InitiatePayment(ctx context.Context, payload gatewayclient.PaymentRequest) (*gatewayclient.PaymentResponse, error)
}

// TransactionServiceConfig carries the tunables of the transaction lifecycle.
type TransactionServiceConfig struct {
	Exchange string
	TTL      time.Duration
}

// Repository surface the transaction lifecycle needs: its own records plus the
// client's approved demande for limits.
type transactionStore interface {
	store.TransactionRepository
	FindApprovedDemandeByClient(ctx context.Context, clientID string) (*domain.Demande, error)
}

// TransactionService provides the transaction lifecycle.
type TransactionService struct {
	repo      transactionStore
	gateway   PaymentGateway
	cfg       TransactionServiceConfig
	analytics AnalyticsSink
	logger    *zap.Logger
	now       func() time.Time
}

// NewTransactionService creates a new transaction lifecycle manager. gateway may be
// nil, in which case references are expected from callers or callbacks.
func NewTransactionService(repo transactionStore, gateway PaymentGateway, cfg TransactionServiceConfig, analytics AnalyticsSink, logger *zap.Logger) *TransactionService {
	if cfg.Exchange == "" {
		cfg.Exchange = bus.DefaultExchange
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if analytics == nil {
		analytics = NoopAnalytics{}
	}
	return &TransactionService{
		repo:      repo,
		gateway:   gateway,
		cfg:       cfg,
		analytics: analytics,
		logger:    logger.With(zap.String("component", "transaction_service")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (s *TransactionService) SetClock(now func() time.Time) {
	s.now = now
}

// Initiate creates a PENDING transaction, or returns the stored one when the
// externalId was already used. created reports whether a record was inserted.
func (s *TransactionService) Initiate(ctx context.Context, req domain.InitiateTransactionRequest) (tx *domain.Transaction, created bool, err error) {
	if !req.Amount.IsPositive() {
		return nil, false, domain.ErrInvalidAmount
	}
	txType, err := validateInitiate(&req)
	if err != nil {
		return nil, false, err
	}

	existing, err := s.repo.FindTransactionByExternalID(ctx, req.ExternalID)
	if err == nil {
		s.logReplay(existing, req, txType)
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("lookup transaction by external id: %w", err)
	}

	now := s.now()
	check, err := s.limitCheck(ctx, req.ClientID, txType, req.Amount, now)
	if err != nil {
		return nil, false, err
	}

	record := &domain.Transaction{
		ID:                 uuid.New(),
		ExternalID:         req.ExternalID,
		GatewayReference:   optionalString(req.GatewayReference),
		ClientID:           req.ClientID,
		PhoneNumber:        req.PhoneNumber,
		AccountNumber:      req.AccountNumber,
		DestinationAccount: optionalString(req.DestinationAccount),
		Type:               txType,
		Amount:             req.Amount,
		Fee:                req.Fee,
		Status:             domain.TransactionPending,
		CallbackURL:        optionalString(req.CallbackURL),
		CardID:             optionalString(req.CardID),
		Provider:           optionalString(req.Provider),
		SourceService:      req.SourceService,
		CreatedAt:          now,
		UpdatedAt:          now,
		ExpiredAt:          now.Add(s.cfg.TTL),
	}

	tx, err = s.repo.CreateTransaction(ctx, record, check)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrLimitExceeded):
		return nil, false, err
	case errors.Is(err, store.ErrDuplicateExternalID):
		existing, findErr := s.repo.FindTransactionByExternalID(ctx, req.ExternalID)
		if findErr != nil {
			return nil, false, fmt.Errorf("reload concurrent transaction: %w", findErr)
		}
		s.logReplay(existing, req, txType)
		return existing, false, nil
	case errors.Is(err, store.ErrDuplicateGatewayReference):
		return nil, false, (&domain.ValidationError{}).Add("gatewayReference", "is already bound to another transaction")
	default:
		return nil, false, fmt.Errorf("create transaction: %w", err)
	}

	transactionTransitionsTotal.WithLabelValues(string(tx.Type), string(tx.Status)).Inc()
	s.logger.Info("transaction initiated",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("external_id", tx.ExternalID),
		zap.String("type", string(tx.Type)),
		zap.String("amount", tx.Amount.String()),
	)

	if s.gateway != nil && tx.GatewayReference == nil {
		tx = s.openPayment(ctx, tx)
	}
	return tx, true, nil
}

func (s *TransactionService) logReplay(existing *domain.Transaction, req domain.InitiateTransactionRequest, txType domain.TransactionType) {
	if !existing.Amount.Equal(req.Amount) || existing.Type != txType || existing.ClientID != req.ClientID {
		s.logger.Warn("externalId replayed with a different payload; returning stored transaction",
			zap.String("external_id", req.ExternalID),
			zap.String("transaction_id", existing.ID.String()),
			zap.String("stored_amount", existing.Amount.String()),
			zap.String("replayed_amount", req.Amount.String()),
		)
		return
	}
	s.logger.Info("transaction replayed", zap.String("external_id", req.ExternalID), zap.String("transaction_id", existing.ID.String()))
}

// openPayment asks the gateway for a reference. No lock is held during the call;
// gateway failures leave the record PENDING for callbacks or the sweeper.
func (s *TransactionService) openPayment(ctx context.Context, tx *domain.Transaction) *domain.Transaction {
	resp, err := s.gateway.InitiatePayment(ctx, gatewayclient.PaymentRequest{
		MerchantReference: tx.ExternalID,
		Amount:            tx.Amount,
		PhoneNumber:       tx.PhoneNumber,
		Operation:         string(tx.Type),
	})
	if errors.Is(err, gatewayclient.ErrInsufficientFunds) {
		updated, transErr := s.finish(ctx, tx, domain.TransactionInsufficientFunds, "insufficient funds reported by gateway")
		if transErr != nil {
			s.logger.Error("failed to record gateway refusal", zap.String("transaction_id", tx.ID.String()), zap.Error(transErr))
			return tx
		}
		return updated
	}
	if err != nil {
		s.logger.Warn("gateway initiation failed; transaction stays pending", zap.String("transaction_id", tx.ID.String()), zap.Error(err))
		return tx
	}

	updated, err := s.repo.AttachGatewayReference(ctx, tx.ID, resp.TransactionID, s.now())
	if err != nil {
		s.logger.Warn("could not attach gateway reference", zap.String("transaction_id", tx.ID.String()), zap.String("gateway_reference", resp.TransactionID), zap.Error(err))
		if current, findErr := s.repo.FindTransactionByID(ctx, tx.ID); findErr == nil {
			return current
		}
		return tx
	}
	return updated
}

// limitCheck builds the check for the limits of the client's approved demande, or
// nil when there is nothing to enforce. Zero limits are treated as not configured.
// The store evaluates it while creations for the client are serialized.
func (s *TransactionService) limitCheck(ctx context.Context, clientID string, txType domain.TransactionType, amount decimal.Decimal, now time.Time) (*store.LimitCheck, error) {
	demande, err := s.repo.FindApprovedDemandeByClient(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load approved demande: %w", err)
	}
	if demande.Limits == nil {
		return nil, nil
	}
	limits := *demande.Limits

	var (
		dailyLimit decimal.Decimal
		dailyTypes []domain.TransactionType
	)
	switch txType {
	case domain.TransactionWithdrawal, domain.TransactionCardWithdrawal:
		dailyLimit = limits.DailyWithdrawalLimit
		dailyTypes = []domain.TransactionType{domain.TransactionWithdrawal, domain.TransactionCardWithdrawal}
	case domain.TransactionTransfer:
		dailyLimit = limits.DailyTransferLimit
		dailyTypes = []domain.TransactionType{domain.TransactionTransfer}
	}
	monthlyLimit := limits.MonthlyOperationsLimit
	if !dailyLimit.IsPositive() && !monthlyLimit.IsPositive() {
		return nil, nil
	}

	return &store.LimitCheck{
		AmountTypes:     dailyTypes,
		AmountSince:     time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
		OperationsSince: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC),
		Allow: func(usage store.LimitUsage) error {
			if dailyLimit.IsPositive() && usage.Amount.Add(amount).GreaterThan(dailyLimit) {
				s.logger.Warn("daily limit exceeded",
					zap.String("client_id", clientID),
					zap.String("type", string(txType)),
					zap.String("used", usage.Amount.String()),
					zap.String("limit", dailyLimit.String()),
				)
				return domain.ErrLimitExceeded
			}
			if monthlyLimit.IsPositive() && decimal.NewFromInt(int64(usage.Operations+1)).GreaterThan(monthlyLimit) {
				s.logger.Warn("monthly operations limit exceeded", zap.String("client_id", clientID), zap.Int("operations", usage.Operations))
				return domain.ErrLimitExceeded
			}
			return nil
		},
	}, nil
}

// ApplyGatewayCallback reconciles a gateway outcome. Callbacks for terminal
// transactions are accepted as duplicates without any change.
func (s *TransactionService) ApplyGatewayCallback(ctx context.Context, reference, status, message string) (*domain.Transaction, error) {
	reference = strings.TrimSpace(reference)
	verr := &domain.ValidationError{}
	if reference == "" {
		verr.Add("transactionId", "is required")
	}
	outcome, ok := domain.NormalizeGatewayOutcome(status)
	if !ok {
		verr.Add("status", "unknown gateway status")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	tx, err := s.repo.FindTransactionByGatewayReference(ctx, reference)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("callback for unknown gateway reference", zap.String("gateway_reference", reference))
		return nil, domain.ErrUnknownReference
	}
	if err != nil {
		return nil, fmt.Errorf("lookup transaction by gateway reference: %w", err)
	}

	if tx.Status.IsFinal() {
		s.logger.Info("duplicate gateway callback ignored", zap.String("transaction_id", tx.ID.String()), zap.String("status", string(tx.Status)), zap.String("outcome", string(outcome)))
		return tx, nil
	}
	target, final := outcome.TerminalStatus()
	if !final {
		s.logger.Info("non-final gateway callback acknowledged", zap.String("transaction_id", tx.ID.String()), zap.String("outcome", string(outcome)))
		return tx, nil
	}

	reason := ""
	if target != domain.TransactionSuccess {
		reason = strings.TrimSpace(message)
		if reason == "" {
			reason = "gateway reported " + strings.ToLower(string(outcome))
		}
	}
	return s.finish(ctx, tx, target, reason)
}

// Cancel moves a PENDING transaction to CANCELLED.
func (s *TransactionService) Cancel(ctx context.Context, id uuid.UUID, reason string) (*domain.Transaction, error) {
	tx, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.TransactionPending {
		return tx, domain.ErrInvalidStateTransition
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by caller"
	}
	updated, err := s.finish(ctx, tx, domain.TransactionCancelled, reason)
	if err != nil {
		return nil, err
	}
	if updated.Status != domain.TransactionCancelled {
		return updated, domain.ErrInvalidStateTransition
	}
	return updated, nil
}

// Expire moves a PENDING transaction past its deadline to EXPIRED and reports
// whether this call performed the transition.
func (s *TransactionService) Expire(ctx context.Context, id uuid.UUID) (*domain.Transaction, bool, error) {
	tx, err := s.find(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if tx.Status != domain.TransactionPending || !s.now().After(tx.ExpiredAt) {
		return tx, false, nil
	}
	updated, err := s.finish(ctx, tx, domain.TransactionExpired, "expired without gateway confirmation")
	if err != nil {
		return nil, false, err
	}
	return updated, updated.Status == domain.TransactionExpired, nil
}

// Get returns a transaction by id.
func (s *TransactionService) Get(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return s.find(ctx, id)
}

// GetByExternalID returns a transaction by the caller's idempotency key.
func (s *TransactionService) GetByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	tx, err := s.repo.FindTransactionByExternalID(ctx, strings.TrimSpace(externalID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	return tx, err
}

func (s *TransactionService) find(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	tx, err := s.repo.FindTransactionByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	return tx, nil
}

// finish applies PENDING -> target. Losing the race is a logged no-op that returns
// the current record.
func (s *TransactionService) finish(ctx context.Context, tx *domain.Transaction, target domain.TransactionStatus, reason string) (*domain.Transaction, error) {
	now := s.now()
	t := store.TransactionTransition{
		From:   domain.TransactionPending,
		To:     target,
		At:     now,
		Events: s.terminalEvents(tx, target, reason, s.clientEmail(ctx, tx.ClientID), now),
	}
	if reason != "" {
		t.FailureReason = domain.StringPtr(reason)
	}

	updated, err := s.repo.TransitionTransaction(ctx, tx.ID, t)
	if errors.Is(err, store.ErrStaleState) {
		staleTransitionsTotal.WithLabelValues("transaction").Inc()
		current, findErr := s.find(ctx, tx.ID)
		if findErr != nil {
			return nil, findErr
		}
		s.logger.Info("concurrent transition won; no-op", zap.String("transaction_id", tx.ID.String()), zap.String("wanted", string(target)), zap.String("status", string(current.Status)))
		return current, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transition transaction to %s: %w", target, err)
	}

	transactionTransitionsTotal.WithLabelValues(string(updated.Type), string(updated.Status)).Inc()
	s.analytics.Record(ctx, AnalyticsEvent{
		Machine: "transaction",
		ID:      updated.ID.String(),
		Status:  string(updated.Status),
		Type:    string(updated.Type),
		Amount:  updated.Amount.String(),
		At:      now,
	})
	s.logger.Info("transaction finished", zap.String("transaction_id", updated.ID.String()), zap.String("status", string(updated.Status)))
	return updated, nil
}

// clientEmail returns the email of the client's approved demande, or "" when the
// client was onboarded elsewhere. Notifications still go out without it.
func (s *TransactionService) clientEmail(ctx context.Context, clientID string) string {
	demande, err := s.repo.FindApprovedDemandeByClient(ctx, clientID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("could not load client email for notification", zap.String("client_id", clientID), zap.Error(err))
		}
		return ""
	}
	return demande.Email
}

func (s *TransactionService) terminalEvents(tx *domain.Transaction, target domain.TransactionStatus, reason, email string, now time.Time) []store.OutboundMessage {
	destination := ""
	if tx.DestinationAccount != nil {
		destination = *tx.DestinationAccount
	}
	events := []store.OutboundMessage{{
		Channel:    store.ChannelAMQP,
		Exchange:   s.cfg.Exchange,
		RoutingKey: bus.RoutingTransactionNotification,
		Payload: domain.TransactionNotificationEvent{
			EventID:           newEventID(),
			TransactionID:     tx.ID.String(),
			IDClient:          tx.ClientID,
			Email:             email,
			Type:              tx.Type,
			Montant:           tx.Amount,
			Frais:             tx.Fee,
			CompteSource:      tx.AccountNumber,
			CompteDestination: destination,
			Status:            target,
			Timestamp:         now,
		},
	}}

	if tx.Type.IsCard() && tx.CallbackURL != nil {
		message := reason
		if message == "" {
			message = "operation completed"
		}
		response := domain.CardRechargeResponse{
			RequestID: tx.ExternalID,
			Status:    string(target),
			Montant:   tx.Amount,
			Message:   message,
			Timestamp: now,
		}
		if tx.CardID != nil {
			response.IDCarte = *tx.CardID
		}
		if tx.GatewayReference != nil {
			response.FreemoReference = *tx.GatewayReference
		}
		events = append(events, store.OutboundMessage{
			Channel: store.ChannelHTTP,
			Target:  *tx.CallbackURL,
			Payload: response,
		})
	}
	return events
}

func validateInitiate(req *domain.InitiateTransactionRequest) (domain.TransactionType, error) {
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	req.ClientID = strings.TrimSpace(req.ClientID)
	req.AccountNumber = strings.TrimSpace(req.AccountNumber)
	req.DestinationAccount = strings.TrimSpace(req.DestinationAccount)
	req.CallbackURL = strings.TrimSpace(req.CallbackURL)
	req.GatewayReference = strings.TrimSpace(req.GatewayReference)

	verr := &domain.ValidationError{}
	if req.ExternalID == "" {
		verr.Add("externalId", "is required")
	}
	if req.ClientID == "" {
		verr.Add("clientId", "is required")
	}
	if req.AccountNumber == "" {
		verr.Add("accountNumber", "is required")
	}
	if req.Amount.Exponent() < -2 && !req.Amount.Equal(req.Amount.Round(2)) {
		verr.Add("amount", "must have at most two decimal places")
	}
	if req.Fee.IsNegative() {
		verr.Add("fee", "must not be negative")
	}
	txType, ok := domain.ParseTransactionType(req.Type)
	if !ok {
		verr.Add("type", "unknown transaction type")
	}
	if txType == domain.TransactionTransfer && req.DestinationAccount == "" {
		verr.Add("destinationAccount", "is required for transfers")
	}
	if txType.IsCard() && req.CallbackURL == "" {
		verr.Add("callbackUrl", "is required for card operations")
	}
	return txType, verr.OrNil()
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
