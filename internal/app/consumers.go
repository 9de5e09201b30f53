package app

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/transfa/lifecycle-service/internal/bus"
	"github.com/transfa/lifecycle-service/internal/domain"
)

const (
	handlerTimeout      = 15 * time.Second
	defaultRetryBackoff = 200 * time.Millisecond
	defaultRetries      = 3
)

// retryPolicy retries technical failures in-process before handing the message
// back to the broker, which requeues once and then dead-letters it.
type retryPolicy struct {
	attempts int
	backoff  time.Duration
}

func (p retryPolicy) run(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	delay := p.backoff
	for attempt := 1; attempt <= p.attempts; attempt++ {
		err = fn(ctx)
		if err == nil || domain.IsBusinessOutcome(err) {
			return err
		}
		if attempt == p.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// DemandeConsumer handles registration events.
type DemandeConsumer struct {
	svc    *DemandeService
	guard  EventGuard
	retry  retryPolicy
	logger *zap.Logger
}

func NewDemandeConsumer(svc *DemandeService, guard EventGuard, logger *zap.Logger) *DemandeConsumer {
	if guard == nil {
		guard = NoopEventGuard{}
	}
	return &DemandeConsumer{
		svc:    svc,
		guard:  guard,
		retry:  retryPolicy{attempts: defaultRetries, backoff: defaultRetryBackoff},
		logger: logger.With(zap.String("component", "demande_consumer")),
	}
}

// HandleMessage returns true when the message should be acknowledged.
func (c *DemandeConsumer) HandleMessage(body []byte) bool {
	var event domain.UserRegistrationEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal registration; dropping", zap.Error(err))
		consumedMessagesTotal.WithLabelValues(bus.RoutingDemandeSend, "malformed").Inc()
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	guardKey := "demande:" + event.EventID
	if seen, err := c.guard.Seen(ctx, guardKey); err == nil && seen {
		c.logger.Debug("registration already processed", zap.String("event_id", event.EventID))
		consumedMessagesTotal.WithLabelValues(bus.RoutingDemandeSend, "duplicate").Inc()
		return true
	}

	err := c.retry.run(ctx, func(ctx context.Context) error {
		d, err := c.svc.Receive(ctx, event)
		if err != nil {
			return err
		}
		_, err = c.svc.Analyze(ctx, d.ID)
		return err
	})
	return settleMessage(ctx, c.guard, c.logger, bus.RoutingDemandeSend, guardKey, event.EventID, err)
}

// TransactionConsumer handles transaction requests, including card operations.
type TransactionConsumer struct {
	svc    *TransactionService
	guard  EventGuard
	retry  retryPolicy
	logger *zap.Logger
}

func NewTransactionConsumer(svc *TransactionService, guard EventGuard, logger *zap.Logger) *TransactionConsumer {
	if guard == nil {
		guard = NoopEventGuard{}
	}
	return &TransactionConsumer{
		svc:    svc,
		guard:  guard,
		retry:  retryPolicy{attempts: defaultRetries, backoff: defaultRetryBackoff},
		logger: logger.With(zap.String("component", "transaction_consumer")),
	}
}

// HandleTransaction consumes transaction.send.
func (c *TransactionConsumer) HandleTransaction(body []byte) bool {
	return c.handleRequest(bus.RoutingTransactionSend, "", body)
}

// HandleWithdrawal consumes retrait.send; the type defaults to WITHDRAWAL.
func (c *TransactionConsumer) HandleWithdrawal(body []byte) bool {
	return c.handleRequest(bus.RoutingRetraitSend, domain.TransactionWithdrawal, body)
}

func (c *TransactionConsumer) handleRequest(routingKey string, defaultType domain.TransactionType, body []byte) bool {
	var event domain.TransactionRequestEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal transaction request; dropping", zap.String("routing_key", routingKey), zap.Error(err))
		consumedMessagesTotal.WithLabelValues(routingKey, "malformed").Inc()
		return true
	}
	if event.Type == "" {
		event.Type = string(defaultType)
	}

	req := domain.InitiateTransactionRequest{
		ExternalID:         event.EventID,
		ClientID:           event.NumeroClient,
		PhoneNumber:        event.NumeroTelephone,
		AccountNumber:      event.NumeroCompte,
		DestinationAccount: event.NumeroCompteDestination,
		Type:               event.Type,
		Amount:             event.Montant,
		SourceService:      event.SourceService,
	}
	return c.initiate(routingKey, req)
}

// HandleCardRecharge consumes card.recharge.send.
func (c *TransactionConsumer) HandleCardRecharge(body []byte) bool {
	return c.handleCard(bus.RoutingCardRechargeSend, domain.TransactionCardRecharge, body)
}

// HandleCardWithdrawal consumes card.withdrawal.send.
func (c *TransactionConsumer) HandleCardWithdrawal(body []byte) bool {
	return c.handleCard(bus.RoutingCardWithdrawalSend, domain.TransactionCardWithdrawal, body)
}

func (c *TransactionConsumer) handleCard(routingKey string, txType domain.TransactionType, body []byte) bool {
	var event domain.CardRechargeRequest
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal card request; dropping", zap.String("routing_key", routingKey), zap.Error(err))
		consumedMessagesTotal.WithLabelValues(routingKey, "malformed").Inc()
		return true
	}

	req := domain.InitiateTransactionRequest{
		ExternalID:    event.RequestID,
		ClientID:      event.ClientID,
		PhoneNumber:   event.NumeroOrangeMoney,
		AccountNumber: event.IDCarte,
		Type:          string(txType),
		Amount:        event.Montant,
		CallbackURL:   event.CallbackURL,
		CardID:        event.IDCarte,
		Provider:      event.Provider,
		SourceService: "card-service",
	}
	return c.initiate(routingKey, req)
}

func (c *TransactionConsumer) initiate(routingKey string, req domain.InitiateTransactionRequest) bool {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	guardKey := "transaction:" + req.ExternalID
	if seen, err := c.guard.Seen(ctx, guardKey); err == nil && seen {
		c.logger.Debug("transaction request already processed", zap.String("external_id", req.ExternalID))
		consumedMessagesTotal.WithLabelValues(routingKey, "duplicate").Inc()
		return true
	}

	err := c.retry.run(ctx, func(ctx context.Context) error {
		_, _, err := c.svc.Initiate(ctx, req)
		return err
	})
	return settleMessage(ctx, c.guard, c.logger, routingKey, guardKey, req.ExternalID, err)
}

// settleMessage decides the ack. Business outcomes are final and acknowledged;
// technical failures go back to the broker.
func settleMessage(ctx context.Context, guard EventGuard, logger *zap.Logger, routingKey, guardKey, id string, err error) bool {
	if err != nil && !domain.IsBusinessOutcome(err) {
		logger.Error("message processing failed", zap.String("routing_key", routingKey), zap.String("id", id), zap.Error(err))
		consumedMessagesTotal.WithLabelValues(routingKey, "failed").Inc()
		return false
	}

	result := "processed"
	if err != nil {
		result = "rejected"
		logger.Warn("message rejected by business rules",
			zap.String("routing_key", routingKey),
			zap.String("id", id),
			zap.String("code", domain.Classify(err).Code),
			zap.Error(err),
		)
	}
	if id != "" {
		if markErr := guard.Mark(ctx, guardKey); markErr != nil {
			logger.Warn("failed to mark event as processed", zap.String("id", id), zap.Error(markErr))
		}
	}
	consumedMessagesTotal.WithLabelValues(routingKey, result).Inc()
	return true
}
