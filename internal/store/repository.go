/**
 * @description
 * Storage contracts for the lifecycle service. Every state change goes through a
 * compare-and-set keyed by id and expected status; the transition, its audit entry
 * and its outbound messages are committed together.
 *
 * @dependencies
 * - internal/domain: demande and transaction models.
 * - github.com/shopspring/decimal: amounts for limit checks.
 */

package store

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/transfa/lifecycle-service/internal/domain"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStaleState means the record was not in the expected status when the
	// conditional update ran.
	ErrStaleState = errors.New("record status changed concurrently")
	// ErrEventAlreadyRecorded is returned when a demande for the same eventId exists.
	ErrEventAlreadyRecorded = errors.New("event already recorded")
	// ErrIdentityInFlight is returned when cni or email belongs to an active demande.
	ErrIdentityInFlight = errors.New("identity already has an active demande")
	// ErrDuplicateExternalID is returned when a transaction with the same externalId exists.
	ErrDuplicateExternalID = errors.New("external id already recorded")
	// ErrDuplicateGatewayReference is returned when the reference is bound to another transaction.
	ErrDuplicateGatewayReference = errors.New("gateway reference already bound")
)

// Outbox delivery channels.
const (
	ChannelAMQP = "amqp"
	ChannelHTTP = "http"
)

// OutboundMessage is enqueued in the same storage transaction as the state change.
// For ChannelHTTP, Target is the callback URL; for ChannelAMQP, Exchange and RoutingKey
// are used.
type OutboundMessage struct {
	Channel    string
	Exchange   string
	RoutingKey string
	Target     string
	Payload    interface{}
}

// OutboxMessage is a claimed outbox row.
type OutboxMessage struct {
	ID         int64
	Channel    string
	Exchange   string
	RoutingKey string
	Target     string
	Payload    []byte
	Attempts   int
}

// DemandeTransition describes one compare-and-set on a demande. From may equal To
// for annotations that keep the status (reviewer assignment).
type DemandeTransition struct {
	From   domain.DemandeStatus
	To     domain.DemandeStatus
	Apply  func(d *domain.Demande)
	Action domain.ActionEntry
	Events []OutboundMessage
}

// TransactionTransition describes one compare-and-set on a transaction.
type TransactionTransition struct {
	From          domain.TransactionStatus
	To            domain.TransactionStatus
	FailureReason *string
	At            time.Time
	Events        []OutboundMessage
}

// ExpiryCursor positions a keyset scan over expired records ordered by
// (deadline, id). The zero value starts at the beginning.
type ExpiryCursor struct {
	Deadline time.Time
	ID       uuid.UUID
}

// After reports whether (deadline, id) sorts after the cursor.
func (c ExpiryCursor) After(deadline time.Time, id uuid.UUID) bool {
	if !deadline.Equal(c.Deadline) {
		return deadline.After(c.Deadline)
	}
	return bytes.Compare(id[:], c.ID[:]) > 0
}

// LimitUsage is what a client already consumed in the current limit windows,
// counting PENDING and SUCCESS transactions.
type LimitUsage struct {
	Amount     decimal.Decimal
	Operations int
}

// LimitCheck is evaluated by CreateTransaction while creations for the same
// client are serialized. Allow returning an error aborts the insert with that error.
type LimitCheck struct {
	AmountTypes     []domain.TransactionType
	AmountSince     time.Time
	OperationsSince time.Time
	Allow           func(usage LimitUsage) error
}

// DemandeRepository persists onboarding requests.
type DemandeRepository interface {
	CreateDemande(ctx context.Context, d *domain.Demande) (*domain.Demande, error)
	FindDemandeByID(ctx context.Context, id uuid.UUID) (*domain.Demande, error)
	FindDemandeByEventID(ctx context.Context, eventID string) (*domain.Demande, error)
	FindInFlightByCni(ctx context.Context, cni string) (*domain.Demande, error)
	FindInFlightByEmail(ctx context.Context, email string) (*domain.Demande, error)
	FindApprovedDemandeByClient(ctx context.Context, clientID string) (*domain.Demande, error)
	CountRecentDemandesByEmail(ctx context.Context, email string, since time.Time, excludeID uuid.UUID) (int, error)
	CountRecentDemandesByAgency(ctx context.Context, agencyID string, since time.Time, excludeID uuid.UUID) (int, error)
	TransitionDemande(ctx context.Context, id uuid.UUID, t DemandeTransition) (*domain.Demande, error)
	ListExpiredDemandes(ctx context.Context, now time.Time, after ExpiryCursor, limit int) ([]domain.Demande, error)
}

// TransactionRepository persists money movements.
type TransactionRepository interface {
	// CreateTransaction inserts tx. A non-nil check runs against the client's usage
	// under a per-client lock, so concurrent creations cannot both fit the same headroom.
	CreateTransaction(ctx context.Context, tx *domain.Transaction, check *LimitCheck) (*domain.Transaction, error)
	FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	FindTransactionByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error)
	FindTransactionByGatewayReference(ctx context.Context, reference string) (*domain.Transaction, error)
	AttachGatewayReference(ctx context.Context, id uuid.UUID, reference string, at time.Time) (*domain.Transaction, error)
	TransitionTransaction(ctx context.Context, id uuid.UUID, t TransactionTransition) (*domain.Transaction, error)
	ListExpiredTransactions(ctx context.Context, now time.Time, after ExpiryCursor, limit int) ([]domain.Transaction, error)
}

// OutboxRepository is used by the dispatcher.
type OutboxRepository interface {
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// Repository is the full storage surface.
type Repository interface {
	DemandeRepository
	TransactionRepository
	OutboxRepository
	Ping(ctx context.Context) error
}
