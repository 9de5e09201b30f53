package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType is the kind of money movement.
type TransactionType string

const (
	TransactionDeposit        TransactionType = "DEPOSIT"
	TransactionWithdrawal     TransactionType = "WITHDRAWAL"
	TransactionTransfer       TransactionType = "TRANSFER"
	TransactionCardRecharge   TransactionType = "CARD_RECHARGE"
	TransactionCardWithdrawal TransactionType = "CARD_WITHDRAWAL"
)

// ParseTransactionType normalizes caller input. Legacy French aliases are accepted
// because upstream services still publish them.
func ParseTransactionType(raw string) (TransactionType, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "DEPOSIT", "DEPOT":
		return TransactionDeposit, true
	case "WITHDRAWAL", "RETRAIT":
		return TransactionWithdrawal, true
	case "TRANSFER", "TRANSFERT":
		return TransactionTransfer, true
	case "CARD_RECHARGE", "RECHARGE_CARTE":
		return TransactionCardRecharge, true
	case "CARD_WITHDRAWAL", "RETRAIT_CARTE":
		return TransactionCardWithdrawal, true
	}
	return "", false
}

// IsCard reports whether results must also be delivered to a card-service callback.
func (t TransactionType) IsCard() bool {
	return t == TransactionCardRecharge || t == TransactionCardWithdrawal
}

// TransactionStatus is the lifecycle status of a transaction.
type TransactionStatus string

const (
	TransactionPending           TransactionStatus = "PENDING"
	TransactionSuccess           TransactionStatus = "SUCCESS"
	TransactionFailed            TransactionStatus = "FAILED"
	TransactionCancelled         TransactionStatus = "CANCELLED"
	TransactionExpired           TransactionStatus = "EXPIRED"
	TransactionInsufficientFunds TransactionStatus = "INSUFFICIENT_FUNDS"
)

// IsFinal reports whether the status is terminal. PENDING is the only non-final status.
func (s TransactionStatus) IsFinal() bool {
	switch s {
	case TransactionSuccess, TransactionFailed, TransactionCancelled, TransactionExpired, TransactionInsufficientFunds:
		return true
	}
	return false
}

// GatewayOutcome is the normalized result reported by the payment gateway.
type GatewayOutcome string

const (
	OutcomeSuccess           GatewayOutcome = "SUCCESS"
	OutcomeFailed            GatewayOutcome = "FAILED"
	OutcomeInsufficientFunds GatewayOutcome = "INSUFFICIENT_FUNDS"
	OutcomePending           GatewayOutcome = "PENDING"
)

// NormalizeGatewayOutcome maps the gateway's free-form status strings.
func NormalizeGatewayOutcome(raw string) (GatewayOutcome, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "successful", "completed", "succeeded":
		return OutcomeSuccess, true
	case "failed", "failure", "error", "rejected", "declined":
		return OutcomeFailed, true
	case "insufficient_funds", "insufficient-funds", "insufficientfunds", "insufficient funds":
		return OutcomeInsufficientFunds, true
	case "pending", "processing", "initiated":
		return OutcomePending, true
	}
	return "", false
}

// TerminalStatus returns the transaction status a final outcome leads to.
func (o GatewayOutcome) TerminalStatus() (TransactionStatus, bool) {
	switch o {
	case OutcomeSuccess:
		return TransactionSuccess, true
	case OutcomeFailed:
		return TransactionFailed, true
	case OutcomeInsufficientFunds:
		return TransactionInsufficientFunds, true
	}
	return "", false
}

// Transaction is a single money movement tracked until a terminal outcome.
type Transaction struct {
	ID                 uuid.UUID         `json:"id"`
	ExternalID         string            `json:"externalId"`
	GatewayReference   *string           `json:"gatewayReference,omitempty"`
	ClientID           string            `json:"clientId"`
	PhoneNumber        string            `json:"phoneNumber,omitempty"`
	AccountNumber      string            `json:"accountNumber"`
	DestinationAccount *string           `json:"destinationAccount,omitempty"`
	Type               TransactionType   `json:"type"`
	Amount             decimal.Decimal   `json:"amount"`
	Fee                decimal.Decimal   `json:"fee"`
	Status             TransactionStatus `json:"status"`
	FailureReason      *string           `json:"failureReason,omitempty"`
	CallbackURL        *string           `json:"callbackUrl,omitempty"`
	CardID             *string           `json:"cardId,omitempty"`
	Provider           *string           `json:"provider,omitempty"`
	SourceService      string            `json:"sourceService,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
	ExpiredAt          time.Time         `json:"expiredAt"`
}

// Clone returns a deep copy of the transaction.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	out := *t
	out.GatewayReference = cloneString(t.GatewayReference)
	out.DestinationAccount = cloneString(t.DestinationAccount)
	out.FailureReason = cloneString(t.FailureReason)
	out.CallbackURL = cloneString(t.CallbackURL)
	out.CardID = cloneString(t.CardID)
	out.Provider = cloneString(t.Provider)
	return &out
}

// InitiateTransactionRequest is the input of the transaction lifecycle entry point.
type InitiateTransactionRequest struct {
	ExternalID         string          `json:"externalId"`
	ClientID           string          `json:"clientId"`
	PhoneNumber        string          `json:"phoneNumber"`
	AccountNumber      string          `json:"accountNumber"`
	DestinationAccount string          `json:"destinationAccount,omitempty"`
	Type               string          `json:"type"`
	Amount             decimal.Decimal `json:"amount"`
	Fee                decimal.Decimal `json:"fee"`
	GatewayReference   string          `json:"gatewayReference,omitempty"`
	CallbackURL        string          `json:"callbackUrl,omitempty"`
	CardID             string          `json:"cardId,omitempty"`
	Provider           string          `json:"provider,omitempty"`
	SourceService      string          `json:"sourceService,omitempty"`
}
