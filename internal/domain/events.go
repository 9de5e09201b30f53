package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserRegistrationEvent is published by the user service when a client submits an
// onboarding request.
type UserRegistrationEvent struct {
	EventID       string    `json:"eventId"`
	IDClient      string    `json:"idClient"`
	IDAgence      string    `json:"idAgence"`
	Cni           string    `json:"cni"`
	Email         string    `json:"email"`
	Nom           string    `json:"nom"`
	Prenom        string    `json:"prenom"`
	Numero        string    `json:"numero"`
	RectoCni      string    `json:"rectoCni"`
	VersoCni      string    `json:"versoCni"`
	SourceService string    `json:"sourceService"`
	TargetService string    `json:"targetService"`
	Timestamp     time.Time `json:"timestamp"`

	// Optional document quality signal (0..1) computed by the document store.
	DocumentQuality *float64 `json:"documentQuality,omitempty"`
}

// TransactionRequestEvent asks for a deposit, withdrawal or transfer.
type TransactionRequestEvent struct {
	EventID                 string          `json:"eventId"`
	Type                    string          `json:"type"`
	Montant                 decimal.Decimal `json:"montant"`
	NumeroClient            string          `json:"numeroClient"`
	NumeroCompte            string          `json:"numeroCompte"`
	NumeroCompteDestination string          `json:"numeroCompteDestination,omitempty"`
	NumeroTelephone         string          `json:"numeroTelephone,omitempty"`
	SourceService           string          `json:"sourceService"`
	Timestamp               time.Time       `json:"timestamp"`
}

// TransactionNotificationEvent is emitted once per terminal transaction.
type TransactionNotificationEvent struct {
	EventID           string            `json:"eventId"`
	TransactionID     string            `json:"transactionId"`
	IDClient          string            `json:"idClient"`
	Email             string            `json:"email,omitempty"`
	Type              TransactionType   `json:"type"`
	Montant           decimal.Decimal   `json:"montant"`
	Frais             decimal.Decimal   `json:"frais"`
	CompteSource      string            `json:"compteSource"`
	CompteDestination string            `json:"compteDestination,omitempty"`
	Status            TransactionStatus `json:"status"`
	Timestamp         time.Time         `json:"timestamp"`
}

// CardRechargeRequest is sent by the card service to fund (or drain) a card.
type CardRechargeRequest struct {
	IDCarte           string          `json:"idCarte"`
	Montant           decimal.Decimal `json:"montant"`
	NumeroOrangeMoney string          `json:"numeroOrangeMoney"`
	Provider          string          `json:"provider"`
	CallbackURL       string          `json:"callbackUrl"`
	ClientID          string          `json:"clientId"`
	RequestID         string          `json:"requestId"`
	Timestamp         time.Time       `json:"timestamp"`
}

// CardRechargeResponse is POSTed back to the card service's callback URL.
type CardRechargeResponse struct {
	RequestID       string          `json:"requestId"`
	IDCarte         string          `json:"idCarte"`
	Status          string          `json:"status"`
	FreemoReference string          `json:"freemoReference,omitempty"`
	Montant         decimal.Decimal `json:"montant"`
	Message         string          `json:"message"`
	Timestamp       time.Time       `json:"timestamp"`
}

// PasswordResetEvent and PasswordResetResponseEvent are relayed one-way between the
// user and notification services; this service only carries the contract.
type PasswordResetEvent struct {
	EventID   string    `json:"eventId"`
	Email     string    `json:"email"`
	Token     string    `json:"token"`
	Timestamp time.Time `json:"timestamp"`
}

type PasswordResetResponseEvent struct {
	EventID   string    `json:"eventId"`
	Email     string    `json:"email"`
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// WelcomeNotificationEvent is sent to the notification service on approval.
type WelcomeNotificationEvent struct {
	EventID   string    `json:"eventId"`
	DemandeID string    `json:"demandeId"`
	IDClient  string    `json:"idClient"`
	Email     string    `json:"email"`
	Nom       string    `json:"nom"`
	Prenom    string    `json:"prenom"`
	Limits    Limits    `json:"limits"`
	Timestamp time.Time `json:"timestamp"`
}

// RejectionNotificationEvent is sent to the notification service on rejection.
type RejectionNotificationEvent struct {
	EventID   string    `json:"eventId"`
	DemandeID string    `json:"demandeId"`
	IDClient  string    `json:"idClient"`
	Email     string    `json:"email"`
	Nom       string    `json:"nom"`
	Prenom    string    `json:"prenom"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// DemandeApprovedEvent lets the account service open the account with its limits.
type DemandeApprovedEvent struct {
	EventID   string    `json:"eventId"`
	DemandeID string    `json:"demandeId"`
	IDClient  string    `json:"idClient"`
	IDAgence  string    `json:"idAgence"`
	Email     string    `json:"email"`
	RiskScore int       `json:"riskScore"`
	RiskLevel RiskLevel `json:"riskLevel"`
	Limits    Limits    `json:"limits"`
	Timestamp time.Time `json:"timestamp"`
}

type DemandeRejectedEvent struct {
	EventID    string    `json:"eventId"`
	DemandeID  string    `json:"demandeId"`
	IDClient   string    `json:"idClient"`
	IDAgence   string    `json:"idAgence"`
	Reason     string    `json:"reason"`
	FraudFlags []string  `json:"fraudFlags"`
	Timestamp  time.Time `json:"timestamp"`
}

type DemandeExpiredEvent struct {
	EventID        string        `json:"eventId"`
	DemandeID      string        `json:"demandeId"`
	IDClient       string        `json:"idClient"`
	IDAgence       string        `json:"idAgence"`
	PreviousStatus DemandeStatus `json:"previousStatus"`
	Timestamp      time.Time     `json:"timestamp"`
}
