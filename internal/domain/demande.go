/**
 * @description
 * Core domain model for onboarding requests ("demandes"). A Demande moves through
 * a small state machine from RECEIVED to one of the terminal statuses and keeps an
 * append-only action history of every explicit transition.
 *
 * @notes
 * - Limits are decimals; they are persisted as NUMERIC and never as floats.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DemandeStatus is the lifecycle status of an onboarding request.
type DemandeStatus string

const (
	DemandeReceived     DemandeStatus = "RECEIVED"
	DemandeAnalyzing    DemandeStatus = "ANALYZING"
	DemandeManualReview DemandeStatus = "MANUAL_REVIEW"
	DemandeApproved     DemandeStatus = "APPROVED"
	DemandeRejected     DemandeStatus = "REJECTED"
	DemandeExpired      DemandeStatus = "EXPIRED"
)

// InFlightDemandeStatuses block a second submission for the same identity.
var InFlightDemandeStatuses = []DemandeStatus{
	DemandeReceived,
	DemandeAnalyzing,
	DemandeManualReview,
	DemandeApproved,
}

// ExpirableDemandeStatuses are the statuses the sweeper may move to EXPIRED.
var ExpirableDemandeStatuses = []DemandeStatus{
	DemandeReceived,
	DemandeAnalyzing,
	DemandeManualReview,
}

// IsTerminal reports whether no further transition is allowed.
func (s DemandeStatus) IsTerminal() bool {
	switch s {
	case DemandeApproved, DemandeRejected, DemandeExpired:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s DemandeStatus) Valid() bool {
	switch s {
	case DemandeReceived, DemandeAnalyzing, DemandeManualReview, DemandeApproved, DemandeRejected, DemandeExpired:
		return true
	}
	return false
}

// CanTransitionTo encodes the allowed edges of the demande state machine.
func (s DemandeStatus) CanTransitionTo(next DemandeStatus) bool {
	switch s {
	case DemandeReceived:
		return next == DemandeAnalyzing || next == DemandeExpired
	case DemandeAnalyzing:
		return next == DemandeManualReview || next == DemandeApproved || next == DemandeRejected || next == DemandeExpired
	case DemandeManualReview:
		return next == DemandeApproved || next == DemandeRejected || next == DemandeExpired
	}
	return false
}

// RiskLevel is the band derived from a numeric risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// BandForScore maps a score to its risk level. Scores outside 0..100 are treated
// as CRITICAL.
func BandForScore(score int) RiskLevel {
	switch {
	case score < 0 || score > 100:
		return RiskCritical
	case score <= 30:
		return RiskLow
	case score <= 60:
		return RiskMedium
	case score <= 80:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// AutoApprovable reports whether a request in this band can be approved without a reviewer.
func (l RiskLevel) AutoApprovable() bool {
	return l == RiskLow || l == RiskMedium
}

// ActionType names an entry of the demande action history.
type ActionType string

const (
	ActionAnalysisStarted  ActionType = "ANALYSIS_STARTED"
	ActionAutoApproved     ActionType = "AUTO_APPROVED"
	ActionAutoRejected     ActionType = "AUTO_REJECTED"
	ActionSentToReview     ActionType = "SENT_TO_MANUAL_REVIEW"
	ActionReviewerAssigned ActionType = "REVIEWER_ASSIGNED"
	ActionManualApproved   ActionType = "MANUAL_APPROVED"
	ActionManualRejected   ActionType = "MANUAL_REJECTED"
	ActionExpired          ActionType = "EXPIRED"
)

// Actors recorded on automated transitions.
const (
	ActorLifecycle = "system:lifecycle-service"
	ActorSweeper   = "system:sweeper"
)

// ActionEntry is one immutable line of the action history.
type ActionEntry struct {
	ActionType  ActionType `json:"actionType"`
	Description string     `json:"description"`
	PerformedBy string     `json:"performedBy"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Limits are the operating limits granted on approval.
type Limits struct {
	DailyWithdrawalLimit   decimal.Decimal `json:"dailyWithdrawalLimit"`
	DailyTransferLimit     decimal.Decimal `json:"dailyTransferLimit"`
	MonthlyOperationsLimit decimal.Decimal `json:"monthlyOperationsLimit"`
}

// Demande is an onboarding request together with its risk assessment and audit trail.
type Demande struct {
	ID       uuid.UUID `json:"id"`
	EventID  string    `json:"eventId"`
	IDClient string    `json:"idClient"`
	IDAgence string    `json:"idAgence"`
	Cni      string    `json:"cni"`
	Email    string    `json:"email"`
	Nom      string    `json:"nom"`
	Prenom   string    `json:"prenom"`
	Numero   string    `json:"numero"`
	RectoCni string    `json:"rectoCni"`
	VersoCni string    `json:"versoCni"`

	DocumentQuality *float64 `json:"documentQuality,omitempty"`
	SourceService   string   `json:"sourceService,omitempty"`

	Status          DemandeStatus `json:"status"`
	RiskScore       int           `json:"riskScore"`
	RiskLevel       RiskLevel     `json:"riskLevel,omitempty"`
	FraudFlags      []string      `json:"fraudFlags"`
	RejectionReason *string       `json:"rejectionReason,omitempty"`

	Limits *Limits `json:"limits,omitempty"`

	RequiresManualReview bool    `json:"requiresManualReview"`
	AssignedReviewer     *string `json:"assignedReviewer,omitempty"`
	ReviewerNotes        *string `json:"reviewerNotes,omitempty"`

	ActionHistory []ActionEntry `json:"actionHistory"`

	CreatedAt  time.Time  `json:"createdAt"`
	AnalyzedAt *time.Time `json:"analyzedAt,omitempty"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`
	ExpiresAt  time.Time  `json:"expiresAt"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (d *Demande) Clone() *Demande {
	if d == nil {
		return nil
	}
	out := *d
	out.FraudFlags = append([]string(nil), d.FraudFlags...)
	out.ActionHistory = append([]ActionEntry(nil), d.ActionHistory...)
	if d.Limits != nil {
		limits := *d.Limits
		out.Limits = &limits
	}
	out.RejectionReason = cloneString(d.RejectionReason)
	out.AssignedReviewer = cloneString(d.AssignedReviewer)
	out.ReviewerNotes = cloneString(d.ReviewerNotes)
	if d.DocumentQuality != nil {
		q := *d.DocumentQuality
		out.DocumentQuality = &q
	}
	out.AnalyzedAt = cloneTime(d.AnalyzedAt)
	out.ApprovedAt = cloneTime(d.ApprovedAt)
	return &out
}

// HasFlag reports whether the given fraud flag is present.
func (d *Demande) HasFlag(flag string) bool {
	for _, f := range d.FraudFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// LastAction returns the most recent history entry, if any.
func (d *Demande) LastAction() (ActionEntry, bool) {
	if len(d.ActionHistory) == 0 {
		return ActionEntry{}, false
	}
	return d.ActionHistory[len(d.ActionHistory)-1], true
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// StringPtr is a small helper for optional string fields.
func StringPtr(s string) *string {
	return &s
}

// TimePtr is a small helper for optional timestamps.
func TimePtr(t time.Time) *time.Time {
	return &t
}
