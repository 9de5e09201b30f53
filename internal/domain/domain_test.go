package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBandForScore_PartitionsRange(t *testing.T) {
	for score := -5; score <= 105; score++ {
		level := BandForScore(score)
		switch {
		case score < 0 || score > 100:
			assert.Equal(t, RiskCritical, level, "score %d", score)
		case score <= 30:
			assert.Equal(t, RiskLow, level, "score %d", score)
		case score <= 60:
			assert.Equal(t, RiskMedium, level, "score %d", score)
		case score <= 80:
			assert.Equal(t, RiskHigh, level, "score %d", score)
		default:
			assert.Equal(t, RiskCritical, level, "score %d", score)
		}
	}
}

func TestBandForScore_Boundaries(t *testing.T) {
	tests := []struct {
		score int
		want  RiskLevel
	}{
		{0, RiskLow},
		{30, RiskLow},
		{31, RiskMedium},
		{60, RiskMedium},
		{61, RiskHigh},
		{80, RiskHigh},
		{81, RiskCritical},
		{100, RiskCritical},
		{101, RiskCritical},
		{-1, RiskCritical},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("score_%d", tt.score), func(t *testing.T) {
			assert.Equal(t, tt.want, BandForScore(tt.score))
		})
	}
}

func TestDemandeStatus_TerminalStatusesHaveNoOutgoingEdges(t *testing.T) {
	all := []DemandeStatus{DemandeReceived, DemandeAnalyzing, DemandeManualReview, DemandeApproved, DemandeRejected, DemandeExpired}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, from.CanTransitionTo(to), "%s -> %s must be rejected", from, to)
		}
	}
	assert.True(t, DemandeReceived.CanTransitionTo(DemandeAnalyzing))
	assert.False(t, DemandeReceived.CanTransitionTo(DemandeApproved))
	assert.True(t, DemandeManualReview.CanTransitionTo(DemandeRejected))
}

func TestTransactionStatus_IsFinal(t *testing.T) {
	assert.False(t, TransactionPending.IsFinal())
	for _, s := range []TransactionStatus{TransactionSuccess, TransactionFailed, TransactionCancelled, TransactionExpired, TransactionInsufficientFunds} {
		assert.True(t, s.IsFinal(), string(s))
	}
}

func TestNormalizeGatewayOutcome(t *testing.T) {
	tests := map[string]GatewayOutcome{
		"SUCCESSFUL":         OutcomeSuccess,
		"completed":          OutcomeSuccess,
		"Failed":             OutcomeFailed,
		"insufficient_funds": OutcomeInsufficientFunds,
		"processing":         OutcomePending,
	}
	for raw, want := range tests {
		got, ok := NormalizeGatewayOutcome(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := NormalizeGatewayOutcome("mystery")
	assert.False(t, ok)

	_, final := OutcomePending.TerminalStatus()
	assert.False(t, final)
}

func TestParseTransactionType_AcceptsAliases(t *testing.T) {
	got, ok := ParseTransactionType(" retrait ")
	require.True(t, ok)
	assert.Equal(t, TransactionWithdrawal, got)

	_, ok = ParseTransactionType("LOAN")
	assert.False(t, ok)
}

func TestClassify(t *testing.T) {
	verr := (&ValidationError{}).Add("email", "required")
	tests := []struct {
		err      error
		category ErrorCategory
		code     string
	}{
		{verr, CategoryValidation, "VALIDATION_FAILED"},
		{fmt.Errorf("wrap: %w", ErrInvalidAmount), CategoryValidation, "INVALID_AMOUNT"},
		{ErrDuplicateRequest, CategoryBusiness, "DUPLICATE_REQUEST"},
		{fmt.Errorf("demande x: %w", ErrInvalidStateTransition), CategoryBusiness, "INVALID_STATE_TRANSITION"},
		{ErrUnknownReference, CategoryNotFound, "UNKNOWN_REFERENCE"},
		{ErrFraudBlocked, CategorySecurity, "FRAUD_BLOCKED"},
		{errors.New("connection reset"), CategoryTechnical, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		c := Classify(tt.err)
		assert.Equal(t, tt.category, c.Category, tt.err.Error())
		assert.Equal(t, tt.code, c.Code, tt.err.Error())
	}
	assert.True(t, IsBusinessOutcome(ErrDuplicateRequest))
	assert.False(t, IsBusinessOutcome(errors.New("boom")))
}

func TestValidationError_OrNil(t *testing.T) {
	v := &ValidationError{}
	assert.NoError(t, v.OrNil())
	v.Add("cni", "required")
	require.Error(t, v.OrNil())
	assert.Contains(t, v.Error(), "cni: required")
}

func TestDemandeClone_DoesNotAlias(t *testing.T) {
	d := &Demande{FraudFlags: []string{"A"}, AssignedReviewer: StringPtr("r1")}
	c := d.Clone()
	c.FraudFlags[0] = "B"
	*c.AssignedReviewer = "r2"
	assert.Equal(t, "A", d.FraudFlags[0])
	assert.Equal(t, "r1", *d.AssignedReviewer)
}
