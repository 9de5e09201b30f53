package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transfa/lifecycle-service/internal/domain"
)

func newTestDemande(eventID, cni, email string) *domain.Demande {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &domain.Demande{
		ID:        uuid.New(),
		EventID:   eventID,
		IDClient:  "client-" + cni,
		IDAgence:  "AG-01",
		Cni:       cni,
		Email:     email,
		Status:    domain.DemandeReceived,
		CreatedAt: now,
		ExpiresAt: now.Add(72 * time.Hour),
	}
}

func TestMemoryRepository_CreateDemandeEnforcesUniqueness(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	_, err := repo.CreateDemande(ctx, newTestDemande("evt-1", "123456789", "a@example.cm"))
	require.NoError(t, err)

	_, err = repo.CreateDemande(ctx, newTestDemande("evt-1", "999999999", "b@example.cm"))
	assert.ErrorIs(t, err, ErrEventAlreadyRecorded)

	_, err = repo.CreateDemande(ctx, newTestDemande("evt-2", "123456789", "c@example.cm"))
	assert.ErrorIs(t, err, ErrIdentityInFlight)

	_, err = repo.CreateDemande(ctx, newTestDemande("evt-3", "888888888", "A@EXAMPLE.CM"))
	assert.ErrorIs(t, err, ErrIdentityInFlight)
}

func TestMemoryRepository_RejectedDemandeDoesNotBlockResubmission(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	first := newTestDemande("evt-1", "123456789", "a@example.cm")
	first.Status = domain.DemandeRejected
	_, err := repo.CreateDemande(ctx, first)
	require.NoError(t, err)

	_, err = repo.CreateDemande(ctx, newTestDemande("evt-2", "123456789", "a@example.cm"))
	assert.NoError(t, err)
}

func TestMemoryRepository_TransitionDemandeIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	d, err := repo.CreateDemande(ctx, newTestDemande("evt-1", "123456789", "a@example.cm"))
	require.NoError(t, err)

	transition := DemandeTransition{
		From:   domain.DemandeReceived,
		To:     domain.DemandeExpired,
		Action: domain.ActionEntry{ActionType: domain.ActionExpired, PerformedBy: domain.ActorSweeper},
		Events: []OutboundMessage{{Exchange: "wallet.events", RoutingKey: "demande.expired", Payload: map[string]string{"id": d.ID.String()}}},
	}

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = repo.TransitionDemande(ctx, d.ID, transition)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrStaleState)
	}
	assert.Equal(t, 1, wins)

	stored, err := repo.FindDemandeByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DemandeExpired, stored.Status)
	assert.Len(t, stored.ActionHistory, 1)
	assert.Len(t, repo.OutboxMessages(), 1)
}

func TestMemoryRepository_TransactionUniqueness(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	ref := "GW-1"
	tx := &domain.Transaction{ID: uuid.New(), ExternalID: "ext-1", GatewayReference: &ref, Status: domain.TransactionPending, Amount: decimal.NewFromInt(10)}
	_, err := repo.CreateTransaction(ctx, tx, nil)
	require.NoError(t, err)

	_, err = repo.CreateTransaction(ctx, &domain.Transaction{ID: uuid.New(), ExternalID: "ext-1"}, nil)
	assert.ErrorIs(t, err, ErrDuplicateExternalID)

	_, err = repo.CreateTransaction(ctx, &domain.Transaction{ID: uuid.New(), ExternalID: "ext-2", GatewayReference: &ref}, nil)
	assert.ErrorIs(t, err, ErrDuplicateGatewayReference)

	found, err := repo.FindTransactionByGatewayReference(ctx, "GW-1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, found.ID)
}

func TestMemoryRepository_AttachGatewayReferenceOnlyOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	tx := &domain.Transaction{ID: uuid.New(), ExternalID: "ext-1", Status: domain.TransactionPending}
	_, err := repo.CreateTransaction(ctx, tx, nil)
	require.NoError(t, err)

	updated, err := repo.AttachGatewayReference(ctx, tx.ID, "GW-9", time.Now())
	require.NoError(t, err)
	require.NotNil(t, updated.GatewayReference)
	assert.Equal(t, "GW-9", *updated.GatewayReference)

	_, err = repo.AttachGatewayReference(ctx, tx.ID, "GW-10", time.Now())
	assert.ErrorIs(t, err, ErrStaleState)
}

func TestMemoryRepository_OutboxClaimAndRetry(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return now })

	tx := &domain.Transaction{ID: uuid.New(), ExternalID: "ext-1", Status: domain.TransactionPending}
	_, err := repo.CreateTransaction(ctx, tx, nil)
	require.NoError(t, err)
	_, err = repo.TransitionTransaction(ctx, tx.ID, TransactionTransition{
		From:   domain.TransactionPending,
		To:     domain.TransactionSuccess,
		At:     now,
		Events: []OutboundMessage{{Exchange: "wallet.events", RoutingKey: "transaction.notification", Payload: map[string]string{"status": "SUCCESS"}}},
	})
	require.NoError(t, err)

	claimed, err := repo.ClaimOutboxMessages(ctx, 10, 60)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.JSONEq(t, `{"status":"SUCCESS"}`, string(claimed[0].Payload))

	again, err := repo.ClaimOutboxMessages(ctx, 10, 60)
	require.NoError(t, err)
	assert.Empty(t, again, "processing rows are not reclaimed before they go stale")

	require.NoError(t, repo.MarkOutboxFailed(ctx, claimed[0].ID, 5, "broker down"))
	now = now.Add(6 * time.Second)
	retried, err := repo.ClaimOutboxMessages(ctx, 10, 60)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, 2, retried[0].Attempts)

	require.NoError(t, repo.MarkOutboxPublished(ctx, retried[0].ID))
	status, _ := repo.OutboxStatus(retried[0].ID)
	assert.Equal(t, "published", status)
}

func TestMemoryRepository_LimitUsageCountsPendingAndSuccess(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	add := func(ext string, typ domain.TransactionType, status domain.TransactionStatus, amount int64) {
		_, err := repo.CreateTransaction(ctx, &domain.Transaction{
			ID: uuid.New(), ExternalID: ext, ClientID: "c1", Type: typ, Status: status,
			Amount: decimal.NewFromInt(amount), CreatedAt: since.Add(time.Hour),
		}, nil)
		require.NoError(t, err)
	}
	add("e1", domain.TransactionWithdrawal, domain.TransactionSuccess, 100)
	add("e2", domain.TransactionWithdrawal, domain.TransactionPending, 50)
	add("e3", domain.TransactionWithdrawal, domain.TransactionFailed, 1000)
	add("e4", domain.TransactionDeposit, domain.TransactionSuccess, 7)

	var seen LimitUsage
	check := &LimitCheck{
		AmountTypes:     []domain.TransactionType{domain.TransactionWithdrawal},
		AmountSince:     since,
		OperationsSince: since,
		Allow: func(usage LimitUsage) error {
			seen = usage
			return nil
		},
	}
	_, err := repo.CreateTransaction(ctx, &domain.Transaction{
		ID: uuid.New(), ExternalID: "e5", ClientID: "c1", Type: domain.TransactionWithdrawal,
		Status: domain.TransactionPending, Amount: decimal.NewFromInt(1), CreatedAt: since.Add(2 * time.Hour),
	}, check)
	require.NoError(t, err)
	assert.True(t, seen.Amount.Equal(decimal.NewFromInt(150)), seen.Amount.String())
	assert.Equal(t, 3, seen.Operations)
}

func TestMemoryRepository_LimitCheckRejectionCreatesNothing(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	refused := errors.New("over limit")
	check := &LimitCheck{Allow: func(LimitUsage) error { return refused }}

	_, err := repo.CreateTransaction(ctx, &domain.Transaction{ID: uuid.New(), ExternalID: "e1", ClientID: "c1"}, check)
	assert.ErrorIs(t, err, refused)

	_, err = repo.FindTransactionByExternalID(ctx, "e1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepository_ReplayedExternalIDSkipsLimitCheck(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	_, err := repo.CreateTransaction(ctx, &domain.Transaction{ID: uuid.New(), ExternalID: "e1", ClientID: "c1"}, nil)
	require.NoError(t, err)

	called := false
	check := &LimitCheck{Allow: func(LimitUsage) error {
		called = true
		return errors.New("over limit")
	}}
	_, err = repo.CreateTransaction(ctx, &domain.Transaction{ID: uuid.New(), ExternalID: "e1", ClientID: "c1"}, check)
	assert.ErrorIs(t, err, ErrDuplicateExternalID)
	assert.False(t, called)
}

func TestMemoryRepository_ListExpiredPagesByCursor(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	deadline := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	ids := []uuid.UUID{
		uuid.MustParse("00000000-0000-0000-0000-000000000003"),
		uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		uuid.MustParse("00000000-0000-0000-0000-000000000002"),
	}
	for i, id := range ids {
		_, err := repo.CreateTransaction(ctx, &domain.Transaction{
			ID: id, ExternalID: id.String(), Status: domain.TransactionPending, ExpiredAt: deadline,
		}, nil)
		require.NoError(t, err, "transaction %d", i)
	}
	later := uuid.MustParse("00000000-0000-0000-0000-000000000000")
	_, err := repo.CreateTransaction(ctx, &domain.Transaction{
		ID: later, ExternalID: "later", Status: domain.TransactionPending, ExpiredAt: deadline.Add(time.Minute),
	}, nil)
	require.NoError(t, err)

	now := deadline.Add(time.Hour)
	first, err := repo.ListExpiredTransactions(ctx, now, ExpiryCursor{}, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, ids[1], first[0].ID)
	assert.Equal(t, ids[2], first[1].ID)

	second, err := repo.ListExpiredTransactions(ctx, now, ExpiryCursor{Deadline: first[1].ExpiredAt, ID: first[1].ID}, 2)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, ids[0], second[0].ID)
	assert.Equal(t, later, second[1].ID, "later deadline sorts last despite the smallest id")

	rest, err := repo.ListExpiredTransactions(ctx, now, ExpiryCursor{Deadline: second[1].ExpiredAt, ID: second[1].ID}, 2)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestTruncateUTF8KeepsRunesWhole(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{name: "short", in: "échec", max: 10, want: "échec"},
		{name: "ascii cut", in: "broker down", max: 6, want: "broker"},
		{name: "inside two-byte rune", in: "aé", max: 2, want: "a"},
		{name: "inside three-byte rune", in: "x€y", max: 3, want: "x"},
		{name: "on rune boundary", in: "x€y", max: 4, want: "x€"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateUTF8(tt.in, tt.max)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}
