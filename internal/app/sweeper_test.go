package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/transfa/lifecycle-service/internal/bus"
	"github.com/transfa/lifecycle-service/internal/domain"
	"github.com/transfa/lifecycle-service/internal/risk"
	"github.com/transfa/lifecycle-service/internal/store"
)

func TestSweeper_ExpiresOverdueRecords(t *testing.T) {
	demandes, repo, clock := newDemandeFixture(t, fixedScoreRule{points: 70})
	transactions := NewTransactionService(repo, nil, TransactionServiceConfig{TTL: 15 * time.Minute}, nil, zap.NewNop())
	transactions.SetClock(clock.Now)
	ctx := context.Background()

	received, err := demandes.Receive(ctx, registration("evt-1", "111111111", "a@example.com"))
	require.NoError(t, err)
	review, err := demandes.Receive(ctx, registration("evt-2", "222222222", "b@example.com"))
	require.NoError(t, err)
	review, err = demandes.Analyze(ctx, review.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DemandeManualReview, review.Status)

	tx, _, err := transactions.Initiate(ctx, withdrawal("ext-1", 1000))
	require.NoError(t, err)

	sweeper := NewSweeper(repo, demandes, transactions, 1, zap.NewNop())
	sweeper.SetClock(clock.Now)

	report := sweeper.RunOnce(ctx)
	assert.Equal(t, MachineReport{}, report.Demandes)
	assert.Equal(t, MachineReport{}, report.Transactions)

	clock.Advance(73 * time.Hour)
	report = sweeper.RunOnce(ctx)
	assert.Equal(t, 2, report.Demandes.Expired)
	assert.Equal(t, 0, report.Demandes.Failed)
	assert.Equal(t, 1, report.Transactions.Expired)

	expired, err := demandes.Get(ctx, received.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DemandeExpired, expired.Status)
	require.Len(t, expired.ActionHistory, 1)
	assert.Equal(t, domain.ActionExpired, expired.ActionHistory[0].ActionType)
	assert.Equal(t, domain.ActorSweeper, expired.ActionHistory[0].PerformedBy)

	reviewed, err := demandes.Get(ctx, review.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DemandeExpired, reviewed.Status)
	assert.Len(t, reviewed.ActionHistory, len(review.ActionHistory)+1)

	gone, err := transactions.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionExpired, gone.Status)

	var expiredEvents int
	for _, m := range repo.OutboxMessages() {
		if m.RoutingKey != bus.RoutingDemandeExpired {
			continue
		}
		expiredEvents++
		var ev domain.DemandeExpiredEvent
		require.NoError(t, json.Unmarshal(m.Payload, &ev))
		assert.NotEmpty(t, ev.PreviousStatus)
	}
	assert.Equal(t, 2, expiredEvents)

	report = sweeper.RunOnce(ctx)
	assert.Zero(t, report.Demandes.Scanned)
	assert.Zero(t, report.Transactions.Scanned)
}

type flakyDemandeExpirer struct {
	inner  *DemandeService
	failID uuid.UUID
}

func (f flakyDemandeExpirer) Expire(ctx context.Context, id uuid.UUID) (*domain.Demande, bool, error) {
	if id == f.failID {
		return nil, false, errors.New("database unavailable")
	}
	return f.inner.Expire(ctx, id)
}

func TestSweeper_FailureDoesNotStopPass(t *testing.T) {
	demandes, repo, clock := newDemandeFixture(t, fixedScoreRule{points: 10})
	transactions := NewTransactionService(repo, nil, TransactionServiceConfig{}, nil, zap.NewNop())
	ctx := context.Background()

	first, err := demandes.Receive(ctx, registration("evt-1", "111111111", "a@example.com"))
	require.NoError(t, err)
	second, err := demandes.Receive(ctx, registration("evt-2", "222222222", "b@example.com"))
	require.NoError(t, err)

	clock.Advance(73 * time.Hour)
	sweeper := NewSweeper(repo, flakyDemandeExpirer{inner: demandes, failID: first.ID}, transactions, 10, zap.NewNop())
	sweeper.SetClock(clock.Now)

	report := sweeper.RunOnce(ctx)
	assert.Equal(t, 2, report.Demandes.Scanned)
	assert.Equal(t, 1, report.Demandes.Failed)
	assert.Equal(t, 1, report.Demandes.Expired)

	untouched, err := demandes.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DemandeReceived, untouched.Status)

	expired, err := demandes.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DemandeExpired, expired.Status)
}

func TestSweeper_FailingHeadDoesNotHideLaterRecords(t *testing.T) {
	demandes, repo, clock := newDemandeFixture(t, fixedScoreRule{points: 10})
	transactions := NewTransactionService(repo, nil, TransactionServiceConfig{}, nil, zap.NewNop())
	ctx := context.Background()

	head, err := demandes.Receive(ctx, registration("evt-1", "111111111", "a@example.com"))
	require.NoError(t, err)
	clock.Advance(time.Minute)
	behind, err := demandes.Receive(ctx, registration("evt-2", "222222222", "b@example.com"))
	require.NoError(t, err)

	clock.Advance(73 * time.Hour)
	sweeper := NewSweeper(repo, flakyDemandeExpirer{inner: demandes, failID: head.ID}, transactions, 1, zap.NewNop())
	sweeper.SetClock(clock.Now)

	for pass := 0; pass < 2; pass++ {
		report := sweeper.RunOnce(ctx)
		assert.Equal(t, MachineReport{Scanned: 2 - pass, Expired: 1 - pass, Failed: 1}, report.Demandes, "pass %d", pass+1)
	}

	expired, err := demandes.Get(ctx, behind.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DemandeExpired, expired.Status)

	stuck, err := demandes.Get(ctx, head.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DemandeReceived, stuck.Status)
}

func TestSweeper_CountsEachRecordOncePerPass(t *testing.T) {
	demandes, repo, clock := newDemandeFixture(t, fixedScoreRule{points: 10})
	transactions := NewTransactionService(repo, nil, TransactionServiceConfig{}, nil, zap.NewNop())
	ctx := context.Background()

	var failing uuid.UUID
	for i, cni := range []string{"111111111", "222222222", "333333333"} {
		d, err := demandes.Receive(ctx, registration(fmt.Sprintf("evt-%d", i), cni, cni+"@example.com"))
		require.NoError(t, err)
		if i == 1 {
			failing = d.ID
		}
		clock.Advance(time.Second)
	}

	clock.Advance(73 * time.Hour)
	sweeper := NewSweeper(repo, flakyDemandeExpirer{inner: demandes, failID: failing}, transactions, 2, zap.NewNop())
	sweeper.SetClock(clock.Now)

	report := sweeper.RunOnce(ctx)
	assert.Equal(t, MachineReport{Scanned: 3, Expired: 2, Failed: 1}, report.Demandes)
	assert.Equal(t, MachineReport{}, report.Transactions)
}

type recordingLister struct {
	ExpiredLister
	cursors []store.ExpiryCursor
}

func (l *recordingLister) ListExpiredTransactions(ctx context.Context, now time.Time, after store.ExpiryCursor, limit int) ([]domain.Transaction, error) {
	l.cursors = append(l.cursors, after)
	return l.ExpiredLister.ListExpiredTransactions(ctx, now, after, limit)
}

func TestSweeper_TransactionsAdvanceCursor(t *testing.T) {
	repo := store.NewMemoryRepository()
	clock := newTestClock()
	transactions := NewTransactionService(repo, nil, TransactionServiceConfig{TTL: time.Minute}, nil, zap.NewNop())
	transactions.SetClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := transactions.Initiate(ctx, withdrawal(fmt.Sprintf("ext-%d", i), 100))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	clock.Advance(time.Hour)

	lister := &recordingLister{ExpiredLister: repo}
	demandes := NewDemandeService(repo, risk.NewEngine(), DemandeServiceConfig{}, nil, zap.NewNop())
	sweeper := NewSweeper(lister, demandes, transactions, 2, zap.NewNop())
	sweeper.SetClock(clock.Now)

	report := sweeper.RunOnce(ctx)
	assert.Equal(t, MachineReport{Scanned: 3, Expired: 3}, report.Transactions)
	require.Len(t, lister.cursors, 2)
	assert.Equal(t, store.ExpiryCursor{}, lister.cursors[0])
	assert.NotEqual(t, uuid.Nil, lister.cursors[1].ID)
}
