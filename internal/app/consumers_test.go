package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/transfa/lifecycle-service/internal/domain"
	"github.com/transfa/lifecycle-service/internal/store"
)

type memoryGuard struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMemoryGuard() *memoryGuard {
	return &memoryGuard{keys: map[string]bool{}}
}

func (g *memoryGuard) Seen(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.keys[key], nil
}

func (g *memoryGuard) Mark(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keys[key] = true
	return nil
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDemandeConsumer_ProcessesRegistration(t *testing.T) {
	svc, repo, _ := newDemandeFixture(t, fixedScoreRule{points: 10})
	guard := newMemoryGuard()
	consumer := NewDemandeConsumer(svc, guard, zap.NewNop())

	ack := consumer.HandleMessage(mustJSON(t, registration("evt-1", "123456789", "alice@example.com")))
	assert.True(t, ack)
	assert.True(t, guard.keys["demande:evt-1"])

	d, err := repo.FindDemandeByEventID(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DemandeApproved, d.Status)

	// Redelivery is absorbed by the guard.
	assert.True(t, consumer.HandleMessage(mustJSON(t, registration("evt-1", "123456789", "alice@example.com"))))
	assert.Len(t, repo.OutboxMessages(), 2)
}

func TestDemandeConsumer_BusinessRejectionIsAcked(t *testing.T) {
	svc, repo, _ := newDemandeFixture(t, fixedScoreRule{points: 10})
	consumer := NewDemandeConsumer(svc, nil, zap.NewNop())

	require.True(t, consumer.HandleMessage(mustJSON(t, registration("evt-1", "123456789", "alice@example.com"))))
	assert.True(t, consumer.HandleMessage(mustJSON(t, registration("evt-2", "123456789", "bob@example.com"))))

	_, err := repo.FindDemandeByEventID(context.Background(), "evt-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDemandeConsumer_MalformedBodyIsDropped(t *testing.T) {
	svc, _, _ := newDemandeFixture(t)
	consumer := NewDemandeConsumer(svc, nil, zap.NewNop())

	assert.True(t, consumer.HandleMessage([]byte("{not json")))
}

type brokenTransactionStore struct {
	*store.MemoryRepository
	calls int
}

func (b *brokenTransactionStore) FindTransactionByExternalID(context.Context, string) (*domain.Transaction, error) {
	b.calls++
	return nil, errors.New("connection reset")
}

func TestTransactionConsumer_TechnicalFailureIsRequeued(t *testing.T) {
	repo := &brokenTransactionStore{MemoryRepository: store.NewMemoryRepository()}
	svc := NewTransactionService(repo, nil, TransactionServiceConfig{}, nil, zap.NewNop())
	guard := newMemoryGuard()
	consumer := NewTransactionConsumer(svc, guard, zap.NewNop())
	consumer.retry.backoff = time.Millisecond

	ack := consumer.HandleTransaction(mustJSON(t, domain.TransactionRequestEvent{
		EventID:      "evt-tx-1",
		Type:         "DEPOT",
		Montant:      decimal.NewFromInt(1000),
		NumeroClient: "client-1",
		NumeroCompte: "ACC-1",
	}))
	assert.False(t, ack)
	assert.Equal(t, defaultRetries, repo.calls)
	assert.False(t, guard.keys["transaction:evt-tx-1"])
}

func TestTransactionConsumer_InvalidAmountIsAcked(t *testing.T) {
	svc, repo, _ := newTransactionFixture(t, nil)
	consumer := NewTransactionConsumer(svc, nil, zap.NewNop())

	ack := consumer.HandleWithdrawal(mustJSON(t, domain.TransactionRequestEvent{
		EventID:      "evt-tx-1",
		Montant:      decimal.Zero,
		NumeroClient: "client-1",
		NumeroCompte: "ACC-1",
	}))
	assert.True(t, ack)
	_, err := repo.FindTransactionByExternalID(context.Background(), "evt-tx-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTransactionConsumer_WithdrawalDefaultsType(t *testing.T) {
	svc, repo, _ := newTransactionFixture(t, nil)
	consumer := NewTransactionConsumer(svc, nil, zap.NewNop())

	require.True(t, consumer.HandleWithdrawal(mustJSON(t, domain.TransactionRequestEvent{
		EventID:      "evt-tx-1",
		Montant:      decimal.NewFromInt(500),
		NumeroClient: "client-1",
		NumeroCompte: "ACC-1",
	})))

	tx, err := repo.FindTransactionByExternalID(context.Background(), "evt-tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionWithdrawal, tx.Type)
	assert.Equal(t, domain.TransactionPending, tx.Status)
}

func TestTransactionConsumer_CardRechargeMapsRequest(t *testing.T) {
	svc, repo, _ := newTransactionFixture(t, nil)
	consumer := NewTransactionConsumer(svc, nil, zap.NewNop())

	require.True(t, consumer.HandleCardRecharge(mustJSON(t, domain.CardRechargeRequest{
		IDCarte:           "CARD-7",
		Montant:           decimal.NewFromInt(10000),
		NumeroOrangeMoney: "+237690000002",
		Provider:          "ORANGE_MONEY",
		CallbackURL:       "http://card-service/cb",
		ClientID:          "client-7",
		RequestID:         "req-7",
	})))

	tx, err := repo.FindTransactionByExternalID(context.Background(), "req-7")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionCardRecharge, tx.Type)
	require.NotNil(t, tx.CardID)
	assert.Equal(t, "CARD-7", *tx.CardID)
	require.NotNil(t, tx.CallbackURL)
	assert.Equal(t, "http://card-service/cb", *tx.CallbackURL)
	assert.Equal(t, "card-service", tx.SourceService)
}
