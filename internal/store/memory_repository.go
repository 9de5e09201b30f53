package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/transfa/lifecycle-service/internal/domain"
)

type memoryOutboxRow struct {
	msg               OutboxMessage
	status            string
	nextAttemptAt     time.Time
	processingStarted time.Time
	lastError         string
	createdAt         time.Time
}

// MemoryRepository is an in-process Repository with the same uniqueness and
// compare-and-set guarantees as the PostgreSQL implementation. It backs
// STORE_DRIVER=memory and the package tests.
type MemoryRepository struct {
	mu           sync.Mutex
	demandes     map[uuid.UUID]*domain.Demande
	transactions map[uuid.UUID]*domain.Transaction
	outbox       []*memoryOutboxRow
	nextOutboxID int64
	now          func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		demandes:     map[uuid.UUID]*domain.Demande{},
		transactions: map[uuid.UUID]*domain.Transaction{},
		now:          time.Now,
	}
}

func (m *MemoryRepository) Ping(context.Context) error { return nil }

func isInFlight(s domain.DemandeStatus) bool {
	for _, st := range domain.InFlightDemandeStatuses {
		if st == s {
			return true
		}
	}
	return false
}

func (m *MemoryRepository) CreateDemande(_ context.Context, d *domain.Demande) (*domain.Demande, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.demandes {
		if existing.EventID == d.EventID {
			return nil, ErrEventAlreadyRecorded
		}
		if isInFlight(existing.Status) && isInFlight(d.Status) &&
			(existing.Cni == d.Cni || strings.EqualFold(existing.Email, d.Email)) {
			return nil, ErrIdentityInFlight
		}
	}
	stored := d.Clone()
	if stored.ActionHistory == nil {
		stored.ActionHistory = []domain.ActionEntry{}
	}
	if stored.FraudFlags == nil {
		stored.FraudFlags = []string{}
	}
	m.demandes[stored.ID] = stored
	return stored.Clone(), nil
}

func (m *MemoryRepository) FindDemandeByID(_ context.Context, id uuid.UUID) (*domain.Demande, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.demandes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryRepository) findDemandeWhere(match func(d *domain.Demande) bool) (*domain.Demande, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.demandes {
		if match(d) {
			return d.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepository) FindDemandeByEventID(_ context.Context, eventID string) (*domain.Demande, error) {
	eventID = strings.TrimSpace(eventID)
	return m.findDemandeWhere(func(d *domain.Demande) bool { return d.EventID == eventID })
}

func (m *MemoryRepository) FindInFlightByCni(_ context.Context, cni string) (*domain.Demande, error) {
	cni = strings.TrimSpace(cni)
	return m.findDemandeWhere(func(d *domain.Demande) bool { return d.Cni == cni && isInFlight(d.Status) })
}

func (m *MemoryRepository) FindInFlightByEmail(_ context.Context, email string) (*domain.Demande, error) {
	email = strings.TrimSpace(email)
	return m.findDemandeWhere(func(d *domain.Demande) bool { return strings.EqualFold(d.Email, email) && isInFlight(d.Status) })
}

func (m *MemoryRepository) FindApprovedDemandeByClient(_ context.Context, clientID string) (*domain.Demande, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *domain.Demande
	for _, d := range m.demandes {
		if d.IDClient != clientID || d.Status != domain.DemandeApproved {
			continue
		}
		if best == nil || (d.ApprovedAt != nil && best.ApprovedAt != nil && d.ApprovedAt.After(*best.ApprovedAt)) {
			best = d
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best.Clone(), nil
}

func (m *MemoryRepository) countDemandes(match func(d *domain.Demande) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.demandes {
		if match(d) {
			n++
		}
	}
	return n
}

func (m *MemoryRepository) CountRecentDemandesByEmail(_ context.Context, email string, since time.Time, excludeID uuid.UUID) (int, error) {
	return m.countDemandes(func(d *domain.Demande) bool {
		return d.ID != excludeID && strings.EqualFold(d.Email, email) && !d.CreatedAt.Before(since)
	}), nil
}

func (m *MemoryRepository) CountRecentDemandesByAgency(_ context.Context, agencyID string, since time.Time, excludeID uuid.UUID) (int, error) {
	return m.countDemandes(func(d *domain.Demande) bool {
		return d.ID != excludeID && d.IDAgence == agencyID && !d.CreatedAt.Before(since)
	}), nil
}

func (m *MemoryRepository) TransitionDemande(_ context.Context, id uuid.UUID, t DemandeTransition) (*domain.Demande, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.demandes[id]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Status != t.From {
		return nil, ErrStaleState
	}

	next := current.Clone()
	next.Status = t.To
	if t.Apply != nil {
		t.Apply(next)
	}
	next.ActionHistory = append(next.ActionHistory, t.Action)

	pending := make([]*memoryOutboxRow, 0, len(t.Events))
	for _, ev := range t.Events {
		row, err := m.newOutboxRow(ev)
		if err != nil {
			return nil, err
		}
		pending = append(pending, row)
	}

	m.demandes[id] = next
	m.outbox = append(m.outbox, pending...)
	return next.Clone(), nil
}

func (m *MemoryRepository) ListExpiredDemandes(_ context.Context, now time.Time, after ExpiryCursor, limit int) ([]domain.Demande, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Demande, 0)
	for _, d := range m.demandes {
		if d.Status.IsTerminal() || !d.ExpiresAt.Before(now) || !after.After(d.ExpiresAt, d.ID) {
			continue
		}
		out = append(out, *d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return expiryLess(out[i].ExpiresAt, out[i].ID, out[j].ExpiresAt, out[j].ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// expiryLess orders by deadline, then id, matching the keyset used by ExpiryCursor.
func expiryLess(ad time.Time, aid uuid.UUID, bd time.Time, bid uuid.UUID) bool {
	return ExpiryCursor{Deadline: ad, ID: aid}.After(bd, bid)
}

func (m *MemoryRepository) CreateTransaction(_ context.Context, t *domain.Transaction, check *LimitCheck) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.transactions {
		if existing.ExternalID == t.ExternalID {
			return nil, ErrDuplicateExternalID
		}
		if t.GatewayReference != nil && existing.GatewayReference != nil && *existing.GatewayReference == *t.GatewayReference {
			return nil, ErrDuplicateGatewayReference
		}
	}
	if check != nil && check.Allow != nil {
		usage := LimitUsage{
			Amount:     m.sumClientAmounts(t.ClientID, check.AmountTypes, check.AmountSince),
			Operations: m.countClientOperations(t.ClientID, check.OperationsSince),
		}
		if err := check.Allow(usage); err != nil {
			return nil, err
		}
	}
	stored := t.Clone()
	m.transactions[stored.ID] = stored
	return stored.Clone(), nil
}

func (m *MemoryRepository) FindTransactionByID(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryRepository) findTransactionWhere(match func(t *domain.Transaction) bool) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transactions {
		if match(t) {
			return t.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepository) FindTransactionByExternalID(_ context.Context, externalID string) (*domain.Transaction, error) {
	externalID = strings.TrimSpace(externalID)
	return m.findTransactionWhere(func(t *domain.Transaction) bool { return t.ExternalID == externalID })
}

func (m *MemoryRepository) FindTransactionByGatewayReference(_ context.Context, reference string) (*domain.Transaction, error) {
	reference = strings.TrimSpace(reference)
	return m.findTransactionWhere(func(t *domain.Transaction) bool {
		return t.GatewayReference != nil && *t.GatewayReference == reference
	})
}

func (m *MemoryRepository) AttachGatewayReference(_ context.Context, id uuid.UUID, reference string, at time.Time) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Status != domain.TransactionPending || current.GatewayReference != nil {
		return nil, ErrStaleState
	}
	reference = strings.TrimSpace(reference)
	for otherID, other := range m.transactions {
		if otherID != id && other.GatewayReference != nil && *other.GatewayReference == reference {
			return nil, ErrDuplicateGatewayReference
		}
	}
	next := current.Clone()
	next.GatewayReference = &reference
	next.UpdatedAt = at
	m.transactions[id] = next
	return next.Clone(), nil
}

func (m *MemoryRepository) TransitionTransaction(_ context.Context, id uuid.UUID, t TransactionTransition) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Status != t.From {
		return nil, ErrStaleState
	}

	pending := make([]*memoryOutboxRow, 0, len(t.Events))
	for _, ev := range t.Events {
		row, err := m.newOutboxRow(ev)
		if err != nil {
			return nil, err
		}
		pending = append(pending, row)
	}

	next := current.Clone()
	next.Status = t.To
	if t.FailureReason != nil {
		reason := *t.FailureReason
		next.FailureReason = &reason
	}
	next.UpdatedAt = t.At
	m.transactions[id] = next
	m.outbox = append(m.outbox, pending...)
	return next.Clone(), nil
}

func (m *MemoryRepository) ListExpiredTransactions(_ context.Context, now time.Time, after ExpiryCursor, limit int) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Transaction, 0)
	for _, t := range m.transactions {
		if t.Status != domain.TransactionPending || !t.ExpiredAt.Before(now) || !after.After(t.ExpiredAt, t.ID) {
			continue
		}
		out = append(out, *t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return expiryLess(out[i].ExpiredAt, out[i].ID, out[j].ExpiredAt, out[j].ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func countsTowardLimits(s domain.TransactionStatus) bool {
	return s == domain.TransactionPending || s == domain.TransactionSuccess
}

// sumClientAmounts and countClientOperations expect m.mu to be held.
func (m *MemoryRepository) sumClientAmounts(clientID string, types []domain.TransactionType, since time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, t := range m.transactions {
		if t.ClientID != clientID || !countsTowardLimits(t.Status) || t.CreatedAt.Before(since) {
			continue
		}
		for _, typ := range types {
			if t.Type == typ {
				total = total.Add(t.Amount)
				break
			}
		}
	}
	return total
}

func (m *MemoryRepository) countClientOperations(clientID string, since time.Time) int {
	n := 0
	for _, t := range m.transactions {
		if t.ClientID == clientID && countsTowardLimits(t.Status) && !t.CreatedAt.Before(since) {
			n++
		}
	}
	return n
}

func (m *MemoryRepository) newOutboxRow(ev OutboundMessage) (*memoryOutboxRow, error) {
	blob, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, err
	}
	channel := ev.Channel
	if channel == "" {
		channel = ChannelAMQP
	}
	m.nextOutboxID++
	now := m.now()
	return &memoryOutboxRow{
		msg: OutboxMessage{
			ID:         m.nextOutboxID,
			Channel:    channel,
			Exchange:   ev.Exchange,
			RoutingKey: ev.RoutingKey,
			Target:     ev.Target,
			Payload:    blob,
		},
		status:        "pending",
		nextAttemptAt: now,
		createdAt:     now,
	}, nil
}

func (m *MemoryRepository) ClaimOutboxMessages(_ context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}
	now := m.now()
	staleBefore := now.Add(-time.Duration(staleAfterSeconds) * time.Second)

	out := make([]OutboxMessage, 0, limit)
	for _, row := range m.outbox {
		if len(out) >= limit {
			break
		}
		due := row.status == "pending" && !row.nextAttemptAt.After(now)
		stale := row.status == "processing" && row.processingStarted.Before(staleBefore)
		if !due && !stale {
			continue
		}
		row.status = "processing"
		row.processingStarted = now
		row.msg.Attempts++
		out = append(out, row.msg)
	}
	return out, nil
}

func (m *MemoryRepository) MarkOutboxPublished(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.outbox {
		if row.msg.ID == id {
			row.status = "published"
			row.lastError = ""
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryRepository) MarkOutboxFailed(_ context.Context, id int64, retryAfterSeconds int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	for _, row := range m.outbox {
		if row.msg.ID == id {
			row.status = "pending"
			row.nextAttemptAt = m.now().Add(time.Duration(retryAfterSeconds) * time.Second)
			row.lastError = reason
			return nil
		}
	}
	return ErrNotFound
}

// OutboxMessages returns every enqueued message in insertion order, whatever its
// delivery status.
func (m *MemoryRepository) OutboxMessages() []OutboxMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboxMessage, 0, len(m.outbox))
	for _, row := range m.outbox {
		out = append(out, row.msg)
	}
	return out
}

// OutboxStatus reports the delivery status of one message ("pending", "processing",
// "published") and its last error.
func (m *MemoryRepository) OutboxStatus(id int64) (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.outbox {
		if row.msg.ID == id {
			return row.status, row.lastError
		}
	}
	return "", ""
}

// SetClock overrides the time source used for outbox scheduling.
func (m *MemoryRepository) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
