/**
 * @description
 * The expiration sweeper. It is not driven by events: each pass lists records past
 * their deadline and expires them one at a time through the lifecycle managers, so
 * every expiry goes through the same compare-and-set as normal traffic.
 */

package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/transfa/lifecycle-service/internal/domain"
	"github.com/transfa/lifecycle-service/internal/store"
)

// ExpiredLister pages through records past their deadline in (deadline, id) order.
type ExpiredLister interface {
	ListExpiredDemandes(ctx context.Context, now time.Time, after store.ExpiryCursor, limit int) ([]domain.Demande, error)
	ListExpiredTransactions(ctx context.Context, now time.Time, after store.ExpiryCursor, limit int) ([]domain.Transaction, error)
}

type demandeExpirer interface {
	Expire(ctx context.Context, id uuid.UUID) (*domain.Demande, bool, error)
}

type transactionExpirer interface {
	Expire(ctx context.Context, id uuid.UUID) (*domain.Transaction, bool, error)
}

// MachineReport counts what one pass did to one state machine.
type MachineReport struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// SweepReport aggregates a full pass.
type SweepReport struct {
	Demandes     MachineReport `json:"demandes"`
	Transactions MachineReport `json:"transactions"`
}

type Sweeper struct {
	lister       ExpiredLister
	demandes     demandeExpirer
	transactions transactionExpirer
	batchSize    int
	logger       *zap.Logger
	now          func() time.Time
}

func NewSweeper(lister ExpiredLister, demandes demandeExpirer, transactions transactionExpirer, batchSize int, logger *zap.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		lister:       lister,
		demandes:     demandes,
		transactions: transactions,
		batchSize:    batchSize,
		logger:       logger.With(zap.String("component", "sweeper")),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used to select expired records.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// RunOnce performs a full pass. Each record overdue at the start of the pass is
// visited once; a failing record never stops the pass.
func (s *Sweeper) RunOnce(ctx context.Context) SweepReport {
	started := time.Now()
	defer func() { sweepDuration.Observe(time.Since(started).Seconds()) }()

	now := s.now()
	report := SweepReport{
		Demandes:     s.sweepDemandes(ctx, now),
		Transactions: s.sweepTransactions(ctx, now),
	}
	s.logger.Info("sweep finished",
		zap.Int("demandes_scanned", report.Demandes.Scanned),
		zap.Int("demandes_expired", report.Demandes.Expired),
		zap.Int("demandes_failed", report.Demandes.Failed),
		zap.Int("transactions_scanned", report.Transactions.Scanned),
		zap.Int("transactions_expired", report.Transactions.Expired),
		zap.Int("transactions_failed", report.Transactions.Failed),
	)
	return report
}

func (s *Sweeper) sweepDemandes(ctx context.Context, now time.Time) MachineReport {
	var (
		report MachineReport
		cursor store.ExpiryCursor
	)
	for ctx.Err() == nil {
		batch, err := s.lister.ListExpiredDemandes(ctx, now, cursor, s.batchSize)
		if err != nil {
			s.logger.Error("failed to list expired demandes", zap.Error(err))
			report.Failed++
			break
		}
		for _, d := range batch {
			cursor = store.ExpiryCursor{Deadline: d.ExpiresAt, ID: d.ID}
			report.Scanned++
			_, expired, err := s.demandes.Expire(ctx, d.ID)
			switch {
			case err != nil:
				report.Failed++
				s.logger.Error("failed to expire demande", zap.String("demande_id", d.ID.String()), zap.Error(err))
			case expired:
				report.Expired++
			default:
				report.Skipped++
			}
		}
		if len(batch) < s.batchSize {
			break
		}
	}
	record(report, "demande")
	return report
}

func (s *Sweeper) sweepTransactions(ctx context.Context, now time.Time) MachineReport {
	var (
		report MachineReport
		cursor store.ExpiryCursor
	)
	for ctx.Err() == nil {
		batch, err := s.lister.ListExpiredTransactions(ctx, now, cursor, s.batchSize)
		if err != nil {
			s.logger.Error("failed to list expired transactions", zap.Error(err))
			report.Failed++
			break
		}
		for _, tx := range batch {
			cursor = store.ExpiryCursor{Deadline: tx.ExpiredAt, ID: tx.ID}
			report.Scanned++
			_, expired, err := s.transactions.Expire(ctx, tx.ID)
			switch {
			case err != nil:
				report.Failed++
				s.logger.Error("failed to expire transaction", zap.String("transaction_id", tx.ID.String()), zap.Error(err))
			case expired:
				report.Expired++
			default:
				report.Skipped++
			}
		}
		if len(batch) < s.batchSize {
			break
		}
	}
	record(report, "transaction")
	return report
}

func record(r MachineReport, machine string) {
	sweptRecordsTotal.WithLabelValues(machine, "expired").Add(float64(r.Expired))
	sweptRecordsTotal.WithLabelValues(machine, "skipped").Add(float64(r.Skipped))
	sweptRecordsTotal.WithLabelValues(machine, "failed").Add(float64(r.Failed))
}
