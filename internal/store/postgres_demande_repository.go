package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/transfa/lifecycle-service/internal/domain"
)

const demandeColumns = `
	id, event_id, id_client, id_agence, cni, email, nom, prenom, numero, recto_cni, verso_cni,
	document_quality, source_service, status, risk_score, risk_level, fraud_flags, rejection_reason,
	daily_withdrawal_limit::text, daily_transfer_limit::text, monthly_operations_limit::text,
	requires_manual_review, assigned_reviewer, reviewer_notes,
	created_at, analyzed_at, approved_at, expires_at`

func scanDemande(row pgx.Row) (*domain.Demande, error) {
	var (
		d                   domain.Demande
		status, riskLevel   string
		withdrawal, xfer, m *string
	)
	err := row.Scan(
		&d.ID, &d.EventID, &d.IDClient, &d.IDAgence, &d.Cni, &d.Email, &d.Nom, &d.Prenom, &d.Numero, &d.RectoCni, &d.VersoCni,
		&d.DocumentQuality, &d.SourceService, &status, &d.RiskScore, &riskLevel, &d.FraudFlags, &d.RejectionReason,
		&withdrawal, &xfer, &m,
		&d.RequiresManualReview, &d.AssignedReviewer, &d.ReviewerNotes,
		&d.CreatedAt, &d.AnalyzedAt, &d.ApprovedAt, &d.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d.Status = domain.DemandeStatus(status)
	d.RiskLevel = domain.RiskLevel(riskLevel)
	if d.FraudFlags == nil {
		d.FraudFlags = []string{}
	}
	if withdrawal != nil && xfer != nil && m != nil {
		limits, err := parseLimits(*withdrawal, *xfer, *m)
		if err != nil {
			return nil, fmt.Errorf("demande %s has unreadable limits: %w", d.ID, err)
		}
		d.Limits = limits
	}
	return &d, nil
}

func parseLimits(withdrawal, transfer, monthly string) (*domain.Limits, error) {
	w, err := decimal.NewFromString(withdrawal)
	if err != nil {
		return nil, err
	}
	t, err := decimal.NewFromString(transfer)
	if err != nil {
		return nil, err
	}
	m, err := decimal.NewFromString(monthly)
	if err != nil {
		return nil, err
	}
	return &domain.Limits{DailyWithdrawalLimit: w, DailyTransferLimit: t, MonthlyOperationsLimit: m}, nil
}

func limitArgs(l *domain.Limits) (w, t, m *string) {
	if l == nil {
		return nil, nil, nil
	}
	ws, ts, ms := l.DailyWithdrawalLimit.String(), l.DailyTransferLimit.String(), l.MonthlyOperationsLimit.String()
	return &ws, &ts, &ms
}

func loadActions(ctx context.Context, q querier, d *domain.Demande) error {
	rows, err := q.Query(ctx, `
		SELECT action_type, description, performed_by, created_at
		FROM demande_actions
		WHERE demande_id = $1
		ORDER BY id
	`, d.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	d.ActionHistory = []domain.ActionEntry{}
	for rows.Next() {
		var (
			entry      domain.ActionEntry
			actionType string
		)
		if err := rows.Scan(&actionType, &entry.Description, &entry.PerformedBy, &entry.Timestamp); err != nil {
			return err
		}
		entry.ActionType = domain.ActionType(actionType)
		d.ActionHistory = append(d.ActionHistory, entry)
	}
	return rows.Err()
}

func (r *PostgresRepository) findDemande(ctx context.Context, where string, arg any) (*domain.Demande, error) {
	d, err := scanDemande(r.db.QueryRow(ctx, `SELECT `+demandeColumns+` FROM demandes WHERE `+where+` LIMIT 1`, arg))
	if err != nil {
		return nil, err
	}
	if err := loadActions(ctx, r.db, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *PostgresRepository) CreateDemande(ctx context.Context, d *domain.Demande) (*domain.Demande, error) {
	w, t, m := limitArgs(d.Limits)
	_, err := r.db.Exec(ctx, `
		INSERT INTO demandes (
			id, event_id, id_client, id_agence, cni, email, nom, prenom, numero, recto_cni, verso_cni,
			document_quality, source_service, status, risk_score, risk_level, fraud_flags, rejection_reason,
			daily_withdrawal_limit, daily_transfer_limit, monthly_operations_limit,
			requires_manual_review, assigned_reviewer, reviewer_notes, created_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18,
			$19::numeric, $20::numeric, $21::numeric,
			$22, $23, $24, $25, $26
		)
	`,
		d.ID, d.EventID, d.IDClient, d.IDAgence, d.Cni, d.Email, d.Nom, d.Prenom, d.Numero, d.RectoCni, d.VersoCni,
		d.DocumentQuality, d.SourceService, string(d.Status), d.RiskScore, string(d.RiskLevel), nonNilFlags(d.FraudFlags), d.RejectionReason,
		w, t, m,
		d.RequiresManualReview, d.AssignedReviewer, d.ReviewerNotes, d.CreatedAt, d.ExpiresAt,
	)
	if err != nil {
		if pgErr, ok := uniqueViolation(err); ok {
			if pgErr.ConstraintName == "demandes_event_id_key" {
				return nil, ErrEventAlreadyRecorded
			}
			return nil, ErrIdentityInFlight
		}
		return nil, err
	}
	out := d.Clone()
	if out.ActionHistory == nil {
		out.ActionHistory = []domain.ActionEntry{}
	}
	return out, nil
}

func (r *PostgresRepository) FindDemandeByID(ctx context.Context, id uuid.UUID) (*domain.Demande, error) {
	return r.findDemande(ctx, "id = $1", id)
}

func (r *PostgresRepository) FindDemandeByEventID(ctx context.Context, eventID string) (*domain.Demande, error) {
	return r.findDemande(ctx, "event_id = $1", strings.TrimSpace(eventID))
}

func (r *PostgresRepository) FindInFlightByCni(ctx context.Context, cni string) (*domain.Demande, error) {
	return r.findDemande(ctx, "cni = $1 AND status IN ('RECEIVED', 'ANALYZING', 'MANUAL_REVIEW', 'APPROVED')", strings.TrimSpace(cni))
}

func (r *PostgresRepository) FindInFlightByEmail(ctx context.Context, email string) (*domain.Demande, error) {
	return r.findDemande(ctx, "lower(email) = lower($1) AND status IN ('RECEIVED', 'ANALYZING', 'MANUAL_REVIEW', 'APPROVED')", strings.TrimSpace(email))
}

func (r *PostgresRepository) FindApprovedDemandeByClient(ctx context.Context, clientID string) (*domain.Demande, error) {
	d, err := scanDemande(r.db.QueryRow(ctx, `
		SELECT `+demandeColumns+`
		FROM demandes
		WHERE id_client = $1 AND status = 'APPROVED'
		ORDER BY approved_at DESC NULLS LAST
		LIMIT 1
	`, strings.TrimSpace(clientID)))
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *PostgresRepository) CountRecentDemandesByEmail(ctx context.Context, email string, since time.Time, excludeID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM demandes
		WHERE lower(email) = lower($1) AND created_at >= $2 AND id <> $3
	`, strings.TrimSpace(email), since, excludeID).Scan(&count)
	return count, err
}

func (r *PostgresRepository) CountRecentDemandesByAgency(ctx context.Context, agencyID string, since time.Time, excludeID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM demandes
		WHERE id_agence = $1 AND created_at >= $2 AND id <> $3
	`, strings.TrimSpace(agencyID), since, excludeID).Scan(&count)
	return count, err
}

// TransitionDemande locks the row, checks the expected status, applies the mutation and
// writes the audit entry and outbox messages in one transaction.
func (r *PostgresRepository) TransitionDemande(ctx context.Context, id uuid.UUID, t DemandeTransition) (*domain.Demande, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := scanDemande(tx.QueryRow(ctx, `SELECT `+demandeColumns+` FROM demandes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if current.Status != t.From {
		return nil, ErrStaleState
	}
	if err := loadActions(ctx, tx, current); err != nil {
		return nil, err
	}

	next := current.Clone()
	next.Status = t.To
	if t.Apply != nil {
		t.Apply(next)
	}

	w, lt, m := limitArgs(next.Limits)
	tag, err := tx.Exec(ctx, `
		UPDATE demandes SET
			status = $3,
			risk_score = $4,
			risk_level = $5,
			fraud_flags = $6,
			rejection_reason = $7,
			daily_withdrawal_limit = $8::numeric,
			daily_transfer_limit = $9::numeric,
			monthly_operations_limit = $10::numeric,
			requires_manual_review = $11,
			assigned_reviewer = $12,
			reviewer_notes = $13,
			analyzed_at = $14,
			approved_at = $15
		WHERE id = $1 AND status = $2
	`,
		id, string(t.From), string(next.Status), next.RiskScore, string(next.RiskLevel), nonNilFlags(next.FraudFlags), next.RejectionReason,
		w, lt, m, next.RequiresManualReview, next.AssignedReviewer, next.ReviewerNotes, next.AnalyzedAt, next.ApprovedAt,
	)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrStaleState
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO demande_actions (demande_id, action_type, description, performed_by, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, string(t.Action.ActionType), t.Action.Description, t.Action.PerformedBy, t.Action.Timestamp); err != nil {
		return nil, fmt.Errorf("failed to append demande action: %w", err)
	}
	next.ActionHistory = append(next.ActionHistory, t.Action)

	for _, msg := range t.Events {
		if err := enqueueOutboxTx(ctx, tx, msg); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return next, nil
}

// ListExpiredDemandes returns non-terminal demandes past their expiry that sort after
// the cursor. Action history is not loaded.
func (r *PostgresRepository) ListExpiredDemandes(ctx context.Context, now time.Time, after ExpiryCursor, limit int) ([]domain.Demande, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+demandeColumns+`
		FROM demandes
		WHERE status IN ('RECEIVED', 'ANALYZING', 'MANUAL_REVIEW') AND expires_at < $1
			AND (expires_at, id) > ($2::timestamptz, $3::uuid)
		ORDER BY expires_at, id
		LIMIT $4
	`, now, after.Deadline, after.ID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Demande, 0)
	for rows.Next() {
		d, err := scanDemande(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func nonNilFlags(flags []string) []string {
	if flags == nil {
		return []string{}
	}
	return flags
}
