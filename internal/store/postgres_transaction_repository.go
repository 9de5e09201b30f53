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

const transactionColumns = `
	id, external_id, gateway_reference, client_id, phone_number, account_number, destination_account,
	type, amount::text, fee::text, status, failure_reason, callback_url, card_id, provider,
	source_service, created_at, updated_at, expired_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		t                   domain.Transaction
		txType, status      string
		amountText, feeText string
	)
	err := row.Scan(
		&t.ID, &t.ExternalID, &t.GatewayReference, &t.ClientID, &t.PhoneNumber, &t.AccountNumber, &t.DestinationAccount,
		&txType, &amountText, &feeText, &status, &t.FailureReason, &t.CallbackURL, &t.CardID, &t.Provider,
		&t.SourceService, &t.CreatedAt, &t.UpdatedAt, &t.ExpiredAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Type = domain.TransactionType(txType)
	t.Status = domain.TransactionStatus(status)
	if t.Amount, err = decimal.NewFromString(amountText); err != nil {
		return nil, fmt.Errorf("transaction %s has unreadable amount: %w", t.ID, err)
	}
	if t.Fee, err = decimal.NewFromString(feeText); err != nil {
		return nil, fmt.Errorf("transaction %s has unreadable fee: %w", t.ID, err)
	}
	return &t, nil
}

// CreateTransaction inserts a PENDING transaction. A concurrent insert with the same
// externalId yields ErrDuplicateExternalID so the caller can re-read the winner.
// With a limit check, creations for one client are serialized by a transaction-scoped
// advisory lock and the usage is read inside the same transaction.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, t *domain.Transaction, check *LimitCheck) (*domain.Transaction, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if check != nil && check.Allow != nil {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, t.ClientID); err != nil {
			return nil, fmt.Errorf("lock client limits: %w", err)
		}
		var replayed bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lifecycle_transactions WHERE external_id = $1)`, t.ExternalID).Scan(&replayed); err != nil {
			return nil, err
		}
		if replayed {
			return nil, ErrDuplicateExternalID
		}
		usage, err := clientUsage(ctx, tx, t.ClientID, check)
		if err != nil {
			return nil, err
		}
		if err := check.Allow(usage); err != nil {
			return nil, err
		}
	}

	created, err := scanTransaction(tx.QueryRow(ctx, `
		INSERT INTO lifecycle_transactions (
			id, external_id, gateway_reference, client_id, phone_number, account_number, destination_account,
			type, amount, fee, status, failure_reason, callback_url, card_id, provider,
			source_service, created_at, updated_at, expired_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9::numeric, $10::numeric, $11, $12, $13, $14, $15,
			$16, $17, $18, $19
		)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING `+transactionColumns,
		t.ID, t.ExternalID, t.GatewayReference, t.ClientID, t.PhoneNumber, t.AccountNumber, t.DestinationAccount,
		string(t.Type), t.Amount.String(), t.Fee.String(), string(t.Status), t.FailureReason, t.CallbackURL, t.CardID, t.Provider,
		t.SourceService, t.CreatedAt, t.UpdatedAt, t.ExpiredAt,
	))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrDuplicateExternalID
		}
		if _, ok := uniqueViolation(err); ok {
			return nil, ErrDuplicateGatewayReference
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return created, nil
}

func (r *PostgresRepository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM lifecycle_transactions WHERE id = $1`, id))
}

func (r *PostgresRepository) FindTransactionByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM lifecycle_transactions WHERE external_id = $1`, strings.TrimSpace(externalID)))
}

func (r *PostgresRepository) FindTransactionByGatewayReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM lifecycle_transactions WHERE gateway_reference = $1`, strings.TrimSpace(reference)))
}

// AttachGatewayReference binds a reference to a PENDING transaction that has none yet.
func (r *PostgresRepository) AttachGatewayReference(ctx context.Context, id uuid.UUID, reference string, at time.Time) (*domain.Transaction, error) {
	updated, err := scanTransaction(r.db.QueryRow(ctx, `
		UPDATE lifecycle_transactions
		SET gateway_reference = $2, updated_at = $3
		WHERE id = $1 AND status = 'PENDING' AND gateway_reference IS NULL
		RETURNING `+transactionColumns,
		id, strings.TrimSpace(reference), at,
	))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if _, findErr := r.FindTransactionByID(ctx, id); findErr != nil {
				return nil, findErr
			}
			return nil, ErrStaleState
		}
		if _, ok := uniqueViolation(err); ok {
			return nil, ErrDuplicateGatewayReference
		}
		return nil, err
	}
	return updated, nil
}

func (r *PostgresRepository) TransitionTransaction(ctx context.Context, id uuid.UUID, t TransactionTransition) (*domain.Transaction, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	updated, err := scanTransaction(tx.QueryRow(ctx, `
		UPDATE lifecycle_transactions
		SET status = $3,
			failure_reason = COALESCE($4, failure_reason),
			updated_at = $5
		WHERE id = $1 AND status = $2
		RETURNING `+transactionColumns,
		id, string(t.From), string(t.To), t.FailureReason, t.At,
	))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			var exists bool
			if existsErr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lifecycle_transactions WHERE id = $1)`, id).Scan(&exists); existsErr != nil {
				return nil, existsErr
			}
			if !exists {
				return nil, ErrNotFound
			}
			return nil, ErrStaleState
		}
		return nil, err
	}

	for _, msg := range t.Events {
		if err := enqueueOutboxTx(ctx, tx, msg); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *PostgresRepository) ListExpiredTransactions(ctx context.Context, now time.Time, after ExpiryCursor, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM lifecycle_transactions
		WHERE status = 'PENDING' AND expired_at < $1
			AND (expired_at, id) > ($2::timestamptz, $3::uuid)
		ORDER BY expired_at, id
		LIMIT $4
	`, now, after.Deadline, after.ID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// clientUsage totals PENDING and SUCCESS amounts of the checked types and counts
// PENDING and SUCCESS operations, inside the caller's transaction.
func clientUsage(ctx context.Context, tx pgx.Tx, clientID string, check *LimitCheck) (LimitUsage, error) {
	typeNames := make([]string, 0, len(check.AmountTypes))
	for _, t := range check.AmountTypes {
		typeNames = append(typeNames, string(t))
	}
	var (
		usage LimitUsage
		total string
	)
	err := tx.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE type = ANY($2) AND created_at >= $3), 0)::text,
			COUNT(*) FILTER (WHERE created_at >= $4)
		FROM lifecycle_transactions
		WHERE client_id = $1 AND status IN ('PENDING', 'SUCCESS')
	`, strings.TrimSpace(clientID), typeNames, check.AmountSince, check.OperationsSince).Scan(&total, &usage.Operations)
	if err != nil {
		return LimitUsage{}, fmt.Errorf("read client usage: %w", err)
	}
	if usage.Amount, err = decimal.NewFromString(total); err != nil {
		return LimitUsage{}, fmt.Errorf("read client usage: %w", err)
	}
	return usage, nil
}
