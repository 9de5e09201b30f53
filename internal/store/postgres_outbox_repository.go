package store

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
)

const (
	defaultOutboxClaimSize   = 50
	defaultOutboxStaleWindow = 120
	maxOutboxErrorLength     = 2000
)

// ClaimOutboxMessages leases due messages to the caller in insertion order. A
// message leased longer than staleAfterSeconds ago is considered abandoned by a
// crashed dispatcher and leased again. Concurrent dispatchers never share a row.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultOutboxClaimSize
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = defaultOutboxStaleWindow
	}

	rows, err := r.db.Query(ctx, `
		UPDATE lifecycle_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		WHERE o.id IN (
			SELECT id
			FROM lifecycle_outbox
			WHERE (status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - make_interval(secs => $2))
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING o.id, o.channel, o.exchange, o.routing_key, o.target, o.payload::text, o.attempts
	`, limit, staleAfterSeconds)
	if err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (OutboxMessage, error) {
		var (
			msg     OutboxMessage
			payload string
		)
		err := row.Scan(&msg.ID, &msg.Channel, &msg.Exchange, &msg.RoutingKey, &msg.Target, &payload, &msg.Attempts)
		msg.Payload = []byte(payload)
		return msg, err
	})
}

// MarkOutboxPublished closes the lease of a delivered message.
func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE lifecycle_outbox
		SET status = 'published', published_at = NOW(), processing_started_at = NULL, last_error = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark outbox message %d published: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkOutboxFailed releases the lease and schedules the next attempt.
func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE lifecycle_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + make_interval(secs => $2),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, truncateUTF8(reason, maxOutboxErrorLength))
	if err != nil {
		return fmt.Errorf("mark outbox message %d failed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// truncateUTF8 cuts s to at most maxBytes without splitting a multi-byte rune.
func truncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
