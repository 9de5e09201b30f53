package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresRepository implements Repository on PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// OpenPool connects to PostgreSQL with the pool settings shared by every binary.
func OpenPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Open returns the repository for driver ("postgres" or "memory") and a close
// function. The postgres driver bootstraps the schema.
func Open(ctx context.Context, driver, databaseURL string) (Repository, func(), error) {
	switch driver {
	case "memory":
		return NewMemoryRepository(), func() {}, nil
	case "", "postgres":
		pool, err := OpenPool(ctx, databaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return NewPostgresRepository(pool), pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", driver)
}

// EnsureSchema creates the tables and indexes this service relies on. It is idempotent.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func uniqueViolation(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr, true
	}
	return nil, false
}

func enqueueOutboxTx(ctx context.Context, tx pgx.Tx, msg OutboundMessage) error {
	blob, err := json.Marshal(msg.Payload)
	if err != nil {
		return err
	}
	channel := msg.Channel
	if channel == "" {
		channel = ChannelAMQP
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO lifecycle_outbox (channel, exchange, routing_key, target, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, channel, strings.TrimSpace(msg.Exchange), strings.TrimSpace(msg.RoutingKey), strings.TrimSpace(msg.Target), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}
