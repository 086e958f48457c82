package deliverylog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TableName is the delivery log table.
const TableName = "brevo_relay_email_log"

const (
	dbPingTimeout       = 5 * time.Second
	poolMaxConnLifetime = time.Hour
	poolMaxConnIdleTime = 30 * time.Minute
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS ` + TableName + ` (
	log_id        BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	email_to      VARCHAR(255) NOT NULL,
	email_subject VARCHAR(255) NOT NULL,
	email_body    TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	status        VARCHAR(50) NOT NULL
)`

const insertSQL = `INSERT INTO ` + TableName + ` (email_to, email_subject, email_body, status)
VALUES ($1, $2, $3, $4)`

// execer is the subset of *pgxpool.Pool used by the sink.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresSink stores records in PostgreSQL. created_at is assigned by the
// database.
type PostgresSink struct {
	db   execer
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at dsn and verifies the connection.
func NewPostgres(ctx context.Context, dsn string, maxConns int32) (*PostgresSink, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	poolConfig.MaxConnLifetime = poolMaxConnLifetime
	poolConfig.MaxConnIdleTime = poolMaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, dbPingTimeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresSink{db: pool, pool: pool}, nil
}

// Migrate creates the log table if it does not exist.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create %s: %w", TableName, err)
	}
	return nil
}

// Insert implements Sink.
func (s *PostgresSink) Insert(ctx context.Context, rec Record) error {
	rec = rec.fit()
	if _, err := s.db.Exec(ctx, insertSQL, rec.EmailTo, rec.EmailSubject, rec.EmailBody, rec.Status); err != nil {
		return fmt.Errorf("failed to insert delivery log: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresSink) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
