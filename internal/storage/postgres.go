// Package storage provides the concrete infrastructure adapters the ingestion
// core runs on: the relational pool, the log producer, the cache, and the
// columnar client contract. Domain packages depend on these adapters, never
// on the drivers directly.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq" // registers the "postgres" driver
	"go.uber.org/zap"
)

// Postgres wraps the shared *sql.DB pool. Every query carries a tag so slow
// or failing statements are attributable in logs.
type Postgres struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// NewPostgres connects to the relational store and verifies connectivity.
func NewPostgres(databaseURL string, log *zap.SugaredLogger) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	log.Infow("Postgres connected")
	return &Postgres{db: db, log: log}, nil
}

// NewPostgresFromDB wraps an existing pool. Used by tests with sqlmock.
func NewPostgresFromDB(db *sql.DB, log *zap.SugaredLogger) *Postgres {
	return &Postgres{db: db, log: log}
}

func (p *Postgres) Query(ctx context.Context, tag, query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		p.log.Errorw("query failed", "tag", tag, "error", err)
		return nil, fmt.Errorf("%s: %w", tag, err)
	}
	return rows, nil
}

func (p *Postgres) QueryRow(ctx context.Context, tag, query string, args ...interface{}) *sql.Row {
	return p.db.QueryRowContext(ctx, query, args...)
}

func (p *Postgres) Exec(ctx context.Context, tag, query string, args ...interface{}) (sql.Result, error) {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tag, err)
	}
	return res, nil
}

// Transaction runs fn inside BEGIN/COMMIT, rolling back on error or panic.
// The transaction holds one pool connection for its duration; callers must
// not perform other I/O inside fn.
func (p *Postgres) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// IsUniqueViolation reports whether err (anywhere in its chain) is a Postgres
// unique-constraint violation. Used as the synchronization primitive for
// optimistic person creation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// IsForeignKeyViolation reports a foreign-key violation (code 23503). The
// merge protocol sees this when a distinct-id row is added to a person
// concurrently with its deletion.
func IsForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return false
}
