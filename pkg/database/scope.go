package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx shared by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type contextKey string

// ScopeKey is the context key for the connection or transaction repositories use.
const ScopeKey contextKey = "dbScope"

// ErrNoScope is returned by repositories called without a database scope.
var ErrNoScope = errors.New("no database scope in context")

// GetScope retrieves the scoped querier from context.
func GetScope(ctx context.Context) (Querier, bool) {
	q, ok := ctx.Value(ScopeKey).(Querier)
	return q, ok && q != nil
}

// SetScope stores a querier in context.
func SetScope(ctx context.Context, q Querier) context.Context {
	return context.WithValue(ctx, ScopeKey, q)
}

// MustScope is GetScope returning ErrNoScope when absent.
func MustScope(ctx context.Context) (Querier, error) {
	q, ok := GetScope(ctx)
	if !ok {
		return nil, ErrNoScope
	}
	return q, nil
}

// Scoper opens database scopes for services. *DB implements it; tests use a
// pass-through implementation with mocked repositories.
type Scoper interface {
	// WithScope returns a context carrying a pooled connection. If ctx already
	// carries a scope it is returned unchanged with a no-op cleanup.
	WithScope(ctx context.Context) (context.Context, func(), error)
	// InTx runs fn inside one transaction; fn's context carries the transaction.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

var _ Scoper = (*DB)(nil)

// WithScope acquires a connection for the lifetime of the returned context.
// The cleanup function must be called when the scope is no longer needed.
func (db *DB) WithScope(ctx context.Context) (context.Context, func(), error) {
	if _, ok := GetScope(ctx); ok {
		return ctx, func() {}, nil
	}
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return SetScope(ctx, conn), conn.Release, nil
}

// InTx begins a transaction on the scoped connection (or the pool), runs fn and
// commits. Any error from fn rolls back.
func (db *DB) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	var (
		tx  pgx.Tx
		err error
	)
	if q, ok := GetScope(ctx); ok {
		beginner, canBegin := q.(interface {
			Begin(ctx context.Context) (pgx.Tx, error)
		})
		if !canBegin {
			return fmt.Errorf("scoped querier cannot begin a transaction")
		}
		tx, err = beginner.Begin(ctx)
	} else {
		tx, err = db.Pool.Begin(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := fn(SetScope(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UniqueViolation reports whether err is a postgres unique_violation,
// optionally restricted to one constraint name.
func UniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
