package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TxScope holds a single connection checked out of the pool for the
// lifetime of one unit of work (a worker's job, a migration run). Every
// repository call within a TxScope shares the same underlying connection,
// which is required for PostgreSQL advisory locks and multi-statement
// transactions to behave correctly.
type TxScope struct {
	Conn *pgxpool.Conn
	tx   pgx.Tx
}

// AcquireTxScope checks out a connection from the pool and wraps it in a
// TxScope. Callers must call Close when done.
func AcquireTxScope(ctx context.Context, db *DB) (*TxScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &TxScope{Conn: conn}, nil
}

// Begin starts a transaction on the scope's connection. The scope must not
// already have an open transaction.
func (s *TxScope) Begin(ctx context.Context) error {
	if s.tx != nil {
		return fmt.Errorf("tx scope already has an open transaction")
	}
	tx, err := s.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	s.tx = tx
	return nil
}

// Tx returns the open transaction, or nil if Begin has not been called.
func (s *TxScope) Tx() pgx.Tx {
	return s.tx
}

// Commit commits the open transaction, if any.
func (s *TxScope) Commit(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit(ctx)
	s.tx = nil
	return err
}

// Rollback rolls back the open transaction, if any. Safe to call after
// Commit or when no transaction is open.
func (s *TxScope) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback(ctx)
	s.tx = nil
	return err
}

// Close releases the underlying connection back to the pool. Any open
// transaction is rolled back first.
func (s *TxScope) Close(ctx context.Context) {
	if s.tx != nil {
		_ = s.tx.Rollback(ctx)
		s.tx = nil
	}
	s.Conn.Release()
}
