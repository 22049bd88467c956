package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Serializable is the isolation used for structural writes (create, move,
// bootstrap): a move's ancestor walk and subtree level rewrite must conflict
// with any insert under that subtree. Postgres only detects such conflicts
// between serializable transactions.
var Serializable = pgx.TxOptions{IsoLevel: pgx.Serializable}

// TenantScope pins one pooled connection to a single mind-map project for the
// lifetime of an HTTP request or a live-socket message. Row-level security on
// mindmap_nodes, associative_lines and the edit log reads
// app.current_project_id, so every statement on Conn sees only that project.
type TenantScope struct {
	Conn *pgxpool.Conn
}

// Close clears the project binding and hands the connection back to the pool.
// A connection returned without the reset would carry the previous project
// into whichever request acquires it next.
func (s *TenantScope) Close() {
	if s.Conn == nil {
		return
	}
	_, _ = s.Conn.Exec(context.Background(), "RESET app.current_project_id")
	s.Conn.Release()
}

// WithTx begins a transaction on the scope's connection, runs fn, and commits
// on success or rolls back on error or panic. Panics are rethrown.
func (s *TenantScope) WithTx(ctx context.Context, opts pgx.TxOptions, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.Conn.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.Background())
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(context.Background())
			return
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			err = fmt.Errorf("commit transaction: %w", cerr)
		}
	}()

	return fn(tx)
}

// WithTenant acquires a connection bound to projectID.
// Callers own the scope and must Close it.
func (db *DB) WithTenant(ctx context.Context, projectID uuid.UUID) (*TenantScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	_, err = conn.Exec(ctx, "SELECT set_config('app.current_project_id', $1, false)", projectID.String())
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("bind project %s: %w", projectID, err)
	}

	return &TenantScope{Conn: conn}, nil
}

// WithoutTenant acquires a connection with no project binding, for the
// cross-project paths: creating a project and listing the caller's projects.
// Callers own the scope and must Close it.
func (db *DB) WithoutTenant(ctx context.Context) (*TenantScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &TenantScope{Conn: conn}, nil
}
