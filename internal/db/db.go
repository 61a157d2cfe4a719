// SPDX-License-Identifier: MIT

// Package db is the durable session ledger: the replica, agent_session and
// agent_session_history tables and every query the service runs against them.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUniqueViolation is the first-class takeover trigger: an insert collided
// with the (agent_id, classroom_id) unique index.
var ErrUniqueViolation = errors.New("unique violation")

// ErrNotFound is returned when a query expects exactly one row and finds none.
var ErrNotFound = errors.New("not found")

const (
	defaultPoolSize    = 5
	defaultPoolTimeout = 5 * time.Second
	defaultMaxLifetime = 30 * time.Minute
)

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx. All query
// methods in this package run against it so they compose into transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPool opens a pgx connection pool for the given DSN.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = defaultPoolSize
	}
	cfg.MaxConnLifetime = defaultMaxLifetime
	cfg.ConnConfig.ConnectTimeout = defaultPoolTimeout

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Store binds the ledger queries to a pool and adds transaction scoping.
type Store struct {
	*Queries
	pool *pgxpool.Pool
}

// NewStore wraps the pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Queries: New(pool), pool: pool}
}

// InTx runs fn inside a single transaction. Any error aborts the transaction.
func (s *Store) InTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(New(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Queries carries the ledger operations over one Querier (a pool or a tx).
type Queries struct {
	q Querier
}

// New binds the queries to q.
func New(q Querier) *Queries {
	return &Queries{q: q}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
