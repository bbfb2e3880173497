package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repositories groups the case-scoped repositories bound to one connection or transaction.
type Repositories struct {
	Cases     CaseRepository
	Proposals ProposalRepository
	Timeline  TimelineRepository
	Operators OperatorRepository
}

// Store hands out repositories and runs units of work atomically.
type Store interface {
	// Repos returns repositories outside any transaction.
	Repos() Repositories
	// InTx runs fn in a transaction; every write made through the passed
	// repositories becomes visible together or not at all.
	InTx(ctx context.Context, fn func(Repositories) error) error
	// ReadTx runs fn against one consistent view of committed state.
	ReadTx(ctx context.Context, fn func(Repositories) error) error
}

// PostgresStore is the pgx-backed Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps a pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func newPostgresRepositories(db DBTX) Repositories {
	return Repositories{
		Cases:     NewCaseRepository(db),
		Proposals: NewProposalRepository(db),
		Timeline:  NewTimelineRepository(db),
		Operators: NewOperatorRepository(db),
	}
}

func (s *PostgresStore) Repos() Repositories {
	return newPostgresRepositories(s.pool)
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(Repositories) error) error {
	return s.run(ctx, pgx.TxOptions{}, fn)
}

func (s *PostgresStore) ReadTx(ctx context.Context, fn func(Repositories) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, fn)
}

func (s *PostgresStore) run(ctx context.Context, opts pgx.TxOptions, fn func(Repositories) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(newPostgresRepositories(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
