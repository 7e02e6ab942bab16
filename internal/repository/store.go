package repository

import (
	"context"
	"database/sql"
	"fmt"

	"rss-service/internal/database"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn rebinds '?' placeholders before handing queries to the driver.
type conn struct {
	q       querier
	dialect database.Dialect
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, database.Rebind(c.dialect, query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, database.Rebind(c.dialect, query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, database.Rebind(c.dialect, query), args...)
}

type Store struct {
	db      *sql.DB
	dialect database.Dialect
}

func NewStore(m *database.Manager) *Store {
	return &Store{db: m.GetDB(), dialect: m.Dialect()}
}

// Tx is one unit of work. Repositories obtained from it share the
// transaction.
type Tx struct {
	tx    *sql.Tx
	Feeds FeedRepository
	Items ItemRepository
}

func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	c := conn{q: tx, dialect: s.dialect}
	return &Tx{
		tx:    tx,
		Feeds: &feedRepository{c: c},
		Items: &itemRepository{c: c},
	}, nil
}

func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback is safe to call after Commit.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

// WithTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
