// Package postgres implements store.Store on PostgreSQL with pgx.
//
// SQL is assembled from the catalog registry; identifiers are quoted with
// pgx.Identifier and every value travels as a bind parameter. Inserts that
// may hit a unique index run in a savepoint when called inside a
// transaction, so a lost race surfaces as store.ErrDuplicate and the row
// transaction stays usable.
package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/JonMunkholm/catalogimport/internal/config"
	"github.com/JonMunkholm/catalogimport/internal/store"
	"github.com/JonMunkholm/catalogimport/migrations"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// Queries runs store operations against a pool or a transaction.
type Queries struct {
	db DBTX
}

// New wraps a pool or transaction.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

var _ store.Queries = (*Queries)(nil)

// Store is a pool-backed store.Store.
type Store struct {
	*Queries
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// NewStore returns a Store using pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Queries: New(pool), pool: pool}
}

// Open creates and pings a connection pool.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database url")
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return pool, nil
}

// WithTx runs fn in a transaction. The transaction rolls back when fn
// returns an error or panics.
func (s *Store) WithTx(ctx context.Context, fn func(q store.Queries) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(New(tx))
	})
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate applies pending migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]*goose.MigrationResult, error) {
	p, closeDB, err := provider(pool)
	if err != nil {
		return nil, err
	}
	defer closeDB()

	res, err := p.Up(ctx)
	if err != nil {
		return res, errors.Wrap(err, "apply migrations")
	}
	return res, nil
}

// MigrationStatus reports every known migration and whether it is applied.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool) ([]*goose.MigrationStatus, error) {
	p, closeDB, err := provider(pool)
	if err != nil {
		return nil, err
	}
	defer closeDB()

	st, err := p.Status(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "migration status")
	}
	return st, nil
}

func provider(pool *pgxpool.Pool) (*goose.Provider, func(), error) {
	db := stdlib.OpenDBFromPool(pool)
	p, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		db.Close()
		return nil, nil, errors.Wrap(err, "migration provider")
	}
	return p, func() { db.Close() }, nil
}

// savepoint runs fn in a nested transaction when q is bound to one.
func (q *Queries) savepoint(ctx context.Context, fn func(db DBTX) error) error {
	tx, ok := q.db.(pgx.Tx)
	if !ok {
		return fn(q.db)
	}
	sp, err := tx.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin savepoint")
	}
	if err := fn(sp); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// classify maps driver errors onto store sentinels.
func classify(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return errors.Wrap(store.ErrNotFound, msg)
	case pgCode(err) == codeUniqueViolation:
		return errors.Wrap(store.ErrDuplicate, msg)
	case pgCode(err) == codeForeignKeyViolation:
		return errors.Wrap(store.ErrNotFound, fmt.Sprintf("%s: %v", msg, err))
	}
	return errors.Wrap(err, msg)
}
