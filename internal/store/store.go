package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Dialect names a supported database driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStaleWrite is returned when a version-checked update matched no row.
	ErrStaleWrite = errors.New("record was modified concurrently")
)

// querier runs statements against either the pool or an open transaction.
type querier struct {
	ext       sqlx.ExtContext
	forUpdate string
}

func (q querier) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := sqlx.GetContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (q querier) selectAll(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return sqlx.SelectContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q querier) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return q.ext.ExecContext(ctx, q.ext.Rebind(query), args...)
}

// execVersioned fails with ErrStaleWrite when no row matched.
func (q querier) execVersioned(ctx context.Context, query string, args ...interface{}) error {
	res, err := q.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleWrite
	}
	return nil
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// Store is the database store
type Store struct {
	querier
	db      *sqlx.DB
	dialect Dialect
}

// NewStore connects to driver ("postgres" or "sqlite3") at dsn.
func NewStore(driver, dsn string) (*Store, error) {
	dialect := Dialect(driver)
	if dialect == "" {
		dialect = DialectPostgres
	}
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := sqlx.Connect(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if dialect == DialectSQLite {
		// one connection serializes writers; BEGIN IMMEDIATE takes the write lock up front
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newStore(db, dialect), nil
}

func newStore(db *sqlx.DB, dialect Dialect) *Store {
	return &Store{
		querier: querier{ext: db},
		db:      db,
		dialect: dialect,
	}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Dialect returns the configured driver.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping checks connectivity for the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Tx is an open transaction. Rows read with the ForUpdate getters stay
// locked until the transaction ends.
type Tx struct {
	querier
	tx *sqlx.Tx
}

// WithTx runs fn in a transaction, committing when fn returns nil.
// Postgres transactions are SERIALIZABLE and lock rows with FOR UPDATE;
// sqlite transactions hold the database write lock for their duration.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	var opts *sql.TxOptions
	lock := ""
	if s.dialect == DialectPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
		lock = " FOR UPDATE"
	}

	sqlTx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	tx := &Tx{
		querier: querier{ext: sqlTx, forUpdate: lock},
		tx:      sqlTx,
	}
	if err := fn(tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsSerializationFailure reports whether err came from a write-write race
// the database detected, so the whole transaction may be retried.
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return errors.Is(err, ErrStaleWrite)
}
