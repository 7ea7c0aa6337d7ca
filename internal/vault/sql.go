package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/masa-finance/scan-worker/internal/dbx"
	"github.com/masa-finance/scan-worker/internal/vault/migrations"
)

const migrationTable = "vault_goose_version"

// SQLStore keeps vault entries in their own table, normally in a database
// separate from the scan records.
type SQLStore struct {
	db      *sql.DB
	dialect dbx.Dialect
}

func Migrate(ctx context.Context, db *sql.DB, dialect dbx.Dialect) error {
	return dbx.Migrate(ctx, db, dialect, migrations.FS, migrationTable)
}

func OpenSQL(ctx context.Context, dialect dbx.Dialect, dsn string) (*SQLStore, error) {
	db, err := dbx.Open(ctx, dialect, dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db, dialect); err != nil {
		db.Close()
		return nil, err
	}
	return NewSQLStore(db, dialect), nil
}

func NewSQLStore(db *sql.DB, dialect dbx.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) q(query string) string {
	return dbx.Rebind(s.dialect, query)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLStore) put(ctx context.Context, ex execer, e Entry) error {
	_, err := ex.ExecContext(ctx, s.q(`
		INSERT INTO vault_sessions (owner_key, sealed, cookie_count, captured_at_ns, reads, is_valid)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_key) DO UPDATE SET
			sealed = excluded.sealed,
			cookie_count = excluded.cookie_count,
			captured_at_ns = excluded.captured_at_ns,
			reads = excluded.reads,
			is_valid = excluded.is_valid`),
		e.Key, e.Sealed, e.CookieCount, e.CapturedAt.UnixNano(), e.Reads, boolToInt(e.Valid))
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (s *SQLStore) get(ctx context.Context, q querier, key string, lock bool) (Entry, error) {
	query := `SELECT owner_key, sealed, cookie_count, captured_at_ns, reads, is_valid FROM vault_sessions WHERE owner_key = ?`
	if lock && s.dialect == dbx.DialectPostgres {
		query += " FOR UPDATE"
	}

	var (
		e          Entry
		capturedNs int64
		valid      int
	)
	err := q.QueryRowContext(ctx, s.q(query), key).Scan(&e.Key, &e.Sealed, &e.CookieCount, &capturedNs, &e.Reads, &valid)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNoSession
	}
	if err != nil {
		return Entry{}, fmt.Errorf("read session: %w", err)
	}
	e.CapturedAt = time.Unix(0, capturedNs).UTC()
	e.Valid = valid != 0
	return e, nil
}

func (s *SQLStore) Put(ctx context.Context, e Entry) error {
	return s.put(ctx, s.db, e)
}

func (s *SQLStore) Get(ctx context.Context, key string) (Entry, error) {
	return s.get(ctx, s.db, key, false)
}

func (s *SQLStore) Update(ctx context.Context, key string, fn func(*Entry) error) (Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	e, err := s.get(ctx, tx, key, true)
	if err != nil {
		return Entry{}, err
	}
	if err := fn(&e); err != nil {
		return Entry{}, err
	}
	e.Key = key
	if err := s.put(ctx, tx, e); err != nil {
		return Entry{}, err
	}
	return e, tx.Commit()
}

func (s *SQLStore) Replace(ctx context.Context, from string, e Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.get(ctx, tx, from, true); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM vault_sessions WHERE owner_key = ?`), from); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := s.put(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) DeleteStale(ctx context.Context, capturedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM vault_sessions WHERE is_valid = 0 OR captured_at_ns < ?`), capturedBefore.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
