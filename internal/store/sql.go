package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/masa-finance/scan-worker/internal/dbx"
	"github.com/masa-finance/scan-worker/internal/scan"
	"github.com/masa-finance/scan-worker/internal/store/migrations"
)

const (
	migrationTable    = "scan_goose_version"
	maxUpdateAttempts = 5
)

// SQLStore keeps one row per scan in SQLite or PostgreSQL. The flattened
// document is stored as JSON next to the columns the watchdog queries on.
// Conditional updates use a row version for optimistic concurrency.
type SQLStore struct {
	db      *sql.DB
	dialect dbx.Dialect
	now     Clock
}

// Migrate applies the scans schema.
func Migrate(ctx context.Context, db *sql.DB, dialect dbx.Dialect) error {
	return dbx.Migrate(ctx, db, dialect, migrations.FS, migrationTable)
}

// OpenSQL opens the database, migrates it and returns a store that owns it.
func OpenSQL(ctx context.Context, dialect dbx.Dialect, dsn string) (*SQLStore, error) {
	db, err := dbx.Open(ctx, dialect, dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db, dialect); err != nil {
		db.Close()
		return nil, err
	}
	return NewSQLStore(db, dialect, utcNow), nil
}

func NewSQLStore(db *sql.DB, dialect dbx.Dialect, now Clock) *SQLStore {
	if now == nil {
		now = utcNow
	}
	return &SQLStore{db: db, dialect: dialect, now: now}
}

func (s *SQLStore) q(query string) string {
	return dbx.Rebind(s.dialect, query)
}

func (s *SQLStore) Create(ctx context.Context, rec *scan.Record) (*scan.Record, error) {
	c, err := prepareCreate(rec, s.now())
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(toDocument(c))
	if err != nil {
		return nil, fmt.Errorf("encode scan %s: %w", c.ID, err)
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO scans (scan_id, owner_id, target_handle, status, version, created_at_ns, updated_at_ns, document)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (scan_id) DO NOTHING`),
		c.ID, c.OwnerID, c.TargetHandle, string(c.Status()), c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano(), string(body))
	if err != nil {
		return nil, fmt.Errorf("insert scan %s: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("insert scan %s: %w", c.ID, err)
	}
	if n == 0 {
		return nil, ErrAlreadyExists
	}
	return c, nil
}

func (s *SQLStore) load(ctx context.Context, id string) (*scan.Record, int64, error) {
	var (
		body    string
		version int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT document, version FROM scans WHERE scan_id = ?`), id).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read scan %s: %w", id, err)
	}

	rec, err := decode(body)
	if err != nil {
		return nil, 0, err
	}
	return rec, version, nil
}

func decode(body string) (*scan.Record, error) {
	var d document
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return d.record()
}

func (s *SQLStore) Get(ctx context.Context, id string) (*scan.Record, error) {
	rec, _, err := s.load(ctx, id)
	return rec, err
}

// Update may run mutate more than once when it loses a race on the row
// version, so mutations must only touch the record they are given.
func (s *SQLStore) Update(ctx context.Context, id string, expected scan.Status, mutate Mutation) (*scan.Record, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		cur, version, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}

		next, err := apply(cur, expected, mutate, s.now())
		if err != nil {
			return nil, err
		}

		body, err := json.Marshal(toDocument(next))
		if err != nil {
			return nil, fmt.Errorf("encode scan %s: %w", id, err)
		}

		res, err := s.db.ExecContext(ctx, s.q(`
			UPDATE scans SET status = ?, version = version + 1, updated_at_ns = ?, document = ?
			WHERE scan_id = ? AND version = ?`),
			string(next.Status()), next.UpdatedAt.UnixNano(), string(body), id, version)
		if err != nil {
			return nil, fmt.Errorf("update scan %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("update scan %s: %w", id, err)
		}
		if n == 1 {
			return next, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrConflict, id)
}

func (s *SQLStore) ListActive(ctx context.Context, updatedBefore time.Time) ([]*scan.Record, error) {
	active := scan.ActiveStatuses()
	args := make([]any, 0, len(active)+1)
	marks := make([]string, 0, len(active))
	for _, st := range active {
		args = append(args, string(st))
		marks = append(marks, "?")
	}
	args = append(args, updatedBefore.UnixNano())

	rows, err := s.db.QueryContext(ctx, s.q(fmt.Sprintf(`
		SELECT document FROM scans
		WHERE status IN (%s) AND updated_at_ns < ?
		ORDER BY updated_at_ns`, strings.Join(marks, ", "))), args...)
	if err != nil {
		return nil, fmt.Errorf("list active scans: %w", err)
	}
	defer rows.Close()

	var out []*scan.Record
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("list active scans: %w", err)
		}
		rec, err := decode(body)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
