// Package dbx opens the SQL databases used by the scan store and the session
// vault and applies their embedded goose migrations.
package dbx

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect maps a configured driver name to a dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", driver)
}

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

func (d Dialect) gooseDialect() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite3"
}

// Open opens and pings a database. SQLite is limited to a single connection so
// that conditional updates never race on SQLITE_BUSY.
func Open(ctx context.Context, dialect Dialect, dsn string) (*sql.DB, error) {
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	}

	return db, nil
}

// goose keeps its configuration in package globals.
var migrateMu sync.Mutex

// Migrate applies the migrations found in fsys, tracking them in table so
// that several stores can share one database.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect, fsys fs.FS, table string) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(fsys)
	goose.SetTableName(table)
	goose.SetLogger(logrus.StandardLogger())
	if err := goose.SetDialect(dialect.gooseDialect()); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("run %s migrations: %w", table, err)
	}
	return nil
}

// Rebind rewrites ? placeholders into the dialect's form.
func Rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
