// Package sqlstore persists prompts, prompt responses and embeddings in a
// relational database through sqlx. SQLite, PostgreSQL (lib/pq) and
// PostgreSQL (pgx) are supported.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/config"
)

// Dialects select the DDL variant.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// DefaultChunkSize bounds the number of keys in one IN lookup.
const DefaultChunkSize = 500

// ErrNotFound is returned when a single-row lookup finds nothing.
var ErrNotFound = errors.New("record not found")

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// DB wraps a sqlx handle with the cache schema.
type DB struct {
	db      *sqlx.DB
	dialect string
	chunk   int
}

// Open connects with cfg.Driver, then creates any missing tables.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	driver := strings.ToLower(cfg.Driver)
	dsn := cfg.DSN
	var dialect string
	switch driver {
	case "sqlite":
		dialect = DialectSQLite
		dsn = sqliteDSN(dsn)
	case "postgres", "pgx":
		dialect = DialectPostgres
	default:
		return nil, fmt.Errorf("open database: unsupported driver %q", cfg.Driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dialect == DialectSQLite {
		// One writer at a time; concurrent workers queue on the pool.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	d := New(db, dialect, cfg.QueryChunkSize)
	if err := d.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// New wraps an existing handle without touching the schema.
func New(db *sqlx.DB, dialect string, chunkSize int) *DB {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &DB{db: db, dialect: dialect, chunk: chunkSize}
}

// sqliteDSN turns on foreign keys and a busy timeout for modernc.org/sqlite.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Migrate creates the cache tables if they do not exist.
func (d *DB) Migrate(ctx context.Context) error {
	stmts := sqliteSchema
	if d.dialect == DialectPostgres {
		stmts = postgresSchema
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate cache db: %w", err)
		}
	}
	return nil
}

// Dialect returns DialectSQLite or DialectPostgres.
func (d *DB) Dialect() string { return d.dialect }

// ChunkSize returns the lookup chunk size.
func (d *DB) ChunkSize() int { return d.chunk }

// X exposes the sqlx handle for packages that own their own tables.
func (d *DB) X() *sqlx.DB { return d.db }

// Close releases the database connection.
func (d *DB) Close() error { return d.db.Close() }

// Tx is a write transaction over the cache tables.
type Tx struct {
	tx *sqlx.Tx
}

// InTx runs fn in a transaction, committing when fn returns nil and rolling
// back otherwise.
func (d *DB) InTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// chunks splits n indexes into runs of at most size.
func chunks(n, size int) [][2]int {
	var out [][2]int
	for start := 0; start < n; start += size {
		out = append(out, [2]int{start, min(start+size, n)})
	}
	return out
}
