package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQL dialects.
const (
	Postgres = "postgres"
	SQLite   = "sqlite"
)

// DB wraps sql.DB for Postgres (pgx) or SQLite and implements KV on top of
// the kv_entries table.
type DB struct {
	Client  *sql.DB
	Dialect string
}

// NewDB creates a Postgres connection with sane defaults.
func NewDB(connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &DB{Client: db, Dialect: Postgres}, db.PingContext(context.Background())
}

// NewSQLite opens (creating if needed) a SQLite database file.
func NewSQLite(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create sqlite dir")
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_cslike=1")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	return &DB{Client: db, Dialect: SQLite}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

// Healthy pings the database.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	return d.Client.PingContext(ctx) == nil
}

var placeholder = regexp.MustCompile(`\$\d+`)

// Rebind rewrites $N placeholders for the dialect. Queries must reference
// each placeholder once, in order.
func (d *DB) Rebind(query string) string {
	if d.Dialect == SQLite {
		return placeholder.ReplaceAllString(query, "?")
	}
	return query
}

// Exec is ExecContext with placeholder rebinding.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.Client.ExecContext(ctx, d.Rebind(query), args...)
}

// Migrate creates the kv_entries table.
func (d *DB) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv_entries (
		key        TEXT PRIMARY KEY,
		value      BYTEA NOT NULL,
		version    BIGINT NOT NULL DEFAULT 1,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	if d.Dialect == SQLite {
		schema = `
	CREATE TABLE IF NOT EXISTS kv_entries (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		version    INTEGER NOT NULL DEFAULT 1,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	}
	_, err := d.Client.ExecContext(ctx, schema)
	return errors.Wrap(err, "migrate kv_entries")
}

func (d *DB) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := d.Client.QueryRowContext(ctx, d.Rebind(`SELECT value FROM kv_entries WHERE key = $1`), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "sql get %s", key)
	}
	return v, nil
}

func (d *DB) Set(ctx context.Context, key string, value []byte) error {
	_, err := d.Exec(ctx, `
		INSERT INTO kv_entries (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			version = kv_entries.version + 1,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return errors.Wrapf(err, "sql set %s", key)
}

func (d *DB) Create(ctx context.Context, key string, value []byte) error {
	ok, err := d.insertIfAbsent(ctx, key, value)
	if err != nil {
		return errors.Wrapf(err, "sql create %s", key)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (d *DB) insertIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	res, err := d.Exec(ctx, `
		INSERT INTO kv_entries (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING
	`, key, value)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Update is an optimistic compare-and-swap on the row version.
func (d *DB) Update(ctx context.Context, key string, fn UpdateFunc) error {
	for i := 0; i < maxUpdateRetries; i++ {
		var (
			cur     []byte
			version int64
		)
		err := d.Client.QueryRowContext(ctx,
			d.Rebind(`SELECT value, version FROM kv_entries WHERE key = $1`), key,
		).Scan(&cur, &version)
		exists := true
		if errors.Is(err, sql.ErrNoRows) {
			exists = false
		} else if err != nil {
			return errors.Wrapf(err, "sql update %s", key)
		}

		next, err := fn(cur, exists)
		if err != nil {
			return err
		}

		if !exists {
			ok, err := d.insertIfAbsent(ctx, key, next)
			if err != nil {
				return errors.Wrapf(err, "sql update %s", key)
			}
			if ok {
				return nil
			}
			continue
		}

		res, err := d.Exec(ctx, `
			UPDATE kv_entries
			SET value = $1, version = version + 1, updated_at = CURRENT_TIMESTAMP
			WHERE key = $2 AND version = $3
		`, next, key, version)
		if err != nil {
			return errors.Wrapf(err, "sql update %s", key)
		}
		if n, err := res.RowsAffected(); err != nil {
			return errors.Wrapf(err, "sql update %s", key)
		} else if n == 1 {
			return nil
		}
	}
	return ErrConflict
}

var likeReplacer = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (d *DB) List(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := d.Client.QueryContext(ctx,
		d.Rebind(`SELECT key, value FROM kv_entries WHERE key LIKE $1 ESCAPE '\' ORDER BY key`),
		likeReplacer.Replace(prefix)+"%",
	)
	if err != nil {
		return nil, errors.Wrapf(err, "sql list %s", prefix)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, errors.Wrapf(err, "sql list %s", prefix)
		}
		if strings.HasPrefix(e.Key, prefix) {
			out = append(out, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "sql list %s", prefix)
	}
	// postgres orders by locale collation
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
