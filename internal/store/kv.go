// Package store provides the key-value persistence collaborator used by the
// attendance core, with in-memory, Redis and SQL backends.
package store

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotFound = errors.New("store: key not found")
	ErrExists   = errors.New("store: key already exists")
	ErrConflict = errors.New("store: too many concurrent updates")
)

// maxUpdateRetries bounds optimistic retries in Update.
const maxUpdateRetries = 16

// Entry is a key with its stored value.
type Entry struct {
	Key   string
	Value []byte
}

// UpdateFunc computes the next value from the current one. exists is false when
// the key is absent. Returning an error aborts the update without writing; the
// error is returned from Update unchanged.
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// KV is a flat key-value store with per-key atomic read-modify-write.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Create writes value only if key is absent, else returns ErrExists.
	Create(ctx context.Context, key string, value []byte) error
	Update(ctx context.Context, key string, fn UpdateFunc) error
	// List returns all entries whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	Healthy(ctx context.Context) bool
	Close() error
}

// Open builds the backend named by kind.
func Open(kind, redisAddr, databaseURL, sqlitePath string) (KV, error) {
	switch kind {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(redisAddr), nil
	case "postgres":
		return migrated(NewDB(databaseURL))
	case "sqlite":
		return migrated(NewSQLite(sqlitePath))
	default:
		return nil, fmt.Errorf("store: unknown backend %q", kind)
	}
}

// migrated creates the schema on a freshly opened db. The pool is closed
// when opening or migrating failed.
func migrated(db *DB, err error) (KV, error) {
	if err == nil {
		err = db.Migrate(context.Background())
	}
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
