package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis wraps redis client.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to redis with short timeouts.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client}
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "redis get %s", key)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	return errors.Wrapf(r.Client.Set(ctx, key, value, 0).Err(), "redis set %s", key)
}

func (r *Redis) Create(ctx context.Context, key string, value []byte) error {
	ok, err := r.Client.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return errors.Wrapf(err, "redis setnx %s", key)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// Update runs fn inside a WATCH/MULTI transaction and retries when another
// client modified the key in between.
func (r *Redis) Update(ctx context.Context, key string, fn UpdateFunc) error {
	var fnErr error
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		exists := true
		if errors.Is(err, redis.Nil) {
			cur, exists = nil, false
		} else if err != nil {
			return err
		}
		next, err := fn(cur, exists)
		if err != nil {
			fnErr = err
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		fnErr = nil
		err := r.Client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case fnErr != nil:
			return fnErr
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return errors.Wrapf(err, "redis update %s", key)
		}
	}
	return ErrConflict
}

// List scans keys matching prefix and fetches their values with MGET.
func (r *Redis) List(ctx context.Context, prefix string) ([]Entry, error) {
	var keys []string
	iter := r.Client.Scan(ctx, 0, escapeGlob(prefix)+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrapf(err, "redis scan %s", prefix)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	out := make([]Entry, 0, len(keys))
	const batch = 200
	for start := 0; start < len(keys); start += batch {
		end := start + batch
		if end > len(keys) {
			end = len(keys)
		}
		vals, err := r.Client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "redis mget %s", prefix)
		}
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				// deleted between SCAN and MGET
				continue
			}
			out = append(out, Entry{Key: keys[start+i], Value: []byte(s)})
		}
	}
	return out, nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string { return globReplacer.Replace(s) }
