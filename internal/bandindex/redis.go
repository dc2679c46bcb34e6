package bandindex

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"horse.fit/canon/internal/fingerprint"
)

const defaultPrefix = "canon"

// Redis keeps one set per content hash and one per (band position, value).
// Keys share the hash tag {prefix} so SUNION stays in one cluster slot.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedis connects using a redis:// URL and verifies the connection.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Redis{rdb: rdb, prefix: defaultPrefix}, nil
}

func NewRedisWithClient(rdb redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) tag() string {
	return "{" + r.prefix + "}"
}

func (r *Redis) hashKey(hash []byte) string {
	return r.tag() + ":hash:" + hex.EncodeToString(hash)
}

// bandKey uses 1-based band positions to match the simhash_band_N columns.
func (r *Redis) bandKey(position int, value uint16) string {
	return r.tag() + ":band:" + strconv.Itoa(position+1) + ":" + strconv.FormatUint(uint64(value), 10)
}

func (r *Redis) entryKeys(e Entry) []string {
	keys := make([]string, 0, 1+fingerprint.BandCount)
	if len(e.ContentHash) > 0 {
		keys = append(keys, r.hashKey(e.ContentHash))
	}
	if e.Bands != nil {
		for i, v := range e.Bands {
			keys = append(keys, r.bandKey(i, v))
		}
	}
	return keys
}

func (r *Redis) queryKeys(q Query) []string {
	seen := make(map[string]struct{})
	keys := make([]string, 0, len(q.Hashes)+len(q.Bands)*fingerprint.BandCount)
	add := func(key string) {
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	for _, h := range q.Hashes {
		if len(h) > 0 {
			add(r.hashKey(h))
		}
	}
	for _, b := range q.Bands {
		for i, v := range b {
			add(r.bandKey(i, v))
		}
	}
	return keys
}

func (r *Redis) Add(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			for _, key := range r.entryKeys(e) {
				pipe.SAdd(ctx, key, e.ID)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("index %d documents: %w", len(entries), err)
	}
	return nil
}

func (r *Redis) Candidates(ctx context.Context, q Query) ([]string, error) {
	keys := r.queryKeys(q)
	if len(keys) == 0 {
		return nil, nil
	}
	ids, err := r.rdb.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("union %d band keys: %w", len(keys), err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
