package bandindex

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"horse.fit/canon/internal/fingerprint"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisWithClient(rdb, "test"), srv
}

func entry(id string, hash byte, simhash uint64) Entry {
	bands := fingerprint.Band(simhash)
	return Entry{ID: id, ContentHash: []byte{hash}, Bands: &bands}
}

func TestRedisCandidatesAcrossBatches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx, srv := newTestRedis(t)

	if err := idx.Add(ctx, []Entry{entry("a", 1, 0x1111_2222_3333_4444)}); err != nil {
		t.Fatalf("Add(first batch) error = %v", err)
	}
	if err := idx.Add(ctx, []Entry{
		entry("b", 2, 0xAAAA_BBBB_CCCC_DDDD),
		entry("c", 3, 0x5555_6666_7777_8888),
	}); err != nil {
		t.Fatalf("Add(second batch) error = %v", err)
	}

	members, err := srv.Members("{test}:band:3:13107")
	if err != nil || len(members) != 1 || members[0] != "a" {
		t.Fatalf("expected a under band 3 value 0x3333, got %v err=%v", members, err)
	}

	// One shared band with a, the exact hash of b, nothing of c.
	ids, err := idx.Candidates(ctx, Query{
		Hashes: [][]byte{{2}},
		Bands:  []fingerprint.Bands{fingerprint.Band(0x0000_0000_3333_0000)},
	})
	if err != nil {
		t.Fatalf("Candidates() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("expected candidates [a b], got %v", ids)
	}
}

func TestRedisAddIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx, _ := newTestRedis(t)
	e := entry("a", 1, 0x0102_0304_0506_0708)
	for i := 0; i < 2; i++ {
		if err := idx.Add(ctx, []Entry{e}); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	ids, err := idx.Candidates(ctx, Query{Bands: []fingerprint.Bands{*e.Bands}})
	if err != nil {
		t.Fatalf("Candidates() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("expected [a], got %v", ids)
	}
}

func TestRedisCandidatesWithoutKeys(t *testing.T) {
	t.Parallel()

	idx, _ := newTestRedis(t)
	ids, err := idx.Candidates(context.Background(), Query{Hashes: [][]byte{nil}})
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected no candidates, got %v err=%v", ids, err)
	}
}
