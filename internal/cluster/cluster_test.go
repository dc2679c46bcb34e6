package cluster

import (
	"testing"
	"time"

	"horse.fit/canon/internal/fingerprint"
)

func simhashPtr(v uint64) *uint64 {
	return &v
}

func hashOf(content string) []byte {
	sum := fingerprint.ContentHash(content)
	return sum[:]
}

func TestUnionFind(t *testing.T) {
	t.Parallel()

	uf := NewUnionFind(5)
	if !uf.Union(0, 1) || !uf.Union(3, 4) {
		t.Fatalf("expected fresh unions to merge")
	}
	if uf.Union(1, 0) {
		t.Fatalf("expected repeated union to be a no-op")
	}
	uf.Union(1, 4)
	if !uf.Connected(0, 3) {
		t.Fatalf("expected transitive connection")
	}
	if uf.Connected(2, 0) {
		t.Fatalf("expected singleton to stay disjoint")
	}
}

func TestBuild_ExactDuplicatesMergeWithoutSimhash(t *testing.T) {
	t.Parallel()

	members := []Member{
		{ID: "a", ContentHash: hashOf("Beijing education reform announced today")},
		{ID: "b", ContentHash: hashOf("Beijing education reform announced today ")},
		{ID: "c", ContentHash: hashOf("something else")},
	}
	p := NewBuilder(DefaultHammingThreshold, DefaultNeighborWindow).Build(members)

	ka, _ := p.Key("a")
	kb, _ := p.Key("b")
	kc, _ := p.Key("c")
	if ka != kb {
		t.Fatalf("expected exact duplicates in one cluster: %q vs %q", ka, kb)
	}
	if ka == kc {
		t.Fatalf("expected different content in separate clusters")
	}
	if p.Len() != 2 {
		t.Fatalf("unexpected cluster count: %d", p.Len())
	}
}

func TestBuild_NearDuplicatesWithinThreshold(t *testing.T) {
	t.Parallel()

	base := uint64(0xFFFF_0000_AAAA_5555)
	members := []Member{
		{ID: "d1", Simhash: simhashPtr(base)},
		{ID: "d2", Simhash: simhashPtr(base ^ 0b111)},
		{ID: "d3", Simhash: simhashPtr(base ^ 0b1111_0000)},
		{ID: "far", Simhash: simhashPtr(^base)},
	}
	p := NewBuilder(3, 50).Build(members)

	k1, _ := p.Key("d1")
	k2, _ := p.Key("d2")
	k3, _ := p.Key("d3")
	kf, _ := p.Key("far")
	if k1 != k2 {
		t.Fatalf("expected distance-3 pair to merge")
	}
	if k1 == k3 {
		t.Fatalf("expected distance-4 pair to stay apart")
	}
	if kf == k1 {
		t.Fatalf("expected far simhash to stay apart")
	}
	if k1 != "d1" {
		t.Fatalf("cluster key should be the smallest member id, got %q", k1)
	}
}

func TestBuild_ChainsThroughIntermediate(t *testing.T) {
	t.Parallel()

	base := uint64(0x1234_5678_9ABC_DEF0)
	members := []Member{
		{ID: "a", Simhash: simhashPtr(base)},
		{ID: "b", Simhash: simhashPtr(base ^ 0b11)},
		{ID: "c", Simhash: simhashPtr(base ^ 0b1111)},
	}
	p := NewBuilder(3, 50).Build(members)
	ka, _ := p.Key("a")
	kc, _ := p.Key("c")
	if ka != kc {
		t.Fatalf("expected a and c connected through b")
	}
}

func TestBuild_NeighborWindowBoundsComparisons(t *testing.T) {
	t.Parallel()

	// All share band 1. Sorted by simhash, both fillers sit between
	// "target" and "x".
	target := uint64(0xABCD_0000_0000_0000)
	members := []Member{
		{ID: "target", Simhash: simhashPtr(target)},
		{ID: "filler1", Simhash: simhashPtr(target | 0x0000_0000_0000_0FF0)},
		{ID: "filler2", Simhash: simhashPtr(target | 0x0000_0000_0000_FF00)},
		{ID: "x", Simhash: simhashPtr(target | 0x0000_0000_0001_0003)},
	}

	narrow := NewBuilder(3, 1).Build(members)
	kt, _ := narrow.Key("target")
	kx, _ := narrow.Key("x")
	if kt == kx {
		t.Fatalf("expected window=1 to miss far-in-order pair")
	}

	wide := NewBuilder(3, 50).Build(members)
	kt, _ = wide.Key("target")
	kx, _ = wide.Key("x")
	if kt != kx {
		t.Fatalf("expected window=50 to find the pair")
	}
}

func TestBuild_IsIdempotentAndOrderIndependent(t *testing.T) {
	t.Parallel()

	base := uint64(0x0F0F_0F0F_0F0F_0F0F)
	members := []Member{
		{ID: "m3", Simhash: simhashPtr(base ^ 1)},
		{ID: "m1", Simhash: simhashPtr(base)},
		{ID: "m2", ContentHash: hashOf("x")},
		{ID: "m4", ContentHash: hashOf("x"), Simhash: simhashPtr(base ^ 0b110)},
		{ID: "m5"},
	}
	reversed := make([]Member, len(members))
	for i, m := range members {
		reversed[len(members)-1-i] = m
	}

	b := NewBuilder(3, 50)
	first := b.Build(members)
	second := b.Build(reversed)
	for _, m := range members {
		k1, _ := first.Key(m.ID)
		k2, _ := second.Key(m.ID)
		if k1 != k2 {
			t.Fatalf("cluster key for %s changed between runs: %q vs %q", m.ID, k1, k2)
		}
	}
	if first.Len() != 2 {
		t.Fatalf("expected {m1..m4} and {m5}, got %d clusters", first.Len())
	}
}

func TestSelectPrimary_SourcePriorityBeatsPublishTime(t *testing.T) {
	t.Parallel()

	priority := NewSourcePriority([]string{"Agency-A", "Agency-B"})
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(48 * time.Hour)
	members := []Member{
		{ID: "unranked", Source: "Blog", PublishedAt: &early},
		{ID: "b", Source: "Agency-B", PublishedAt: &early},
		{ID: "a", Source: "agency-a", PublishedAt: &late},
	}

	for i := 0; i < 3; i++ {
		if got := SelectPrimary(members, priority); got != "a" {
			t.Fatalf("expected Agency-A document as primary, got %q", got)
		}
	}
}

func TestSelectPrimary_TieBreaks(t *testing.T) {
	t.Parallel()

	priority := NewSourcePriority(nil)
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	noPublish := []Member{
		{ID: "with", PublishedAt: &t1, FetchedAt: t1},
		{ID: "without", FetchedAt: t0},
	}
	if got := SelectPrimary(noPublish, priority); got != "with" {
		t.Fatalf("missing publish time should sort last, got %q", got)
	}

	fetched := []Member{
		{ID: "late", PublishedAt: &t0, FetchedAt: t1},
		{ID: "early", PublishedAt: &t0, FetchedAt: t0},
	}
	if got := SelectPrimary(fetched, priority); got != "early" {
		t.Fatalf("earliest fetch should win, got %q", got)
	}

	ids := []Member{
		{ID: "doc-b", FetchedAt: t0},
		{ID: "doc-a", FetchedAt: t0},
	}
	if got := SelectPrimary(ids, priority); got != "doc-a" {
		t.Fatalf("lowest id should win final tie, got %q", got)
	}
}

func TestElect_PinnedMemberKeepsPrimary(t *testing.T) {
	t.Parallel()

	base := uint64(0xAAAA_BBBB_CCCC_DDDD)
	members := []Member{
		{ID: "old", Source: "Agency-B", Simhash: simhashPtr(base), Pinned: true},
		{ID: "new", Source: "Agency-A", Simhash: simhashPtr(base ^ 1)},
	}
	priority := NewSourcePriority([]string{"Agency-A", "Agency-B"})
	p := NewBuilder(3, 50).Build(members)

	elections := Elect(members, p, priority)
	if len(elections) != 1 {
		t.Fatalf("expected one cluster, got %d", len(elections))
	}
	if elections[0].PrimaryID != "old" {
		t.Fatalf("pinned member should stay primary, got %q", elections[0].PrimaryID)
	}

	members[0].Pinned = false
	elections = Elect(members, p, priority)
	if elections[0].PrimaryID != "new" {
		t.Fatalf("without pins the ranked source should win, got %q", elections[0].PrimaryID)
	}
}

func TestElect_BridgedPinnedMembersUseOrdering(t *testing.T) {
	t.Parallel()

	members := []Member{
		{ID: "b", Source: "Agency-B", Simhash: simhashPtr(0x3f), Pinned: true},
		{ID: "a", Source: "Agency-A", Simhash: simhashPtr(0x00), Pinned: true},
		{ID: "bridge", Source: "Agency-A", Simhash: simhashPtr(0x07), FetchedAt: time.Unix(0, 0)},
	}
	priority := NewSourcePriority([]string{"Agency-A", "Agency-B"})
	p := NewBuilder(3, 50).Build(members)

	elections := Elect(members, p, priority)
	if len(elections) != 1 || len(elections[0].Members) != 3 {
		t.Fatalf("expected the bridge to join one cluster, got %+v", elections)
	}
	if elections[0].PrimaryID != "a" {
		t.Fatalf("expected the better-ranked pinned member to win, got %q", elections[0].PrimaryID)
	}
}
