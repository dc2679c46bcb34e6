package cluster

import (
	"sort"
	"time"

	"horse.fit/canon/internal/fingerprint"
)

const (
	DefaultHammingThreshold = 3
	DefaultNeighborWindow   = 50
)

// Member is the clustering view of a document.
type Member struct {
	ID          string
	ContentHash []byte
	Simhash     *uint64
	Source      string
	PublishedAt *time.Time
	FetchedAt   time.Time
	// Pinned marks a member that already entered the stage pipeline as a
	// primary. Elections keep it in place.
	Pinned bool
}

// Builder groups members into clusters by exact content hash and by
// simhash proximity inside shared LSH bands.
type Builder struct {
	HammingThreshold int
	NeighborWindow   int
}

func NewBuilder(threshold, window int) Builder {
	if threshold < 0 {
		threshold = DefaultHammingThreshold
	}
	if window <= 0 {
		window = DefaultNeighborWindow
	}
	return Builder{HammingThreshold: threshold, NeighborWindow: window}
}

// Partition maps each member id to its cluster key. The key is the smallest
// member id of the cluster so it does not depend on union order.
type Partition struct {
	keys   map[string]string
	groups map[string][]string
}

func (p Partition) Key(id string) (string, bool) {
	key, ok := p.keys[id]
	return key, ok
}

// Groups returns cluster key -> sorted member ids.
func (p Partition) Groups() map[string][]string {
	return p.groups
}

func (p Partition) Len() int {
	return len(p.groups)
}

// Build runs one clustering pass. Members are ordered by id before indexing,
// so the result does not depend on input order.
func (b Builder) Build(members []Member) Partition {
	threshold := b.HammingThreshold
	if threshold < 0 {
		threshold = DefaultHammingThreshold
	}
	window := b.NeighborWindow
	if window <= 0 {
		window = DefaultNeighborWindow
	}

	ordered := dedupeMembers(members)
	uf := NewUnionFind(len(ordered))

	byHash := make(map[string]int, len(ordered))
	for idx, m := range ordered {
		if len(m.ContentHash) == 0 {
			continue
		}
		key := string(m.ContentHash)
		if first, ok := byHash[key]; ok {
			uf.Union(first, idx)
			continue
		}
		byHash[key] = idx
	}

	for band := 0; band < fingerprint.BandCount; band++ {
		groups := make(map[uint16][]int)
		for idx, m := range ordered {
			if m.Simhash == nil {
				continue
			}
			value := fingerprint.Band(*m.Simhash)[band]
			groups[value] = append(groups[value], idx)
		}
		for _, group := range groups {
			if len(group) < 2 {
				continue
			}
			sort.Slice(group, func(i, j int) bool {
				left, right := ordered[group[i]], ordered[group[j]]
				if *left.Simhash != *right.Simhash {
					return *left.Simhash < *right.Simhash
				}
				return left.ID < right.ID
			})
			for i := 0; i < len(group); i++ {
				limit := i + window
				if limit >= len(group) {
					limit = len(group) - 1
				}
				for j := i + 1; j <= limit; j++ {
					left, right := ordered[group[i]], ordered[group[j]]
					if fingerprint.HammingDistance(*left.Simhash, *right.Simhash) <= threshold {
						uf.Union(group[i], group[j])
					}
				}
			}
		}
	}

	// ordered is sorted by id, so the first member seen per root is the key.
	rootKey := make(map[int]string, len(ordered))
	p := Partition{
		keys:   make(map[string]string, len(ordered)),
		groups: make(map[string][]string),
	}
	for idx, m := range ordered {
		root := uf.Find(idx)
		key, ok := rootKey[root]
		if !ok {
			key = m.ID
			rootKey[root] = key
		}
		p.keys[m.ID] = key
		p.groups[key] = append(p.groups[key], m.ID)
	}
	return p
}

func dedupeMembers(members []Member) []Member {
	seen := make(map[string]struct{}, len(members))
	out := make([]Member, 0, len(members))
	for _, m := range members {
		if m.ID == "" {
			continue
		}
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

