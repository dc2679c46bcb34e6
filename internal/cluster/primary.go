package cluster

import (
	"sort"
	"strings"
)

// SourcePriority ranks source names; earlier names win primary elections.
type SourcePriority struct {
	ranks map[string]int
}

func NewSourcePriority(names []string) SourcePriority {
	ranks := make(map[string]int, len(names))
	for _, name := range names {
		key := normalizeSource(name)
		if key == "" {
			continue
		}
		if _, exists := ranks[key]; exists {
			continue
		}
		ranks[key] = len(ranks)
	}
	return SourcePriority{ranks: ranks}
}

// Rank returns the source's position and whether it is ranked at all.
func (p SourcePriority) Rank(source string) (int, bool) {
	rank, ok := p.ranks[normalizeSource(source)]
	return rank, ok
}

func (p SourcePriority) Len() int {
	return len(p.ranks)
}

func normalizeSource(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Less is the total order used for primary election: ranked sources first,
// then earliest publish time (missing last), earliest fetch time, and id.
func (p SourcePriority) Less(a, b Member) bool {
	rankA, okA := p.Rank(a.Source)
	rankB, okB := p.Rank(b.Source)
	if okA != okB {
		return okA
	}
	if okA && rankA != rankB {
		return rankA < rankB
	}

	switch {
	case a.PublishedAt != nil && b.PublishedAt == nil:
		return true
	case a.PublishedAt == nil && b.PublishedAt != nil:
		return false
	case a.PublishedAt != nil && b.PublishedAt != nil && !a.PublishedAt.Equal(*b.PublishedAt):
		return a.PublishedAt.Before(*b.PublishedAt)
	}

	if !a.FetchedAt.Equal(b.FetchedAt) {
		return a.FetchedAt.Before(b.FetchedAt)
	}
	return a.ID < b.ID
}

// SelectPrimary returns the id of the minimum member under priority.Less.
func SelectPrimary(members []Member, priority SourcePriority) string {
	if len(members) == 0 {
		return ""
	}
	best := members[0]
	for _, m := range members[1:] {
		if priority.Less(m, best) {
			best = m
		}
	}
	return best.ID
}

// Election is the primary assignment for one cluster.
type Election struct {
	PrimaryID string
	Members   []string
}

// Elect picks a primary for every cluster of the partition. Clusters with
// pinned members elect among the pinned members only, so Pinned is an input
// to the ordering: the same member set can elect a different primary
// depending on which members were already admitted. When a late member
// bridges two pinned clusters, one pinned member wins and the caller must
// withdraw the others from the stages.
func Elect(members []Member, partition Partition, priority SourcePriority) []Election {
	byID := make(map[string]Member, len(members))
	for _, m := range members {
		if _, ok := byID[m.ID]; !ok {
			byID[m.ID] = m
		}
	}

	keys := make([]string, 0, partition.Len())
	for key := range partition.Groups() {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	elections := make([]Election, 0, len(keys))
	for _, key := range keys {
		ids := partition.Groups()[key]
		candidates := make([]Member, 0, len(ids))
		pinned := make([]Member, 0, 1)
		for _, id := range ids {
			m := byID[id]
			candidates = append(candidates, m)
			if m.Pinned {
				pinned = append(pinned, m)
			}
		}
		if len(pinned) > 0 {
			candidates = pinned
		}
		elections = append(elections, Election{
			PrimaryID: SelectPrimary(candidates, priority),
			Members:   ids,
		})
	}
	return elections
}
