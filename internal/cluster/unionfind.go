package cluster

// UnionFind is a disjoint-set forest over dense integer indexes. Documents
// are mapped to indexes once per run, so no pointers are shared between
// nodes.
type UnionFind struct {
	parent []uint32
	rank   []uint8
}

func NewUnionFind(n int) *UnionFind {
	uf := &UnionFind{
		parent: make([]uint32, n),
		rank:   make([]uint8, n),
	}
	for i := range uf.parent {
		uf.parent[i] = uint32(i)
	}
	return uf
}

func (u *UnionFind) Len() int {
	return len(u.parent)
}

// Find returns the set representative for x, halving the path as it goes.
func (u *UnionFind) Find(x int) int {
	i := uint32(x)
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return int(i)
}

// Union merges the sets containing a and b and reports whether they were
// previously disjoint.
func (u *UnionFind) Union(a, b int) bool {
	ra, rb := u.Find(a), u.Find(b)
	if ra == rb {
		return false
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = uint32(rb)
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = uint32(ra)
	default:
		u.parent[rb] = uint32(ra)
		u.rank[ra]++
	}
	return true
}

func (u *UnionFind) Connected(a, b int) bool {
	return u.Find(a) == u.Find(b)
}
