package proximity

// DisjointSet is an array-backed union-find over the integers [0, n) with
// union by size and path compression.
type DisjointSet struct {
	parent []int
	size   []int
	sets   int
}

// NewDisjointSet starts with n singleton sets.
func NewDisjointSet(n int) *DisjointSet {
	d := &DisjointSet{
		parent: make([]int, n),
		size:   make([]int, n),
		sets:   n,
	}
	for i := range d.parent {
		d.parent[i] = i
		d.size[i] = 1
	}
	return d
}

// Find returns the representative of x's set.
func (d *DisjointSet) Find(x int) int {
	root := x
	for d.parent[root] != root {
		root = d.parent[root]
	}
	for d.parent[x] != root {
		next := d.parent[x]
		d.parent[x] = root
		x = next
	}
	return root
}

// Union merges the sets holding a and b. It reports false when they were
// already the same set.
func (d *DisjointSet) Union(a, b int) bool {
	ra, rb := d.Find(a), d.Find(b)
	if ra == rb {
		return false
	}
	if d.size[ra] < d.size[rb] {
		ra, rb = rb, ra
	}
	d.parent[rb] = ra
	d.size[ra] += d.size[rb]
	d.sets--
	return true
}

// Count is the number of disjoint sets, singletons included.
func (d *DisjointSet) Count() int {
	return d.sets
}

// Size is the number of members in x's set.
func (d *DisjointSet) Size(x int) int {
	return d.size[d.Find(x)]
}

// Groups lists the members of every set with at least minSize members.
// Groups are ordered by their smallest member; members are ascending.
func (d *DisjointSet) Groups(minSize int) [][]int {
	index := make(map[int]int)
	var groups [][]int
	for i := range d.parent {
		root := d.Find(i)
		if d.size[root] < minSize {
			continue
		}
		g, ok := index[root]
		if !ok {
			g = len(groups)
			index[root] = g
			groups = append(groups, make([]int, 0, d.size[root]))
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}
