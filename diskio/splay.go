package diskio

// blockRange is a closed interval of sector numbers. It doubles as the key
// type of the splay tree: two keys compare equal when their intervals overlap.
// Trees only ever store non-overlapping intervals, so ordering stays total,
// and an overlap probe is exactly the lookup the dirty-range bookkeeping
// needs ("which range contains or touches this sector").
type blockRange struct {
	first uint64
	last  uint64
}

func pointRange(sector uint64) blockRange {
	return blockRange{first: sector, last: sector}
}

func compareRanges(a, b blockRange) int {
	if a.last < b.first {
		return -1
	}
	if a.first > b.last {
		return 1
	}
	return 0
}

type splayNode[V any] struct {
	left  *splayNode[V]
	right *splayNode[V]
	value V
}

// splayTree is a top-down splay tree. Lookups restructure the tree so hot
// keys migrate toward the root, which suits the cache's access pattern:
// repeated hits on a small working set of sectors.
//
// Keys are derived from stored values via keyOf, so a value whose interval
// grows or shrinks in place keeps its tree node, provided the mutation never
// makes it overlap a neighbour.
type splayTree[V any] struct {
	root  *splayNode[V]
	size  int
	keyOf func(V) blockRange
}

func newSplayTree[V any](keyOf func(V) blockRange) *splayTree[V] {
	return &splayTree[V]{keyOf: keyOf}
}

func (t *splayTree[V]) Len() int {
	return t.size
}

// splay rotates the node whose key matches (or the last node on the search
// path) to the root.
func (t *splayTree[V]) splay(key blockRange) {
	if t.root == nil {
		return
	}

	var scratch splayNode[V]
	left, right := &scratch, &scratch
	x := t.root

	for {
		c := compareRanges(key, t.keyOf(x.value))
		if c < 0 {
			if x.left == nil {
				break
			}
			if compareRanges(key, t.keyOf(x.left.value)) < 0 {
				y := x.left
				x.left = y.right
				y.right = x
				x = y
				if x.left == nil {
					break
				}
			}
			right.left = x
			right = x
			x = x.left
		} else if c > 0 {
			if x.right == nil {
				break
			}
			if compareRanges(key, t.keyOf(x.right.value)) > 0 {
				y := x.right
				x.right = y.left
				y.left = x
				x = y
				if x.right == nil {
					break
				}
			}
			left.right = x
			left = x
			x = x.right
		} else {
			break
		}
	}

	left.right = x.left
	right.left = x.right
	x.left = scratch.right
	x.right = scratch.left
	t.root = x
}

// Find returns the value whose interval overlaps key.
func (t *splayTree[V]) Find(key blockRange) (V, bool) {
	var zero V
	if t.root == nil {
		return zero, false
	}
	t.splay(key)
	if compareRanges(key, t.keyOf(t.root.value)) != 0 {
		return zero, false
	}
	return t.root.value, true
}

// Insert adds a value. It fails if the value's interval overlaps an interval
// already present.
func (t *splayTree[V]) Insert(value V) bool {
	key := t.keyOf(value)
	if t.root == nil {
		t.root = &splayNode[V]{value: value}
		t.size++
		return true
	}

	t.splay(key)
	c := compareRanges(key, t.keyOf(t.root.value))
	if c == 0 {
		return false
	}

	node := &splayNode[V]{value: value}
	if c < 0 {
		node.left = t.root.left
		node.right = t.root
		t.root.left = nil
	} else {
		node.right = t.root.right
		node.left = t.root
		t.root.right = nil
	}
	t.root = node
	t.size++
	return true
}

// Remove deletes the value whose interval overlaps key.
func (t *splayTree[V]) Remove(key blockRange) bool {
	if t.root == nil {
		return false
	}
	t.splay(key)
	if compareRanges(key, t.keyOf(t.root.value)) != 0 {
		return false
	}

	left := t.root.left
	right := t.root.right
	if left == nil {
		t.root = right
	} else {
		// Splaying the removed key in the left subtree brings its maximum to
		// the root, which then has a free right child slot.
		t.root = left
		t.splay(key)
		t.root.right = right
	}
	t.size--
	return true
}
