package diskio

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testValue struct {
	span blockRange
}

func newTestTree() *splayTree[*testValue] {
	return newSplayTree[*testValue](func(v *testValue) blockRange {
		return v.span
	})
}

func TestSplayInsertFindRemove(t *testing.T) {
	tree := newTestTree()

	keys := rand.Perm(200)
	for _, k := range keys {
		require.True(t, tree.Insert(&testValue{span: pointRange(uint64(k))}))
	}
	assert.Equal(t, 200, tree.Len())

	// Duplicate insertion must fail.
	assert.False(t, tree.Insert(&testValue{span: pointRange(57)}))

	for _, k := range rand.Perm(200) {
		v, ok := tree.Find(pointRange(uint64(k)))
		require.True(t, ok, "key %d missing", k)
		assert.Equal(t, uint64(k), v.span.first)
	}
	_, ok := tree.Find(pointRange(200))
	assert.False(t, ok)

	for _, k := range rand.Perm(200) {
		require.True(t, tree.Remove(pointRange(uint64(k))), "key %d not removed", k)
	}
	assert.Zero(t, tree.Len())
	assert.False(t, tree.Remove(pointRange(0)))
}

func TestSplayOverlapProbe(t *testing.T) {
	tree := newTestTree()

	ranges := []blockRange{
		{first: 10, last: 19},
		{first: 30, last: 30},
		{first: 40, last: 55},
	}
	for _, r := range ranges {
		require.True(t, tree.Insert(&testValue{span: r}))
	}

	// A point probe finds the range containing it.
	v, ok := tree.Find(pointRange(15))
	require.True(t, ok)
	assert.Equal(t, uint64(10), v.span.first)

	// A widened probe finds a range it merely touches.
	v, ok = tree.Find(blockRange{first: 19, last: 21})
	require.True(t, ok)
	assert.Equal(t, uint64(10), v.span.first)

	_, ok = tree.Find(pointRange(25))
	assert.False(t, ok)

	// Inserting an overlapping range is refused.
	assert.False(t, tree.Insert(&testValue{span: blockRange{first: 18, last: 22}}))
	// A range in the gap is fine.
	assert.True(t, tree.Insert(&testValue{span: blockRange{first: 21, last: 28}}))
}

func TestSplayKeyGrowthInPlace(t *testing.T) {
	tree := newTestTree()

	a := &testValue{span: blockRange{first: 10, last: 12}}
	b := &testValue{span: blockRange{first: 20, last: 22}}
	require.True(t, tree.Insert(a))
	require.True(t, tree.Insert(b))

	// Growing a value's interval in place keeps lookups working as long as
	// it never overlaps a neighbour.
	a.span.last = 18
	v, ok := tree.Find(pointRange(17))
	require.True(t, ok)
	assert.Same(t, a, v)

	require.True(t, tree.Remove(a.span))
	_, ok = tree.Find(pointRange(11))
	assert.False(t, ok)
	v, ok = tree.Find(pointRange(21))
	require.True(t, ok)
	assert.Same(t, b, v)
}
