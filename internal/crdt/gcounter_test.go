package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGCounter_IncrementAccumulatesLocally(t *testing.T) {
	g := NewGCounter("node-a")

	assert.Equal(t, uint64(5), g.Increment(5, 100))
	assert.Equal(t, uint64(8), g.Increment(3, 101))
	assert.Equal(t, uint64(8), g.LocalValue())
	assert.Equal(t, uint64(8), g.Value())
}

func TestGCounter_MergeTakesPointwiseMax(t *testing.T) {
	g := NewGCounter("node-a")
	g.Increment(10, 100)

	g.Merge("node-b", 7, 100)
	assert.Equal(t, uint64(17), g.Value())

	// A stale (smaller) remote value never decreases the slot.
	g.Merge("node-b", 3, 101)
	assert.Equal(t, uint64(17), g.Value())

	// A larger remote value does advance it.
	g.Merge("node-b", 9, 102)
	assert.Equal(t, uint64(19), g.Value())
}

func TestGCounter_MergeIsIdempotentAndCommutative(t *testing.T) {
	a := NewGCounter("self")
	b := NewGCounter("self")

	a.Merge("x", 4, 1)
	a.Merge("y", 6, 1)
	b.Merge("y", 6, 1)
	b.Merge("x", 4, 1)

	assert.Equal(t, a.Value(), b.Value())

	// Re-applying the same merge changes nothing.
	a.Merge("x", 4, 1)
	assert.Equal(t, uint64(10), a.Value())
}

func TestGCounter_PruneSkipsSelfAndReinstatesOnLateMessage(t *testing.T) {
	g := NewGCounter("self")
	g.Increment(2, 1000)
	g.Merge("stale-peer", 5, 1000)
	g.Merge("fresh-peer", 5, 2000)

	pruned := g.Prune(2000, 500)
	assert.Equal(t, 1, pruned)

	snap := g.Snapshot()
	_, staleStillThere := snap["stale-peer"]
	assert.False(t, staleStillThere)
	_, selfStillThere := snap["self"]
	assert.True(t, selfStillThere)

	// A late message from the pruned actor reinstates its slot at the
	// reported value rather than erroring.
	g.Merge("stale-peer", 6, 2001)
	assert.Equal(t, uint64(13), g.Value())
}

func TestGCounter_ValueSaturatesOnOverflow(t *testing.T) {
	g := NewGCounter("self")
	g.Merge("a", ^uint64(0), 1)
	g.Merge("b", 1, 1)

	assert.Equal(t, ^uint64(0), g.Value())
}
