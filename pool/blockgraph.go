package pool

import "github.com/shenjiangwei/gpupool/driver"

// blockState tracks where a block sits relative to application ownership,
// per §3's Block invariants. FREED is terminal: a FREED block must never
// reappear in a free-list and must never be re-freed.
type blockState int

const (
	stateAvailable blockState = iota
	stateAllocated
	stateFreed
)

// block is one view over a base driver buffer. Siblings form a doubly
// linked chain via prev/next arena indices (-1 means no sibling in that
// direction); sum(sibling.size) always equals the base buffer's size.
type block struct {
	base     driver.Handle
	baseAddr uintptr
	offset   uint64
	size     uint64
	state    blockState
	class    sizeClass
	identity uint64
	prev     int
	next     int
}

// blockArena holds every block as an arena of index-addressed nodes rather
// than a pointer graph, per the design notes: this keeps the graph trivially
// relocatable and avoids Go-GC ownership hazards from intrusive pointer
// cycles between siblings.
type blockArena struct {
	nodes []*block
	free  []int
}

func (a *blockArena) alloc(b *block) int {
	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		a.nodes[id] = b
		return id
	}
	a.nodes = append(a.nodes, b)
	return len(a.nodes) - 1
}

func (a *blockArena) get(id int) *block {
	if id < 0 || id >= len(a.nodes) {
		return nil
	}
	return a.nodes[id]
}

func (a *blockArena) release(id int) {
	a.nodes[id] = nil
	a.free = append(a.free, id)
}

// isWhole reports whether id has no siblings, i.e. it can be returned to
// the driver as-is (§3: "Only a whole block may be returned to the driver").
func (a *blockArena) isWhole(id int) bool {
	b := a.get(id)
	return b.prev == -1 && b.next == -1
}
