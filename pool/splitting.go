package pool

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/shenjiangwei/gpupool/driver"
	"github.com/shenjiangwei/gpupool/internal/freeset"
	"github.com/shenjiangwei/gpupool/internal/obslog"
	"github.com/shenjiangwei/gpupool/poolerr"
)

var splittingLog = obslog.Named("pool.splitting")

// blockHandle is the driver.Handle applications receive for a carved
// block. Its fields are a snapshot taken at hand-out time: a block's
// size/offset/base never change again while it is stateAllocated, so
// reading them here needs no lock.
type blockHandle struct {
	id      int
	size    uint64
	address uintptr
	base    driver.Handle
}

func (h *blockHandle) Size() uint64       { return h.size }
func (h *blockHandle) Address() uintptr   { return h.address }
func (h *blockHandle) ContextValid() bool { return h.base.ContextValid() }

// SplittingPool (C6) carves driver buffers into class-granularity blocks
// that can be split on alloc and coalesced back together on free and on
// compact, generalizing the teacher's hybrid buddy allocator from
// power-of-two orders to three independently-tuned size classes. A
// single non-reentrant mutex guards both the free-lists and the block
// graph; Free's incremental coalesce step opportunistically re-acquires
// it with TryLock and simply skips the extra work if some other
// operation (scan, compact, reclaim) already holds it — this is the
// reason the lock must support a non-blocking acquire rather than being
// a plain reentrant mutex, per the design notes.
type SplittingPool struct {
	shim *driver.Shim
	gc   GCHost

	mu           sync.Mutex
	arena        blockArena
	freeLists    [3]*freeset.Set[int]
	allocated    map[uintptr]int
	nextIdentity uint64
}

var _ Pool = (*SplittingPool)(nil)

func (p *SplittingPool) Init(cfg Config) error {
	p.shim = driver.NewShim(cfg.Device, cfg.MemoryLimit, cfg.Stats)
	p.gc = cfg.GC
	if p.gc == nil {
		p.gc = RuntimeGCHost{}
	}
	for i := range p.freeLists {
		p.freeLists[i] = freeset.New[int]()
	}
	p.allocated = make(map[uintptr]int)
	return nil
}

func (p *SplittingPool) Deinit() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.allocated) > 0 {
		var merr *multierror.Error
		for addr, id := range p.allocated {
			blk := p.arena.get(id)
			merr = multierror.Append(merr, fmt.Errorf("handle at 0x%x (size %d) never freed", addr, blk.size))
		}
		return poolerr.Wrap(poolerr.InvalidState, merr, "deinit called with outstanding handles")
	}

	for c := classSmall; c <= classHuge; c++ {
		p.compactLocked(c)
	}
	p.reclaimAllLocked()
	return nil
}

func (p *SplittingPool) nextIdentityLocked() uint64 {
	p.nextIdentity++
	return p.nextIdentity
}

// keyOf builds the free-list key for a block as it currently stands.
// Callers must do this before mutating the block's size, since the key
// is how the entry is found again for deletion.
func keyOf(b *block) freeset.Key {
	return freeset.Key{Size: b.size, Identity: b.identity}
}

// scanLocked returns the smallest AVAILABLE block in class c that fits
// sz within c's overhead bound, assuming the caller holds mu.
func (p *SplittingPool) scanLocked(c sizeClass, sz uint64) (int, bool) {
	overhead := maxOverhead(c)
	found := -1
	p.freeLists[c].ScanFrom(sz, func(key freeset.Key, id int) bool {
		if overhead != ^uint64(0) && key.Size-sz > overhead {
			return false
		}
		found = id
		return false
	})
	return found, found != -1
}

// splitOnAllocLocked trims a found block down to exactly sz, carving the
// remainder off as a new AVAILABLE sibling when the class permits
// splitting and the remainder falls in the same class as sz (§4.5). If
// the class forbids splitting, or the remainder would belong to a
// different size class, the whole block is handed out unsplit — its
// size exceeds sz, which the size contract (handle.Size() >= sz) allows.
func (p *SplittingPool) splitOnAllocLocked(id int, sz uint64, c sizeClass) {
	blk := p.arena.get(id)
	remainder := blk.size - sz
	if remainder == 0 || !splittable(c) || classOf(remainder) != c {
		return
	}

	newBlk := &block{
		base:     blk.base,
		baseAddr: blk.baseAddr,
		offset:   blk.offset + sz,
		size:     remainder,
		state:    stateAvailable,
		class:    c,
		identity: p.nextIdentityLocked(),
		prev:     id,
		next:     blk.next,
	}
	newID := p.arena.alloc(newBlk)
	if blk.next != -1 {
		p.arena.get(blk.next).prev = newID
	}
	blk.next = newID
	blk.size = sz
	p.freeLists[c].Insert(keyOf(newBlk), newID)
}

// scan implements the ladder's scan sub-step for class c.
func (p *SplittingPool) scan(c sizeClass, sz uint64) (driver.Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.scanLocked(c, sz)
	if !ok {
		return nil, false
	}
	blk := p.arena.get(id)
	p.freeLists[c].Delete(keyOf(blk))
	p.splitOnAllocLocked(id, sz, c)

	blk.state = stateAllocated
	h := &blockHandle{id: id, size: blk.size, address: blk.baseAddr + uintptr(blk.offset), base: blk.base}
	p.allocated[h.address] = id
	return h, true
}

// driverAllocClass implements the ladder's driver sub-step for class c:
// it asks the driver for exactly one class-granularity-rounded buffer and
// hands it out whole, so no split step is needed.
func (p *SplittingPool) driverAllocClass(c sizeClass, sz uint64) (driver.Handle, error) {
	rounded := roundUp(sz, c)
	base, err := p.shim.ActualAlloc(rounded)
	if err != nil {
		return nil, err
	}
	if base == nil {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	blk := &block{
		base:     base,
		baseAddr: base.Address(),
		offset:   0,
		size:     rounded,
		state:    stateAllocated,
		class:    c,
		identity: p.nextIdentityLocked(),
		prev:     -1,
		next:     -1,
	}
	id := p.arena.alloc(blk)
	h := &blockHandle{id: id, size: blk.size, address: blk.baseAddr, base: blk.base}
	p.allocated[h.address] = id
	return h, nil
}

// reclaimLocked returns every whole AVAILABLE block in class c to the
// driver. A TODO in the source notes that partial/ordered reclaim (stop
// once enough bytes are freed) would save some driver round-trips; this
// keeps the simpler total sweep instead.
func (p *SplittingPool) reclaimLocked(c sizeClass) {
	var ids []int
	p.freeLists[c].ScanAll(func(_ freeset.Key, id int) bool {
		if p.arena.isWhole(id) {
			ids = append(ids, id)
		}
		return true
	})
	for _, id := range ids {
		blk := p.arena.get(id)
		p.freeLists[c].Delete(keyOf(blk))
		p.shim.ActualFree(blk.base)
		p.arena.release(id)
	}
}

// reclaimAllLocked sweeps every class in SMALL -> LARGE -> HUGE order,
// the resolution to the spec's open question on reclaim ordering: small
// buffers are cheapest to recreate, so they're surrendered first.
func (p *SplittingPool) reclaimAllLocked() {
	p.reclaimLocked(classSmall)
	p.reclaimLocked(classLarge)
	p.reclaimLocked(classHuge)
}

// compactLocked coalesces every maximal run of adjacent AVAILABLE
// siblings in class c into a single block. Runs are found by walking
// each still-free block back to the head of its run, then forward,
// merging everything found into the head.
func (p *SplittingPool) compactLocked(c sizeClass) {
	var ids []int
	p.freeLists[c].ScanAll(func(_ freeset.Key, id int) bool {
		ids = append(ids, id)
		return true
	})

	visited := make(map[int]bool, len(ids))
	for _, id := range ids {
		if visited[id] {
			continue
		}
		blk := p.arena.get(id)
		if blk == nil || blk.state != stateAvailable {
			continue
		}

		head := id
		for {
			h := p.arena.get(head)
			if h.prev == -1 {
				break
			}
			prev := p.arena.get(h.prev)
			if prev.state != stateAvailable {
				break
			}
			head = h.prev
		}

		var run []int
		cur := head
		for cur != -1 {
			b := p.arena.get(cur)
			if b.state != stateAvailable {
				break
			}
			run = append(run, cur)
			visited[cur] = true
			cur = b.next
		}
		if len(run) <= 1 {
			continue
		}

		headBlk := p.arena.get(head)
		oldHeadKey := keyOf(headBlk)
		var total uint64
		for _, rid := range run {
			total += p.arena.get(rid).size
		}
		tailBlk := p.arena.get(run[len(run)-1])
		newNext := tailBlk.next

		for _, rid := range run[1:] {
			rb := p.arena.get(rid)
			p.freeLists[c].Delete(keyOf(rb))
			p.arena.release(rid)
		}

		p.freeLists[c].Delete(oldHeadKey)
		headBlk.size = total
		headBlk.next = newNext
		if newNext != -1 {
			p.arena.get(newNext).prev = head
		}
		p.freeLists[c].Insert(keyOf(headBlk), head)
	}
}

// coalesceChainLocked merges id's immediate run with its surviving
// neighbors after a free, without re-walking the whole class.
func (p *SplittingPool) coalesceChainLocked(c sizeClass, id int) {
	blk := p.arena.get(id)
	if blk == nil {
		return
	}

	if prev := blk.prev; prev != -1 {
		if pb := p.arena.get(prev); pb.state == stateAvailable {
			p.freeLists[c].Delete(keyOf(pb))
			p.freeLists[c].Delete(keyOf(blk))
			pb.size += blk.size
			pb.next = blk.next
			if blk.next != -1 {
				p.arena.get(blk.next).prev = prev
			}
			p.arena.release(id)
			p.freeLists[c].Insert(keyOf(pb), prev)
			id, blk = prev, pb
		}
	}
	if next := blk.next; next != -1 {
		if nb := p.arena.get(next); nb.state == stateAvailable {
			p.freeLists[c].Delete(keyOf(blk))
			p.freeLists[c].Delete(keyOf(nb))
			blk.size += nb.size
			blk.next = nb.next
			if nb.next != -1 {
				p.arena.get(nb.next).prev = id
			}
			p.arena.release(next)
			p.freeLists[c].Insert(keyOf(blk), id)
		}
	}
}

func (p *SplittingPool) Alloc(nbytes uint64) (driver.Handle, error) {
	c := classOf(nbytes)
	rounded := roundUp(nbytes, c)

	ops := ladderOps{
		scan:        func(sz uint64) (driver.Handle, bool) { return p.scan(c, sz) },
		driverAlloc: func(sz uint64) (driver.Handle, error) { return p.driverAllocClass(c, sz) },
		reclaim:     func(uint64) { p.mu.Lock(); p.reclaimAllLocked(); p.mu.Unlock() },
		compact:     func() { p.mu.Lock(); p.compactLocked(c); p.mu.Unlock() },
	}
	h, err := runLadder(rounded, p.gc, ops)
	if err != nil {
		splittingLog.Error("alloc(%d) class=%s exhausted the fallback ladder: %v\n%s", nbytes, c, err, p.Dump())
		return nil, err
	}
	return h, nil
}

func (p *SplittingPool) Free(h driver.Handle) error {
	p.mu.Lock()
	bh, ok := h.(*blockHandle)
	if !ok {
		p.mu.Unlock()
		return poolerr.New(poolerr.InvalidState, "free of handle not held by this pool")
	}
	id, tracked := p.allocated[bh.address]
	if !tracked || id != bh.id {
		p.mu.Unlock()
		return poolerr.New(poolerr.InvalidState, "free of handle not held by this pool")
	}
	delete(p.allocated, bh.address)

	blk := p.arena.get(id)
	blk.state = stateAvailable
	c := blk.class
	p.freeLists[c].Insert(keyOf(blk), id)
	p.mu.Unlock()

	if p.mu.TryLock() {
		p.coalesceChainLocked(c, id)
		p.mu.Unlock()
	}
	return nil
}

func (p *SplittingPool) UsedBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total uint64
	for _, id := range p.allocated {
		total += p.arena.get(id).size
	}
	return total
}

func (p *SplittingPool) CachedBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total uint64
	for c := classSmall; c <= classHuge; c++ {
		p.freeLists[c].ScanAll(func(_ freeset.Key, id int) bool {
			total += p.arena.get(id).size
			return true
		})
	}
	return total
}

func (p *SplittingPool) Dump() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := fmt.Sprintf("SplittingPool: %d allocated blocks\n", len(p.allocated))
	for addr, id := range p.allocated {
		blk := p.arena.get(id)
		s += fmt.Sprintf("  ALLOCATED 0x%x size=%d class=%s\n", addr, blk.size, blk.class)
	}
	for c := classSmall; c <= classHuge; c++ {
		p.freeLists[c].ScanAll(func(_ freeset.Key, id int) bool {
			blk := p.arena.get(id)
			s += fmt.Sprintf("  AVAILABLE 0x%x size=%d class=%s whole=%v\n",
				blk.baseAddr+uintptr(blk.offset), blk.size, c, p.arena.isWhole(id))
			return true
		})
	}
	return s
}
