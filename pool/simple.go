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

var simpleLog = obslog.Named("pool.simple")

const oneMiB = 1 << 20

// maxOversize implements §4.4's tiered scan policy: small requests (<=1MiB)
// accept any fit since they rarely waste much; larger requests cap the
// accepted buffer size at 4x the request to avoid a single request
// hoarding hundreds of MB.
func maxOversize(sz uint64) uint64 {
	if sz <= oneMiB {
		return ^uint64(0)
	}
	return 4 * sz
}

// SimplePool (C5): a single ordered free-list of raw driver buffers, no
// splitting or merging. Generalized from the teacher's mpool.MemoryPool,
// which pre-sized three fixed-capacity slot arrays (4-64KB/64KB-1MB/1-4MB);
// here the free-list grows and shrinks dynamically and is ordered by
// (size, identity) instead of bucketed by a hand-picked tier.
type SimplePool struct {
	shim *driver.Shim
	gc   GCHost

	mu        sync.Mutex
	available *freeset.Set[driver.Handle]
	allocated map[uintptr]driver.Handle
	nextID    uint64
}

var _ Pool = (*SimplePool)(nil)

func (p *SimplePool) Init(cfg Config) error {
	p.shim = driver.NewShim(cfg.Device, cfg.MemoryLimit, cfg.Stats)
	p.gc = cfg.GC
	if p.gc == nil {
		p.gc = RuntimeGCHost{}
	}
	p.available = freeset.New[driver.Handle]()
	p.allocated = make(map[uintptr]driver.Handle)
	return nil
}

func (p *SimplePool) Deinit() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.allocated) > 0 {
		var merr *multierror.Error
		for addr, h := range p.allocated {
			merr = multierror.Append(merr, fmt.Errorf("handle at 0x%x (size %d) never freed", addr, h.Size()))
		}
		return poolerr.Wrap(poolerr.InvalidState, merr, "deinit called with outstanding handles")
	}

	// Release every cached buffer back to the driver.
	p.available.ScanAll(func(_ freeset.Key, h driver.Handle) bool {
		p.shim.ActualFree(h)
		return true
	})
	p.available = freeset.New[driver.Handle]()
	return nil
}

func (p *SimplePool) identity(addr uintptr) uint64 {
	p.nextID++
	return uint64(addr)<<1 | (p.nextID & 1)
}

// scanLocked finds the smallest AVAILABLE buffer satisfying sz per §4.4's
// tiered oversize policy, assuming the caller holds mu.
func (p *SimplePool) scanLocked(sz uint64) (driver.Handle, freeset.Key, bool) {
	limit := maxOversize(sz)
	var found driver.Handle
	var foundKey freeset.Key
	ok := false
	p.available.ScanFrom(sz, func(key freeset.Key, h driver.Handle) bool {
		if limit != ^uint64(0) && key.Size > limit {
			return false // ordered by size; nothing smaller will fit either, and bigger fits even less.
		}
		found, foundKey, ok = h, key, true
		return false
	})
	return found, foundKey, ok
}

func (p *SimplePool) scan(sz uint64) (driver.Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, key, ok := p.scanLocked(sz)
	if !ok {
		return nil, false
	}
	p.available.Delete(key)
	p.allocated[h.Address()] = h
	return h, true
}

// reclaim pops the largest AVAILABLE buffers (reverse size order) and
// returns each to the driver until cumulative freed >= sz or the free-list
// is empty, per §4.4.
func (p *SimplePool) reclaim(sz uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var freed uint64
	var toFree []freeset.Key
	var handles []driver.Handle
	p.available.Descend(func(key freeset.Key, h driver.Handle) bool {
		toFree = append(toFree, key)
		handles = append(handles, h)
		freed += h.Size()
		return freed < sz
	})
	for i, key := range toFree {
		p.available.Delete(key)
		p.shim.ActualFree(handles[i])
	}
}

func (p *SimplePool) Alloc(nbytes uint64) (driver.Handle, error) {
	ops := ladderOps{
		scan:        p.scan,
		driverAlloc: p.shim.ActualAlloc,
		reclaim:     p.reclaim,
	}
	h, err := runLadder(nbytes, p.gc, ops)
	if err != nil {
		simpleLog.Error("alloc(%d) exhausted the fallback ladder: %v", nbytes, err)
		return nil, err
	}

	// If scan/driverAlloc produced a handle not yet recorded as allocated
	// (the driver path), record it now.
	p.mu.Lock()
	if _, tracked := p.allocated[h.Address()]; !tracked {
		p.allocated[h.Address()] = h
	}
	p.mu.Unlock()
	return h, nil
}

func (p *SimplePool) Free(h driver.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.allocated[h.Address()]; !ok {
		return poolerr.New(poolerr.InvalidState, "free of handle not held by this pool")
	}
	delete(p.allocated, h.Address())

	key := freeset.Key{Size: h.Size(), Identity: p.identity(h.Address())}
	p.available.Insert(key, h)
	return nil
}

func (p *SimplePool) UsedBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total uint64
	for _, h := range p.allocated {
		total += h.Size()
	}
	return total
}

func (p *SimplePool) CachedBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total uint64
	p.available.ScanAll(func(_ freeset.Key, h driver.Handle) bool {
		total += h.Size()
		return true
	})
	return total
}

func (p *SimplePool) Dump() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := fmt.Sprintf("SimplePool: %d allocated, %d cached entries\n", len(p.allocated), p.available.Len())
	for addr, h := range p.allocated {
		s += fmt.Sprintf("  ALLOCATED 0x%x size=%d\n", addr, h.Size())
	}
	p.available.ScanAll(func(key freeset.Key, h driver.Handle) bool {
		s += fmt.Sprintf("  AVAILABLE 0x%x size=%d\n", h.Address(), h.Size())
		return true
	})
	return s
}
