package pool

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/shenjiangwei/gpupool/driver"
	"github.com/shenjiangwei/gpupool/internal/obslog"
	"github.com/shenjiangwei/gpupool/poolerr"
)

var dummyLog = obslog.Named("pool.dummy")

// DummyPool (C4) is the baseline passthrough pool: no caching, every
// request goes straight to the driver shim, with the same GC-assisted
// retries every other pool gets. It exists for debugging the surrounding
// system and as the simplest possible conforming Pool implementation.
type DummyPool struct {
	shim *driver.Shim
	gc   GCHost

	mu        sync.Mutex
	allocated map[uintptr]driver.Handle
}

var _ Pool = (*DummyPool)(nil)

func (p *DummyPool) Init(cfg Config) error {
	p.shim = driver.NewShim(cfg.Device, cfg.MemoryLimit, cfg.Stats)
	p.gc = cfg.GC
	if p.gc == nil {
		p.gc = RuntimeGCHost{}
	}
	p.allocated = make(map[uintptr]driver.Handle)
	return nil
}

func (p *DummyPool) Deinit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.allocated) > 0 {
		var merr *multierror.Error
		for addr, h := range p.allocated {
			merr = multierror.Append(merr, fmt.Errorf("handle at 0x%x (size %d) never freed", addr, h.Size()))
		}
		return poolerr.Wrap(poolerr.InvalidState, merr, "deinit called with outstanding handles")
	}
	return nil
}

func (p *DummyPool) Alloc(nbytes uint64) (driver.Handle, error) {
	ops := ladderOps{
		scan:        func(uint64) (driver.Handle, bool) { return nil, false },
		driverAlloc: p.shim.ActualAlloc,
		reclaim:     func(uint64) {},
	}
	h, err := runLadder(nbytes, p.gc, ops)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.allocated[h.Address()] = h
	p.mu.Unlock()
	return h, nil
}

func (p *DummyPool) Free(h driver.Handle) error {
	p.mu.Lock()
	if _, ok := p.allocated[h.Address()]; !ok {
		p.mu.Unlock()
		return poolerr.New(poolerr.InvalidState, "free of handle not held by this pool")
	}
	delete(p.allocated, h.Address())
	p.mu.Unlock()

	p.shim.ActualFree(h)
	return nil
}

func (p *DummyPool) UsedBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usedBytesLocked()
}

func (p *DummyPool) CachedBytes() uint64 { return 0 }

func (p *DummyPool) Dump() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := fmt.Sprintf("DummyPool: %d allocated handles, %d bytes used\n", len(p.allocated), p.usedBytesLocked())
	for addr, h := range p.allocated {
		s += fmt.Sprintf("  ALLOCATED 0x%x size=%d\n", addr, h.Size())
	}
	return s
}

// usedBytesLocked sums allocated sizes assuming the caller already holds mu.
func (p *DummyPool) usedBytesLocked() uint64 {
	var total uint64
	for _, h := range p.allocated {
		total += h.Size()
	}
	return total
}
