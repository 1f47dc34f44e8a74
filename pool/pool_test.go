package pool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shenjiangwei/gpupool/driver"
	"github.com/shenjiangwei/gpupool/internal/freeset"
)

// noGC is a deterministic GCHost for tests: it never actually frees
// anything (no real finalizers are in play against SimDevice buffers),
// but it records how many times each phase ran, the way a test double
// in the teacher's style stubs out a side effect to make the ladder's
// phase transitions observable.
type noGC struct {
	incremental, full int
}

func (g *noGC) Incremental() { g.incremental++ }
func (g *noGC) Full()        { g.full++ }

func newDummy(t *testing.T, limit int64) (*DummyPool, *driver.SimDevice) {
	dev := driver.NewSimDevice(0)
	p := &DummyPool{}
	require.NoError(t, p.Init(Config{Device: dev, MemoryLimit: limit, GC: &noGC{}}))
	return p, dev
}

func newSimple(t *testing.T, limit int64) (*SimplePool, *driver.SimDevice) {
	dev := driver.NewSimDevice(0)
	p := &SimplePool{}
	require.NoError(t, p.Init(Config{Device: dev, MemoryLimit: limit, GC: &noGC{}}))
	return p, dev
}

func newSplitting(t *testing.T, limit int64) (*SplittingPool, *driver.SimDevice) {
	dev := driver.NewSimDevice(0)
	p := &SplittingPool{}
	require.NoError(t, p.Init(Config{Device: dev, MemoryLimit: limit, Split: true, GC: &noGC{}}))
	return p, dev
}

func TestDummyPoolBasicAllocFree(t *testing.T) {
	p, dev := newDummy(t, -1)

	h, err := p.Alloc(4096)
	require.NoError(t, err)
	require.Equal(t, uint64(4096), h.Size())
	require.Equal(t, uint64(4096), p.UsedBytes())
	require.Equal(t, uint64(0), p.CachedBytes())

	require.NoError(t, p.Free(h))
	require.Equal(t, uint64(0), p.UsedBytes())
	require.Equal(t, uint64(0), dev.Used())
}

func TestDummyPoolDeinitWithOutstandingHandleFails(t *testing.T) {
	p, _ := newDummy(t, -1)
	_, err := p.Alloc(1024)
	require.NoError(t, err)
	require.Error(t, p.Deinit())
}

func TestDummyPoolDoubleFreeRejected(t *testing.T) {
	p, _ := newDummy(t, -1)
	h, err := p.Alloc(1024)
	require.NoError(t, err)
	require.NoError(t, p.Free(h))
	require.Error(t, p.Free(h))
}

func TestDummyPoolLimitExceededIsOOM(t *testing.T) {
	p, _ := newDummy(t, 1024)
	_, err := p.Alloc(2048)
	require.Error(t, err)
}

// TestSimplePoolReusesFreedBuffer is E1 from the scenario table: alloc,
// free, alloc the same size again must reuse the cached buffer rather
// than calling the driver a second time.
func TestSimplePoolReusesFreedBuffer(t *testing.T) {
	p, dev := newSimple(t, -1)

	a, err := p.Alloc(4096)
	require.NoError(t, err)
	require.NoError(t, p.Free(a))
	require.Equal(t, uint64(4096), p.CachedBytes())

	before := dev.Used()
	b, err := p.Alloc(4096)
	require.NoError(t, err)
	require.Equal(t, before, dev.Used(), "driver must not have been called again")
	require.Equal(t, a.Address(), b.Address())
	require.NoError(t, p.Free(b))
}

// TestSimplePoolRejectsTooSmallBuffer is E2: a cached buffer smaller
// than the request must not be handed out; the driver is called instead.
func TestSimplePoolRejectsTooSmallBuffer(t *testing.T) {
	p, dev := newSimple(t, -1)

	a, err := p.Alloc(1024)
	require.NoError(t, err)
	require.NoError(t, p.Free(a))

	usedBefore := dev.Used()
	b, err := p.Alloc(4096)
	require.NoError(t, err)
	require.Greater(t, dev.Used(), usedBefore, "driver must have been called for the larger request")
	require.NoError(t, p.Free(b))
}

// TestSimplePoolSmallRequestAcceptsAnyFit follows §4.4's tiered scan
// policy literally: requests at or below 1 MiB have an unbounded
// max_oversize and so accept any cached fit, however large. This test
// intentionally diverges from the E3 scenario comment in the distilled
// spec, which computes the 4x bound for a 512 KiB request; that bound
// only applies above the 1 MiB threshold per §4.4's own policy text.
// See DESIGN.md's Open Question resolution for the reasoning.
func TestSimplePoolSmallRequestAcceptsAnyFit(t *testing.T) {
	p, dev := newSimple(t, -1)

	big, err := p.Alloc(2 * oneMiB)
	require.NoError(t, err)
	require.NoError(t, p.Free(big))

	usedBefore := dev.Used()
	small, err := p.Alloc(512 * 1024)
	require.NoError(t, err)
	require.Equal(t, usedBefore, dev.Used(), "a sub-1MiB request must accept any sized cached fit")
	require.Equal(t, big.Address(), small.Address())
}

// TestSimplePoolLargeRequestRespectsOversizeBound is the "otherwise"
// branch of §4.4: a request above 1 MiB rejects a cached fit more than
// 4x its size, even though the fit would otherwise satisfy it.
func TestSimplePoolLargeRequestRespectsOversizeBound(t *testing.T) {
	p, dev := newSimple(t, -1)

	huge, err := p.Alloc(16 * oneMiB)
	require.NoError(t, err)
	require.NoError(t, p.Free(huge))

	usedBefore := dev.Used()
	_, err = p.Alloc(2 * oneMiB) // 16MiB > 4*2MiB=8MiB: too big to reuse
	require.NoError(t, err)
	require.Greater(t, dev.Used(), usedBefore, "oversized cached fit must be rejected, driver called instead")
}

// TestSimplePoolReclaimReleasesLargestFirst exercises the ladder's
// reclaim-then-driver-alloc step under a tight device limit: the only
// way the second allocation can succeed is if reclaim returns cached
// bytes to the driver first.
func TestSimplePoolReclaimReleasesLargestFirst(t *testing.T) {
	dev := driver.NewSimDevice(3 * oneMiB)
	p := &SimplePool{}
	require.NoError(t, p.Init(Config{Device: dev, MemoryLimit: -1, GC: &noGC{}}))

	a, err := p.Alloc(2 * oneMiB)
	require.NoError(t, err)
	b, err := p.Alloc(oneMiB)
	require.NoError(t, err)
	require.NoError(t, p.Free(a))
	require.NoError(t, p.Free(b))
	require.Equal(t, 3*oneMiB, int(p.CachedBytes()))

	// The device is full of cached-but-unused bytes; a fresh 3MiB request
	// can only succeed once reclaim frees enough of them back to the
	// driver for a fresh allocation to fit under the device's own cap.
	c, err := p.Alloc(3 * oneMiB)
	require.NoError(t, err)
	require.NoError(t, p.Free(c))
}

func TestSplittingPoolSplitOnAlloc(t *testing.T) {
	p, dev := newSplitting(t, -1)

	big, err := p.Alloc(512 * 1024)
	require.NoError(t, err)
	require.NoError(t, p.Free(big))

	usedBefore := dev.Used()
	small, err := p.Alloc(128 * 1024)
	require.NoError(t, err)
	require.Equal(t, usedBefore, dev.Used(), "split must come from the cached block, not a new driver alloc")
	require.Equal(t, uint64(roundUp(128*1024, classSmall)), small.Size())

	// The remainder should now be independently allocatable without
	// touching the driver again.
	rest, err := p.Alloc(256 * 1024)
	require.NoError(t, err)
	require.Equal(t, usedBefore, dev.Used())

	require.NoError(t, p.Free(small))
	require.NoError(t, p.Free(rest))
}

// TestSplittingPoolCompactReunitesWholeBlock is E5: after a buffer is
// split into pieces and every piece is freed, the free-list must end up
// holding one whole block again so reclaim (and eventually Deinit) can
// return it to the driver as a single buffer. This exercises both the
// incremental coalesce-on-free path (Free's opportunistic merge of its
// own immediate siblings) and compactLocked as an idempotent sweep on
// top of it.
func TestSplittingPoolCompactReunitesWholeBlock(t *testing.T) {
	p, dev := newSplitting(t, -1)

	whole, err := p.Alloc(512 * 1024)
	require.NoError(t, err)
	require.NoError(t, p.Free(whole))

	a, err := p.Alloc(128 * 1024) // splits the 512KiB block
	require.NoError(t, err)
	b, err := p.Alloc(128 * 1024) // splits the 384KiB remainder
	require.NoError(t, err)

	require.NoError(t, p.Free(a))
	require.NoError(t, p.Free(b))

	p.mu.Lock()
	p.compactLocked(classSmall)
	wholeCount, entries := 0, 0
	p.freeLists[classSmall].ScanAll(func(_ freeset.Key, id int) bool {
		entries++
		if p.arena.isWhole(id) {
			wholeCount++
		}
		return true
	})
	p.mu.Unlock()

	require.Equal(t, 1, entries, "every sibling must have merged back into a single free entry")
	require.Equal(t, 1, wholeCount)

	usedBefore := dev.Used()
	require.Greater(t, usedBefore, uint64(0))
	require.NoError(t, p.Deinit())
	require.Equal(t, uint64(0), dev.Used(), "deinit must return the reunited whole block to the driver")
}

func TestSplittingPoolHugeClassRequiresExactFit(t *testing.T) {
	p, dev := newSplitting(t, -1)

	a, err := p.Alloc(64 * oneMiB)
	require.NoError(t, err)
	require.NoError(t, p.Free(a))

	usedBefore := dev.Used()
	_, err = p.Alloc(40 * oneMiB) // different huge size: no exact-fit reuse
	require.NoError(t, err)
	require.Greater(t, dev.Used(), usedBefore)
}

func TestSplittingPoolDeinitWithOutstandingHandleFails(t *testing.T) {
	p, _ := newSplitting(t, -1)
	_, err := p.Alloc(4096)
	require.NoError(t, err)
	require.Error(t, p.Deinit())
}

func TestSplittingPoolConservationAcrossManyOps(t *testing.T) {
	p, dev := newSplitting(t, -1)

	var live []driver.Handle
	sizes := []uint64{4096, 64 * 1024, 512 * 1024, 2 * oneMiB, 16 * oneMiB}
	for _, sz := range sizes {
		h, err := p.Alloc(sz)
		require.NoError(t, err)
		live = append(live, h)
	}
	var used uint64
	for _, h := range live {
		used += h.Size()
	}
	require.Equal(t, used, p.UsedBytes())

	for _, h := range live {
		require.NoError(t, p.Free(h))
	}
	require.Equal(t, uint64(0), p.UsedBytes())
	require.NoError(t, p.Deinit())
	require.Equal(t, uint64(0), dev.Used())
}
