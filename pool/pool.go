// Package pool implements C3 (the shared Pool contract), C4 (DummyPool),
// C5 (SimplePool), C6 (SplittingPool), and C8 (the fallback ladder every one
// of them runs). The teacher's hybrid.Allocator (buddy+slab dispatch) and
// mpool.MemoryPool (tiered free lists) are the HOW these are adapted from;
// see DESIGN.md for the file-by-file grounding.
package pool

import (
	"github.com/shenjiangwei/gpupool/driver"
	"github.com/shenjiangwei/gpupool/stats"
)

// Handle is re-exported so callers of this package never need to import
// driver directly just to hold a value.
type Handle = driver.Handle

// Pool is the contract every pooling strategy implements (§6).
type Pool interface {
	Init(cfg Config) error
	Deinit() error
	Alloc(nbytes uint64) (Handle, error)
	Free(h Handle) error
	UsedBytes() uint64
	CachedBytes() uint64
	// Dump renders the ALLOCATED/AVAILABLE state for diagnostics, used by
	// SplittingPool on final OOM (§4.5) and generalized to every pool per
	// SPEC_FULL.md's supplemented features.
	Dump() string
}

// Config is the configuration every pool's Init receives.
type Config struct {
	// Device is the underlying driver primitive; every pool routes through
	// a driver.Shim wrapping it.
	Device driver.Device
	// MemoryLimit is the optional byte limit (<0 means unset).
	MemoryLimit int64
	// GC is the host-GC hint collaborator the ladder calls between phases.
	GC GCHost
	// Split is not read by any pool: SplittingPool always splits (see
	// DESIGN.md's Open Question resolution). It is kept as a field because
	// §6 names it as part of the external contract.
	Split bool
	// Stats receives driver-call counts/bytes (C2) as the pool's driver.Shim
	// records them. Nil is valid — the shim simply skips recording, which
	// standalone pool tests rely on.
	Stats *stats.Counters
}

// GCHost models the host tracing GC as the callable hint §1/§4.2 describe:
// Incremental() and Full() may cause more buffers to become free, but
// neither is guaranteed to. Production code backs this with runtime.GC();
// tests inject a deterministic fake to assert ladder phase counts.
type GCHost interface {
	Incremental()
	Full()
}
