package pool

import (
	"github.com/shenjiangwei/gpupool/driver"
	"github.com/shenjiangwei/gpupool/poolerr"
)

// ladderOps are the sub-steps a pool plugs into the shared 3-phase fallback
// state machine (§4.2). compact is nil for pools that don't support
// splitting (DummyPool, SimplePool); scan and reclaim are never nil.
type ladderOps struct {
	scan        func(sz uint64) (driver.Handle, bool)
	driverAlloc func(sz uint64) (driver.Handle, error)
	reclaim     func(sz uint64)
	compact     func()
}

// step returns (handle, error, done). done=true means the ladder should
// stop and return (handle, error) to the caller; done=false means "try the
// next step".
type step func() (driver.Handle, error, bool)

func scanStep(ops ladderOps, sz uint64) step {
	return func() (driver.Handle, error, bool) {
		if h, ok := ops.scan(sz); ok {
			return h, nil, true
		}
		return nil, nil, false
	}
}

func driverStep(ops ladderOps, sz uint64) step {
	return func() (driver.Handle, error, bool) {
		h, err := ops.driverAlloc(sz)
		if err != nil {
			return nil, err, true
		}
		if h != nil {
			return h, nil, true
		}
		return nil, nil, false
	}
}

func reclaimThenDriverStep(ops ladderOps, sz uint64) step {
	return func() (driver.Handle, error, bool) {
		ops.reclaim(sz)
		h, err := ops.driverAlloc(sz)
		if err != nil {
			return nil, err, true
		}
		if h != nil {
			return h, nil, true
		}
		return nil, nil, false
	}
}

func compactThenScanStep(ops ladderOps, sz uint64) step {
	return func() (driver.Handle, error, bool) {
		if ops.compact == nil {
			return nil, nil, false
		}
		ops.compact()
		if h, ok := ops.scan(sz); ok {
			return h, nil, true
		}
		return nil, nil, false
	}
}

func run(steps ...step) (driver.Handle, error, bool) {
	for _, s := range steps {
		if h, err, done := s(); done {
			return h, err, true
		}
	}
	return nil, nil, false
}

// runLadder drives the 3-phase state machine common to every pool:
// phase 1 has no GC prelude; phase 2 gets an incremental GC hint; phase 3
// gets a full one. Each phase breaks out as soon as any sub-step yields a
// result. If every phase exhausts its sub-steps, the request fails with
// OUT_OF_MEMORY — by which point both GC opportunities and a full reclaim
// sweep have already run, per the ladder's contract in §4.2.
func runLadder(sz uint64, gc GCHost, ops ladderOps) (driver.Handle, error) {
	// Phase 1: no GC prelude, no compact.
	if h, err, done := run(
		scanStep(ops, sz),
		driverStep(ops, sz),
		reclaimThenDriverStep(ops, sz),
	); done {
		return h, err
	}

	// Phase 2: incremental GC hint, then scan/driver/compact+scan/reclaim+driver.
	gc.Incremental()
	if h, err, done := run(
		scanStep(ops, sz),
		driverStep(ops, sz),
		compactThenScanStep(ops, sz),
		reclaimThenDriverStep(ops, sz),
	); done {
		return h, err
	}

	// Phase 3: full GC hint, same sub-steps as phase 2.
	gc.Full()
	if h, err, done := run(
		scanStep(ops, sz),
		driverStep(ops, sz),
		compactThenScanStep(ops, sz),
		reclaimThenDriverStep(ops, sz),
	); done {
		return h, err
	}

	return nil, poolerr.New(poolerr.OutOfMemory, "allocator exhausted the fallback ladder")
}
