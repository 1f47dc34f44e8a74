// Command gpupoolbench runs a concurrent random alloc/free workload
// against a dispatcher-selected pool, the same shape as the teacher's
// main.go test harness but driven off GPUPOOL_* configuration instead
// of hardcoded constants, and counting size-contract violations (handles
// smaller than requested) instead of just reporting a usage percentage.
// It does not check byte conservation (used+cached against driver usage).
package main

import (
	"fmt"
	"math/rand"
	"os"
	"sync"

	"github.com/shenjiangwei/gpupool/config"
	"github.com/shenjiangwei/gpupool/dispatch"
	"github.com/shenjiangwei/gpupool/driver"
	"github.com/shenjiangwei/gpupool/pool"
)

const (
	minBlockSize = 4 * 1024
	maxBlockSize = 4 * 1024 * 1024
	workers      = 10
	opsPerWorker = 2000
)

func kindFor(k config.PoolKind) dispatch.PoolKind {
	switch k {
	case config.PoolDummy:
		return dispatch.Dummy
	case config.PoolSimple:
		return dispatch.Simple
	default:
		return dispatch.Split
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "gpupoolbench:", err)
		os.Exit(1)
	}
	kind := config.ResolvePoolKind(cfg.Pool)

	dev := driver.NewSimDevice(0)
	d := dispatch.New(kind.String())
	if err := dispatch.Init(d, kindFor(kind), pool.Config{
		Device:      dev,
		MemoryLimit: cfg.MemoryLimit,
		Split:       true,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "gpupoolbench: init:", err)
		os.Exit(1)
	}

	var mu sync.Mutex
	live := make(map[uintptr]driver.Handle)
	var violations int

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < opsPerWorker; i++ {
				if rand.Float64() < 0.7 {
					size := uint64(rand.Intn(maxBlockSize-minBlockSize+1) + minBlockSize)
					h, err := d.Alloc(size)
					if err != nil {
						continue
					}
					if h.Size() < size {
						mu.Lock()
						violations++
						mu.Unlock()
						continue
					}
					mu.Lock()
					live[h.Address()] = h
					mu.Unlock()
				} else {
					mu.Lock()
					var victim driver.Handle
					for _, h := range live {
						victim = h
						break
					}
					if victim != nil {
						delete(live, victim.Address())
					}
					mu.Unlock()
					if victim != nil {
						d.Free(victim)
					}
				}
			}
		}()
	}
	wg.Wait()

	for _, h := range live {
		d.Free(h)
	}

	// §6's exit-time summary line is only printed when the user explicitly
	// selected a pool via GPUPOOL_POOL, not when the default was used silently.
	if cfg.PoolExplicit {
		snap := d.Stats().Snapshot()
		fmt.Printf("pool=%s requests(alloc=%d free=%d bytes_alloc=%d bytes_free=%d) "+
			"driver(alloc=%d free=%d bytes_alloc=%d bytes_free=%d) spans=%v violations=%d\n",
			snap.Pool, snap.ReqAllocs, snap.ReqFrees, snap.ReqAllocBytes, snap.ReqFreeBytes,
			snap.DriverAllocs, snap.DriverFrees, snap.DriverAllocBytes, snap.DriverFreeBytes,
			snap.SpanTotal, violations)
	}

	if violations > 0 {
		fmt.Fprintf(os.Stderr, "gpupoolbench: %d size-contract violations observed\n", violations)
	}

	if err := d.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "gpupoolbench: close:", err)
		os.Exit(1)
	}
}
