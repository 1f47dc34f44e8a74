package pool

import "runtime"

// RuntimeGCHost is the production GCHost, backing Incremental/Full with
// runtime.GC(). Go's runtime exposes no separate "incremental vs full" GC
// hook the way the source language's tracing collector does, so both
// phases invoke the same full collection; see DESIGN.md's `pool` ledger
// entry for why no third-party library changes this (no example repo
// in the pack carries a partial-GC control knob — this is an intentional
// stdlib use, not an oversight).
type RuntimeGCHost struct{}

func (RuntimeGCHost) Incremental() { runtime.GC() }
func (RuntimeGCHost) Full()        { runtime.GC() }
