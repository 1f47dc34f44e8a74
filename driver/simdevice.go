package driver

import (
	"sync"
	"sync/atomic"
)

// SimDevice is a reference in-memory stand-in for the real device driver,
// grounded on the mock-mode PinnedPool from the kv-cache-p2p example: it
// backs every handle with ordinary Go memory instead of real device memory
// so the fallback ladder, and every pool on top of it, is exercisable and
// testable without GPU hardware. The real driver is an external,
// fixed-interface collaborator per SPEC_FULL.md §6; this is its test double.
type SimDevice struct {
	mu       sync.Mutex
	capacity uint64 // 0 means unlimited
	used     uint64
	nextID   uint64
	live     map[uint64]*simHandle
}

// NewSimDevice creates a simulated device. capacity of 0 means the device
// itself never refuses allocations (the Shim's own limit is what callers
// should exercise in tests of LIMIT_EXCEEDED).
func NewSimDevice(capacity uint64) *SimDevice {
	return &SimDevice{capacity: capacity, live: make(map[uint64]*simHandle)}
}

type simHandle struct {
	id    uint64
	size  uint64
	valid atomic.Bool
}

func (h *simHandle) Size() uint64        { return h.size }
func (h *simHandle) Address() uintptr    { return uintptr(h.id) }
func (h *simHandle) ContextValid() bool  { return h.valid.Load() }

// Alloc implements Device.
func (d *SimDevice) Alloc(nbytes uint64) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.capacity != 0 && d.used+nbytes > d.capacity {
		return nil, ErrDriverOOM
	}

	d.nextID++
	h := &simHandle{id: d.nextID, size: nbytes}
	h.valid.Store(true)
	d.live[h.id] = h
	d.used += nbytes
	return h, nil
}

// Free implements Device.
func (d *SimDevice) Free(handle Handle) {
	h, ok := handle.(*simHandle)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, present := d.live[h.id]; !present {
		return
	}
	delete(d.live, h.id)
	d.used -= h.size
}

// InvalidateContext marks a handle's owning context as gone, simulating a
// process/context teardown that races with Free — the scenario §4.1 and §5
// call out as the reason Free is infallible for invalid-context handles.
func (d *SimDevice) InvalidateContext(handle Handle) {
	if h, ok := handle.(*simHandle); ok {
		h.valid.Store(false)
	}
}

// Used reports the device's own view of bytes outstanding, for test
// assertions independent of the Shim's usage counter.
func (d *SimDevice) Used() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}
