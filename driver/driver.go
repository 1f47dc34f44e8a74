// Package driver implements C1: the shim between a pool and the raw device
// allocation primitive. It tracks global driver usage, enforces an optional
// byte limit, and translates the driver's own OOM signal into the nil-return
// contract the fallback ladder needs to make deterministic retry decisions.
package driver

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/shenjiangwei/gpupool/internal/obslog"
	"github.com/shenjiangwei/gpupool/poolerr"
	"github.com/shenjiangwei/gpupool/stats"
)

var log = obslog.Named("driver")

// Handle is the opaque buffer handle the device hands back. Equality and
// arithmetic operate only on Address(); Size/ContextValid are read-only.
type Handle interface {
	Size() uint64
	Address() uintptr
	ContextValid() bool
}

// Device is the external driver primitive this module does not implement:
// device_alloc/device_free plus context validity, exactly as §6 of
// SPEC_FULL.md fixes it. ErrDriverOOM distinguishes the driver's own OOM
// signal from any other failure, which the Shim must propagate unchanged as
// a DriverFault.
type Device interface {
	Alloc(nbytes uint64) (Handle, error)
	Free(h Handle)
}

// ErrDriverOOM is the sentinel a Device implementation returns from Alloc to
// signal driver-level out-of-memory, as opposed to any other failure.
var ErrDriverOOM = errors.New("device out of memory")

// Shim wraps a Device with usage accounting and an optional byte limit.
// Usage is monotone: usage += size on every successful driver alloc,
// usage -= size on every driver free, regardless of whether the handle's
// context is still valid.
type Shim struct {
	device Device
	limit  int64 // <0 means unset
	usage  atomic.Int64
	counts *stats.Counters
}

// NewShim wraps device with an optional byte limit; limit<0 means unset.
func NewShim(device Device, limit int64, counts *stats.Counters) *Shim {
	return &Shim{device: device, limit: limit, counts: counts}
}

// Usage returns the bytes currently held from the driver.
func (s *Shim) Usage() uint64 { return uint64(s.usage.Load()) }

// ActualAlloc attempts a driver allocation. It returns (nil, nil) when the
// request is refused for OOM-like reasons (either the configured limit or
// the driver's own signal) — the ladder treats both identically, per §7's
// "LIMIT_EXCEEDED is modeled as driver OOM". Any other driver failure comes
// back as a non-nil error wrapping poolerr.DriverFault.
func (s *Shim) ActualAlloc(nbytes uint64) (Handle, error) {
	if s.limit >= 0 && s.usage.Load()+int64(nbytes) > s.limit {
		log.Debug("alloc of %d bytes refused: would exceed limit %d (usage %d)", nbytes, s.limit, s.usage.Load())
		return nil, nil
	}

	h, err := s.device.Alloc(nbytes)
	if err != nil {
		if errors.Is(err, ErrDriverOOM) {
			log.Debug("driver reported OOM for %d bytes", nbytes)
			return nil, nil
		}
		return nil, poolerr.Wrap(poolerr.DriverFault, err, "device_alloc failed")
	}

	s.usage.Add(int64(nbytes))
	if s.counts != nil {
		s.counts.RecordDriverAlloc(nbytes)
	}
	return h, nil
}

// ActualFree releases a handle. Context-invalid handles are dropped
// silently — the owning context already released them on the driver side —
// but usage is still decremented either way, matching §4.1's rationale for
// avoiding spurious errors at process shutdown.
func (s *Shim) ActualFree(h Handle) {
	size := h.Size()
	if h.ContextValid() {
		s.device.Free(h)
	} else {
		log.Debug("skipping device_free for handle with invalid context (size %d)", size)
	}
	s.usage.Add(-int64(size))
	if s.counts != nil {
		s.counts.RecordDriverFree(size)
	}
}
