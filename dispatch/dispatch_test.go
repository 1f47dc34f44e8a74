package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shenjiangwei/gpupool/driver"
	"github.com/shenjiangwei/gpupool/pool"
)

func TestDispatcherAllocFreeRoundTrip(t *testing.T) {
	dev := driver.NewSimDevice(0)
	d := New("test")
	require.NoError(t, Init(d, Split, pool.Config{Device: dev, MemoryLimit: -1, Split: true}))

	h, err := d.Alloc(4096)
	require.NoError(t, err)
	require.Equal(t, uint64(4096), d.UsedBytes())

	require.NoError(t, d.Free(h))
	require.Equal(t, uint64(0), d.UsedBytes())
	require.NoError(t, d.Close())
}

func TestDispatcherAllocBeforeInitFails(t *testing.T) {
	d := New("test")
	_, err := d.Alloc(4096)
	require.Error(t, err)
}

func TestDispatcherSwitchPoolRejectsOutstandingHandles(t *testing.T) {
	dev := driver.NewSimDevice(0)
	d := New("test")
	require.NoError(t, Init(d, Dummy, pool.Config{Device: dev, MemoryLimit: -1}))

	_, err := d.Alloc(1024)
	require.NoError(t, err)
	require.Error(t, d.SwitchPool(Simple))
}

func TestDispatcherStatsRecordDriverActivity(t *testing.T) {
	dev := driver.NewSimDevice(0)
	d := New("test")
	require.NoError(t, Init(d, Simple, pool.Config{Device: dev, MemoryLimit: -1}))

	h, err := d.Alloc(4096)
	require.NoError(t, err)
	require.NoError(t, d.Free(h))

	snap := d.Stats().Snapshot()
	require.Equal(t, uint64(1), snap.ReqAllocs)
	require.Equal(t, uint64(1), snap.ReqFrees)
	require.Equal(t, uint64(1), snap.DriverAllocs, "the pool's driver.Shim must record through the dispatcher's own counters")
}

func TestDispatcherSwitchPoolSucceedsWhenClean(t *testing.T) {
	dev := driver.NewSimDevice(0)
	d := New("test")
	require.NoError(t, Init(d, Dummy, pool.Config{Device: dev, MemoryLimit: -1}))

	h, err := d.Alloc(1024)
	require.NoError(t, err)
	require.NoError(t, d.Free(h))
	require.NoError(t, d.SwitchPool(Simple))

	h2, err := d.Alloc(2048)
	require.NoError(t, err)
	require.NoError(t, d.Free(h2))
}
