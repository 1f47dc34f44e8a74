package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("GPUPOOL_MEMORY_LIMIT")
	os.Unsetenv("GPUPOOL_POOL")
	os.Unsetenv("GPUPOOL_TRACE")

	s, err := Load()
	require.NoError(t, err)
	require.Equal(t, int64(-1), s.MemoryLimit)
	require.Equal(t, "split", s.Pool)
	require.False(t, s.Trace)
	require.False(t, s.PoolExplicit, "no GPUPOOL_POOL in the environment must not count as an explicit selection")
}

func TestLoadReadsOverrides(t *testing.T) {
	os.Setenv("GPUPOOL_MEMORY_LIMIT", "1048576")
	os.Setenv("GPUPOOL_POOL", "simple")
	defer os.Unsetenv("GPUPOOL_MEMORY_LIMIT")
	defer os.Unsetenv("GPUPOOL_POOL")

	s, err := Load()
	require.NoError(t, err)
	require.Equal(t, int64(1048576), s.MemoryLimit)
	require.Equal(t, "simple", s.Pool)
	require.True(t, s.PoolExplicit)
}

func TestResolvePoolKindFallsBackOnBinned(t *testing.T) {
	require.Equal(t, PoolSplit, ResolvePoolKind("binned"))
	require.Equal(t, PoolDummy, ResolvePoolKind("dummy"))
	require.Equal(t, PoolSimple, ResolvePoolKind("simple"))
	require.Equal(t, PoolSplit, ResolvePoolKind("split"))
	require.Equal(t, PoolSplit, ResolvePoolKind("garbage"))
}
