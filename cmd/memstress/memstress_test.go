package main

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/bedrock/allocator"
	"github.com/vkngwrapper/bedrock/memory"
	"github.com/vkngwrapper/bedrock/strimp"
	"golang.org/x/exp/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

func TestMemoryConfigFromFlags(t *testing.T) {
	growMode = "Double"
	tracker = true
	defer func() {
		growMode = "quarter"
		tracker = false
	}()

	config, err := memoryConfig()
	require.NoError(t, err)
	require.Equal(t, allocator.GrowModeDouble, config.GrowMode)
	require.True(t, config.EnableAllocationDebugger)
	require.True(t, config.EnableAllocationTracker)
	require.NoError(t, config.Validate())

	growMode = "sideways"
	_, err = memoryConfig()
	require.Error(t, err)
}

func TestAllocWorkload(t *testing.T) {
	configs := map[string]memory.Config{
		"Pools":           {},
		"Heap":            {PoolAllocatorsDisabled: true},
		"OverwriteChecks": {EnableAllocationDebugger: true, EnableOverwriteChecks: true},
	}

	for name, config := range configs {
		t.Run(name, func(t *testing.T) {
			config.InitialReservationInBytes = 4 * 1024 * 1024
			ctx, err := memory.New(testLogger(), config)
			require.NoError(t, err)

			workload := allocWorkload{ctx: ctx, iterations: 2000, maxSize: allocator.DefaultMaxAllocationSize}
			require.NoError(t, runWorkers(4, 1, workload.run))

			require.Equal(t, 0, ctx.MemoryStats(memory.PoolFixedPools).CurrentAllocationAmount)
			require.Equal(t, 0, ctx.MemoryStats(memory.PoolRuntimeHeap).CurrentAllocationAmount)
			require.NoError(t, ctx.Destroy())
		})
	}
}

func TestStringsWorkload(t *testing.T) {
	ctx, err := memory.New(testLogger(), memory.Config{InitialReservationInBytes: 4 * 1024 * 1024})
	require.NoError(t, err)
	pool, err := strimp.New(testLogger(), ctx, strimp.Options{PromotionThreshold: 64})
	require.NoError(t, err)

	workload := newStringsWorkload(pool, 5000, 8, 0.25)
	require.Equal(t, 2, workload.static)
	require.NoError(t, runWorkers(4, 1, workload.run))
	require.NoError(t, pool.Validate())

	var out bytes.Buffer
	require.NoError(t, printStats(&out, map[string]statsBuilder{"Strings": pool, "Memory": ctx}, "Strings", "Memory"))

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	require.Contains(t, decoded, "Strings")
	require.Contains(t, decoded, "Memory")

	// Only static strings survive once every worker has reset its handles
	var stats struct {
		Count       int
		StaticCount int
	}
	require.NoError(t, json.Unmarshal(decoded["Strings"], &stats))
	require.Equal(t, stats.StaticCount, stats.Count)

	require.NoError(t, pool.Destroy())
	require.NoError(t, ctx.Destroy())
}
