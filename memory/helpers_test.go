package memory_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/bedrock/memory"
	"golang.org/x/exp/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

func newTestContext(t *testing.T, config memory.Config) *memory.Context {
	if config.InitialReservationInBytes == 0 {
		config.InitialReservationInBytes = 4 * 1024 * 1024
	}
	ctx, err := memory.New(testLogger(), config)
	require.NoError(t, err)
	return ctx
}

func testConfigs() map[string]memory.Config {
	return map[string]memory.Config{
		"Pools":           {},
		"Heap":            {PoolAllocatorsDisabled: true},
		"Debugger":        {EnableAllocationDebugger: true},
		"OverwriteChecks": {EnableAllocationDebugger: true, EnableOverwriteChecks: true, EnableAllocationTracker: true},
		"HeapDebugger":    {PoolAllocatorsDisabled: true, EnableAllocationDebugger: true, EnableOverwriteChecks: true},
	}
}
