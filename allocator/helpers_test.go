package allocator_test

import (
	"io"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/bedrock/allocator"
	"golang.org/x/exp/slog"
)

const mib = 1024 * 1024

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

func inRange(ptr unsafe.Pointer, base unsafe.Pointer, size int) bool {
	return uintptr(ptr) >= uintptr(base) && uintptr(ptr) < uintptr(base)+uintptr(size)
}

// newMappedAllocator returns a growable SystemAllocator over real OS memory, destroyed when the test
// ends. Pool chunks must come from memory like this rather than the Go heap, because free slots are
// linked by address.
func newMappedAllocator(t testing.TB, granularity int) *allocator.SystemAllocator {
	system, err := allocator.NewSystemAllocator(testLogger(), allocator.SystemCreateOptions{
		Flags:              allocator.SystemFlagAllocateOverInitialLimit,
		InitialReservation: -1,
		Granularity:        granularity,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, system.Destroy())
	})
	return system
}
