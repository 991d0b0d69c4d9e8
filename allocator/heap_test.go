package allocator_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/bedrock/allocator"
	"github.com/vkngwrapper/bedrock/memutils"
)

func TestHeapAllocator(t *testing.T) {
	heap := allocator.NewHeapAllocator(false)

	ptr, err := heap.Allocate(100)
	require.NoError(t, err)
	require.Zero(t, uintptr(ptr)%uintptr(allocator.HeapMinimumAlignment))
	require.True(t, heap.Owns(ptr))
	require.Equal(t, 100, heap.CurrentAllocationBytes())

	for _, b := range memutils.Bytes(ptr, 100) {
		require.Zero(t, b)
	}

	aligned, err := heap.AllocateAligned(10, 4096)
	require.NoError(t, err)
	require.Zero(t, uintptr(aligned)%4096)

	heap.Deallocate(ptr, 100)
	heap.Deallocate(aligned, 10)
	require.False(t, heap.Owns(ptr))
	require.Zero(t, heap.CurrentAllocationBytes())

	stats := heap.Stats()
	require.Equal(t, 2, stats.TotalAllocationAmount)
	require.Equal(t, 110, stats.PeakAllocationAmountInBytes)

	heap.Deallocate(nil, 0)
}

func TestHeapAllocatorRejectsForeignPointer(t *testing.T) {
	heap := allocator.NewHeapAllocator(true)
	other := allocator.NewHeapAllocator(true)

	ptr, err := other.Allocate(16)
	require.NoError(t, err)

	require.Panics(t, func() {
		heap.Deallocate(ptr, 16)
	})

	_, err = heap.AllocateAligned(16, 3)
	require.Error(t, err)
}

func TestHeapAllocatorWithAlignment(t *testing.T) {
	heap := allocator.NewHeapAllocator(true)
	aligned := heap.WithAlignment(128)
	require.Equal(t, uint(128), aligned.Alignment())

	ptrs := make([]unsafe.Pointer, 0, 32)
	for i := 0; i < 32; i++ {
		ptr, err := aligned.Allocate(i*7 + 1)
		require.NoError(t, err)
		require.Zero(t, int(uintptr(ptr)%128))
		require.True(t, heap.Owns(ptr))
		ptrs = append(ptrs, ptr)
	}
	require.Equal(t, heap.CurrentAllocationBytes(), aligned.CurrentAllocationBytes())

	for i, ptr := range ptrs {
		aligned.Deallocate(ptr, i*7+1)
	}
	require.Zero(t, heap.CurrentAllocationBytes())
}
