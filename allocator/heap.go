package allocator

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/bedrock/internal/utils"
	"github.com/vkngwrapper/bedrock/memutils"
)

// HeapMinimumAlignment is the alignment of every HeapAllocator allocation made without an explicit one
const HeapMinimumAlignment uint = 16

// HeapAllocator serves each request with its own allocation from the Go runtime heap. It stands in for
// the OS heap: it backs the direct (unpooled) path of the dispatch layer and is the default oversize
// allocator for a MultiSizePool.
//
// The runtime heap does not move objects, so a pointer into an allocation stays valid for as long as the
// allocation is reachable. HeapAllocator keeps every live allocation reachable from a table keyed by the
// address it returned and drops it on Deallocate, at which point the garbage collector may reclaim it.
type HeapAllocator struct {
	mutex    utils.OptionalMutex
	live     *swiss.Map[uintptr, []byte]
	counters memutils.PoolCounters
}

var _ BlockAllocator = &HeapAllocator{}

// NewHeapAllocator creates a HeapAllocator. If threadSafe is false, the consumer must guarantee that
// the allocator is only used from one goroutine at a time.
func NewHeapAllocator(threadSafe bool) *HeapAllocator {
	return &HeapAllocator{
		mutex: utils.OptionalMutex{UseMutex: threadSafe},
		live:  swiss.NewMap[uintptr, []byte](64),
	}
}

// Allocate returns size zeroed bytes aligned to HeapMinimumAlignment
func (a *HeapAllocator) Allocate(size int) (unsafe.Pointer, error) {
	return a.AllocateAligned(size, HeapMinimumAlignment)
}

// AllocateAligned returns size zeroed bytes aligned to alignment, which must be a power of two
func (a *HeapAllocator) AllocateAligned(size int, alignment uint) (unsafe.Pointer, error) {
	if size < 0 {
		return nil, errors.Newf("cannot allocate %d bytes", size)
	}
	if err := memutils.CheckPow2(alignment, "alignment"); err != nil {
		return nil, err
	}
	if alignment < HeapMinimumAlignment {
		alignment = HeapMinimumAlignment
	}

	raw := make([]byte, size+int(alignment))
	ptr := memutils.AlignPointerUp(unsafe.Pointer(&raw[0]), alignment)

	a.mutex.Lock()
	a.live.Put(uintptr(ptr), raw)
	a.mutex.Unlock()

	a.counters.Allocated(size)
	return ptr, nil
}

// Deallocate releases an allocation made by this allocator. Releasing a pointer this allocator does
// not own is a fatal error.
func (a *HeapAllocator) Deallocate(ptr unsafe.Pointer, size int) {
	if ptr == nil {
		return
	}

	a.mutex.Lock()
	ok := a.live.Delete(uintptr(ptr))
	a.mutex.Unlock()

	if !ok {
		panic(fmt.Sprintf("attempted to free %p, which was not allocated from this heap allocator", ptr))
	}
	a.counters.Freed(size)
}

// Owns reports whether ptr is a live allocation of this allocator
func (a *HeapAllocator) Owns(ptr unsafe.Pointer) bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.live.Has(uintptr(ptr))
}

// CurrentAllocationBytes returns the number of bytes currently allocated
func (a *HeapAllocator) CurrentAllocationBytes() int {
	return a.counters.LiveBytes()
}

// WithAlignment returns a view of a that aligns every Allocate to alignment, a power of two. Allocations
// made through the view are owned by a and may be released through either.
func (a *HeapAllocator) WithAlignment(alignment uint) *AlignedHeapAllocator {
	memutils.Assert(alignment != 0 && alignment&(alignment-1) == 0, "heap alignment %d is not a power of two", alignment)
	return &AlignedHeapAllocator{heap: a, alignment: alignment}
}

// AlignedHeapAllocator serves Allocate with HeapAllocator.AllocateAligned at a fixed alignment
type AlignedHeapAllocator struct {
	heap      *HeapAllocator
	alignment uint
}

var _ BlockAllocator = &AlignedHeapAllocator{}

func (a *AlignedHeapAllocator) Allocate(size int) (unsafe.Pointer, error) {
	return a.heap.AllocateAligned(size, a.alignment)
}

func (a *AlignedHeapAllocator) Deallocate(ptr unsafe.Pointer, size int) {
	a.heap.Deallocate(ptr, size)
}

func (a *AlignedHeapAllocator) CurrentAllocationBytes() int {
	return a.heap.CurrentAllocationBytes()
}

// Alignment returns the alignment of every allocation made through the view
func (a *AlignedHeapAllocator) Alignment() uint {
	return a.alignment
}

// Stats returns a snapshot of this allocator's counters
func (a *HeapAllocator) Stats() memutils.MemoryStats {
	return a.counters.Snapshot()
}
