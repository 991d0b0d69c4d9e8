// Package allocator contains the layered allocators that back every dynamic memory request made
// through bedrock: a SystemAllocator carving coarse blocks out of OS virtual memory, a size-classed
// MultiSizePool on top of it, an AtomicLinearAllocator for arena-style scratch memory, and a
// HeapAllocator that plays the part of the plain OS heap.
//
// These allocators hand out raw memory. Nothing here prevents using a pointer after it was freed,
// freeing it twice, or freeing it with the wrong size; the debug layers in the memory package exist
// to catch those mistakes during development.
package allocator

import "unsafe"

// Allocator is the minimal capability contract: memory in, memory out. The size passed to Deallocate
// must exactly match the size passed to the Allocate call that produced ptr.
type Allocator interface {
	// Allocate returns at least size bytes, or an error wrapping memutils.ErrOutOfMemory when the
	// allocator is exhausted
	Allocate(size int) (unsafe.Pointer, error)
	// Deallocate returns memory to the allocator. Some implementations ignore it entirely.
	Deallocate(ptr unsafe.Pointer, size int)
}

// BlockAllocator is an Allocator that can report how much memory it has handed out
type BlockAllocator interface {
	Allocator
	// CurrentAllocationBytes reports the implementation's byte counter. See each implementation for
	// whether this counts live bytes or bytes ever allocated.
	CurrentAllocationBytes() int
}
