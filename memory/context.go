// Package memory is the single chokepoint for dynamic memory. A Context routes fixed-size
// requests to a size-classed pool backed by OS memory, or to the runtime heap, or to the fiendish
// page allocator, depending on its Config, and wraps every fixed allocation with the configured
// debug layers.
//
// The size passed to every Free call must be the size passed to the matching Allocate call. Nothing
// records it outside the debug layers.
package memory

import (
	"context"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/bedrock/allocator"
	"github.com/vkngwrapper/bedrock/memutils"
	"golang.org/x/exp/slog"
)

// PoolName identifies one set of dispatch counters
type PoolName int

const (
	// PoolRuntimeHeap counts allocations served by the runtime heap: OSAllocate, and every fixed
	// allocation while the pools are off
	PoolRuntimeHeap PoolName = iota
	// PoolFixedPools counts fixed allocations served by the pools
	PoolFixedPools
)

var poolNameMapping = map[PoolName]string{
	PoolRuntimeHeap: "RuntimeHeap",
	PoolFixedPools:  "FixedPools",
}

func (n PoolName) String() string {
	return poolNameMapping[n]
}

// memoryHeaderBytes precedes every AllocateMemory allocation and holds its size
const memoryHeaderBytes = 16

// Context owns the allocator stack of a process. Create one at startup with New, pass it to every
// consumer, and Destroy it at teardown. All methods may be called from any goroutine.
type Context struct {
	logger *slog.Logger
	config Config

	system   *allocator.SystemAllocator
	pool     *allocator.MultiSizePool
	heap     *allocator.HeapAllocator
	fiendish *FiendishAllocator
	debugger *AllocationDebugger

	fixed     allocator.Allocator
	fixedPool PoolName
	alignment int
	layers    layerStack

	counters [2]memutils.PoolCounters
	profiler profilerHook
}

// New validates config and builds the allocator stack it describes
func New(logger *slog.Logger, config Config) (*Context, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	c := &Context{
		logger:    logger,
		config:    config,
		heap:      allocator.NewHeapAllocator(true),
		alignment: config.PoolAlignmentInBytes,
		profiler:  profilerHook{profiler: config.Profiler},
	}

	switch {
	case config.EnableFiendishAllocator:
		fiendish, err := NewFiendishAllocator(logger, config.Provider, config.QuarantineSize)
		if err != nil {
			return nil, err
		}
		c.fiendish = fiendish
		c.fixed = fiendish
		c.fixedPool = PoolRuntimeHeap
		if c.alignment > int(fiendishAlignment) {
			c.alignment = int(fiendishAlignment)
		}
	case config.PoolAllocatorsDisabled:
		c.fixed = c.heap.WithAlignment(uint(c.alignment))
		c.fixedPool = PoolRuntimeHeap
	default:
		err := c.createPools()
		if err != nil {
			return nil, err
		}
		c.fixed = c.pool
		c.fixedPool = PoolFixedPools
	}

	var layers []Layer
	if config.EnableAllocationDebugger {
		c.debugger = NewAllocationDebugger(logger, DebuggerOptions{
			OverwriteChecks: config.EnableOverwriteChecks,
			Tracker:         config.EnableAllocationTracker,
			StackDepth:      config.StackDepth,
		})
		layers = append(layers, c.debugger)
	}
	c.layers = newLayerStack(c.alignment, layers...)

	return c, nil
}

func (c *Context) createPools() error {
	options := allocator.SystemCreateOptions{
		Flags:              allocator.SystemFlagAllocateOverInitialLimit,
		InitialReservation: c.config.InitialReservationInBytes,
		Provider:           c.config.Provider,
	}

	var err error
	if c.config.UseLargePages {
		largePageOptions := options
		largePageOptions.Flags |= allocator.SystemFlagLargePages
		c.system, err = allocator.NewSystemAllocator(c.logger, largePageOptions)
		if err != nil {
			c.logger.LogAttrs(context.Background(), slog.LevelWarn, "large pages are unavailable, falling back to regular pages",
				slog.Any("error", err))
		}
	}
	if c.system == nil {
		c.system, err = allocator.NewSystemAllocator(c.logger, options)
		if err != nil {
			return err
		}
	}

	// Chunks and oversize requests from the heap must honour the pool alignment too
	heap := c.heap.WithAlignment(uint(c.config.PoolAlignmentInBytes))
	c.pool, err = allocator.NewMultiSizePool(c.logger, allocator.PoolCreateOptions{
		Allocator:                c.system,
		BackupAllocator:          heap,
		OversizeAllocator:        heap,
		MaxAllocationSizeInBytes: c.config.MaxPooledSizeInBytes,
		AlignmentInBytes:         c.config.PoolAlignmentInBytes,
		GrowMode:                 c.config.GrowMode,
		ThreadSafe:               true,
	})
	if err != nil {
		return errors.CombineErrors(err, c.system.Destroy())
	}
	return nil
}

// Config returns the configuration the Context was created with, with defaults applied
func (c *Context) Config() Config {
	return c.config
}

// Alignment returns the alignment of every fixed allocation
func (c *Context) Alignment() int {
	return c.alignment
}

// Debugger returns the allocation debugger, or nil if it is disabled
func (c *Context) Debugger() *AllocationDebugger {
	return c.debugger
}

// Fiendish returns the fiendish allocator, or nil if it is disabled
func (c *Context) Fiendish() *FiendishAllocator {
	return c.fiendish
}

// Pool returns the pool serving fixed allocations, or nil if the pools are off
func (c *Context) Pool() *allocator.MultiSizePool {
	return c.pool
}

// AllocateFixed returns size bytes aligned to Alignment, wrapped by every debug layer. It fails only
// when every allocator behind the Context is exhausted.
func (c *Context) AllocateFixed(size int) (unsafe.Pointer, error) {
	if size < 0 {
		return nil, errors.Newf("cannot allocate %d bytes", size)
	}

	base, err := c.fixed.Allocate(size + c.layers.totalExtraBytes)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate %d fixed bytes", size)
	}

	ptr := c.layers.allocated(base, size)
	c.recordAllocation(c.fixedPool, size, c.siteOf(ptr))
	return ptr, nil
}

// FreeFixed releases an allocation made by AllocateFixed. size must be the size it was allocated with.
func (c *Context) FreeFixed(ptr unsafe.Pointer, size int) {
	if ptr == nil {
		return
	}

	site := c.siteOf(ptr)
	base := c.layers.freeing(ptr, size)
	c.fixed.Deallocate(base, size+c.layers.totalExtraBytes)
	c.recordFree(c.fixedPool, size, site)
}

// siteOf looks up the tracker's site for a live fixed allocation, only when a profiler will see it
func (c *Context) siteOf(ptr unsafe.Pointer) uint64 {
	if !c.profiler.enabled() || c.debugger == nil {
		return 0
	}
	return c.debugger.SiteHash(ptr)
}

// ReallocateFixed resizes an allocation made by AllocateFixed, preserving its contents up to the smaller
// of the two sizes. A nil ptr allocates and a newSize of zero frees. When no debug layer is active and
// both sizes fall into the same size class, ptr itself is returned.
func (c *Context) ReallocateFixed(ptr unsafe.Pointer, oldSize int, newSize int) (unsafe.Pointer, error) {
	if ptr == nil {
		return c.AllocateFixed(newSize)
	}
	if newSize == 0 {
		c.FreeFixed(ptr, oldSize)
		return nil, nil
	}

	if c.pool != nil && c.layers.empty() {
		class := c.pool.SizeClassFor(oldSize)
		if class != 0 && class == c.pool.SizeClassFor(newSize) {
			c.recordFree(c.fixedPool, oldSize, 0)
			c.recordAllocation(c.fixedPool, newSize, 0)
			return ptr, nil
		}
	}

	newPtr, err := c.AllocateFixed(newSize)
	if err != nil {
		return nil, err
	}

	copied := oldSize
	if newSize < copied {
		copied = newSize
	}
	copy(memutils.Bytes(newPtr, copied), memutils.Bytes(ptr, copied))
	c.FreeFixed(ptr, oldSize)

	return newPtr, nil
}

// AllocateAligned returns size bytes aligned to alignment, which must be a power of two. Alignments
// above Alignment over-allocate and keep the distance back to the underlying fixed allocation just in
// front of the returned pointer.
func (c *Context) AllocateAligned(size int, alignment int) (unsafe.Pointer, error) {
	if err := memutils.CheckPow2(alignment, "alignment"); err != nil {
		return nil, err
	}
	if alignment <= c.alignment {
		return c.AllocateFixed(size)
	}

	raw, err := c.AllocateFixed(alignedFootprint(size, alignment))
	if err != nil {
		return nil, err
	}

	ptr := memutils.AlignPointerUp(unsafe.Add(raw, memutils.PointerSize), uint(alignment))
	*(*uintptr)(unsafe.Add(ptr, -memutils.PointerSize)) = uintptr(ptr) - uintptr(raw)
	return ptr, nil
}

// FreeAligned releases an allocation made by AllocateAligned with the same size and alignment
func (c *Context) FreeAligned(ptr unsafe.Pointer, size int, alignment int) {
	if ptr == nil {
		return
	}
	if alignment <= c.alignment {
		c.FreeFixed(ptr, size)
		return
	}

	memutils.Assert(uintptr(ptr)%uintptr(alignment) == 0, "freed pointer %p is not aligned to %d", ptr, alignment)
	offset := *(*uintptr)(unsafe.Add(ptr, -memutils.PointerSize))
	c.FreeFixed(unsafe.Add(ptr, -int(offset)), alignedFootprint(size, alignment))
}

func alignedFootprint(size int, alignment int) int {
	return size + alignment + memutils.PointerSize
}

// AllocateMemory returns size bytes that can be released with FreeMemory without passing the size
func (c *Context) AllocateMemory(size int) (unsafe.Pointer, error) {
	if size < 0 {
		return nil, errors.Newf("cannot allocate %d bytes", size)
	}

	raw, err := c.AllocateFixed(size + memoryHeaderBytes)
	if err != nil {
		return nil, err
	}

	*(*int)(raw) = size
	return unsafe.Add(raw, memoryHeaderBytes), nil
}

// FreeMemory releases an allocation made by AllocateMemory
func (c *Context) FreeMemory(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	raw := unsafe.Add(ptr, -memoryHeaderBytes)
	size := *(*int)(raw)
	c.FreeFixed(raw, size+memoryHeaderBytes)
}

// MemorySize returns the size an AllocateMemory allocation was made with
func (c *Context) MemorySize(ptr unsafe.Pointer) int {
	return *(*int)(unsafe.Add(ptr, -memoryHeaderBytes))
}

// OSAllocate returns size bytes directly from the runtime heap, bypassing the pools and debug layers
func (c *Context) OSAllocate(size int) (unsafe.Pointer, error) {
	ptr, err := c.heap.Allocate(size)
	if err != nil {
		return nil, err
	}

	c.recordAllocation(PoolRuntimeHeap, size, 0)
	return ptr, nil
}

// OSFree releases an allocation made by OSAllocate
func (c *Context) OSFree(ptr unsafe.Pointer, size int) {
	if ptr == nil {
		return
	}

	c.heap.Deallocate(ptr, size)
	c.recordFree(PoolRuntimeHeap, size, 0)
}

func (c *Context) recordAllocation(pool PoolName, size int, site uint64) {
	counters := &c.counters[pool]
	counters.Allocated(size)
	c.profiler.allocated(pool, size, counters.LiveBytes(), site)
}

func (c *Context) recordFree(pool PoolName, size int, site uint64) {
	counters := &c.counters[pool]
	counters.Freed(size)
	c.profiler.freed(pool, size, counters.LiveBytes(), site)
}

// MemoryStats returns a snapshot of the counters of one named pool. Counters are loaded individually,
// so the snapshot is not consistent across fields under concurrent use.
func (c *Context) MemoryStats(pool PoolName) memutils.MemoryStats {
	if _, ok := poolNameMapping[pool]; !ok {
		panic(errors.Newf("unknown pool %d", pool))
	}
	return c.counters[pool].Snapshot()
}

// Destroy releases every allocator in the stack. It fails, logging what is still live, if any
// allocation made through the Context has not been freed; in that case nothing is released.
func (c *Context) Destroy() error {
	leaked := false
	for pool := range c.counters {
		live := c.counters[pool].LiveCount()
		if live > 0 {
			leaked = true
			c.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] live allocations",
				slog.String("pool", PoolName(pool).String()),
				slog.Int("count", live),
				slog.Int("bytes", c.counters[pool].LiveBytes()))
		}
	}
	if leaked {
		if c.debugger != nil {
			c.debugger.LogLiveAllocations()
		}
		return errors.New("some allocations were not freed before the destruction of this memory context!")
	}

	var err error
	if c.pool != nil {
		err = errors.CombineErrors(err, c.pool.Destroy())
		err = errors.CombineErrors(err, c.system.Destroy())
	}
	if c.fiendish != nil {
		err = errors.CombineErrors(err, c.fiendish.Destroy())
	}
	return err
}
