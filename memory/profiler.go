package memory

// AllocationEvent describes a single allocation or free made through a Context
type AllocationEvent struct {
	// Pool is the named pool whose counters the event was recorded against
	Pool PoolName
	// Size is the size of the allocation or free in bytes
	Size int
	// Amount is the pool's live bytes after the event
	Amount int
	// Site is the AllocationSite hash of the call stack that made the allocation. It is zero unless the
	// allocation debugger runs with its tracker, and always zero for OSAllocate and OSFree.
	Site uint64
}

// AllocationProfiler is an optional side channel that receives every allocation event. Implementations
// are called on the allocating goroutine and must not allocate through the Context they observe.
type AllocationProfiler interface {
	PushAllocationEvent(event AllocationEvent)
	PushFreeEvent(event AllocationEvent)
}

type profilerHook struct {
	profiler AllocationProfiler
}

func (h profilerHook) enabled() bool {
	return h.profiler != nil
}

func (h profilerHook) allocated(pool PoolName, size int, amount int, site uint64) {
	if h.profiler != nil {
		h.profiler.PushAllocationEvent(AllocationEvent{Pool: pool, Size: size, Amount: amount, Site: site})
	}
}

func (h profilerHook) freed(pool PoolName, size int, amount int, site uint64) {
	if h.profiler != nil {
		h.profiler.PushFreeEvent(AllocationEvent{Pool: pool, Size: size, Amount: amount, Site: site})
	}
}
