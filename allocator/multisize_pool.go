package allocator

import (
	"context"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/bedrock/allocator/freelist"
	"github.com/vkngwrapper/bedrock/internal/utils"
	"github.com/vkngwrapper/bedrock/memutils"
	"golang.org/x/exp/slog"
)

// GrowMode determines how the boundaries between size classes are spaced between the pool's alignment
// and its maximum allocation size
type GrowMode uint32

const (
	// GrowModeLinear creates one size class per alignment step
	GrowModeLinear GrowMode = iota
	// GrowModeQuarter makes each size class a quarter larger than the one before it
	GrowModeQuarter
	// GrowModeHalf makes each size class half again as large as the one before it
	GrowModeHalf
	// GrowModeDouble makes each size class twice as large as the one before it
	GrowModeDouble
)

var growModeMapping = map[GrowMode]string{
	GrowModeLinear:  "GrowModeLinear",
	GrowModeQuarter: "GrowModeQuarter",
	GrowModeHalf:    "GrowModeHalf",
	GrowModeDouble:  "GrowModeDouble",
}

func (m GrowMode) String() string {
	return growModeMapping[m]
}

const (
	// DefaultMaxAllocationSize is used when PoolCreateOptions.MaxAllocationSizeInBytes is zero
	DefaultMaxAllocationSize int = 2048
	// DefaultPoolAlignment is used when PoolCreateOptions.AlignmentInBytes is zero
	DefaultPoolAlignment int = 16
	// DefaultBatchSize is used when PoolCreateOptions.BatchSizeInBytes is zero
	DefaultBatchSize int = 16 * 1024
)

// PoolCreateOptions configures a MultiSizePool
type PoolCreateOptions struct {
	// Allocator is the coarse block source that chunks are carved from. It is required. Free slots are
	// linked by address, so under checkptr (-race) its blocks must not come from the Go heap.
	Allocator BlockAllocator
	// BackupAllocator is asked for chunks once Allocator is exhausted. It may be nil. Its blocks must
	// be aligned to AlignmentInBytes.
	BackupAllocator BlockAllocator
	// OversizeAllocator serves requests above MaxAllocationSizeInBytes and must align them to
	// AlignmentInBytes. If it is nil, those requests fail.
	OversizeAllocator Allocator

	// MaxAllocationSizeInBytes is the largest request served from the size classes
	MaxAllocationSizeInBytes int
	// AlignmentInBytes is the alignment of every pooled allocation and the spacing of the smallest
	// size classes. It must be a power of two of at least 8.
	AlignmentInBytes int
	// GrowMode spaces the size classes
	GrowMode GrowMode

	// ThreadSafe must be set if the pool is used from more than one goroutine
	ThreadSafe bool
	// SpinLockFreeLists selects freelist.StrategySpinLock instead of freelist.DefaultStrategy for the
	// size class free lists of a thread-safe pool
	SpinLockFreeLists bool

	// ChunkSizeInBytes is the size of each chunk requested from Allocator. It defaults to DefaultBlockSize.
	ChunkSizeInBytes int
	// BatchSizeInBytes is how much memory is carved from the current chunk into a size class whenever
	// its free list runs dry. It defaults to DefaultBatchSize.
	BatchSizeInBytes int
}

type sizeClass struct {
	size       int
	batchBytes int
	freeList   freelist.AtomicPointerList
	liveCount  atomic.Int64
}

type poolChunk struct {
	base   unsafe.Pointer
	size   int64
	offset atomic.Int64
	backup bool
}

// MultiSizePool is a size-classed pooling allocator. Each size class owns a lock-free free list of
// fixed-size slots; slots are carved in batches out of chunks requested from a coarse block allocator,
// and a slot goes back on its class's free list when it is freed. Memory taken from the coarse
// allocator is never returned to it while the pool is alive.
type MultiSizePool struct {
	logger *slog.Logger

	allocator         BlockAllocator
	backupAllocator   BlockAllocator
	oversizeAllocator Allocator

	maxAllocationSize int
	alignment         int
	growMode          GrowMode
	chunkSize         int

	classes    []*sizeClass
	classIndex []uint32

	current    atomic.Pointer[poolChunk]
	chunkMutex utils.OptionalMutex
	chunks     []*poolChunk

	pooled   memutils.PoolCounters
	oversize memutils.PoolCounters
}

var _ BlockAllocator = &MultiSizePool{}

// NewMultiSizePool creates a MultiSizePool. No memory is requested until the first allocation.
func NewMultiSizePool(logger *slog.Logger, options PoolCreateOptions) (*MultiSizePool, error) {
	if options.Allocator == nil {
		return nil, errors.New("PoolCreateOptions.Allocator must be provided")
	}
	if _, ok := growModeMapping[options.GrowMode]; !ok {
		return nil, errors.Newf("unknown grow mode %d", options.GrowMode)
	}

	alignment := options.AlignmentInBytes
	if alignment == 0 {
		alignment = DefaultPoolAlignment
	}
	if err := memutils.CheckPow2(alignment, "PoolCreateOptions.AlignmentInBytes"); err != nil {
		return nil, err
	}
	if alignment < memutils.PointerSize || alignment < 8 {
		return nil, errors.Newf("alignment %d is too small to hold a free list link", alignment)
	}

	maxSize := options.MaxAllocationSizeInBytes
	if maxSize == 0 {
		maxSize = DefaultMaxAllocationSize
	}
	if maxSize < alignment {
		return nil, errors.Newf("max allocation size %d is smaller than the alignment %d", maxSize, alignment)
	}
	maxSize = memutils.AlignUp(maxSize, uint(alignment))

	chunkSize := options.ChunkSizeInBytes
	if chunkSize == 0 {
		chunkSize = DefaultBlockSize
	}
	if chunkSize < maxSize {
		return nil, errors.Newf("chunk size %d cannot hold an allocation of the max size %d", chunkSize, maxSize)
	}

	batchSize := options.BatchSizeInBytes
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}
	if batchSize > chunkSize {
		batchSize = chunkSize
	}

	strategy := freelist.StrategyRelaxed
	if options.ThreadSafe {
		strategy = freelist.DefaultStrategy
		if options.SpinLockFreeLists {
			strategy = freelist.StrategySpinLock
		}
	}

	p := &MultiSizePool{
		logger:            logger,
		allocator:         options.Allocator,
		backupAllocator:   options.BackupAllocator,
		oversizeAllocator: options.OversizeAllocator,
		maxAllocationSize: maxSize,
		alignment:         alignment,
		growMode:          options.GrowMode,
		chunkSize:         chunkSize,
		chunkMutex:        utils.OptionalMutex{UseMutex: options.ThreadSafe},
	}

	sizes := buildSizeClasses(alignment, maxSize, options.GrowMode)
	p.classes = make([]*sizeClass, len(sizes))
	for i, size := range sizes {
		batchBytes := batchSize / size * size
		if batchBytes < size {
			batchBytes = size
		}

		p.classes[i] = &sizeClass{size: size, batchBytes: batchBytes}
		p.classes[i].freeList.Init(strategy)
	}

	p.classIndex = make([]uint32, maxSize/alignment)
	class := 0
	for step := range p.classIndex {
		requestSize := (step + 1) * alignment
		for sizes[class] < requestSize {
			class++
		}
		p.classIndex[step] = uint32(class)
	}

	return p, nil
}

// buildSizeClasses returns ascending slot sizes, all multiples of alignment, the last being maxSize
func buildSizeClasses(alignment, maxSize int, mode GrowMode) []int {
	var sizes []int
	size := alignment
	for size < maxSize {
		sizes = append(sizes, size)

		var step int
		switch mode {
		case GrowModeQuarter:
			step = size / 4
		case GrowModeHalf:
			step = size / 2
		case GrowModeDouble:
			step = size
		default:
			step = alignment
		}

		step = memutils.AlignUp(step, uint(alignment))
		if step < alignment {
			step = alignment
		}
		size += step
	}

	return append(sizes, maxSize)
}

// MaxAllocationSize returns the largest request served from the size classes
func (p *MultiSizePool) MaxAllocationSize() int {
	return p.maxAllocationSize
}

// Alignment returns the alignment of every pooled allocation
func (p *MultiSizePool) Alignment() int {
	return p.alignment
}

// SizeClasses returns the slot size of every size class in ascending order
func (p *MultiSizePool) SizeClasses() []int {
	sizes := make([]int, len(p.classes))
	for i, class := range p.classes {
		sizes[i] = class.size
	}
	return sizes
}

// SizeClassFor returns the slot size a request of size bytes is served from, or 0 if the request is
// oversize
func (p *MultiSizePool) SizeClassFor(size int) int {
	if size > p.maxAllocationSize {
		return 0
	}
	return p.classFor(size).size
}

func (p *MultiSizePool) classFor(size int) *sizeClass {
	if size <= 0 {
		size = 1
	}
	step := (size+p.alignment-1)/p.alignment - 1
	return p.classes[p.classIndex[step]]
}

// Allocate returns a slot of the smallest size class that holds size bytes. Requests above the max
// allocation size go to the oversize allocator.
func (p *MultiSizePool) Allocate(size int) (unsafe.Pointer, error) {
	if size > p.maxAllocationSize {
		return p.allocateOversize(size)
	}

	class := p.classFor(size)
	for {
		ptr := class.freeList.Pop()
		if ptr != nil {
			class.liveCount.Add(1)
			p.pooled.Allocated(class.size)
			return ptr, nil
		}

		// Slots carved here may be taken by other goroutines before this one pops, in which case
		// it carves again. Every carve either adds slots or fails.
		err := p.carve(class)
		if err != nil {
			return nil, err
		}
	}
}

func (p *MultiSizePool) allocateOversize(size int) (unsafe.Pointer, error) {
	if p.oversizeAllocator == nil {
		return nil, errors.Wrapf(memutils.ErrOutOfMemory,
			"request of %d bytes exceeds the pool maximum of %d and no oversize allocator is configured",
			size, p.maxAllocationSize)
	}

	ptr, err := p.oversizeAllocator.Allocate(size)
	if err != nil {
		return nil, err
	}
	memutils.Assert(uintptr(ptr)%uintptr(p.alignment) == 0, "oversize allocation %p is not aligned to %d", ptr, p.alignment)
	p.oversize.Allocated(size)
	return ptr, nil
}

// Deallocate returns ptr to the free list of the size class for size. The pool does not check that
// ptr came from it; size must match the size it was allocated with.
func (p *MultiSizePool) Deallocate(ptr unsafe.Pointer, size int) {
	if ptr == nil {
		return
	}

	if size > p.maxAllocationSize {
		if p.oversizeAllocator == nil {
			panic(fmt.Sprintf("attempted to free an oversize allocation of %d bytes but no oversize allocator is configured", size))
		}
		p.oversizeAllocator.Deallocate(ptr, size)
		p.oversize.Freed(size)
		return
	}

	memutils.Assert(uintptr(ptr)%uintptr(p.alignment) == 0, "freed pointer %p is not aligned to %d", ptr, p.alignment)

	class := p.classFor(size)
	class.freeList.Push(ptr)
	class.liveCount.Add(-1)
	p.pooled.Freed(class.size)
}

// carve moves a batch of fresh slots for class from the current chunk onto the class's free list,
// requesting a new chunk if the current one cannot supply a single slot
func (p *MultiSizePool) carve(class *sizeClass) error {
	need := int64(class.batchBytes)
	slotSize := int64(class.size)

	for {
		chunk := p.current.Load()
		if chunk != nil {
			end := chunk.offset.Add(need)
			start := end - need

			if start < chunk.size {
				// Everything from start onward belongs to this reservation, even past the chunk's end
				if end > chunk.size {
					end = chunk.size
				}

				count := int((end - start) / slotSize)
				if count > 0 {
					class.freeList.PushChain(unsafe.Add(chunk.base, start), class.size, count)
					return nil
				}
			}
		}

		err := p.replaceChunk(chunk)
		if err != nil {
			return err
		}
	}
}

func (p *MultiSizePool) replaceChunk(observed *poolChunk) error {
	p.chunkMutex.Lock()
	defer p.chunkMutex.Unlock()

	// Another goroutine replaced the chunk while this one waited on the lock
	if p.current.Load() != observed {
		return nil
	}

	backup := false
	base, err := p.allocator.Allocate(p.chunkSize)
	if err != nil {
		if p.backupAllocator == nil {
			return errors.Wrap(err, "multi-size pool could not obtain a new chunk")
		}

		backup = true
		var backupErr error
		base, backupErr = p.backupAllocator.Allocate(p.chunkSize)
		if backupErr != nil {
			return errors.Wrap(errors.CombineErrors(backupErr, err), "multi-size pool could not obtain a new chunk from either allocator")
		}
	}

	memutils.Assert(uintptr(base)%uintptr(p.alignment) == 0, "chunk %p is not aligned to %d", base, p.alignment)

	chunk := &poolChunk{
		base:   base,
		size:   int64(p.chunkSize),
		backup: backup,
	}
	p.chunks = append(p.chunks, chunk)
	p.current.Store(chunk)

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "MultiSizePool::replaceChunk",
		slog.Int("ChunkSize", p.chunkSize),
		slog.Int("ChunkCount", len(p.chunks)),
		slog.Bool("Backup", backup))

	return nil
}

// ChunkCount returns the number of chunks this pool has requested from its block allocators
func (p *MultiSizePool) ChunkCount() int {
	p.chunkMutex.Lock()
	defer p.chunkMutex.Unlock()

	return len(p.chunks)
}

// CurrentAllocationBytes returns the number of bytes currently allocated from the pool, counting pooled
// allocations at their slot size
func (p *MultiSizePool) CurrentAllocationBytes() int {
	return p.pooled.LiveBytes() + p.oversize.LiveBytes()
}

// Stats returns the counters of pooled allocations
func (p *MultiSizePool) Stats() memutils.MemoryStats {
	return p.pooled.Snapshot()
}

// OversizeStats returns the counters of allocations delegated to the oversize allocator
func (p *MultiSizePool) OversizeStats() memutils.MemoryStats {
	return p.oversize.Snapshot()
}

// Validate checks every free list for cycles and for slots that do not lie inside one of the pool's
// chunks. It must only be called while no other goroutine is using the pool.
func (p *MultiSizePool) Validate() error {
	p.chunkMutex.Lock()
	defer p.chunkMutex.Unlock()

	for _, class := range p.classes {
		err := class.freeList.Validate()
		if err != nil {
			return errors.Wrapf(err, "size class %d", class.size)
		}

		popped := make([]unsafe.Pointer, 0, class.freeList.Len())
		for ptr := class.freeList.Pop(); ptr != nil; ptr = class.freeList.Pop() {
			popped = append(popped, ptr)
		}
		for i := len(popped) - 1; i >= 0; i-- {
			class.freeList.Push(popped[i])
		}

		for _, ptr := range popped {
			if !p.ownsLocked(ptr, class.size) {
				err = errors.Errorf("free slot %p of size class %d lies outside every chunk", ptr, class.size)
				break
			}
		}
		if err != nil {
			return err
		}
	}

	if p.pooled.LiveBytes() < 0 || p.pooled.LiveCount() < 0 {
		return errors.New("pool freed more memory than it allocated")
	}

	return nil
}

func (p *MultiSizePool) ownsLocked(ptr unsafe.Pointer, size int) bool {
	addr := uintptr(ptr)
	for _, chunk := range p.chunks {
		base := uintptr(chunk.base)
		if addr >= base && addr+uintptr(size) <= base+uintptr(chunk.size) {
			return true
		}
	}
	return false
}

// BuildStatsString writes a json description of the pool's size classes and counters
func (p *MultiSizePool) BuildStatsString(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("MaxAllocationSize").Int(p.maxAllocationSize)
	obj.Name("Alignment").Int(p.alignment)
	obj.Name("GrowMode").String(p.growMode.String())
	obj.Name("ChunkSize").Int(p.chunkSize)
	obj.Name("ChunkCount").Int(p.ChunkCount())

	pooled := p.pooled.Snapshot()
	pooledObj := obj.Name("Pooled").Object()
	pooled.WriteJson(&pooledObj)
	pooledObj.End()

	oversize := p.oversize.Snapshot()
	oversizeObj := obj.Name("Oversize").Object()
	oversize.WriteJson(&oversizeObj)
	oversizeObj.End()

	classes := obj.Name("SizeClasses").Array()
	for _, class := range p.classes {
		live := class.liveCount.Load()
		if live == 0 {
			continue
		}

		classObj := classes.Object()
		classObj.Name("SlotSize").Int(class.size)
		classObj.Name("LiveSlots").Int(int(live))
		classObj.End()
	}
	classes.End()
}

// Destroy returns every chunk to the allocator it came from. It fails if any pooled allocation is still
// live, in which case leaked memory is logged and the chunks are kept.
func (p *MultiSizePool) Destroy() error {
	p.chunkMutex.Lock()
	defer p.chunkMutex.Unlock()

	leaked := false
	for _, class := range p.classes {
		live := class.liveCount.Load()
		if live > 0 {
			leaked = true
			p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] live pool slots",
				slog.Int("slotSize", class.size),
				slog.Int("count", int(live)))
		}
	}
	if leaked {
		return errors.New("some pool allocations were not freed before the destruction of this pool!")
	}

	for _, chunk := range p.chunks {
		if chunk.backup {
			p.backupAllocator.Deallocate(chunk.base, int(chunk.size))
		} else {
			p.allocator.Deallocate(chunk.base, int(chunk.size))
		}
	}
	p.chunks = nil
	p.current.Store(nil)
	for _, class := range p.classes {
		class.freeList.Init(class.freeList.Strategy())
	}

	return nil
}
