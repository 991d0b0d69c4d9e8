package allocator

import (
	"context"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/bedrock/memutils"
	"golang.org/x/exp/slog"
)

// LinearMinimumAlignment is the alignment of every AtomicLinearAllocator allocation
const LinearMinimumAlignment uint = 8

// LinearCreateOptions configures an AtomicLinearAllocator
type LinearCreateOptions struct {
	// BlockAllocator supplies the arena's blocks. It is required.
	BlockAllocator Allocator
	// BlockSizeInBytes is the size of every block. It defaults to DefaultBlockSize.
	BlockSizeInBytes int
	// PreallocatedBlocks is the number of blocks chained up front. At least one block is always created.
	PreallocatedBlocks int
	// ExpandDynamically allows new blocks to be chained once every existing block is exhausted. Without
	// it, allocation fails at that point.
	ExpandDynamically bool
}

type linearBlock struct {
	base   unsafe.Pointer
	size   int64
	offset atomic.Int64
	next   atomic.Pointer[linearBlock]
}

func (b *linearBlock) contains(ptr unsafe.Pointer) bool {
	addr := uintptr(ptr)
	base := uintptr(b.base)
	return addr >= base && addr < base+uintptr(b.size)
}

// AtomicLinearAllocator is a thread-safe bump allocator over a chain of fixed-size blocks. Allocation
// within a block is a single atomic add; moving on to the next block takes a mutex.
//
// Individual allocations cannot be freed. Reset rewinds the arena to its first block and makes every
// pointer handed out so far invalid. The consumer must guarantee that none of them is used after Reset;
// nothing enforces this. Blocks are kept until Destroy.
type AtomicLinearAllocator struct {
	logger    *slog.Logger
	source    Allocator
	blockSize int
	expand    bool

	first   *linearBlock
	current atomic.Pointer[linearBlock]

	blockMutex sync.Mutex
	blockCount int
}

var _ BlockAllocator = &AtomicLinearAllocator{}

// NewAtomicLinearAllocator creates an AtomicLinearAllocator and chains its preallocated blocks
func NewAtomicLinearAllocator(logger *slog.Logger, options LinearCreateOptions) (*AtomicLinearAllocator, error) {
	if options.BlockAllocator == nil {
		return nil, errors.New("LinearCreateOptions.BlockAllocator must be provided")
	}

	blockSize := options.BlockSizeInBytes
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize < int(LinearMinimumAlignment) {
		return nil, errors.Newf("block size %d is too small", blockSize)
	}
	blockSize = memutils.AlignDown(blockSize, LinearMinimumAlignment)

	a := &AtomicLinearAllocator{
		logger:    logger,
		source:    options.BlockAllocator,
		blockSize: blockSize,
		expand:    options.ExpandDynamically,
	}

	count := options.PreallocatedBlocks
	if count < 1 {
		count = 1
	}

	var last *linearBlock
	for i := 0; i < count; i++ {
		block, err := a.newBlock()
		if err != nil {
			a.Destroy()
			return nil, err
		}

		if last == nil {
			a.first = block
		} else {
			last.next.Store(block)
		}
		last = block
	}
	a.current.Store(a.first)

	return a, nil
}

func (a *AtomicLinearAllocator) newBlock() (*linearBlock, error) {
	base, err := a.source.Allocate(a.blockSize)
	if err != nil {
		return nil, errors.Wrap(err, "linear allocator could not obtain a new block")
	}

	a.blockCount++
	return &linearBlock{base: base, size: int64(a.blockSize)}, nil
}

// BlockSize returns the size in bytes of every block
func (a *AtomicLinearAllocator) BlockSize() int {
	return a.blockSize
}

func (a *AtomicLinearAllocator) footprint(size int) int {
	return memutils.AlignUp(size, LinearMinimumAlignment) + memutils.DebugMargin
}

// Allocate bumps size bytes off the current block, moving to the next block if it does not fit. It
// fails if size cannot fit in a single block, or if every block is exhausted and the allocator may not
// expand.
func (a *AtomicLinearAllocator) Allocate(size int) (unsafe.Pointer, error) {
	if size < 0 {
		return nil, errors.Newf("cannot allocate %d bytes", size)
	}

	footprint := int64(a.footprint(size))
	if footprint > int64(a.blockSize) {
		return nil, errors.Newf("allocation of %d bytes cannot fit in a block of %d bytes", size, a.blockSize)
	}

	for {
		block := a.current.Load()
		end := block.offset.Add(footprint)
		if end <= block.size {
			start := end - footprint
			if memutils.DebugMargin > 0 {
				memutils.WriteMagicValue(block.base, int(end)-memutils.DebugMargin, memutils.DebugMargin)
			}
			return unsafe.Add(block.base, start), nil
		}

		err := a.advance(block)
		if err != nil {
			return nil, err
		}
	}
}

// AllocateAligned allocates size bytes aligned to alignment, which must be a power of two, by
// over-allocating alignment bytes and rounding the address up
func (a *AtomicLinearAllocator) AllocateAligned(size int, alignment uint) (unsafe.Pointer, error) {
	if err := memutils.CheckPow2(alignment, "alignment"); err != nil {
		return nil, err
	}
	if alignment <= LinearMinimumAlignment {
		return a.Allocate(size)
	}

	ptr, err := a.Allocate(size + int(alignment))
	if err != nil {
		return nil, err
	}
	return memutils.AlignPointerUp(ptr, alignment), nil
}

// advance makes the block after exhausted current, chaining a new one if necessary
func (a *AtomicLinearAllocator) advance(exhausted *linearBlock) error {
	a.blockMutex.Lock()
	defer a.blockMutex.Unlock()

	// Another goroutine already moved on
	if a.current.Load() != exhausted {
		return nil
	}

	next := exhausted.next.Load()
	if next == nil {
		if !a.expand {
			return errors.Wrapf(memutils.ErrOutOfMemory,
				"linear allocator exhausted all %d blocks and may not expand", a.blockCount)
		}

		var err error
		next, err = a.newBlock()
		if err != nil {
			return err
		}
		exhausted.next.Store(next)

		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "AtomicLinearAllocator::advance chained a new block",
			slog.Int("BlockSize", a.blockSize),
			slog.Int("BlockCount", a.blockCount))
	}

	// Blocks reused after a Reset still carry the offset from before it
	next.offset.Store(0)
	a.current.Store(next)
	return nil
}

// Deallocate is a no-op. Memory is reclaimed all at once by Reset.
func (a *AtomicLinearAllocator) Deallocate(ptr unsafe.Pointer, size int) {}

// Reset rewinds the arena to the start of its first block. Every pointer previously returned by this
// allocator becomes invalid; the consumer must guarantee none of them is used after Reset and that no
// allocation races with it.
func (a *AtomicLinearAllocator) Reset() {
	a.blockMutex.Lock()
	defer a.blockMutex.Unlock()

	a.first.offset.Store(0)
	a.current.Store(a.first)
}

// Contains reports whether ptr lies inside one of the arena's blocks
func (a *AtomicLinearAllocator) Contains(ptr unsafe.Pointer) bool {
	for block := a.first; block != nil; block = block.next.Load() {
		if block.contains(ptr) {
			return true
		}
	}
	return false
}

// ContainsInFirstBlock reports whether ptr lies inside the arena's first block
func (a *AtomicLinearAllocator) ContainsInFirstBlock(ptr unsafe.Pointer) bool {
	return a.first.contains(ptr)
}

// BlockCount returns the number of blocks chained so far
func (a *AtomicLinearAllocator) BlockCount() int {
	a.blockMutex.Lock()
	defer a.blockMutex.Unlock()

	return a.blockCount
}

// UsedBytes returns the number of bytes bumped off the current block and every block before it
func (a *AtomicLinearAllocator) UsedBytes() int {
	current := a.current.Load()

	used := 0
	for block := a.first; block != nil; block = block.next.Load() {
		offset := block.offset.Load()
		if offset > block.size {
			offset = block.size
		}
		used += int(offset)
		if block == current {
			break
		}
	}
	return used
}

// CurrentAllocationBytes returns the same value as UsedBytes
func (a *AtomicLinearAllocator) CurrentAllocationBytes() int {
	return a.UsedBytes()
}

// CheckCorruption verifies the debug margin after every allocation in the arena's blocks up to the
// current one. It always succeeds unless built with the debug_mem_utils tag.
func (a *AtomicLinearAllocator) CheckCorruption() error {
	if memutils.DebugMargin == 0 {
		return nil
	}

	// Allocations are not self-describing, so only the margin at the end of each block's used range
	// can be located
	current := a.current.Load()
	for block := a.first; block != nil; block = block.next.Load() {
		offset := block.offset.Load()
		if offset > 0 && offset <= block.size &&
			!memutils.ValidateMagicValue(block.base, int(offset)-memutils.DebugMargin, memutils.DebugMargin) {
			return errors.New("memory corruption detected after the last allocation of an arena block")
		}
		if block == current {
			break
		}
	}
	return nil
}

// Destroy returns every block to the block allocator. Every pointer this allocator returned becomes
// invalid.
func (a *AtomicLinearAllocator) Destroy() {
	a.blockMutex.Lock()
	defer a.blockMutex.Unlock()

	for block := a.first; block != nil; {
		next := block.next.Load()
		a.source.Deallocate(block.base, int(block.size))
		block = next
	}
	a.first = nil
	a.current.Store(nil)
	a.blockCount = 0
}
