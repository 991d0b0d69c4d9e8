package allocator

import (
	"context"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/bedrock/internal/osmem"
	"github.com/vkngwrapper/bedrock/memutils"
	"golang.org/x/exp/slog"
)

// SystemFlags indicate specific SystemAllocator behaviors to activate
type SystemFlags int32

var systemFlagsMapping = []struct {
	flag SystemFlags
	name string
}{
	{SystemFlagAllocateOverInitialLimit, "SystemFlagAllocateOverInitialLimit"},
	{SystemFlagLargePages, "SystemFlagLargePages"},
}

func (f SystemFlags) String() string {
	if f == 0 {
		return "0"
	}

	var str string
	for _, entry := range systemFlagsMapping {
		if f&entry.flag != 0 {
			if str != "" {
				str += "|"
			}
			str += entry.name
		}
	}
	return str
}

const (
	// SystemFlagAllocateOverInitialLimit allows the allocator to map fresh memory from the OS once
	// the initial reservation is used up. Without it, allocation fails at that point.
	SystemFlagAllocateOverInitialLimit SystemFlags = 1 << iota
	// SystemFlagLargePages backs every mapping with large pages
	SystemFlagLargePages
)

const (
	// DefaultBlockSize is the size of the coarse blocks the pools request from a SystemAllocator
	DefaultBlockSize int = 2 * 1024 * 1024
	// DefaultInitialReservation is used when SystemCreateOptions.InitialReservation is zero
	DefaultInitialReservation int = 64 * 1024 * 1024
)

// SystemCreateOptions contains optional settings when creating a SystemAllocator
type SystemCreateOptions struct {
	Flags SystemFlags
	// InitialReservation is the number of bytes mapped up front and served before any growth. It is
	// rounded up to the block granularity. A negative value reserves nothing.
	InitialReservation int
	// Granularity is the unit every request is rounded up to. It defaults to DefaultBlockSize, or to
	// the page size (or large page size) if that is larger, and must be a power of two multiple of it.
	Granularity int
	// Provider is the source of virtual memory. It defaults to osmem.System().
	Provider osmem.Provider
}

// SystemAllocator hands out coarse, granularity-aligned blocks of virtual memory. It serves requests
// from a pre-mapped reservation first and, if permitted, maps fresh memory once that is exhausted.
//
// Blocks are never returned to the OS individually: Deallocate is a no-op and memory is only
// released by Destroy, which invalidates every block ever handed out. Higher-level pools are
// expected to keep their blocks for the lifetime of the process.
type SystemAllocator struct {
	logger      *slog.Logger
	provider    osmem.Provider
	flags       SystemFlags
	granularity int

	mutex     sync.Mutex
	regions   [][]byte
	cache     []byte
	reserved  int
	blocks    int
	destroyed bool

	allocatedBytes atomic.Int64
}

var _ BlockAllocator = &SystemAllocator{}

// NewSystemAllocator creates a SystemAllocator and maps its initial reservation
func NewSystemAllocator(logger *slog.Logger, options SystemCreateOptions) (*SystemAllocator, error) {
	provider := options.Provider
	if provider == nil {
		provider = osmem.System()
	}

	largePages := options.Flags&SystemFlagLargePages != 0
	pageSize := provider.PageSize()
	if largePages {
		pageSize = provider.LargePageSize()
	}

	granularity := options.Granularity
	if granularity == 0 {
		granularity = DefaultBlockSize
		if pageSize > granularity {
			granularity = pageSize
		}
	}
	if err := memutils.CheckPow2(granularity, "granularity"); err != nil {
		return nil, err
	}
	if granularity%pageSize != 0 {
		return nil, errors.Newf("granularity %d is not a multiple of the page size %d", granularity, pageSize)
	}

	a := &SystemAllocator{
		logger:      logger,
		provider:    provider,
		flags:       options.Flags,
		granularity: granularity,
	}

	reservation := options.InitialReservation
	if reservation == 0 {
		reservation = DefaultInitialReservation
	}

	if reservation > 0 {
		reservation = memutils.AlignUp(reservation, uint(granularity))
		region, err := provider.Map(reservation, largePages)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to map the initial reservation of %d bytes", reservation)
		}

		a.regions = append(a.regions, region)
		a.cache = region
		a.reserved = reservation
	}

	return a, nil
}

// Granularity returns the unit every request is rounded up to
func (a *SystemAllocator) Granularity() int {
	return a.granularity
}

// Allocate rounds size up to the block granularity and returns a block of that size, served from the
// reservation when it still has room and otherwise from a fresh OS mapping. It fails with
// memutils.ErrOutOfMemory when the reservation is exhausted and growth is not allowed, or when the OS
// refuses the mapping.
func (a *SystemAllocator) Allocate(size int) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, errors.Newf("cannot allocate a block of %d bytes", size)
	}
	size = memutils.AlignUp(size, uint(a.granularity))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		panic("attempted to allocate from a destroyed system allocator")
	}

	if len(a.cache) >= size {
		block := a.cache[:size:size]
		a.cache = a.cache[size:]
		return a.commit(block), nil
	}

	if a.flags&SystemFlagAllocateOverInitialLimit == 0 {
		return nil, errors.Wrapf(memutils.ErrOutOfMemory,
			"system allocator reservation of %d bytes is exhausted", a.reserved)
	}

	region, err := a.provider.Map(size, a.flags&SystemFlagLargePages != 0)
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, memutils.ErrOutOfMemory),
			"failed to grow system allocator by %d bytes", size)
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "SystemAllocator::Allocate grew beyond reservation",
		slog.Int("Size", size),
		slog.Int("Regions", len(a.regions)+1))

	a.regions = append(a.regions, region)
	a.reserved += size
	return a.commit(region), nil
}

func (a *SystemAllocator) commit(block []byte) unsafe.Pointer {
	a.blocks++
	a.allocatedBytes.Add(int64(len(block)))
	return unsafe.Pointer(&block[0])
}

// Deallocate is a no-op. Blocks live until Destroy.
func (a *SystemAllocator) Deallocate(ptr unsafe.Pointer, size int) {}

// CurrentAllocationBytes returns the number of bytes ever handed out by this allocator. Because
// Deallocate is a no-op, this number only grows.
func (a *SystemAllocator) CurrentAllocationBytes() int {
	return int(a.allocatedBytes.Load())
}

// ReservedBytes returns the number of bytes mapped from the OS, including the unused part of the
// reservation
func (a *SystemAllocator) ReservedBytes() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.reserved
}

// BlockCount returns the number of blocks handed out so far
func (a *SystemAllocator) BlockCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.blocks
}

// Destroy unmaps every region this allocator ever mapped. Every block it returned becomes invalid.
func (a *SystemAllocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return nil
	}
	a.destroyed = true

	var err error
	for _, region := range a.regions {
		err = errors.CombineErrors(err, a.provider.Unmap(region))
	}
	a.regions = nil
	a.cache = nil

	return err
}
