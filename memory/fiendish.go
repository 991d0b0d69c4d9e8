package memory

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/bedrock/allocator"
	"github.com/vkngwrapper/bedrock/internal/osmem"
	"github.com/vkngwrapper/bedrock/memutils"
	"golang.org/x/exp/slog"
)

// fiendishAlignment is the alignment of every allocation handed out by a FiendishAllocator
const fiendishAlignment uint = 16

// FiendishAllocator serves every allocation from its own OS mapping. The user region is pushed up
// against a trailing guard page with no access, so an overrun faults immediately. Freed mappings are
// not released: they are made inaccessible and parked in a bounded quarantine ring, so a use after
// free faults as well. Only when the ring is full is the oldest mapping unmapped.
type FiendishAllocator struct {
	logger   *slog.Logger
	provider osmem.Provider
	pageSize int

	mutex      sync.Mutex
	live       *swiss.Map[uintptr, []byte]
	quarantine [][]byte
	next       int
	full       bool

	counters memutils.PoolCounters
}

var _ allocator.BlockAllocator = &FiendishAllocator{}

// NewFiendishAllocator creates a FiendishAllocator. It fails if the provider cannot protect pages.
func NewFiendishAllocator(logger *slog.Logger, provider osmem.Provider, quarantineSize int) (*FiendishAllocator, error) {
	if quarantineSize <= 0 {
		quarantineSize = DefaultQuarantineSize
	}

	pageSize := provider.PageSize()
	probe, err := provider.Map(pageSize, false)
	if err != nil {
		return nil, errors.Wrap(err, "fiendish allocator could not map a probe page")
	}
	protectErr := provider.Protect(probe, osmem.AccessNone)
	unmapErr := provider.Unmap(probe)
	if protectErr != nil {
		return nil, errors.Wrap(protectErr, "fiendish allocator requires page protection")
	}
	if unmapErr != nil {
		return nil, errors.Wrap(unmapErr, "fiendish allocator could not release its probe page")
	}

	return &FiendishAllocator{
		logger:     logger,
		provider:   provider,
		pageSize:   pageSize,
		live:       swiss.NewMap[uintptr, []byte](256),
		quarantine: make([][]byte, quarantineSize),
	}, nil
}

// Allocate maps enough pages for size bytes plus a guard page and returns a pointer placed so that the
// user region ends as close to the guard page as the alignment allows
func (a *FiendishAllocator) Allocate(size int) (unsafe.Pointer, error) {
	if size < 0 {
		return nil, errors.Newf("cannot allocate %d bytes", size)
	}

	userBytes := memutils.AlignUp(size, fiendishAlignment)
	dataBytes := memutils.AlignUp(userBytes, uint(a.pageSize))
	if dataBytes == 0 {
		dataBytes = a.pageSize
	}

	region, err := a.provider.Map(dataBytes+a.pageSize, false)
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, memutils.ErrOutOfMemory), "fiendish allocator could not map %d bytes", dataBytes)
	}
	err = a.provider.Protect(region[dataBytes:], osmem.AccessNone)
	if err != nil {
		return nil, errors.CombineErrors(errors.Wrap(err, "fiendish allocator could not protect its guard page"), a.provider.Unmap(region))
	}

	ptr := unsafe.Pointer(&region[dataBytes-userBytes])

	a.mutex.Lock()
	a.live.Put(uintptr(ptr), region)
	a.mutex.Unlock()

	a.counters.Allocated(size)
	return ptr, nil
}

// Deallocate makes the allocation's pages inaccessible and parks them in the quarantine ring. Freeing a
// pointer this allocator does not own panics.
func (a *FiendishAllocator) Deallocate(ptr unsafe.Pointer, size int) {
	if ptr == nil {
		return
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	region, ok := a.live.Get(uintptr(ptr))
	if !ok {
		panic(fmt.Sprintf("fiendish allocator: attempted to free %p, which is not a live allocation", ptr))
	}
	a.live.Delete(uintptr(ptr))
	a.counters.Freed(size)

	err := a.provider.Protect(region, osmem.AccessNone)
	if err != nil {
		panic(fmt.Sprintf("fiendish allocator: could not protect freed allocation %p: %v", ptr, err))
	}

	evicted := a.quarantine[a.next]
	a.quarantine[a.next] = region
	a.next++
	if a.next == len(a.quarantine) {
		a.next = 0
		a.full = true
	}

	if evicted != nil {
		err = a.provider.Unmap(evicted)
		if err != nil {
			a.logger.LogAttrs(context.Background(), slog.LevelWarn, "FiendishAllocator::Deallocate could not unmap a quarantined region",
				slog.Int("Size", len(evicted)),
				slog.Any("error", err))
		}
	}
}

// QuarantineLen returns the number of freed allocations whose pages are still mapped
func (a *FiendishAllocator) QuarantineLen() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.full {
		return len(a.quarantine)
	}
	return a.next
}

// PageSize returns the page granularity of every mapping
func (a *FiendishAllocator) PageSize() int {
	return a.pageSize
}

// CurrentAllocationBytes returns the number of bytes currently allocated, counted at requested size
func (a *FiendishAllocator) CurrentAllocationBytes() int {
	return a.counters.LiveBytes()
}

// Stats returns a snapshot of this allocator's counters
func (a *FiendishAllocator) Stats() memutils.MemoryStats {
	return a.counters.Snapshot()
}

// Destroy unmaps every quarantined region. Live allocations are logged and kept mapped.
func (a *FiendishAllocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var err error
	for i, region := range a.quarantine {
		if region != nil {
			err = errors.CombineErrors(err, a.provider.Unmap(region))
			a.quarantine[i] = nil
		}
	}
	a.next = 0
	a.full = false

	if a.live.Count() > 0 {
		a.live.Iter(func(ptr uintptr, region []byte) bool {
			a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed fiendish allocation",
				slog.String("address", fmt.Sprintf("%#x", ptr)),
				slog.Int("mappedBytes", len(region)))
			return false
		})
		err = errors.CombineErrors(err, errors.New("some fiendish allocations were not freed before the destruction of this allocator!"))
	}

	return err
}
