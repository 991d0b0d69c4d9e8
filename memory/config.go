package memory

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/bedrock/allocator"
	"github.com/vkngwrapper/bedrock/internal/osmem"
	"github.com/vkngwrapper/bedrock/memutils"
)

const (
	// DefaultStackDepth is the number of frames the allocation tracker records per allocation site
	DefaultStackDepth int = 16
	// DefaultQuarantineSize is the number of freed allocations the fiendish allocator keeps
	// protected before it releases their address space
	DefaultQuarantineSize int = 256
)

// Config selects the allocation strategy of a Context and the debug layers wrapped around it. The zero
// value pools every fixed allocation and enables no debug layers.
type Config struct {
	// EnableAllocationDebugger tracks every live fixed allocation, so that freeing an unknown
	// pointer or freeing with the wrong size panics
	EnableAllocationDebugger bool
	// EnableOverwriteChecks surrounds every fixed allocation with safe zones that are verified on free,
	// and fills fresh and freed memory with recognizable patterns. It requires the debugger.
	EnableOverwriteChecks bool
	// EnableAllocationTracker records the call stack of every allocation and accumulates statistics
	// per allocation site. It requires the debugger.
	EnableAllocationTracker bool
	// EnableFiendishAllocator serves every fixed allocation from its own OS pages, followed by a guard
	// page, and keeps freed pages inaccessible for a while. It forces pool allocators off.
	EnableFiendishAllocator bool
	// PoolAllocatorsDisabled sends every fixed allocation to the runtime heap instead of the pools
	PoolAllocatorsDisabled bool
	// UseLargePages backs the pools' system memory with large pages where the platform allows it
	UseLargePages bool

	// MaxPooledSizeInBytes is the largest fixed allocation served from a size class. It defaults to
	// allocator.DefaultMaxAllocationSize.
	MaxPooledSizeInBytes int
	// PoolAlignmentInBytes is the alignment of every fixed allocation. It defaults to
	// allocator.DefaultPoolAlignment.
	PoolAlignmentInBytes int
	// GrowMode spaces the pools' size classes
	GrowMode allocator.GrowMode
	// InitialReservationInBytes is passed to the system allocator backing the pools
	InitialReservationInBytes int

	// StackDepth is the number of frames recorded per allocation site. It defaults to DefaultStackDepth.
	StackDepth int
	// QuarantineSize is the number of freed allocations the fiendish allocator keeps protected. It
	// defaults to DefaultQuarantineSize.
	QuarantineSize int

	// Provider is the source of OS memory for the system and fiendish allocators. It defaults to
	// the platform provider.
	Provider osmem.Provider
	// Profiler receives an event for every allocation and free made through the Context. It may be nil.
	Profiler AllocationProfiler
}

// Validate checks that the requested combination of layers is supported
func (c Config) Validate() error {
	if c.EnableOverwriteChecks && !c.EnableAllocationDebugger {
		return errors.New("Config.EnableOverwriteChecks requires Config.EnableAllocationDebugger")
	}
	if c.EnableAllocationTracker && !c.EnableAllocationDebugger {
		return errors.New("Config.EnableAllocationTracker requires Config.EnableAllocationDebugger")
	}
	if c.PoolAlignmentInBytes != 0 {
		if err := memutils.CheckPow2(c.PoolAlignmentInBytes, "Config.PoolAlignmentInBytes"); err != nil {
			return err
		}
	}
	if c.MaxPooledSizeInBytes < 0 {
		return errors.Newf("Config.MaxPooledSizeInBytes is %d", c.MaxPooledSizeInBytes)
	}
	if c.StackDepth < 0 || c.StackDepth > maxStackDepth {
		return errors.Newf("Config.StackDepth must be between 0 and %d, but was %d", maxStackDepth, c.StackDepth)
	}
	if c.QuarantineSize < 0 {
		return errors.Newf("Config.QuarantineSize is %d", c.QuarantineSize)
	}
	return nil
}

// PoolsEnabled reports whether fixed allocations are served from the pools under this configuration
func (c Config) PoolsEnabled() bool {
	return !c.PoolAllocatorsDisabled && !c.EnableFiendishAllocator
}

func (c Config) withDefaults() Config {
	if c.EnableFiendishAllocator {
		c.PoolAllocatorsDisabled = true
	}
	if c.MaxPooledSizeInBytes == 0 {
		c.MaxPooledSizeInBytes = allocator.DefaultMaxAllocationSize
	}
	if c.PoolAlignmentInBytes == 0 {
		c.PoolAlignmentInBytes = allocator.DefaultPoolAlignment
	}
	if c.StackDepth == 0 {
		c.StackDepth = DefaultStackDepth
	}
	if c.QuarantineSize == 0 {
		c.QuarantineSize = DefaultQuarantineSize
	}
	if c.Provider == nil {
		c.Provider = osmem.System()
	}
	return c
}
