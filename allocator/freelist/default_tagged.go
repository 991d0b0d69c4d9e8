//go:build !freelist_spinlock

package freelist

// DefaultStrategy is the strategy used by thread-safe pools that do not request one explicitly.
// Building with the freelist_spinlock tag switches it to StrategySpinLock.
const DefaultStrategy = StrategyTagged
