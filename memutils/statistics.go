package memutils

import (
	"sync/atomic"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// MemoryStats is a diagnostic snapshot of a single named pool. The fields are loaded individually,
// so the snapshot is not a consistent point-in-time view across all counters.
type MemoryStats struct {
	// TotalAllocationAmount is the number of allocations ever made
	TotalAllocationAmount int
	// TotalAllocationAmountInBytes is the number of bytes ever allocated
	TotalAllocationAmountInBytes int
	// CurrentAllocationAmount is the number of live allocations
	CurrentAllocationAmount int
	// CurrentAllocationAmountInBytes is the number of live bytes
	CurrentAllocationAmountInBytes int
	// PeakAllocationAmountInBytes is the highest CurrentAllocationAmountInBytes ever observed
	PeakAllocationAmountInBytes int
}

func (s *MemoryStats) Clear() {
	s.TotalAllocationAmount = 0
	s.TotalAllocationAmountInBytes = 0
	s.CurrentAllocationAmount = 0
	s.CurrentAllocationAmountInBytes = 0
	s.PeakAllocationAmountInBytes = 0
}

func (s *MemoryStats) AddStatistics(other *MemoryStats) {
	s.TotalAllocationAmount += other.TotalAllocationAmount
	s.TotalAllocationAmountInBytes += other.TotalAllocationAmountInBytes
	s.CurrentAllocationAmount += other.CurrentAllocationAmount
	s.CurrentAllocationAmountInBytes += other.CurrentAllocationAmountInBytes
	s.PeakAllocationAmountInBytes += other.PeakAllocationAmountInBytes
}

// WriteJson populates a json object with the contents of these stats
func (s *MemoryStats) WriteJson(json *jwriter.ObjectState) {
	json.Name("TotalAllocationAmount").Int(s.TotalAllocationAmount)
	json.Name("TotalAllocationAmountInBytes").Int(s.TotalAllocationAmountInBytes)
	json.Name("CurrentAllocationAmount").Int(s.CurrentAllocationAmount)
	json.Name("CurrentAllocationAmountInBytes").Int(s.CurrentAllocationAmountInBytes)
	json.Name("PeakAllocationAmountInBytes").Int(s.PeakAllocationAmountInBytes)
}

// PoolCounters accumulates MemoryStats with relaxed atomics so that it can be updated from
// any number of goroutines without a lock
type PoolCounters struct {
	totalCount atomic.Int64
	totalBytes atomic.Int64
	liveCount  atomic.Int64
	liveBytes  atomic.Int64
	peakBytes  atomic.Int64
}

// Allocated records a single allocation of size bytes
func (c *PoolCounters) Allocated(size int) {
	c.totalCount.Add(1)
	c.totalBytes.Add(int64(size))
	c.liveCount.Add(1)
	live := c.liveBytes.Add(int64(size))

	for {
		peak := c.peakBytes.Load()
		if live <= peak || c.peakBytes.CompareAndSwap(peak, live) {
			return
		}
	}
}

// Freed records the release of a single allocation of size bytes
func (c *PoolCounters) Freed(size int) {
	c.liveCount.Add(-1)
	c.liveBytes.Add(-int64(size))
}

// LiveBytes returns the number of bytes currently allocated
func (c *PoolCounters) LiveBytes() int {
	return int(c.liveBytes.Load())
}

// LiveCount returns the number of allocations currently live
func (c *PoolCounters) LiveCount() int {
	return int(c.liveCount.Load())
}

// Snapshot loads every counter into a MemoryStats
func (c *PoolCounters) Snapshot() MemoryStats {
	return MemoryStats{
		TotalAllocationAmount:          int(c.totalCount.Load()),
		TotalAllocationAmountInBytes:   int(c.totalBytes.Load()),
		CurrentAllocationAmount:        int(c.liveCount.Load()),
		CurrentAllocationAmountInBytes: int(c.liveBytes.Load()),
		PeakAllocationAmountInBytes:    int(c.peakBytes.Load()),
	}
}
