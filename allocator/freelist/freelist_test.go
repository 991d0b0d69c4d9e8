package freelist

import (
	"runtime"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/bedrock/internal/osmem"
	"github.com/vkngwrapper/bedrock/memutils"
)

const testSlotSize = 16

// makeSlots carves count slots out of an OS mapping, which is unmapped when the test ends. Linked
// slots are addressed by integer, so they must live outside the Go heap.
func makeSlots(t testing.TB, count int) ([]byte, []unsafe.Pointer) {
	provider := osmem.System()
	region, err := provider.Map(memutils.AlignUp(count*testSlotSize, uint(provider.PageSize())), false)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, provider.Unmap(region))
	})

	base := unsafe.Pointer(&region[0])
	slots := make([]unsafe.Pointer, count)
	for i := range slots {
		slots[i] = unsafe.Add(base, i*testSlotSize)
	}
	return region, slots
}

func allStrategies() []Strategy {
	return []Strategy{StrategyTagged, StrategySpinLock, StrategyRelaxed}
}

func TestPushPopLIFO(t *testing.T) {
	for _, strategy := range allStrategies() {
		t.Run(strategy.String(), func(t *testing.T) {
			backing, slots := makeSlots(t, 4)
			list := New(strategy)

			require.True(t, list.IsEmpty())
			require.Nil(t, list.Pop())

			for _, slot := range slots {
				list.Push(slot)
			}
			require.False(t, list.IsEmpty())
			require.Equal(t, 4, list.Len())
			require.NoError(t, list.Validate())

			for i := len(slots) - 1; i >= 0; i-- {
				require.Equal(t, slots[i], list.Pop())
			}
			require.Nil(t, list.Pop())
			require.True(t, list.IsEmpty())

			runtime.KeepAlive(backing)
		})
	}
}

func TestPushChain(t *testing.T) {
	for _, strategy := range allStrategies() {
		t.Run(strategy.String(), func(t *testing.T) {
			backing, slots := makeSlots(t, 10)
			list := New(strategy)

			extra := slots[9]
			list.Push(extra)
			list.PushChain(slots[0], testSlotSize, 9)
			require.Equal(t, 10, list.Len())

			for i := 0; i < 9; i++ {
				require.Equal(t, slots[i], list.Pop())
			}
			require.Equal(t, extra, list.Pop())
			require.Nil(t, list.Pop())

			list.PushChain(slots[0], testSlotSize, 0)
			require.True(t, list.IsEmpty())

			runtime.KeepAlive(backing)
		})
	}
}

func TestTaggedGenerationAdvances(t *testing.T) {
	backing, slots := makeSlots(t, 1)
	list := New(StrategyTagged)

	start := unpackGeneration(list.head.Load())
	list.Push(slots[0])
	require.Equal(t, slots[0], list.Pop())
	list.Push(slots[0])

	// Same head address as after the first push, but a different word
	require.Equal(t, start+3, unpackGeneration(list.head.Load()))
	require.Equal(t, uintptr(slots[0]), unpackAddress(list.head.Load()))

	runtime.KeepAlive(backing)
}

func TestPackHeadRoundTrip(t *testing.T) {
	addr := uintptr(0x7fff_1234_5678)
	head := packHead(addr, MaxGeneration)
	require.Equal(t, addr, unpackAddress(head))
	require.Equal(t, MaxGeneration, unpackGeneration(head))

	wrapped := packHead(addr, MaxGeneration+1)
	require.Equal(t, uint64(0), unpackGeneration(wrapped))
	require.Equal(t, addr, unpackAddress(wrapped))
}

func TestValidateDetectsCycle(t *testing.T) {
	backing, slots := makeSlots(t, 3)
	list := New(StrategyRelaxed)
	list.PushChain(slots[0], testSlotSize, 3)
	require.NoError(t, list.Validate())

	storeNext(uintptr(slots[2]), uintptr(slots[0]))
	require.Error(t, list.Validate())

	runtime.KeepAlive(backing)
}

func TestConcurrentPushPopConservesSlots(t *testing.T) {
	const goroutines = 8
	const perGoroutine = 2000
	const rounds = 20

	for _, strategy := range []Strategy{StrategyTagged, StrategySpinLock} {
		t.Run(strategy.String(), func(t *testing.T) {
			backing, slots := makeSlots(t, goroutines*perGoroutine)
			list := New(strategy)

			var wg sync.WaitGroup
			for g := 0; g < goroutines; g++ {
				wg.Add(1)
				go func(owned []unsafe.Pointer) {
					defer wg.Done()

					for _, slot := range owned {
						list.Push(slot)
					}

					held := make([]unsafe.Pointer, 0, len(owned))
					for r := 0; r < rounds; r++ {
						for len(held) < len(owned)/2 {
							ptr := list.Pop()
							if ptr == nil {
								break
							}
							held = append(held, ptr)
						}
						for _, ptr := range held {
							list.Push(ptr)
						}
						held = held[:0]
					}
				}(slots[g*perGoroutine : (g+1)*perGoroutine])
			}
			wg.Wait()

			seen := make(map[unsafe.Pointer]int, len(slots))
			for ptr := list.Pop(); ptr != nil; ptr = list.Pop() {
				seen[ptr]++
			}

			require.Len(t, seen, len(slots))
			for _, slot := range slots {
				require.Equal(t, 1, seen[slot])
			}

			runtime.KeepAlive(backing)
		})
	}
}

func BenchmarkPushPop(b *testing.B) {
	for _, strategy := range allStrategies() {
		b.Run(strategy.String(), func(b *testing.B) {
			backing, slots := makeSlots(b, 1)
			slot := slots[0]
			list := New(strategy)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				list.Push(slot)
				list.Pop()
			}
			runtime.KeepAlive(backing)
		})
	}
}
