// Package freelist provides AtomicPointerList, an intrusive singly-linked list of raw memory slots that
// can be pushed and popped from any number of goroutines.
//
// The list stores its links inside the slots themselves: while a slot is on a list, its first machine
// word holds the address of the next slot. Slots must therefore be at least memutils.PointerSize bytes,
// aligned to 8 bytes, and must live in memory the garbage collector does not move or free while they
// are linked. Links are stored as integers and turned back into pointers on pop, which the checkptr
// instrumentation enabled by -race only accepts for memory outside the Go heap, such as
// internal/osmem mappings.
package freelist

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/vkngwrapper/bedrock/internal/utils"
	"github.com/vkngwrapper/bedrock/memutils"
)

// Strategy selects how concurrent updates of the list head are made safe
type Strategy uint32

const (
	// StrategyTagged packs the head address together with a generation counter in a single 64-bit word.
	// Every successful head update increments the generation, so a slot popped and pushed back by another
	// goroutine between a load and a compare-and-swap cannot be mistaken for an unchanged head.
	StrategyTagged Strategy = iota
	// StrategySpinLock uses the low bit of the head address as a lock bit. Push and pop acquire the bit,
	// mutate the list, and release it by storing the new head.
	StrategySpinLock
	// StrategyRelaxed performs no synchronization at all and may only be used by a single goroutine
	StrategyRelaxed
)

var strategyMapping = map[Strategy]string{
	StrategyTagged:   "StrategyTagged",
	StrategySpinLock: "StrategySpinLock",
	StrategyRelaxed:  "StrategyRelaxed",
}

func (s Strategy) String() string {
	return strategyMapping[s]
}

const (
	// slot addresses are 8-byte aligned, so the low three bits carry no information
	addressShift = 3
	// 48 bits of virtual address space minus the alignment bits
	addressBits = 45
	addressMask = uint64(1)<<addressBits - 1

	lockBit = uintptr(1)
)

// MaxGeneration is the value at which the tagged head's generation counter wraps
const MaxGeneration = uint64(1)<<(64-addressBits) - 1

// AtomicPointerList is an intrusive free list of raw memory slots. The zero value is an empty list using
// StrategyTagged.
type AtomicPointerList struct {
	strategy Strategy
	head     atomic.Uint64
}

// New creates an empty list that synchronizes with the provided strategy
func New(strategy Strategy) *AtomicPointerList {
	l := &AtomicPointerList{}
	l.Init(strategy)
	return l
}

// Init resets the list to empty and selects its strategy. It must not race with any other method.
func (l *AtomicPointerList) Init(strategy Strategy) {
	if _, ok := strategyMapping[strategy]; !ok {
		panic(fmt.Sprintf("unknown free list strategy: %d", strategy))
	}
	l.strategy = strategy
	l.head.Store(0)
}

// Strategy returns the synchronization strategy the list was initialized with
func (l *AtomicPointerList) Strategy() Strategy {
	return l.strategy
}

// Push adds a single slot to the list
func (l *AtomicPointerList) Push(ptr unsafe.Pointer) {
	l.splice(uintptr(ptr), uintptr(ptr))
}

// PushChain links slotCount contiguous slots of slotSize bytes starting at base into a single chain and
// splices the whole chain onto the list with one atomic update
func (l *AtomicPointerList) PushChain(base unsafe.Pointer, slotSize int, slotCount int) {
	if slotCount <= 0 {
		return
	}
	memutils.Assert(slotSize >= memutils.PointerSize, "slot size %d is smaller than a pointer", slotSize)

	first := uintptr(base)
	last := first
	for i := 1; i < slotCount; i++ {
		next := last + uintptr(slotSize)
		storeNext(last, next)
		last = next
	}

	l.splice(first, last)
}

// Pop removes a slot from the list and returns it, or returns nil if the list is empty
func (l *AtomicPointerList) Pop() unsafe.Pointer {
	switch l.strategy {
	case StrategyTagged:
		return toPointer(l.popTagged())
	case StrategySpinLock:
		return toPointer(l.popSpinLock())
	default:
		return toPointer(l.popRelaxed())
	}
}

// IsEmpty reports whether the list held no slots at the moment it was checked
func (l *AtomicPointerList) IsEmpty() bool {
	head := l.head.Load()
	if l.strategy == StrategyTagged {
		return head&addressMask == 0
	}
	return uintptr(head)&^lockBit == 0
}

// Len walks the list and counts its slots. It is only meaningful while no other goroutine is using
// the list.
func (l *AtomicPointerList) Len() int {
	count := 0
	for node := l.firstUnsynchronized(); node != 0; node = loadNext(node) {
		count++
	}
	return count
}

// Validate checks that every linked slot is aligned and that the list contains no cycle. Like Len, it
// must only be called while no other goroutine is using the list.
func (l *AtomicPointerList) Validate() error {
	slow := l.firstUnsynchronized()
	fast := slow
	for fast != 0 {
		for i := 0; i < 2; i++ {
			if fast&(1<<addressShift-1) != 0 {
				return fmt.Errorf("slot %#x is not 8-byte aligned", fast)
			}
			fast = loadNext(fast)
			if fast == 0 {
				return nil
			}
		}

		slow = loadNext(slow)
		if fast == slow {
			return fmt.Errorf("free list contains a cycle through slot %#x", fast)
		}
	}
	return nil
}

func (l *AtomicPointerList) firstUnsynchronized() uintptr {
	head := l.head.Load()
	if l.strategy == StrategyTagged {
		return unpackAddress(head)
	}
	return uintptr(head) &^ lockBit
}

// splice links the chain first..last in front of the current head
func (l *AtomicPointerList) splice(first, last uintptr) {
	memutils.Assert(first != 0 && last != 0, "pushed a nil slot")
	memutils.Assert(first&(1<<addressShift-1) == 0, "pushed slot %#x is not 8-byte aligned", first)

	switch l.strategy {
	case StrategyTagged:
		l.spliceTagged(first, last)
	case StrategySpinLock:
		l.spliceSpinLock(first, last)
	default:
		storeNext(last, uintptr(l.head.Load()))
		l.head.Store(uint64(first))
	}
}

func (l *AtomicPointerList) spliceTagged(first, last uintptr) {
	var backoff utils.Backoff
	for {
		head := l.head.Load()
		storeNext(last, unpackAddress(head))
		if l.head.CompareAndSwap(head, packHead(first, unpackGeneration(head)+1)) {
			return
		}
		backoff.Wait()
	}
}

func (l *AtomicPointerList) popTagged() uintptr {
	var backoff utils.Backoff
	for {
		head := l.head.Load()
		node := unpackAddress(head)
		if node == 0 {
			return 0
		}

		// node may be popped and reused by another goroutine before the swap below. The value read
		// here is then garbage, but the generation check makes the swap fail and it is discarded.
		next := loadNext(node)
		if l.head.CompareAndSwap(head, packHead(next, unpackGeneration(head)+1)) {
			return node
		}
		backoff.Wait()
	}
}

func (l *AtomicPointerList) lock() uintptr {
	var backoff utils.Backoff
	for {
		head := uintptr(l.head.Load())
		if head&lockBit == 0 && l.head.CompareAndSwap(uint64(head), uint64(head|lockBit)) {
			return head
		}
		backoff.Wait()
	}
}

func (l *AtomicPointerList) spliceSpinLock(first, last uintptr) {
	head := l.lock()
	storeNext(last, head)
	l.head.Store(uint64(first))
}

func (l *AtomicPointerList) popSpinLock() uintptr {
	// Skip the lock entirely when the list is observably empty
	if uintptr(l.head.Load()) == 0 {
		return 0
	}

	head := l.lock()
	if head == 0 {
		l.head.Store(0)
		return 0
	}
	l.head.Store(uint64(loadNext(head)))
	return head
}

func (l *AtomicPointerList) popRelaxed() uintptr {
	head := uintptr(l.head.Load())
	if head == 0 {
		return 0
	}
	l.head.Store(uint64(loadNext(head)))
	return head
}

func packHead(addr uintptr, generation uint64) uint64 {
	return uint64(addr)>>addressShift | (generation&MaxGeneration)<<addressBits
}

func unpackAddress(head uint64) uintptr {
	return uintptr((head & addressMask) << addressShift)
}

func unpackGeneration(head uint64) uint64 {
	return head >> addressBits
}

func loadNext(node uintptr) uintptr {
	return atomic.LoadUintptr((*uintptr)(toPointer(node)))
}

func storeNext(node uintptr, next uintptr) {
	atomic.StoreUintptr((*uintptr)(toPointer(node)), next)
}

// toPointer recovers a slot pointer from a link or head word. addr must not point into the Go heap
// when built with checkptr.
func toPointer(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}
