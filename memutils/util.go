package memutils

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// PointerSize is the size in bytes of a machine word. Every intrusive free list slot must be at least this large.
const PointerSize = int(unsafe.Sizeof(uintptr(0)))

type Number interface {
	constraints.Integer
}

func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func IsPow2[T Number](number T) bool {
	return number > 0 && number&(number-1) == 0
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// AlignPointerUp rounds ptr up to the next multiple of alignment, which must be a power of two
func AlignPointerUp(ptr unsafe.Pointer, alignment uint) unsafe.Pointer {
	addr := uintptr(ptr)
	aligned := (addr + uintptr(alignment) - 1) &^ (uintptr(alignment) - 1)
	return unsafe.Add(ptr, aligned-addr)
}

// Bytes presents size bytes at ptr as a byte slice. The slice does not keep the memory alive.
func Bytes(ptr unsafe.Pointer, size int) []byte {
	if ptr == nil || size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), size)
}

// Fill writes pattern across size bytes at ptr
func Fill(ptr unsafe.Pointer, size int, pattern byte) {
	data := Bytes(ptr, size)
	for i := range data {
		data[i] = pattern
	}
}
