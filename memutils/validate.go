package memutils

import "unsafe"

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}

// corruptionDetectionMagicValue is a 4-byte pattern copied into safe zones placed around
// allocations by the debug layers
const corruptionDetectionMagicValue uint32 = 0x7F84E666

// WriteMagicValue writes an easy-to-identify marker across size bytes at the provided pointer and offset.
// size must be a multiple of 4.
func WriteMagicValue(data unsafe.Pointer, offset int, size int) {
	dest := unsafe.Add(data, offset)
	marginSize := size / int(unsafe.Sizeof(uint32(0)))
	for i := 0; i < marginSize; i++ {
		*(*uint32)(dest) = corruptionDetectionMagicValue
		dest = unsafe.Add(dest, unsafe.Sizeof(uint32(0)))
	}
}

// ValidateMagicValue verifies that the easy-to-identify marker written by WriteMagicValue is still present.
// It returns true if the value is still present and false otherwise.
func ValidateMagicValue(data unsafe.Pointer, offset int, size int) bool {
	source := unsafe.Add(data, offset)
	marginSize := size / int(unsafe.Sizeof(uint32(0)))
	for i := 0; i < marginSize; i++ {
		value := (*uint32)(source)
		if *value != corruptionDetectionMagicValue {
			return false
		}
		source = unsafe.Add(source, unsafe.Sizeof(uint32(0)))
	}

	return true
}
