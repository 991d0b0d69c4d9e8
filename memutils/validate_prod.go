//go:build !debug_mem_utils

package memutils

const (
	// DebugMargin is the number of bytes of debug data that should be placed between allocations in arenas
	// managed by bedrock
	DebugMargin int = 0
	// DebugAssertions reports whether Assert is live in this build
	DebugAssertions bool = false
)

// Assert panics with the formatted message if cond is false.
// This method no-ops unless the debug_mem_utils build tag is present.
func Assert(cond bool, format string, args ...any) {
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
}
