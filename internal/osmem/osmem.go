// Package osmem wraps the operating system's virtual memory primitives: anonymous mappings,
// optionally backed by large pages, page protection, and release.
//
// Memory returned by a Provider lives outside the Go heap on platforms that support it. The
// garbage collector neither scans nor frees it, so it may hold raw addresses, and it remains
// valid until Unmap is called.
package osmem

// Access is the protection applied to a mapped region
type Access uint32

const (
	// AccessNone makes any read or write to the region fault
	AccessNone Access = iota
	// AccessReadWrite is the protection of freshly mapped memory
	AccessReadWrite
)

var accessMapping = map[Access]string{
	AccessNone:      "AccessNone",
	AccessReadWrite: "AccessReadWrite",
}

func (a Access) String() string {
	return accessMapping[a]
}

// DefaultLargePageSize is the large page size assumed when the platform cannot report one
const DefaultLargePageSize int = 2 * 1024 * 1024

// Provider hands out page-granular regions of virtual memory
type Provider interface {
	// PageSize is the granularity of Map, Protect and Unmap
	PageSize() int
	// LargePageSize is the granularity of mappings made with largePages set
	LargePageSize() int
	// Map reserves and commits size bytes of zeroed read-write memory. size must be a multiple of
	// PageSize, or of LargePageSize when largePages is set.
	Map(size int, largePages bool) ([]byte, error)
	// Protect changes the protection of a page-aligned region previously returned by Map
	Protect(region []byte, access Access) error
	// Unmap releases a region previously returned by Map
	Unmap(region []byte) error
}

// System returns the Provider for the current platform
func System() Provider {
	return systemProvider
}
