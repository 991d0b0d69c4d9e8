//go:build windows

package osmem

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/windows"
)

type windowsProvider struct {
	pageSize int
}

var systemProvider Provider = &windowsProvider{pageSize: 64 * 1024}

func (p *windowsProvider) PageSize() int { return p.pageSize }

func (p *windowsProvider) LargePageSize() int { return DefaultLargePageSize }

func (p *windowsProvider) Map(size int, largePages bool) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Newf("cannot map %d bytes", size)
	}

	allocType := uint32(windows.MEM_RESERVE | windows.MEM_COMMIT)
	if largePages {
		allocType |= windows.MEM_LARGE_PAGES
	}

	addr, err := windows.VirtualAlloc(0, uintptr(size), allocType, windows.PAGE_READWRITE)
	if err != nil {
		return nil, errors.Wrapf(err, "VirtualAlloc of %d bytes failed", size)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func (p *windowsProvider) Protect(region []byte, access Access) error {
	protect := uint32(windows.PAGE_NOACCESS)
	if access == AccessReadWrite {
		protect = windows.PAGE_READWRITE
	}

	var old uint32
	err := windows.VirtualProtect(uintptr(unsafe.Pointer(&region[0])), uintptr(len(region)), protect, &old)
	if err != nil {
		return errors.Wrapf(err, "VirtualProtect %s failed", access)
	}
	return nil
}

func (p *windowsProvider) Unmap(region []byte) error {
	err := windows.VirtualFree(uintptr(unsafe.Pointer(&region[0])), 0, windows.MEM_RELEASE)
	if err != nil {
		return errors.Wrap(err, "VirtualFree failed")
	}
	return nil
}
