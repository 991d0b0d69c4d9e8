//go:build !unix && !windows

package osmem

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// heapProvider serves mappings from the Go heap when no virtual memory API is available. Regions are
// pinned in a table until Unmap so the collector never frees memory still handed out.
type heapProvider struct {
	mutex   sync.Mutex
	regions map[uintptr][]byte
}

var systemProvider Provider = &heapProvider{regions: make(map[uintptr][]byte)}

func (p *heapProvider) PageSize() int { return 4096 }

func (p *heapProvider) LargePageSize() int { return DefaultLargePageSize }

func (p *heapProvider) Map(size int, largePages bool) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Newf("cannot map %d bytes", size)
	}

	pageSize := p.PageSize()
	raw := make([]byte, size+pageSize)
	offset := int(uintptr(pageSize)-uintptr(unsafe.Pointer(&raw[0]))%uintptr(pageSize)) % pageSize
	data := raw[offset : offset+size : offset+size]

	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.regions[uintptr(unsafe.Pointer(&data[0]))] = raw
	return data, nil
}

func (p *heapProvider) Protect(region []byte, access Access) error {
	return errors.Wrap(errUnsupported, "page protection requires a virtual memory API")
}

func (p *heapProvider) Unmap(region []byte) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	key := uintptr(unsafe.Pointer(&region[0]))
	if _, ok := p.regions[key]; !ok {
		return errors.New("attempted to unmap a region this provider did not map")
	}
	delete(p.regions, key)
	return nil
}
