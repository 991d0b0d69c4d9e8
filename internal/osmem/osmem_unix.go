//go:build unix

package osmem

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

type unixProvider struct {
	pageSize int
}

var systemProvider Provider = &unixProvider{pageSize: unix.Getpagesize()}

func (p *unixProvider) PageSize() int { return p.pageSize }

func (p *unixProvider) LargePageSize() int { return DefaultLargePageSize }

func (p *unixProvider) Map(size int, largePages bool) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Newf("cannot map %d bytes", size)
	}

	flags := unix.MAP_ANON | unix.MAP_PRIVATE
	if largePages {
		if hugePageFlag == 0 {
			return nil, errors.Wrap(errUnsupported, "large pages are not available on this platform")
		}
		flags |= hugePageFlag
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap of %d bytes failed", size)
	}
	return data, nil
}

func (p *unixProvider) Protect(region []byte, access Access) error {
	prot := unix.PROT_NONE
	if access == AccessReadWrite {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}

	err := unix.Mprotect(region, prot)
	if err != nil {
		return errors.Wrapf(err, "mprotect %s failed", access)
	}
	return nil
}

func (p *unixProvider) Unmap(region []byte) error {
	err := unix.Munmap(region)
	if err != nil {
		return errors.Wrap(err, "munmap failed")
	}
	return nil
}
