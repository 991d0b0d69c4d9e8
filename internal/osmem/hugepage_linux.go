//go:build linux

package osmem

import "golang.org/x/sys/unix"

const hugePageFlag = unix.MAP_HUGETLB
