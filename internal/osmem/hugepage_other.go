//go:build unix && !linux

package osmem

const hugePageFlag = 0
