package memutils_test

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/bedrock/memutils"
)

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(1, "value"))
	require.NoError(t, memutils.CheckPow2(uint(4096), "value"))

	err := memutils.CheckPow2(24, "alignment")
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
	require.Contains(t, err.Error(), "alignment is 24")

	require.Error(t, memutils.CheckPow2(0, "value"))
	require.Error(t, memutils.CheckPow2(-8, "value"))

	require.True(t, memutils.IsPow2(uint32(64)))
	require.False(t, memutils.IsPow2(0))
}

func TestAlign(t *testing.T) {
	require.Equal(t, 0, memutils.AlignUp(0, 8))
	require.Equal(t, 8, memutils.AlignUp(1, 8))
	require.Equal(t, 16, memutils.AlignUp(16, 8))
	require.Equal(t, 4096, memutils.AlignUp(4000, 4096))

	require.Equal(t, 0, memutils.AlignDown(7, 8))
	require.Equal(t, 16, memutils.AlignDown(23, 8))

	backing := make([]byte, 128)
	base := unsafe.Pointer(&backing[1])
	aligned := memutils.AlignPointerUp(base, 32)
	require.Zero(t, uintptr(aligned)%32)
	require.Less(t, uint64(uintptr(aligned)-uintptr(base)), uint64(32))
	require.Equal(t, aligned, memutils.AlignPointerUp(aligned, 32))
}

func TestFillAndBytes(t *testing.T) {
	backing := make([]byte, 16)
	memutils.Fill(unsafe.Pointer(&backing[4]), 8, 0xAA)

	require.Equal(t, []byte{0, 0, 0, 0, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0, 0, 0, 0}, backing)
	require.Nil(t, memutils.Bytes(nil, 10))
	require.Len(t, memutils.Bytes(unsafe.Pointer(&backing[0]), 16), 16)
}

func TestMagicValue(t *testing.T) {
	backing := make([]uint32, 8)
	data := unsafe.Pointer(&backing[0])

	memutils.WriteMagicValue(data, 8, 16)
	require.True(t, memutils.ValidateMagicValue(data, 8, 16))
	require.Zero(t, backing[0])
	require.Zero(t, backing[7])

	backing[3] = 0
	require.False(t, memutils.ValidateMagicValue(data, 8, 16))
}
