//go:build unix

package osmem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapIsZeroedAndWritable(t *testing.T) {
	p := System()
	size := p.PageSize() * 4

	region, err := p.Map(size, false)
	require.NoError(t, err)
	require.Len(t, region, size)

	for i := range region {
		require.Zero(t, region[i])
	}
	region[0] = 1
	region[size-1] = 2

	require.NoError(t, p.Protect(region[:p.PageSize()], AccessNone))
	require.NoError(t, p.Protect(region[:p.PageSize()], AccessReadWrite))
	require.Equal(t, byte(1), region[0])

	require.NoError(t, p.Unmap(region))
}

func TestMapRejectsEmpty(t *testing.T) {
	_, err := System().Map(0, false)
	require.Error(t, err)
}
