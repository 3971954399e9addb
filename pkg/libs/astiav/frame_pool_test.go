package astiavgraph

import (
	"testing"

	"github.com/asticode/go-astikit"
	"github.com/stretchr/testify/require"
)

func TestFramePool(t *testing.T) {
	c := astikit.NewCloser()
	var allocated uint64
	fp := newFramePool(c, &allocated)

	f1 := fp.get()
	require.NotNil(t, f1)
	f1.SetWidth(1)
	require.Equal(t, uint64(1), allocated)

	f2 := fp.get()
	require.NotSame(t, f1, f2)
	require.Equal(t, uint64(2), allocated)

	fp.put(f1)
	require.Len(t, fp.fs, 1)
	require.Equal(t, 0, f1.Width())

	f3 := fp.get()
	require.Same(t, f1, f3)
	require.Len(t, fp.fs, 0)
	require.Equal(t, uint64(2), allocated)

	c.Close()
	require.Panics(t, func() { f1.Width() })
}
