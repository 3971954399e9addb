package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/Alcaro/krkrwine/pkg/filtergraph"
	"github.com/stretchr/testify/require"
)

func newSample(t *testing.T, b []byte) *filtergraph.Sample {
	a, err := filtergraph.NewAllocator(filtergraph.AllocatorProperties{Buffers: 1, Size: len(b)})
	require.NoError(t, err)
	s, err := a.Get(context.Background())
	require.NoError(t, err)
	t.Cleanup(s.Release)
	require.NoError(t, s.SetBytes(b))
	return s
}

func TestDrain(t *testing.T) {
	buf := &bytes.Buffer{}
	d := newDrain("test", buf, 2)
	require.NoError(t, d.onSample(newSample(t, []byte{1, 2})))
	require.NoError(t, d.onSample(newSample(t, []byte{3})))

	// Buffered chunks are written once closed
	d.close()
	d.close()
	require.NoError(t, d.run(context.Background()))
	require.Equal(t, []byte{1, 2, 3}, buf.Bytes())
	require.Equal(t, uint64(2), d.samples)
	require.Error(t, d.onSample(newSample(t, []byte{4})))
}

func TestDrainCancel(t *testing.T) {
	d := newDrain("test", &bytes.Buffer{}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, d.run(ctx), context.Canceled)

	// Samples are refused once run has returned
	require.Error(t, d.onSample(newSample(t, []byte{1})))
}

type failingWriter struct{ err error }

func (w failingWriter) Write(b []byte) (int, error) { return 0, w.err }

func TestDrainWriteError(t *testing.T) {
	errWrite := errors.New("write")
	d := newDrain("test", failingWriter{err: errWrite}, 1)
	require.NoError(t, d.onSample(newSample(t, []byte{1})))
	d.close()
	require.ErrorIs(t, d.run(context.Background()), errWrite)
}
