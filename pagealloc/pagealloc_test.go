package pagealloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsZeroFrames(t *testing.T) {
	_, err := New("cpu", 100, 4096)
	require.Error(t, err)
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	p, err := New("cpu", 4*4096, 4096)
	require.NoError(t, err)
	require.Equal(t, 4, p.Capacity())

	f := p.Allocate()
	require.NotEqual(t, NoFrame, f)
	assert.Equal(t, 1, p.InUse())

	p.Free(f)
	assert.Equal(t, 0, p.InUse())
}

func TestAllocateIsLowestIndexFirstFit(t *testing.T) {
	p, err := New("cpu", 4*4096, 4096)
	require.NoError(t, err)

	f0 := p.Allocate()
	f1 := p.Allocate()
	assert.Equal(t, FrameAddr(0), f0)
	assert.Equal(t, FrameAddr(1), f1)

	p.Free(f0)
	f2 := p.Allocate()
	assert.Equal(t, FrameAddr(0), f2, "freeing the lowest frame should make it the next allocation")
}

func TestAllocateExhaustion(t *testing.T) {
	p, err := New("cpu", 2*4096, 4096)
	require.NoError(t, err)
	require.NotEqual(t, NoFrame, p.Allocate())
	require.NotEqual(t, NoFrame, p.Allocate())
	assert.Equal(t, NoFrame, p.Allocate())
}

func TestDoubleFreeIsNoOp(t *testing.T) {
	p, err := New("cpu", 4096, 4096)
	require.NoError(t, err)
	f := p.Allocate()
	p.Free(f)
	assert.NotPanics(t, func() { p.Free(f) })
	assert.Equal(t, 0, p.InUse())
}

func TestBytesIsPageSized(t *testing.T) {
	p, err := New("cpu", 2*4096, 4096)
	require.NoError(t, err)
	f := p.Allocate()
	assert.Len(t, p.Bytes(f), 4096)
}
