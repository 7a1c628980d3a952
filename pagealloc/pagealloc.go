// Package pagealloc implements the two independent physical page pools —
// host and accelerator — that back the page table's residency claims. Each
// pool is a fixed-size byte arena plus a bitmap of free frames, allocated
// with deterministic lowest-index first-fit, mirroring uvm_sim::PageAllocator.
package pagealloc

import (
	"fmt"
	"sync"

	"github.com/gopagesim/uvm/vmlog"
)

// FrameAddr identifies a physical frame within a Pool's arena. It is not a
// pointer: callers get at the underlying bytes via Pool.Bytes.
type FrameAddr uint64

// NoFrame is the sentinel FrameAddr returned on allocation failure.
const NoFrame FrameAddr = ^FrameAddr(0)

// Pool is a fixed-capacity arena of page-sized frames with a bitmap
// allocator. A Pool is safe for concurrent use.
type Pool struct {
	name      string
	pageSize  uint64
	numFrames int
	arena     []byte
	free      []bool // free[i] == true means frame i is unallocated
	nextHint  int    // lowest index that might be free; advances monotonically until a Free lowers it
	allocated map[FrameAddr]bool

	mu sync.Mutex
}

// New allocates a pool's backing arena. It returns a real error, matching
// the source's PageAllocator constructor, which is the one place actual
// memory is reserved and can fail.
func New(name string, poolBytes, pageSize uint64) (*Pool, error) {
	if pageSize == 0 {
		return nil, fmt.Errorf("pagealloc: %s: page size must be non-zero", name)
	}
	numFrames := int(poolBytes / pageSize)
	if numFrames == 0 {
		return nil, fmt.Errorf("pagealloc: %s: pool of %d bytes holds zero %d-byte frames", name, poolBytes, pageSize)
	}

	arena := make([]byte, uint64(numFrames)*pageSize)
	free := make([]bool, numFrames)
	for i := range free {
		free[i] = true
	}

	p := &Pool{
		name:      name,
		pageSize:  pageSize,
		numFrames: numFrames,
		arena:     arena,
		free:      free,
		allocated: make(map[FrameAddr]bool, numFrames),
	}
	vmlog.Debugf("pagealloc: %s pool ready: %d frames of %d bytes", name, numFrames, pageSize)
	return p, nil
}

// Capacity returns the total number of frames in the pool.
func (p *Pool) Capacity() int {
	return p.numFrames
}

// Allocate reserves the lowest-indexed free frame and returns its address.
// It returns NoFrame when the pool is exhausted.
func (p *Pool) Allocate() FrameAddr {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := p.nextHint; i < p.numFrames; i++ {
		if p.free[i] {
			p.free[i] = false
			p.allocated[FrameAddr(i)] = true
			p.nextHint = i + 1
			return FrameAddr(i)
		}
	}
	// The hint had advanced past frames freed out of order; do a full scan
	// before declaring exhaustion.
	for i := 0; i < p.nextHint; i++ {
		if p.free[i] {
			p.free[i] = false
			p.allocated[FrameAddr(i)] = true
			p.nextHint = i + 1
			return FrameAddr(i)
		}
	}
	vmlog.Warnf("pagealloc: %s pool exhausted (%d frames)", p.name, p.numFrames)
	return NoFrame
}

// Free releases a frame. Freeing an already-free or out-of-range frame is a
// silent no-op logged at WARN, matching the source's defensive
// double-free handling rather than panicking mid-simulation.
func (p *Pool) Free(f FrameAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := int(f)
	if idx < 0 || idx >= p.numFrames {
		vmlog.Warnf("pagealloc: %s: free of out-of-range frame %d", p.name, f)
		return
	}
	if p.free[idx] {
		vmlog.Warnf("pagealloc: %s: double free of frame %d ignored", p.name, f)
		return
	}
	p.free[idx] = true
	delete(p.allocated, f)
	if idx < p.nextHint {
		p.nextHint = idx
	}
}

// Bytes returns the page-sized slice backing frame f. The slice aliases the
// pool's arena; callers must not retain it past a Free of the same frame.
func (p *Pool) Bytes(f FrameAddr) []byte {
	start := uint64(f) * p.pageSize
	return p.arena[start : start+p.pageSize]
}

// InUse reports how many frames are currently allocated.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}
