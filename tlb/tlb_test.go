package tlb

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gopagesim/uvm/vm"
)

// TestHitRateScenario mirrors the "TLB hit-rate" scenario: insert VPNs
// 0 through 9, look each up once, then look up VPN 999; expect 10 hits
// (every inserted VPN) and 1 miss (VPN 999, never inserted).
func TestHitRateScenario(t *testing.T) {
	tl := New(1024, 8)

	for v := vm.VPN(0); v < 10; v++ {
		tl.Insert(v, uint64(v), true, 0, false)
	}
	for v := vm.VPN(0); v < 10; v++ {
		_, ok := tl.Lookup(v)
		assert.True(t, ok)
	}
	_, ok := tl.Lookup(999)
	assert.False(t, ok)

	hits, misses := tl.Stats()
	assert.Equal(t, uint64(10), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestLookupReturnsCachedAddresses(t *testing.T) {
	tl := New(8, 2)
	tl.Insert(5, 42, true, 99, true)

	e, ok := tl.Lookup(5)
	assert.True(t, ok)
	assert.Equal(t, vm.VPN(5), e.VPN)
	assert.Equal(t, uint64(42), e.CPUAddress)
	assert.True(t, e.CPUResident)
	assert.Equal(t, uint64(99), e.GPUAddress)
	assert.True(t, e.GPUResident)
}

func TestInsertUpdatesExistingEntry(t *testing.T) {
	tl := New(8, 2)
	tl.Insert(5, 1, true, 0, false)
	tl.Insert(5, 2, true, 0, false)

	e, ok := tl.Lookup(5)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), e.CPUAddress)
}

func TestInvalidateRemovesEntry(t *testing.T) {
	tl := New(8, 2)
	tl.Insert(3, 0, true, 0, false)
	tl.Invalidate(3)
	_, ok := tl.Lookup(3)
	assert.False(t, ok)
}

func TestFlushClearsAllEntries(t *testing.T) {
	tl := New(8, 2)
	for v := vm.VPN(0); v < 4; v++ {
		tl.Insert(v, 0, true, 0, false)
	}
	tl.Flush()
	for v := vm.VPN(0); v < 4; v++ {
		_, ok := tl.Lookup(v)
		assert.False(t, ok)
	}
}

func TestSetAssociativeEvictionWithinSet(t *testing.T) {
	// Associativity 1 forces every insert into the same set to evict the
	// prior occupant, exercising the LRU-by-timestamp eviction path
	// directly rather than relying on a hash collision.
	tl := New(1, 1)
	tl.Insert(1, 0, true, 0, false)
	tl.Insert(2, 0, true, 0, false)
	_, ok1 := tl.Lookup(1)
	_, ok2 := tl.Lookup(2)
	assert.False(t, ok1)
	assert.True(t, ok2)
}
