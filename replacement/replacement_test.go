package replacement

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gopagesim/uvm/vm"
)

// TestLRUDoesNotReorderOnAccess exercises the documented (non-standard)
// LRU behavior: OnPageAccess never changes eviction order, so the oldest
// allocated page is always selected first regardless of what was touched
// in between.
func TestLRUDoesNotReorderOnAccess(t *testing.T) {
	p := NewLRU(100)
	p.OnPageAllocated(0)
	p.OnPageAllocated(1)

	p.OnPageAccess(0)

	assert.Equal(t, vm.VPN(0), p.SelectVictim())
	assert.Equal(t, vm.VPN(1), p.SelectVictim())
}

func TestLRUEmptyPolicyHasNoVictim(t *testing.T) {
	p := NewLRU(100)
	assert.Equal(t, NoVictim, p.SelectVictim())
}

func TestLRUSelectVictimRemovesIt(t *testing.T) {
	p := NewLRU(100)
	p.OnPageAllocated(0)
	assert.Equal(t, vm.VPN(0), p.SelectVictim())
	assert.Equal(t, NoVictim, p.SelectVictim())
}

func TestLRUCapacityDropsOldestTracking(t *testing.T) {
	p := NewLRU(2)
	p.OnPageAllocated(0)
	p.OnPageAllocated(1)
	p.OnPageAllocated(2) // capacity 2: drops 0 from tracking

	assert.Equal(t, vm.VPN(1), p.SelectVictim())
	assert.Equal(t, vm.VPN(2), p.SelectVictim())
}

func TestLRUReset(t *testing.T) {
	p := NewLRU(100)
	p.OnPageAllocated(0)
	p.Reset()
	assert.Equal(t, NoVictim, p.SelectVictim())
}

// TestCLOCKBasic is the "CLOCK basic" scenario: allocating VPNs 0..9 and
// asking for a victim must return something in range without panicking.
func TestCLOCKBasic(t *testing.T) {
	p := NewCLOCK(100)
	for v := vm.VPN(0); v < 10; v++ {
		p.OnPageAllocated(v)
	}

	victim := p.SelectVictim()
	assert.True(t, victim <= 9)
}

func TestCLOCKEmptyHasNoVictim(t *testing.T) {
	p := NewCLOCK(100)
	assert.Equal(t, NoVictim, p.SelectVictim())
}

func TestCLOCKOnPageFreedRemovesFromRing(t *testing.T) {
	p := NewCLOCK(100)
	p.OnPageAllocated(0)
	p.OnPageAllocated(1)
	p.OnPageFreed(0)

	seen := map[vm.VPN]bool{}
	for i := 0; i < 3; i++ {
		v := p.SelectVictim()
		if v != NoVictim {
			seen[v] = true
		}
	}
	assert.False(t, seen[0])
}
