package pagetable

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gopagesim/uvm/vm"
)

func TestLookupOnUnallocatedVPN(t *testing.T) {
	tbl := New()
	_, ok := tbl.Lookup(5)
	assert.False(t, ok)
}

func TestAllocateRangeMaterializesInvalidEntries(t *testing.T) {
	tbl := New()
	tbl.AllocateRange(10, 3)

	for _, v := range []vm.VPN{10, 11, 12} {
		e, ok := tbl.Lookup(v)
		assert.True(t, ok, "vpn %d should be present", v)
		assert.Equal(t, vm.Unallocated, e.Residency())
	}

	_, ok := tbl.Lookup(13)
	assert.False(t, ok)
}

func TestMutateAndResidency(t *testing.T) {
	tbl := New()
	tbl.AllocateRange(0, 1)

	ok := tbl.Mutate(0, func(e *Entry) {
		e.Valid = true
		e.ResidentOnCPU = true
		e.CPUAddress = 42
	})
	assert.True(t, ok)

	e, _ := tbl.Lookup(0)
	assert.Equal(t, vm.HostOnly, e.Residency())

	tbl.Mutate(0, func(e *Entry) { e.ResidentOnGPU = true })
	e, _ = tbl.Lookup(0)
	assert.Equal(t, vm.Both, e.Residency())
}

func TestMutateOnMissingVPNReturnsFalse(t *testing.T) {
	tbl := New()
	ok := tbl.Mutate(99, func(e *Entry) { e.Valid = true })
	assert.False(t, ok)
}

func TestDeallocateRangeRemovesEntries(t *testing.T) {
	tbl := New()
	tbl.AllocateRange(0, 2)
	tbl.DeallocateRange(0, 2)

	_, ok := tbl.Lookup(0)
	assert.False(t, ok)
	_, ok = tbl.Lookup(1)
	assert.False(t, ok)
}

func TestAllValidOnlyReturnsValidEntries(t *testing.T) {
	tbl := New()
	tbl.AllocateRange(0, 2)
	tbl.Mutate(0, func(e *Entry) { e.Valid = true })

	valid := tbl.AllValid()
	assert.Len(t, valid, 1)
	_, ok := valid[0]
	assert.True(t, ok)
}
