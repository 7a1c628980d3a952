// Package pagetable holds the per-VPN residency and metadata records the
// manager consults on every access, grounded on mem/vm/pagetable.go's
// RWMutex-guarded map-of-entries design.
package pagetable

import (
	"sync"

	"github.com/gopagesim/uvm/vm"
)

// Entry is a single page's metadata, mirroring uvm_sim::PageTableEntry.
// Lookup and AllValid return copies of Entry, never a
// pointer into the table, so callers cannot mutate state outside the
// table's own locked setters.
type Entry struct {
	Valid             bool
	ResidentOnCPU     bool
	CPUAddress        uint64 // pagealloc.FrameAddr for the host pool, valid iff ResidentOnCPU
	ResidentOnGPU     bool
	GPUAddress        uint64 // pagealloc.FrameAddr for the accelerator pool, valid iff ResidentOnGPU
	Dirty             bool
	Pinned            bool
	AccessTimestampUs uint64
	AccessCount       uint64
	ClockHandRef      bool // advisory; the CLOCK policy keeps its own reference bits and does not read this
}

// Residency classifies an entry's current tier membership.
func (e Entry) Residency() vm.Residency {
	switch {
	case !e.Valid:
		return vm.Unallocated
	case e.ResidentOnCPU && e.ResidentOnGPU:
		return vm.Both
	case e.ResidentOnGPU:
		return vm.DeviceOnly
	case e.ResidentOnCPU:
		return vm.HostOnly
	default:
		return vm.Unallocated
	}
}

// Table maps VPNs to Entry records under a single RWMutex, the way
// mem/vm/pagetable.go guards its VAddr-to-PTE map.
type Table struct {
	mu      sync.RWMutex
	entries map[vm.VPN]*Entry
}

// New returns an empty table.
func New() *Table {
	return &Table{entries: make(map[vm.VPN]*Entry)}
}

// AllocateRange materializes an invalid-but-present entry for each VPN in
// [start, start+count), so that later lookups distinguish "allocated, not
// yet resident anywhere" from "never allocated". A VPN already present is
// left untouched.
func (t *Table) AllocateRange(start vm.VPN, count uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := uint64(0); i < count; i++ {
		vpn := start + vm.VPN(i)
		if _, ok := t.entries[vpn]; !ok {
			t.entries[vpn] = &Entry{}
		}
	}
}

// DeallocateRange removes every entry in [start, start+count).
func (t *Table) DeallocateRange(start vm.VPN, count uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := uint64(0); i < count; i++ {
		delete(t.entries, start+vm.VPN(i))
	}
}

// Lookup returns a copy of the entry for vpn, or ok=false if vpn was never
// allocated. It never creates an entry.
func (t *Table) Lookup(v vm.VPN) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[v]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Mutate applies fn to the entry for vpn under the write lock and returns
// whether vpn was present. fn observes and may modify the live entry in
// place; this is the table's only mutation primitive, so every
// residency/dirty/timestamp update funnels through here.
func (t *Table) Mutate(v vm.VPN, fn func(e *Entry)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[v]
	if !ok {
		return false
	}
	fn(e)
	return true
}

// AllValid returns a snapshot copy of every currently-valid entry, keyed by
// VPN, for use by eviction scans and stats reporting.
func (t *Table) AllValid() map[vm.VPN]Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[vm.VPN]Entry, len(t.entries))
	for vpn, e := range t.entries {
		if e.Valid {
			out[vpn] = *e
		}
	}
	return out
}
