// Package tlb implements a set-associative translation lookaside buffer,
// grounded on mem/vm/tlb's set/way layout, with FNV-1a set
// indexing matching uvm_sim::TLB::hash_vpn.
package tlb

import (
	"hash/fnv"
	"sync"

	"github.com/gopagesim/uvm/vm"
)

// Entry is a cached translation: the VPN's resident addresses on each
// tier, matching the source's TLBEntry{vpn, cpu_address, gpu_address,
// timestamp, valid}. The source uses a null pointer to mean "tier not
// resident"; a raw frame index can legitimately be zero, so the residency
// flags here are explicit instead.
type Entry struct {
	VPN         vm.VPN
	CPUAddress  uint64
	CPUResident bool
	GPUAddress  uint64
	GPUResident bool
	TimestampUs uint64
}

type way struct {
	valid       bool
	vpn         vm.VPN
	cpuAddress  uint64
	cpuResident bool
	gpuAddress  uint64
	gpuResident bool
	timestamp   uint64
}

// TLB is a fixed-geometry, set-associative cache of VPN translations. All
// operations serialize on a single mutex; the source does the same with
// its tlb_mutex_.
type TLB struct {
	mu            sync.Mutex
	numSets       int
	associativity int
	sets          [][]way
	clock         uint64
	hits          uint64
	misses        uint64
}

// New builds a TLB of size entries arranged into sets of associativity
// ways each. size must be an exact multiple of associativity.
func New(size, associativity int) *TLB {
	if associativity <= 0 {
		associativity = 1
	}
	numSets := size / associativity
	if numSets <= 0 {
		numSets = 1
	}
	sets := make([][]way, numSets)
	for i := range sets {
		sets[i] = make([]way, associativity)
	}
	return &TLB{
		numSets:       numSets,
		associativity: associativity,
		sets:          sets,
	}
}

// setIndex hashes vpn to a set with 32-bit FNV-1a, the same algorithm the
// source hand-rolls in hash_vpn.
func (t *TLB) setIndex(v vm.VPN) int {
	h := fnv.New32a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(uint64(v) >> (8 * i))
	}
	h.Write(buf[:])
	return int(h.Sum32()) % t.numSets
}

// Lookup reports whether vpn is cached, returning the cached entry (with
// its cpu/gpu addresses) on a hit so callers can use the cached
// translation instead of re-consulting the page table, matching the
// source's bool lookup(vpn, TLBEntry *out_entry). It updates the hit/miss
// counters, and a hit also refreshes the way's timestamp, so a looked-up
// entry becomes the most recently used one in its set.
func (t *TLB) Lookup(v vm.VPN) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.sets[t.setIndex(v)]
	for i := range set {
		if set[i].valid && set[i].vpn == v {
			t.hits++
			t.clock++
			set[i].timestamp = t.clock
			return Entry{
				VPN:         v,
				CPUAddress:  set[i].cpuAddress,
				CPUResident: set[i].cpuResident,
				GPUAddress:  set[i].gpuAddress,
				GPUResident: set[i].gpuResident,
				TimestampUs: set[i].timestamp,
			}, true
		}
	}
	t.misses++
	return Entry{}, false
}

// Insert installs vpn's cached cpu/gpu addresses and residency into its
// set, evicting the least-recently-used way if the set is full.
func (t *TLB) Insert(v vm.VPN, cpuAddress uint64, cpuResident bool, gpuAddress uint64, gpuResident bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock++
	idx := t.setIndex(v)
	set := t.sets[idx]

	fresh := way{
		valid:       true,
		vpn:         v,
		cpuAddress:  cpuAddress,
		cpuResident: cpuResident,
		gpuAddress:  gpuAddress,
		gpuResident: gpuResident,
		timestamp:   t.clock,
	}

	for i := range set {
		if set[i].valid && set[i].vpn == v {
			set[i] = fresh
			return
		}
	}
	for i := range set {
		if !set[i].valid {
			set[i] = fresh
			return
		}
	}
	oldest := 0
	for i := 1; i < len(set); i++ {
		if set[i].timestamp < set[oldest].timestamp {
			oldest = i
		}
	}
	set[oldest] = fresh
}

// Invalidate removes a single VPN's translation, if present.
func (t *TLB) Invalidate(v vm.VPN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.sets[t.setIndex(v)]
	for i := range set {
		if set[i].valid && set[i].vpn == v {
			set[i] = way{}
			return
		}
	}
}

// Flush clears every entry, e.g. after a bulk free.
func (t *TLB) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s := range t.sets {
		for w := range t.sets[s] {
			t.sets[s][w] = way{}
		}
	}
}

// Stats returns the running hit and miss counts.
func (t *TLB) Stats() (hits, misses uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hits, t.misses
}
