// Package replacement implements the eviction policies consulted when the
// accelerator pool is full: LRU and CLOCK, grounded on the queue-and-map
// eviction bookkeeping in mem/cache/internal/tagging and gated by their
// own mutex the way mem/vm/tlb's set arrays are.
package replacement

import (
	"sync"

	"github.com/gopagesim/uvm/vm"
)

// NoVictim is returned by SelectVictim when there is nothing to evict.
const NoVictim vm.VPN = 0

// DefaultCapacity bounds how many pages a policy tracks before it starts
// dropping its own oldest bookkeeping, matching the source's
// LRUPolicy/CLOCKPolicy default max_pages of 10000.
const DefaultCapacity = 10000

// Policy is the interface the manager drives on every access, allocation,
// free, and eviction decision.
type Policy interface {
	// OnPageAccess records that vpn was just touched. LRU treats this as a
	// pure no-op: the source's LRUPolicy::on_page_access finds the entry
	// but never reorders it, so recency here tracks allocation order, not
	// use order.
	OnPageAccess(vpn vm.VPN)
	// OnPageAllocated registers a newly created page as eviction-eligible,
	// called once per page at allocation time regardless of whether it is
	// ever mapped onto the accelerator, matching the source's allocate()
	// calling on_page_allocated in its host-draw loop rather than in
	// map_to_gpu.
	OnPageAllocated(vpn vm.VPN)
	// OnPageFreed marks vpn as no longer active. Depending on the policy
	// this may or may not remove it from the eviction queue itself,
	// matching the source's split between its active-page set and its
	// eviction-order structure.
	OnPageFreed(vpn vm.VPN)
	// SelectVictim removes and returns the next page to evict, or
	// NoVictim if none are eligible.
	SelectVictim() vm.VPN
	// Reset clears all tracked state.
	Reset()
}

// LRUPolicy evicts pages in allocation order. It is named LRU to match the
// source's class, but per the design notes it deliberately does not
// reorder on access — only allocation order is tracked, matching
// uvm_sim::LRUPolicy::on_page_access being a no-op that finds the entry
// and does nothing with it.
type LRUPolicy struct {
	mu       sync.Mutex
	queue    []vm.VPN
	active   map[vm.VPN]bool
	capacity int
}

// NewLRU returns an empty LRUPolicy bounded to capacity tracked pages.
func NewLRU(capacity int) *LRUPolicy {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &LRUPolicy{
		active:   make(map[vm.VPN]bool),
		capacity: capacity,
	}
}

// OnPageAccess is intentionally a no-op; see the LRUPolicy doc comment.
func (p *LRUPolicy) OnPageAccess(vm.VPN) {}

// OnPageAllocated appends vpn to the back of the allocation queue,
// dropping the oldest tracked page once the policy's own capacity is
// exceeded.
func (p *LRUPolicy) OnPageAllocated(v vm.VPN) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, v)
	p.active[v] = true
	for len(p.queue) > p.capacity {
		oldest := p.queue[0]
		p.queue = p.queue[1:]
		delete(p.active, oldest)
	}
}

// OnPageFreed marks vpn inactive. It does not remove vpn from the queue
// itself, matching the source's separation between active_pages_ and
// lru_queue_: a freed page may still surface once from SelectVictim after
// it reaches the front, at which point the caller's own residency check
// will find nothing left to evict and simply move on.
func (p *LRUPolicy) OnPageFreed(v vm.VPN) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, v)
}

// SelectVictim pops and returns the oldest tracked page.
func (p *LRUPolicy) SelectVictim() vm.VPN {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return NoVictim
	}
	victim := p.queue[0]
	p.queue = p.queue[1:]
	delete(p.active, victim)
	return victim
}

// Reset clears all tracked pages.
func (p *LRUPolicy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
	p.active = make(map[vm.VPN]bool)
}

type clockEntry struct {
	vpn          vm.VPN
	referenceBit bool
}

// CLOCKPolicy is the second-chance clock algorithm: pages are tracked in a
// circular slice with a reference bit set true on allocation and on
// access, cleared as the hand sweeps past.
type CLOCKPolicy struct {
	mu       sync.Mutex
	ring     []clockEntry
	hand     int
	capacity int
}

// NewCLOCK returns an empty CLOCKPolicy bounded to capacity tracked pages.
func NewCLOCK(capacity int) *CLOCKPolicy {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &CLOCKPolicy{capacity: capacity}
}

// OnPageAccess sets vpn's reference bit, giving it a second chance.
func (p *CLOCKPolicy) OnPageAccess(v vm.VPN) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.ring {
		if p.ring[i].vpn == v {
			p.ring[i].referenceBit = true
			return
		}
	}
}

// OnPageAllocated inserts vpn into the ring with its reference bit set,
// evicting from the current hand position once the policy's own capacity
// is exceeded.
func (p *CLOCKPolicy) OnPageAllocated(v vm.VPN) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ring = append(p.ring, clockEntry{vpn: v, referenceBit: true})
	for len(p.ring) > p.capacity {
		if p.hand >= len(p.ring) {
			p.hand = 0
		}
		p.ring = append(p.ring[:p.hand], p.ring[p.hand+1:]...)
		if p.hand >= len(p.ring) && len(p.ring) > 0 {
			p.hand = 0
		}
	}
}

// OnPageFreed removes vpn from the ring outright.
func (p *CLOCKPolicy) OnPageFreed(v vm.VPN) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.ring {
		if p.ring[i].vpn == v {
			p.ring = append(p.ring[:i], p.ring[i+1:]...)
			if p.hand >= len(p.ring) && len(p.ring) > 0 {
				p.hand = 0
			}
			return
		}
	}
}

// SelectVictim sweeps the hand, clearing reference bits, until it finds a
// page whose bit was already clear, removes it from the ring, and returns
// it.
func (p *CLOCKPolicy) SelectVictim() vm.VPN {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ring) == 0 {
		return NoVictim
	}

	for p.hand < len(p.ring) {
		if !p.ring[p.hand].referenceBit {
			victim := p.ring[p.hand].vpn
			p.ring = append(p.ring[:p.hand], p.ring[p.hand+1:]...)
			if p.hand >= len(p.ring) {
				p.hand = 0
			}
			return victim
		}
		p.ring[p.hand].referenceBit = false
		p.hand = (p.hand + 1) % len(p.ring)
	}

	if len(p.ring) > 0 {
		victim := p.ring[p.hand].vpn
		p.ring = append(p.ring[:p.hand], p.ring[p.hand+1:]...)
		if p.hand >= len(p.ring) {
			p.hand = 0
		}
		return victim
	}
	return NoVictim
}

// Reset clears all tracked pages and rewinds the hand.
func (p *CLOCKPolicy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ring = nil
	p.hand = 0
}

// New builds the policy selected by kind, bounded to capacity tracked
// pages.
func New(kind vm.ReplacementKind, capacity int) Policy {
	if kind == vm.CLOCK {
		return NewCLOCK(capacity)
	}
	return NewLRU(capacity)
}
