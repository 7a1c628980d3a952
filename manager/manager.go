// Package manager implements the orchestrating VirtualMemoryManager: the
// single entry point that ties the page table, page allocators, TLB,
// replacement policy, and migration manager together into the allocate /
// fault / migrate / free lifecycle. Its singleton lifecycle is grounded on
// sim/idgenerator.go's double-checked-lock instantiation pattern.
package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/gopagesim/uvm/migration"
	"github.com/gopagesim/uvm/pagealloc"
	"github.com/gopagesim/uvm/pagetable"
	"github.com/gopagesim/uvm/replacement"
	"github.com/gopagesim/uvm/tlb"
	"github.com/gopagesim/uvm/vm"
	"github.com/gopagesim/uvm/vmconfig"
	"github.com/gopagesim/uvm/vmlog"
)

// allocation records the extent a call to Allocate returned, so Free can
// look up how many pages to release from a base address instead of
// rescanning the page table for every VPN at or above the base, which would
// over-count whenever several allocations are live.
type allocation struct {
	startVPN vm.VPN
	numPages uint64
}

// Manager is the orchestrating virtual memory manager. Use Initialize to
// construct the process-wide singleton, or New to build an independent
// instance directly (what the test suite does).
type Manager struct {
	cfg vmconfig.Config

	table       *pagetable.Table
	cpuPool     *pagealloc.Pool
	gpuPool     *pagealloc.Pool
	tlb         *tlb.TLB
	replacement replacement.Policy
	migrations  *migration.Manager

	// gmu is the manager-wide exclusive lock, matching the source's
	// manager_mutex_: every public operation takes it at entry and holds it
	// for the operation's full duration, so within a single VPN all
	// mutations are totally ordered. Internal helpers assume it is already
	// held and never acquire it themselves.
	gmu sync.Mutex

	// mu guards gpuResident (and, transitively, nothing else): the async
	// migration worker pool's completion callback mutates it from outside
	// any gmu-held call stack, and the read-only GPUResidentCount/
	// IsGPUResident accessors are not part of the source's locked
	// operation set, so both need their own protection independent of gmu.
	mu          sync.RWMutex
	vaddrToVPN  map[vm.Addr]allocation
	nextVPN     vm.VPN
	gpuResident map[vm.VPN]bool // mirror of the page table's ResidentOnGPU bits, accelerates victim search

	counters vm.PerfCounters
}

var (
	singleton      *Manager
	singletonMu    sync.Mutex
	singletonReady bool
)

// Initialize builds (or, if already built, warns and returns) the
// process-wide singleton Manager, the way sim.GetIDGenerator
// double-checked-locks its own singleton.
func Initialize(cfg vmconfig.Config) (*Manager, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singletonReady {
		vmlog.Warnf("manager: Initialize called again; returning existing instance")
		return singleton, nil
	}
	m, err := New(cfg)
	if err != nil {
		return nil, err
	}
	singleton = m
	singletonReady = true
	return singleton, nil
}

// Get returns the process-wide singleton, or nil if Initialize has not
// been called.
func Get() *Manager {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	return singleton
}

// Shutdown tears down the process-wide singleton so a later Initialize can
// build a fresh one; primarily useful for tests.
func Shutdown() {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton != nil {
		singleton.Close()
	}
	singleton = nil
	singletonReady = false
}

// New builds a standalone Manager independent of the package singleton.
func New(cfg vmconfig.Config) (*Manager, error) {
	vmlog.SetLevel(cfg.LogLevel)

	cpuPool, err := pagealloc.New("cpu", cfg.CPUMemory, cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("manager: %w", err)
	}
	gpuPool, err := pagealloc.New("gpu", cfg.GPUMemory, cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("manager: %w", err)
	}

	table := pagetable.New()

	m := &Manager{
		cfg:         cfg,
		table:       table,
		cpuPool:     cpuPool,
		gpuPool:     gpuPool,
		tlb:         tlb.New(cfg.TLBSize, cfg.TLBAssociativity),
		replacement: replacement.New(cfg.ReplacementPolicy, replacement.DefaultCapacity),
		vaddrToVPN:  make(map[vm.Addr]allocation),
		gpuResident: make(map[vm.VPN]bool),
		nextVPN:     1, // VPN 0 is reserved as the "no victim"/"unmapped" sentinel
	}
	m.migrations = migration.New(table, cpuPool, gpuPool, cfg.MaxConcurrentMigrate, m.onMigrationComplete)

	vmlog.Infof("manager: initialized: page_size=%d cpu=%d gpu=%d tlb=%d/%d policy=%s",
		cfg.PageSize, cfg.CPUMemory, cfg.GPUMemory, cfg.TLBSize, cfg.TLBAssociativity, cfg.ReplacementPolicy)
	return m, nil
}

func (m *Manager) onMigrationComplete(j migration.Job, elapsedUs uint64) {
	m.counters.TotalMigrationTimeUs.Add(elapsedUs)
	m.counters.TotalBytesMigrated.Add(j.PageSize)
	switch j.Direction {
	case migration.CPUToGPU:
		m.counters.CPUToGPUMigrations.Add(1)
		m.markGPUResidencyFromTable(j.VPN)
	case migration.GPUToCPU:
		m.counters.GPUToCPUMigrations.Add(1)
	}
}

// markGPUResidencyFromTable reconciles gpuResident with the page table's own
// ResidentOnGPU bit for vpn, used after a migration completes (synchronously
// or on the worker pool) to keep the mirror set in lockstep.
func (m *Manager) markGPUResidencyFromTable(v vm.VPN) {
	entry, ok := m.table.Lookup(v)
	if !ok || !entry.ResidentOnGPU {
		return
	}
	m.mu.Lock()
	m.gpuResident[v] = true
	m.mu.Unlock()
}

// Close shuts down the migration worker pool. It does not release the
// backing arenas; the Manager is expected to be dropped afterward.
func (m *Manager) Close() {
	m.gmu.Lock()
	defer m.gmu.Unlock()
	m.migrations.Shutdown()
}

// Allocate reserves enough contiguous virtual pages to cover bytes and
// returns their base address. bytes of 0 rounds up to exactly one page,
// matching the source's align_to_page(0, page_size) landing on a single
// page rather than an empty allocation.
//
// Every page drawn is made CPU-resident immediately, unconditionally,
// before prefetch is even considered: the source's allocate() loop calls
// allocate_cpu_page/set_cpu_resident/on_page_allocated for every page
// first, and only afterward, in a second loop gated on prefetch_to_gpu,
// copies pages to the accelerator. Skipping that first loop (as a
// fault-driven-only implementation would) leaves a freshly allocated page
// Unallocated rather than HostOnly until its first touch.
func (m *Manager) Allocate(bytes uint64, prefetch bool) (vm.Addr, error) {
	m.gmu.Lock()
	defer m.gmu.Unlock()
	return m.allocateLocked(bytes, prefetch)
}

// allocateLocked is Allocate's body, assuming gmu is already held. The
// prefetch loop calls mapToGPULocked directly rather than the exported
// PrefetchToGPU/MapToGPU, matching the source's allocate() inlining its
// own prefetch logic rather than recursing into map_to_gpu.
func (m *Manager) allocateLocked(bytes uint64, prefetch bool) (vm.Addr, error) {
	numPages := vm.AlignToPage(bytes, m.cfg.PageSize) / m.cfg.PageSize
	if numPages == 0 {
		numPages = 1
	}

	start := m.nextVPN
	if uint64(start)+numPages > m.cfg.VirtualAddressSpace/m.cfg.PageSize {
		return 0, fmt.Errorf("manager: allocate: %d pages at vpn %d exceed the virtual address space", numPages, start)
	}
	m.nextVPN += vm.VPN(numPages)

	m.table.AllocateRange(start, numPages)
	base := vm.VPNToAddr(start, m.cfg.PageSize)

	drawn := make([]pagealloc.FrameAddr, 0, numPages)
	for i := uint64(0); i < numPages; i++ {
		v := start + vm.VPN(i)
		frame := m.cpuPool.Allocate()
		if frame == pagealloc.NoFrame {
			for _, f := range drawn {
				m.cpuPool.Free(f)
			}
			m.table.DeallocateRange(start, numPages)
			return 0, fmt.Errorf("manager: allocate: cpu pool exhausted after %d/%d pages", i, numPages)
		}
		drawn = append(drawn, frame)

		m.table.Mutate(v, func(e *pagetable.Entry) {
			e.Valid = true
			e.ResidentOnCPU = true
			e.CPUAddress = uint64(frame)
			e.AccessTimestampUs = nowMicros()
		})
		m.replacement.OnPageAllocated(v)
	}

	m.vaddrToVPN[base] = allocation{startVPN: start, numPages: numPages}

	if prefetch {
		for i := uint64(0); i < numPages; i++ {
			v := start + vm.VPN(i)
			if err := m.mapToGPULocked(v); err != nil {
				vmlog.Warnf("manager: allocate: prefetch of vpn %d failed: %v", v, err)
				continue
			}
			m.counters.PagePrefetches.Add(1)
		}
	}

	vmlog.Debugf("manager: allocate: base=%#x pages=%d prefetch=%v", base, numPages, prefetch)
	return base, nil
}

// nowMicros is the timestamp source for Entry.AccessTimestampUs, matching
// the source's get_timestamp_us().
func nowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}

// Free releases the allocation that began at base. It looks up the extent
// recorded at Allocate time and releases exactly the pages in it, leaving
// other live allocations untouched.
func (m *Manager) Free(base vm.Addr) error {
	m.gmu.Lock()
	defer m.gmu.Unlock()

	alloc, ok := m.vaddrToVPN[base]
	if !ok {
		return fmt.Errorf("manager: free: %#x is not an allocation base", base)
	}
	delete(m.vaddrToVPN, base)

	for i := uint64(0); i < alloc.numPages; i++ {
		v := alloc.startVPN + vm.VPN(i)
		entry, _ := m.table.Lookup(v)
		if entry.ResidentOnCPU {
			m.cpuPool.Free(pagealloc.FrameAddr(entry.CPUAddress))
		}
		if entry.ResidentOnGPU {
			m.gpuPool.Free(pagealloc.FrameAddr(entry.GPUAddress))
			m.replacement.OnPageFreed(v)
			m.mu.Lock()
			delete(m.gpuResident, v)
			m.mu.Unlock()
		}
		m.tlb.Invalidate(v)
	}
	m.table.DeallocateRange(alloc.startVPN, alloc.numPages)

	vmlog.Debugf("manager: free: base=%#x pages=%d", base, alloc.numPages)
	return nil
}

// TouchPage records an access to vpn for TLB and replacement bookkeeping,
// resolving a page fault first if necessary. Every call advances
// Entry.AccessCount and Entry.AccessTimestampUs, matching the source's
// touch_page updating both fields on every invocation regardless of
// whether the access hits the TLB.
func (m *Manager) TouchPage(v vm.VPN) error {
	m.gmu.Lock()
	defer m.gmu.Unlock()
	_, err := m.touchPage(v)
	return err
}

// touchPage is TouchPage's implementation, returning the resolved
// translation so read/write paths that need the raw address can use the
// TLB's cached copy on a hit instead of re-consulting the page table,
// matching the source keeping cpu_address/gpu_address inside TLBEntry
// itself rather than treating the TLB as a bare hit/miss counter.
func (m *Manager) touchPage(v vm.VPN) (tlb.Entry, error) {
	if e, ok := m.tlb.Lookup(v); ok {
		m.counters.TLBHits.Add(1)
		m.touchAccessBookkeeping(v)
		m.replacement.OnPageAccess(v)
		return e, nil
	}
	m.counters.TLBMisses.Add(1)

	entry, ok := m.table.Lookup(v)
	if !ok {
		return tlb.Entry{}, fmt.Errorf("manager: touch: vpn %d is not allocated", v)
	}
	if !entry.ResidentOnCPU && !entry.ResidentOnGPU {
		if err := m.resolvePageFault(v); err != nil {
			return tlb.Entry{}, err
		}
		entry, _ = m.table.Lookup(v)
	}

	cached := tlb.Entry{
		VPN:         v,
		CPUAddress:  entry.CPUAddress,
		CPUResident: entry.ResidentOnCPU,
		GPUAddress:  entry.GPUAddress,
		GPUResident: entry.ResidentOnGPU,
	}
	m.tlb.Insert(v, entry.CPUAddress, entry.ResidentOnCPU, entry.GPUAddress, entry.ResidentOnGPU)
	m.touchAccessBookkeeping(v)
	m.replacement.OnPageAccess(v)
	return cached, nil
}

// touchAccessBookkeeping increments Entry.AccessCount and refreshes
// Entry.AccessTimestampUs for vpn.
func (m *Manager) touchAccessBookkeeping(v vm.VPN) {
	m.table.Mutate(v, func(e *pagetable.Entry) {
		e.AccessCount++
		e.AccessTimestampUs = nowMicros()
	})
}

// resolvePageFault brings vpn onto the host tier, allocating a fresh
// frame; it is only reached for an allocated page that is resident on
// neither tier (Allocate itself makes every page host-resident).
func (m *Manager) resolvePageFault(v vm.VPN) error {
	m.counters.TotalPageFaults.Add(1)
	frame := m.cpuPool.Allocate()
	if frame == pagealloc.NoFrame {
		return fmt.Errorf("manager: page fault on vpn %d: cpu pool exhausted", v)
	}
	ok := m.table.Mutate(v, func(e *pagetable.Entry) {
		e.Valid = true
		e.ResidentOnCPU = true
		e.CPUAddress = uint64(frame)
	})
	if !ok {
		m.cpuPool.Free(frame)
		return fmt.Errorf("manager: page fault on vpn %d: not allocated", v)
	}
	vmlog.Debugf("manager: page fault resolved: vpn=%d frame=%d", v, frame)
	return nil
}

// MapToCPU ensures vpn is resident on the host tier, migrating from the
// accelerator synchronously if necessary.
func (m *Manager) MapToCPU(v vm.VPN) error {
	m.gmu.Lock()
	defer m.gmu.Unlock()

	entry, ok := m.table.Lookup(v)
	if !ok {
		return fmt.Errorf("manager: map-to-cpu: vpn %d is not allocated", v)
	}
	if entry.ResidentOnCPU {
		return nil
	}
	m.migrations.MigrateSync(migration.GPUToCPU, v, m.cfg.PageSize)
	return nil
}

// MapToGPU ensures vpn is resident on the accelerator tier, evicting a
// victim first if the accelerator pool is full. If cfg.AsyncMigration is
// set the copy is dispatched to the worker pool and this call returns
// before it completes.
func (m *Manager) MapToGPU(v vm.VPN) error {
	m.gmu.Lock()
	defer m.gmu.Unlock()
	return m.mapToGPULocked(v)
}

// mapToGPULocked is MapToGPU's implementation, assuming gmu is already
// held; allocateLocked's prefetch loop calls this directly rather than
// recursing through the exported MapToGPU.
func (m *Manager) mapToGPULocked(v vm.VPN) error {
	entry, ok := m.table.Lookup(v)
	if !ok {
		return fmt.Errorf("manager: map-to-gpu: vpn %d is not allocated", v)
	}
	if entry.ResidentOnGPU {
		return nil
	}
	if !entry.ResidentOnCPU {
		if err := m.resolvePageFault(v); err != nil {
			return err
		}
	}
	if m.gpuPool.InUse() >= m.gpuPool.Capacity() {
		if err := m.evictPageFromGPU(); err != nil {
			return err
		}
	}

	if m.cfg.AsyncMigration {
		m.migrations.MigrateAsync(migration.CPUToGPU, v, m.cfg.PageSize)
	} else {
		m.migrations.MigrateSync(migration.CPUToGPU, v, m.cfg.PageSize)
		m.markGPUResidencyFromTable(v)
	}
	return nil
}

// PrefetchToGPU is a named alias for MapToGPU used by callers outside the
// allocation path and counted separately in the perf counters, matching
// the source's prefetch_to_gpu delegating wholesale to map_to_gpu.
func (m *Manager) PrefetchToGPU(v vm.VPN) error {
	if err := m.MapToGPU(v); err != nil {
		return err
	}
	m.counters.PagePrefetches.Add(1)
	return nil
}

// evictPageFromGPU asks the replacement policy for a victim, migrates it
// back to the host if dirty (or just drops the accelerator copy if clean),
// and frees its accelerator frame. If the policy returns NoVictim but pages
// are still accelerator-resident, it falls back to an arbitrary member of
// gpuResident, matching the source's evict_page_from_gpu falling back to
// *gpu_resident_pages_.begin() when select_victim() comes up empty. A
// candidate that is no longer accelerator-resident is dropped from tracking
// and the next candidate is tried. Assumes gmu is already held by the caller.
func (m *Manager) evictPageFromGPU() error {
	var victim vm.VPN
	var entry pagetable.Entry
	for {
		victim = m.replacement.SelectVictim()
		if victim == replacement.NoVictim {
			victim = m.anyGPUResident()
		}
		if victim == replacement.NoVictim {
			return fmt.Errorf("manager: gpu pool full and no victim available")
		}

		var ok bool
		entry, ok = m.table.Lookup(victim)
		if ok && entry.ResidentOnGPU {
			break
		}
		m.replacement.OnPageFreed(victim)
		m.mu.Lock()
		delete(m.gpuResident, victim)
		m.mu.Unlock()
	}

	if entry.Dirty {
		m.migrations.MigrateSync(migration.GPUToCPU, victim, m.cfg.PageSize)
		entry, _ = m.table.Lookup(victim)
	}

	m.gpuPool.Free(pagealloc.FrameAddr(entry.GPUAddress))
	m.table.Mutate(victim, func(e *pagetable.Entry) {
		e.ResidentOnGPU = false
		e.GPUAddress = 0
	})
	m.replacement.OnPageFreed(victim)
	m.mu.Lock()
	delete(m.gpuResident, victim)
	m.mu.Unlock()
	m.tlb.Invalidate(victim)
	m.counters.Evictions.Add(1)

	vmlog.Debugf("manager: evicted vpn=%d from gpu", victim)
	return nil
}

// anyGPUResident returns an arbitrary member of gpuResident, or NoVictim if
// it is empty. Map iteration order in Go is randomized, standing in for
// the source's *std::set::begin().
func (m *Manager) anyGPUResident() vm.VPN {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for v := range m.gpuResident {
		return v
	}
	return replacement.NoVictim
}

// ReadFromVaddr copies length bytes starting at vaddr into a fresh slice,
// touching every page the range spans. Unlike a single-page-only
// implementation, this walks page boundaries so cross-page reads succeed.
func (m *Manager) ReadFromVaddr(vaddr vm.Addr, length uint64) ([]byte, error) {
	m.gmu.Lock()
	defer m.gmu.Unlock()

	out := make([]byte, length)
	if err := m.forEachSpannedPage(vaddr, length, func(v vm.VPN, e tlb.Entry, pageOff, dstOff, n uint64) error {
		if !e.CPUResident {
			return fmt.Errorf("manager: read: vpn %d not resident on cpu", v)
		}
		src := m.cpuPool.Bytes(pagealloc.FrameAddr(e.CPUAddress))
		copy(out[dstOff:dstOff+n], src[pageOff:pageOff+n])
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteToVaddr writes data starting at vaddr, touching every page the
// range spans and marking each dirty.
func (m *Manager) WriteToVaddr(vaddr vm.Addr, data []byte) error {
	m.gmu.Lock()
	defer m.gmu.Unlock()

	return m.forEachSpannedPage(vaddr, uint64(len(data)), func(v vm.VPN, e tlb.Entry, pageOff, srcOff, n uint64) error {
		if !e.CPUResident {
			return fmt.Errorf("manager: write: vpn %d not resident on cpu", v)
		}
		dst := m.cpuPool.Bytes(pagealloc.FrameAddr(e.CPUAddress))
		copy(dst[pageOff:pageOff+n], data[srcOff:srcOff+n])
		m.table.Mutate(v, func(e *pagetable.Entry) { e.Dirty = true })
		return nil
	})
}

// forEachSpannedPage walks [vaddr, vaddr+length) page by page, invoking fn
// with the VPN, the translation resolved by touchPage (the TLB's cached
// copy on a hit, otherwise freshly read from the page table), the offset
// within that page, the offset within the caller's buffer, and the number
// of bytes touched in this page. This is the fix for treating multi-page
// reads/writes as if they never crossed a page boundary.
func (m *Manager) forEachSpannedPage(vaddr vm.Addr, length uint64, fn func(v vm.VPN, e tlb.Entry, pageOff, bufOff, n uint64) error) error {
	pageSize := m.cfg.PageSize
	remaining := length
	cur := vaddr
	bufOff := uint64(0)

	for remaining > 0 {
		v := vm.AddrToVPN(cur, pageSize)
		pageOff := uint64(cur) % pageSize
		n := pageSize - pageOff
		if n > remaining {
			n = remaining
		}

		e, err := m.touchPage(v)
		if err != nil {
			return err
		}
		if err := fn(v, e, pageOff, bufOff, n); err != nil {
			return err
		}

		cur += vm.Addr(n)
		bufOff += n
		remaining -= n
	}
	return nil
}

// SyncAllMigrations blocks until every queued asynchronous migration has
// completed.
func (m *Manager) SyncAllMigrations() {
	m.migrations.WaitForMigrations()
}

// GetPerfCounters returns the live counters. Callers that need a
// point-in-time view should call Snapshot on the result.
func (m *Manager) GetPerfCounters() *vm.PerfCounters {
	return &m.counters
}

// LookupEntry returns a copy of the page table entry for vpn, or ok=false
// if vpn was never allocated. It mirrors the source's lookup_entry, which
// the manager itself relies on throughout; exposed here so callers can
// inspect residency and access bookkeeping without reaching into the page
// table package directly.
func (m *Manager) LookupEntry(v vm.VPN) (pagetable.Entry, bool) {
	return m.table.Lookup(v)
}

// GPUResidentCount reports how many pages gpuResident currently tracks,
// i.e. |gpu_resident|.
func (m *Manager) GPUResidentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.gpuResident)
}

// IsGPUResident reports whether vpn is a member of gpuResident.
func (m *Manager) IsGPUResident(v vm.VPN) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gpuResident[v]
}

// ResetCounters zeroes every performance counter.
func (m *Manager) ResetCounters() {
	m.counters.Reset()
}

// PrintStats returns the human-readable counters block.
func (m *Manager) PrintStats() string {
	return m.counters.Snapshot().String()
}
