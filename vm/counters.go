package vm

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// PerfCounters holds the simulator's monotonic performance counters. Every
// field may be read without locking; values are eventually consistent
// across concurrent updaters, matching the source's std::atomic<uint64_t>
// members.
type PerfCounters struct {
	TotalPageFaults      atomic.Uint64
	CPUToGPUMigrations   atomic.Uint64
	GPUToCPUMigrations   atomic.Uint64
	TotalBytesMigrated   atomic.Uint64
	TotalMigrationTimeUs atomic.Uint64
	TLBHits              atomic.Uint64
	TLBMisses            atomic.Uint64
	Evictions            atomic.Uint64
	KernelLaunches       atomic.Uint64
	PagePrefetches       atomic.Uint64
}

// Reset zeroes every counter.
func (c *PerfCounters) Reset() {
	c.TotalPageFaults.Store(0)
	c.CPUToGPUMigrations.Store(0)
	c.GPUToCPUMigrations.Store(0)
	c.TotalBytesMigrated.Store(0)
	c.TotalMigrationTimeUs.Store(0)
	c.TLBHits.Store(0)
	c.TLBMisses.Store(0)
	c.Evictions.Store(0)
	c.KernelLaunches.Store(0)
	c.PagePrefetches.Store(0)
}

// Snapshot is a point-in-time copy of PerfCounters suitable for JSON
// encoding or CSV formatting, since atomic.Uint64 itself cannot be
// marshaled directly.
type Snapshot struct {
	TotalPageFaults      uint64  `json:"total_page_faults"`
	CPUToGPUMigrations   uint64  `json:"cpu_to_gpu_migrations"`
	GPUToCPUMigrations   uint64  `json:"gpu_to_cpu_migrations"`
	TotalBytesMigrated   uint64  `json:"total_bytes_migrated"`
	TotalMigrationTimeUs uint64  `json:"total_migration_time_us"`
	TLBHits              uint64  `json:"tlb_hits"`
	TLBMisses            uint64  `json:"tlb_misses"`
	Evictions            uint64  `json:"evictions"`
	KernelLaunches       uint64  `json:"kernel_launches"`
	PagePrefetches       uint64  `json:"page_prefetches"`
	MigrationBandwidthGB float64 `json:"migration_bandwidth_gbps"`
	TLBHitRatePct        float64 `json:"tlb_hit_rate_pct"`
}

// Snapshot copies the counters into a plain struct.
func (c *PerfCounters) Snapshot() Snapshot {
	s := Snapshot{
		TotalPageFaults:      c.TotalPageFaults.Load(),
		CPUToGPUMigrations:   c.CPUToGPUMigrations.Load(),
		GPUToCPUMigrations:   c.GPUToCPUMigrations.Load(),
		TotalBytesMigrated:   c.TotalBytesMigrated.Load(),
		TotalMigrationTimeUs: c.TotalMigrationTimeUs.Load(),
		TLBHits:              c.TLBHits.Load(),
		TLBMisses:            c.TLBMisses.Load(),
		Evictions:            c.Evictions.Load(),
		KernelLaunches:       c.KernelLaunches.Load(),
		PagePrefetches:       c.PagePrefetches.Load(),
	}
	if s.TotalMigrationTimeUs > 0 {
		s.MigrationBandwidthGB = float64(s.TotalBytesMigrated) / float64(s.TotalMigrationTimeUs) * 1e6 / 1e9
	}
	if total := s.TLBHits + s.TLBMisses; total > 0 {
		s.TLBHitRatePct = float64(s.TLBHits) / float64(total) * 100.0
	}
	return s
}

// String renders the snapshot the way print_stats dumps it in the source:
// a human-readable, labeled block.
func (s Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintln(&b, "=== Performance Counters ===")
	fmt.Fprintf(&b, "Page Faults:                  %d\n", s.TotalPageFaults)
	fmt.Fprintf(&b, "CPU->GPU Migrations:          %d\n", s.CPUToGPUMigrations)
	fmt.Fprintf(&b, "GPU->CPU Migrations:          %d\n", s.GPUToCPUMigrations)
	fmt.Fprintf(&b, "Total Bytes Migrated:         %d\n", s.TotalBytesMigrated)
	fmt.Fprintf(&b, "Total Migration Time (us):    %d\n", s.TotalMigrationTimeUs)
	if s.TotalBytesMigrated > 0 {
		fmt.Fprintf(&b, "Migration Bandwidth (GB/s):   %.2f\n", s.MigrationBandwidthGB)
	}
	fmt.Fprintf(&b, "TLB Hits:                     %d\n", s.TLBHits)
	fmt.Fprintf(&b, "TLB Misses:                   %d\n", s.TLBMisses)
	fmt.Fprintf(&b, "Total TLB Lookups:            %d\n", s.TLBHits+s.TLBMisses)
	if s.TLBHits+s.TLBMisses > 0 {
		fmt.Fprintf(&b, "TLB Hit Rate (%%):             %.2f\n", s.TLBHitRatePct)
	}
	fmt.Fprintf(&b, "Page Evictions:               %d\n", s.Evictions)
	fmt.Fprintf(&b, "Kernel Launches:              %d\n", s.KernelLaunches)
	fmt.Fprintf(&b, "Page Prefetches:              %d\n", s.PagePrefetches)
	return b.String()
}
