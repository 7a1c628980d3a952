package manager_test

import (
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gopagesim/uvm/manager"
	"github.com/gopagesim/uvm/vm"
	"github.com/gopagesim/uvm/vmconfig"
)

const pageSize = 64 * 1024

func newManager(cfg vmconfig.Config) *manager.Manager {
	m, err := manager.New(cfg)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(m.Close)
	return m
}

var _ = Describe("Manager", func() {
	Describe("allocate/free round trip", func() {
		It("returns the allocator to its pre-allocation state", func() {
			cfg := vmconfig.MakeBuilder().
				WithPageSize(pageSize).
				WithPrefetch(false).
				Build()
			m := newManager(cfg)

			base, err := m.Allocate(4*1024*1024, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(base).NotTo(BeZero())

			Expect(m.Free(base)).To(Succeed())
		})
	})

	Describe("write/read integrity", func() {
		It("round-trips an 8MiB xor pattern", func() {
			cfg := vmconfig.MakeBuilder().
				WithPageSize(pageSize).
				WithPrefetch(false).
				Build()
			m := newManager(cfg)

			const numWords = 2 * 1024 * 1024 // 8 MiB of u32s
			buf := make([]byte, numWords*4)
			for i := 0; i < numWords; i++ {
				binary.LittleEndian.PutUint32(buf[i*4:], uint32(i)^0xDEADBEEF)
			}

			base, err := m.Allocate(uint64(len(buf)), false)
			Expect(err).NotTo(HaveOccurred())

			Expect(m.WriteToVaddr(base, buf)).To(Succeed())
			readBack, err := m.ReadFromVaddr(base, uint64(len(buf)))
			Expect(err).NotTo(HaveOccurred())
			Expect(readBack).To(Equal(buf))
		})
	})

	Describe("overflow", func() {
		It("evicts pages once the accelerator pool is exhausted", func() {
			cfg := vmconfig.MakeBuilder().
				WithPageSize(pageSize).
				WithGPUMemory(512 * 1024 * 1024). // 8192 frames of 64KiB
				WithCPUMemory(2 * 1024 * 1024 * 1024).
				WithAsyncMigration(false).
				WithPrefetch(true).
				Build()
			m := newManager(cfg)

			numPages := uint64(1024 * 1024 * 1024 / pageSize) // 1 GiB
			base, err := m.Allocate(numPages*pageSize, true)
			Expect(err).NotTo(HaveOccurred())

			for i := uint64(0); i < numPages; i++ {
				v := vm.AddrToVPN(base, pageSize) + vm.VPN(i)
				_ = m.TouchPage(v)
			}

			snap := m.GetPerfCounters().Snapshot()
			Expect(snap.Evictions).To(BeNumerically(">", 0))
		})
	})

	Describe("LRU recency", func() {
		It("does not reorder on access", func() {
			cfg := vmconfig.MakeBuilder().
				WithPageSize(pageSize).
				WithGPUMemory(2 * pageSize). // capacity for exactly 2 gpu-resident pages
				WithReplacementPolicy(vm.LRU).
				WithAsyncMigration(false).
				WithPrefetch(false).
				Build()
			m := newManager(cfg)

			base, err := m.Allocate(3*pageSize, false)
			Expect(err).NotTo(HaveOccurred())
			first := vm.AddrToVPN(base, pageSize)
			second, third := first+1, first+2

			Expect(m.MapToGPU(first)).To(Succeed())
			Expect(m.MapToGPU(second)).To(Succeed())

			Expect(m.TouchPage(first)).To(Succeed())

			// The GPU pool is now full (first and second resident); mapping
			// a third page forces an eviction. Since access does not
			// reorder, the oldest allocated page is evicted even though it
			// was just touched.
			Expect(m.MapToGPU(third)).To(Succeed())

			snap := m.GetPerfCounters().Snapshot()
			Expect(snap.Evictions).To(Equal(uint64(1)))
			Expect(m.IsGPUResident(first)).To(BeFalse())
			Expect(m.IsGPUResident(second)).To(BeTrue())
		})
	})

	Describe("access bookkeeping", func() {
		It("increments access_count by 2 across two touches", func() {
			cfg := vmconfig.MakeBuilder().
				WithPageSize(pageSize).
				WithPrefetch(false).
				Build()
			m := newManager(cfg)

			base, err := m.Allocate(pageSize, false)
			Expect(err).NotTo(HaveOccurred())
			v := vm.AddrToVPN(base, pageSize)

			before, ok := m.LookupEntry(v)
			Expect(ok).To(BeTrue())

			Expect(m.TouchPage(v)).To(Succeed())
			Expect(m.TouchPage(v)).To(Succeed())

			after, ok := m.LookupEntry(v)
			Expect(ok).To(BeTrue())
			Expect(after.AccessCount - before.AccessCount).To(Equal(uint64(2)))
			Expect(after.AccessTimestampUs).To(BeNumerically(">=", before.AccessTimestampUs))
		})
	})

	Describe("gpu resident invariants", func() {
		It("keeps gpu_resident in lockstep with accelerator mappings and bounded by capacity", func() {
			const capacity = 2
			cfg := vmconfig.MakeBuilder().
				WithPageSize(pageSize).
				WithGPUMemory(capacity * pageSize).
				WithAsyncMigration(false).
				WithPrefetch(false).
				Build()
			m := newManager(cfg)

			base, err := m.Allocate(3*pageSize, false)
			Expect(err).NotTo(HaveOccurred())
			first := vm.AddrToVPN(base, pageSize)
			second, third := first+1, first+2

			Expect(m.MapToGPU(first)).To(Succeed())
			Expect(m.IsGPUResident(first)).To(BeTrue())
			Expect(m.GPUResidentCount()).To(BeNumerically("<=", capacity))

			Expect(m.MapToGPU(second)).To(Succeed())
			Expect(m.IsGPUResident(second)).To(BeTrue())
			Expect(m.GPUResidentCount()).To(Equal(capacity))

			// The pool is now full; mapping a third page must evict exactly
			// one existing member while keeping the set within capacity.
			Expect(m.MapToGPU(third)).To(Succeed())
			Expect(m.IsGPUResident(third)).To(BeTrue())
			Expect(m.GPUResidentCount()).To(BeNumerically("<=", capacity))
		})
	})
})
