// Package migration implements page copying between the host and
// accelerator tiers, both synchronously and via a bounded worker pool,
// grounded on engines/parallelengine.go's mutex+cond FIFO worker design.
package migration

import (
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/gopagesim/uvm/pagealloc"
	"github.com/gopagesim/uvm/pagetable"
	"github.com/gopagesim/uvm/vm"
	"github.com/gopagesim/uvm/vmlog"
)

// BytesPerMicrosecond models the simulated copy bandwidth: 1 byte per
// nanosecond, i.e. 1 GB/s, matching the source's fixed
// SIMULATED_BANDWIDTH_BPS constant expressed per microsecond.
const BytesPerMicrosecond = 1000

// Direction identifies which way a migration job copies.
type Direction uint8

// The two migration directions.
const (
	CPUToGPU Direction = iota
	GPUToCPU
)

// Job describes one page migration.
type Job struct {
	TraceID   string
	Direction Direction
	VPN       vm.VPN
	PageSize  uint64
}

// Manager drives page copies between pagealloc pools, updating the page
// table's residency bits as each copy completes. It exposes both a
// synchronous call path and an asynchronous worker-pool path, selected by
// the caller (the vmconfig.Config.AsyncMigration flag decides which the
// orchestrating manager uses).
type Manager struct {
	table   *pagetable.Table
	cpuPool *pagealloc.Pool
	gpuPool *pagealloc.Pool

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Job
	pending  int
	shutdown bool
	wg       sync.WaitGroup

	onComplete func(Job, uint64) // notified with elapsed microseconds after each job, sync or async
}

// New builds a Manager and starts numWorkers long-lived goroutines
// draining its job queue.
func New(table *pagetable.Table, cpuPool, gpuPool *pagealloc.Pool, numWorkers int, onComplete func(Job, uint64)) *Manager {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	m := &Manager{
		table:      table,
		cpuPool:    cpuPool,
		gpuPool:    gpuPool,
		onComplete: onComplete,
	}
	m.cond = sync.NewCond(&m.mu)
	for i := 0; i < numWorkers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.shutdown {
			m.cond.Wait()
		}
		if m.shutdown {
			m.mu.Unlock()
			return
		}
		job := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		elapsed := m.run(job)

		if m.onComplete != nil {
			m.onComplete(job, elapsed)
		}

		m.mu.Lock()
		m.pending--
		m.mu.Unlock()
	}
}

// run performs the actual copy and residency update, returning the
// simulated elapsed time in microseconds. It returns 0 without touching
// anything if the page isn't in the state the direction requires, matching
// the source's defensive null-address checks.
func (m *Manager) run(j Job) uint64 {
	entry, ok := m.table.Lookup(j.VPN)
	if !ok || !entry.Valid {
		vmlog.Warnf("migration: %s: vpn %d not allocated, skipping", j.TraceID, j.VPN)
		return 0
	}

	switch j.Direction {
	case CPUToGPU:
		if !entry.ResidentOnCPU {
			return 0
		}
		if entry.ResidentOnGPU {
			return 0 // already resident, nothing to copy
		}
		frame := m.gpuPool.Allocate()
		if frame == pagealloc.NoFrame {
			vmlog.Warnf("migration: %s: gpu pool exhausted", j.TraceID)
			return 0
		}
		copy(m.gpuPool.Bytes(frame), m.cpuPool.Bytes(pagealloc.FrameAddr(entry.CPUAddress)))
		m.table.Mutate(j.VPN, func(e *pagetable.Entry) {
			e.ResidentOnGPU = true
			e.GPUAddress = uint64(frame)
			e.Dirty = false
		})
	case GPUToCPU:
		if !entry.ResidentOnGPU {
			return 0
		}
		if !entry.ResidentOnCPU {
			frame := m.cpuPool.Allocate()
			if frame == pagealloc.NoFrame {
				vmlog.Warnf("migration: %s: cpu pool exhausted", j.TraceID)
				return 0
			}
			m.table.Mutate(j.VPN, func(e *pagetable.Entry) {
				e.ResidentOnCPU = true
				e.CPUAddress = uint64(frame)
			})
			entry, _ = m.table.Lookup(j.VPN)
		}
		copy(m.cpuPool.Bytes(pagealloc.FrameAddr(entry.CPUAddress)), m.gpuPool.Bytes(pagealloc.FrameAddr(entry.GPUAddress)))
	}

	elapsed := j.PageSize / BytesPerMicrosecond
	if elapsed == 0 {
		elapsed = 1
	}
	vmlog.Debugf("migration: %s vpn=%d dir=%v took %dus", j.TraceID, j.VPN, j.Direction, elapsed)
	return elapsed
}

// MigrateSync runs a migration inline and returns the elapsed microseconds.
func (m *Manager) MigrateSync(dir Direction, v vm.VPN, pageSize uint64) uint64 {
	job := Job{TraceID: xid.New().String(), Direction: dir, VPN: v, PageSize: pageSize}
	elapsed := m.run(job)
	if m.onComplete != nil {
		m.onComplete(job, elapsed)
	}
	return elapsed
}

// MigrateAsync enqueues a migration for the worker pool and returns
// immediately with the job's trace ID for log correlation.
func (m *Manager) MigrateAsync(dir Direction, v vm.VPN, pageSize uint64) string {
	job := Job{TraceID: xid.New().String(), Direction: dir, VPN: v, PageSize: pageSize}
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return job.TraceID
	}
	m.queue = append(m.queue, job)
	m.pending++
	m.mu.Unlock()
	m.cond.Signal()
	return job.TraceID
}

// PendingMigrations returns the number of jobs queued or in flight.
func (m *Manager) PendingMigrations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// WaitForMigrations blocks, polling, until the queue drains, matching the
// source's busy-poll on its atomic pending counter rather than a
// condition variable.
func (m *Manager) WaitForMigrations() {
	for m.PendingMigrations() > 0 {
		time.Sleep(time.Millisecond)
	}
}

// Shutdown stops accepting new work, drops anything still queued, wakes
// every worker, and waits for them to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	m.pending -= len(m.queue)
	m.queue = nil
	m.mu.Unlock()
	m.cond.Broadcast()
	m.wg.Wait()
}
