// Package vmconfig defines the VirtualMemoryManager's configuration and an
// immutable builder for constructing it, in the same style as
// mem/vm/tlb.Builder and mem/vm/gmmu.Builder: MakeBuilder returns a
// defaulted value, each With... method returns a modified copy, and
// Build() produces the final, immutable Config.
package vmconfig

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/gopagesim/uvm/vm"
	"github.com/gopagesim/uvm/vmlog"
)

// Defaults mirror uvm_sim::Common.h's DEFAULT_* constants.
const (
	DefaultPageSize      = 64 * 1024
	DefaultVirtualSpace  = 256 * 1024 * 1024 * 1024
	DefaultCPUMemory     = 16 * 1024 * 1024 * 1024
	DefaultGPUMemory     = 4 * 1024 * 1024 * 1024
	DefaultTLBSize       = 1024
	DefaultTLBAssoc      = 8
	DefaultMaxMigrations = 4
)

// Config is the immutable result of a Builder. It is passed by value to
// manager.Initialize.
type Config struct {
	PageSize             uint64
	VirtualAddressSpace  uint64
	CPUMemory            uint64
	GPUMemory            uint64
	TLBSize              int
	TLBAssociativity     int
	ReplacementPolicy    vm.ReplacementKind
	UsePinnedMemory      bool
	UseGPUSimulator      bool
	EnablePrefetch       bool
	AsyncMigration       bool
	MaxConcurrentMigrate int
	LogLevel             vmlog.Level
}

// Builder accumulates configuration via With... calls. The zero value is
// not useful; start from MakeBuilder.
type Builder struct {
	cfg Config
}

// MakeBuilder returns a Builder pre-populated with the same defaults as
// uvm_sim::VMConfig's default member initializers.
func MakeBuilder() Builder {
	return Builder{cfg: Config{
		PageSize:             DefaultPageSize,
		VirtualAddressSpace:  DefaultVirtualSpace,
		CPUMemory:            DefaultCPUMemory,
		GPUMemory:            DefaultGPUMemory,
		TLBSize:              DefaultTLBSize,
		TLBAssociativity:     DefaultTLBAssoc,
		ReplacementPolicy:    vm.LRU,
		UsePinnedMemory:      true,
		UseGPUSimulator:      false,
		EnablePrefetch:       true,
		AsyncMigration:       true,
		MaxConcurrentMigrate: DefaultMaxMigrations,
		LogLevel:             vmlog.Info,
	}}
}

// WithPageSize sets the page size in bytes.
func (b Builder) WithPageSize(n uint64) Builder { b.cfg.PageSize = n; return b }

// WithVirtualAddressSpace sets the size the VPN space is bounded by.
func (b Builder) WithVirtualAddressSpace(n uint64) Builder {
	b.cfg.VirtualAddressSpace = n
	return b
}

// WithCPUMemory sets the host tier's backing pool size.
func (b Builder) WithCPUMemory(n uint64) Builder { b.cfg.CPUMemory = n; return b }

// WithGPUMemory sets the accelerator tier's backing pool size.
func (b Builder) WithGPUMemory(n uint64) Builder { b.cfg.GPUMemory = n; return b }

// WithTLBSize sets the total number of TLB entries.
func (b Builder) WithTLBSize(n int) Builder { b.cfg.TLBSize = n; return b }

// WithTLBAssociativity sets the number of ways per TLB set.
func (b Builder) WithTLBAssociativity(n int) Builder { b.cfg.TLBAssociativity = n; return b }

// WithReplacementPolicy selects LRU or CLOCK.
func (b Builder) WithReplacementPolicy(k vm.ReplacementKind) Builder {
	b.cfg.ReplacementPolicy = k
	return b
}

// WithPinnedMemory sets the advisory pinned-memory flag.
func (b Builder) WithPinnedMemory(v bool) Builder { b.cfg.UsePinnedMemory = v; return b }

// WithGPUSimulator sets the simulator flag. The flag is recorded only: the
// accelerator pool is always backed by a host byte buffer, and no real
// accelerator allocation path exists.
func (b Builder) WithGPUSimulator(v bool) Builder { b.cfg.UseGPUSimulator = v; return b }

// WithPrefetch toggles allocate-time prefetching.
func (b Builder) WithPrefetch(v bool) Builder { b.cfg.EnablePrefetch = v; return b }

// WithAsyncMigration toggles the migration manager's worker-pool mode.
func (b Builder) WithAsyncMigration(v bool) Builder { b.cfg.AsyncMigration = v; return b }

// WithMaxConcurrentMigrations sets the migration worker pool size.
func (b Builder) WithMaxConcurrentMigrations(n int) Builder {
	b.cfg.MaxConcurrentMigrate = n
	return b
}

// WithLogLevel sets the log gate that manager.New applies when it builds a
// Manager from the Config.
func (b Builder) WithLogLevel(l vmlog.Level) Builder { b.cfg.LogLevel = l; return b }

// Build finalizes the Config.
func (b Builder) Build() Config { return b.cfg }

// FromEnv loads a .env file (if present) and overlays UVM_* environment
// variables onto the builder, the way cmd/uvmctl uses it before applying
// its flag values (so flags take precedence). Missing variables and a missing .env file are silently
// ignored; malformed values are logged and skipped.
func (b Builder) FromEnv() Builder {
	_ = godotenv.Load()

	if v, ok := os.LookupEnv("UVM_PAGE_SIZE"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			b = b.WithPageSize(n)
		} else {
			vmlog.Warnf("ignoring invalid UVM_PAGE_SIZE=%q", v)
		}
	}
	if v, ok := os.LookupEnv("UVM_GPU_MEMORY"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			b = b.WithGPUMemory(n)
		} else {
			vmlog.Warnf("ignoring invalid UVM_GPU_MEMORY=%q", v)
		}
	}
	if v, ok := os.LookupEnv("UVM_CPU_MEMORY"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			b = b.WithCPUMemory(n)
		} else {
			vmlog.Warnf("ignoring invalid UVM_CPU_MEMORY=%q", v)
		}
	}
	if v, ok := os.LookupEnv("UVM_REPLACEMENT_POLICY"); ok {
		switch v {
		case "LRU":
			b = b.WithReplacementPolicy(vm.LRU)
		case "CLOCK":
			b = b.WithReplacementPolicy(vm.CLOCK)
		default:
			vmlog.Warnf("ignoring invalid UVM_REPLACEMENT_POLICY=%q", v)
		}
	}

	return b
}
