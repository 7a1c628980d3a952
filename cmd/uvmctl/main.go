// Command uvmctl drives the unified virtual memory simulator from the
// command line, grounded on akita/cmd/root.go's cobra root-command
// layout: a persistent set of global flags, subcommands for the
// simulator's two main modes, and a final stats dump registered with
// atexit so it fires when main exits through atexit.Exit, on success or on
// a command error. No signal handler is installed, so a process stopped by
// a signal (such as an interrupted serve) exits without the dump.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/gopagesim/uvm/manager"
	"github.com/gopagesim/uvm/monitor"
	"github.com/gopagesim/uvm/vm"
	"github.com/gopagesim/uvm/vmconfig"
	"github.com/gopagesim/uvm/vmlog"
)

var (
	flagPageSize    uint64
	flagCPUMemory   uint64
	flagGPUMemory   uint64
	flagTLBSize     int
	flagTLBAssoc    int
	flagPolicy      string
	flagAsync       bool
	flagMonitorPort int
	flagServe       bool
)

func buildConfig() vmconfig.Config {
	b := vmconfig.MakeBuilder().FromEnv()
	if flagPageSize != 0 {
		b = b.WithPageSize(flagPageSize)
	}
	if flagCPUMemory != 0 {
		b = b.WithCPUMemory(flagCPUMemory)
	}
	if flagGPUMemory != 0 {
		b = b.WithGPUMemory(flagGPUMemory)
	}
	if flagTLBSize != 0 {
		b = b.WithTLBSize(flagTLBSize)
	}
	if flagTLBAssoc != 0 {
		b = b.WithTLBAssociativity(flagTLBAssoc)
	}
	switch flagPolicy {
	case "clock", "CLOCK":
		b = b.WithReplacementPolicy(vm.CLOCK)
	case "lru", "LRU", "":
		b = b.WithReplacementPolicy(vm.LRU)
	default:
		vmlog.Warnf("uvmctl: unknown --policy %q, defaulting to LRU", flagPolicy)
		b = b.WithReplacementPolicy(vm.LRU)
	}
	b = b.WithAsyncMigration(flagAsync)
	return b.Build()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "uvmctl",
		Short: "Drive the unified virtual memory simulator",
	}

	root.PersistentFlags().Uint64Var(&flagPageSize, "page-size", 0, "page size in bytes (default 64KiB)")
	root.PersistentFlags().Uint64Var(&flagCPUMemory, "cpu-memory", 0, "host pool size in bytes")
	root.PersistentFlags().Uint64Var(&flagGPUMemory, "gpu-memory", 0, "accelerator pool size in bytes")
	root.PersistentFlags().IntVar(&flagTLBSize, "tlb-size", 0, "total TLB entries")
	root.PersistentFlags().IntVar(&flagTLBAssoc, "tlb-associativity", 0, "TLB ways per set")
	root.PersistentFlags().StringVar(&flagPolicy, "policy", "lru", "replacement policy: lru or clock")
	root.PersistentFlags().BoolVar(&flagAsync, "async", true, "dispatch migrations to the worker pool")

	root.AddCommand(newRunCmd())
	root.AddCommand(newServeCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var numPages uint64
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Allocate a region, touch every page, then free it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := buildConfig()
			m, err := manager.Initialize(cfg)
			if err != nil {
				return err
			}
			defer manager.Shutdown()
			atexit.Register(func() { fmt.Print(m.PrintStats()) })

			base, err := m.Allocate(numPages*cfg.PageSize, cfg.EnablePrefetch)
			if err != nil {
				return err
			}
			vmlog.Infof("uvmctl: allocated %d pages at %#x", numPages, base)

			startVPN := vm.AddrToVPN(base, cfg.PageSize)
			for i := uint64(0); i < numPages; i++ {
				if err := m.TouchPage(startVPN + vm.VPN(i)); err != nil {
					return err
				}
			}

			m.SyncAllMigrations()
			return m.Free(base)
		},
	}
	cmd.Flags().Uint64Var(&numPages, "pages", 16, "number of pages to allocate")
	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a manager and expose its stats over HTTP until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := buildConfig()
			m, err := manager.Initialize(cfg)
			if err != nil {
				return err
			}
			defer manager.Shutdown()
			atexit.Register(func() { fmt.Print(m.PrintStats()) })

			mon := monitor.NewMonitor(m).WithPortNumber(flagMonitorPort)
			if err := mon.Start(); err != nil {
				return err
			}

			select {}
		},
	}
	cmd.Flags().IntVar(&flagMonitorPort, "port", 9400, "HTTP status server port")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
