// Package monitor exposes a Manager's live performance counters and host
// resource usage over HTTP, grounded on monitoring/monitor.go's
// builder-constructed status server and routed with gorilla/mux the way
// the teacher's own HTTP surfaces are.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	psutil "github.com/shirou/gopsutil/process"

	"github.com/gopagesim/uvm/manager"
	"github.com/gopagesim/uvm/vmlog"
)

// Monitor serves /stats, /resources, and /profile for a single Manager
// instance.
type Monitor struct {
	mgr        *manager.Manager
	port       int
	openBrowser bool
	srv        *http.Server
}

// NewMonitor returns a Monitor with the given defaults; use With... to
// customize before Start.
func NewMonitor(mgr *manager.Manager) *Monitor {
	return &Monitor{mgr: mgr, port: 9400}
}

// WithPortNumber overrides the listen port.
func (m *Monitor) WithPortNumber(port int) *Monitor {
	m.port = port
	return m
}

// WithBrowser makes Start open the dashboard in the default browser once
// the listener is up.
func (m *Monitor) WithBrowser(open bool) *Monitor {
	m.openBrowser = open
	return m
}

func (m *Monitor) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := m.mgr.GetPerfCounters().Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		vmlog.Errorf("monitor: encode stats: %v", err)
	}
}

func (m *Monitor) handleResources(w http.ResponseWriter, r *http.Request) {
	proc, err := psutil.NewProcess(int32(os.Getpid()))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	cpuPct, _ := proc.CPUPercent()
	memInfo, _ := proc.MemoryInfo()

	resp := struct {
		CPUPercent float64 `json:"cpu_percent"`
		RSSBytes   uint64  `json:"rss_bytes"`
	}{CPUPercent: cpuPct}
	if memInfo != nil {
		resp.RSSBytes = memInfo.RSS
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		vmlog.Errorf("monitor: encode resources: %v", err)
	}
}

// handleProfile captures a short CPU profile of the running process and
// returns its raw pprof-format bytes, letting operators pull a flamegraph
// from a live simulation without shelling in.
func (m *Monitor) handleProfile(w http.ResponseWriter, r *http.Request) {
	duration := 2 * time.Second
	if v := r.URL.Query().Get("seconds"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			duration = d
		}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if err := pprof.StartCPUProfile(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	time.Sleep(duration)
	pprof.StopCPUProfile()
}

// Start begins serving in the background and returns immediately.
func (m *Monitor) Start() error {
	r := mux.NewRouter()
	r.HandleFunc("/stats", m.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/resources", m.handleResources).Methods(http.MethodGet)
	r.HandleFunc("/profile", m.handleProfile).Methods(http.MethodGet)

	m.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", m.port),
		Handler: r,
	}

	ln, err := net.Listen("tcp", m.srv.Addr)
	if err != nil {
		return err
	}

	go func() {
		if err := m.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			vmlog.Errorf("monitor: serve: %v", err)
		}
	}()

	url := fmt.Sprintf("http://localhost:%d/stats", m.port)
	vmlog.Infof("monitor: listening on %s", url)
	if m.openBrowser {
		if err := browser.OpenURL(url); err != nil {
			vmlog.Warnf("monitor: could not open browser: %v", err)
		}
	}
	return nil
}

// Stop gracefully shuts the server down.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}
