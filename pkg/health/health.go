// Package health exposes liveness, readiness, and resource telemetry for
// the agent over a local HTTP listener.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/relaymesh/relay-agent/pkg/engine"
	"github.com/relaymesh/relay-agent/pkg/logger"
)

// Resources carries host resource utilization
type Resources struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	MemUsedMB   uint64  `json:"mem_used_mb"`
	DiskPercent float64 `json:"disk_percent"`
}

// Report is the full health payload
type Report struct {
	Status    string          `json:"status"`
	Uptime    string          `json:"uptime"`
	Engine    engine.Snapshot `json:"engine"`
	Resources Resources       `json:"resources"`
	Timestamp string          `json:"timestamp"`
}

// Options configures a Monitor
type Options struct {
	Addr     string
	DataPath string
}

// Monitor samples host resources and serves health endpoints
type Monitor struct {
	engine  *engine.Engine
	opts    Options
	logger  *zap.Logger
	started time.Time

	mu        sync.RWMutex
	resources Resources
	sampledAt time.Time

	server *http.Server
}

// NewMonitor creates a monitor bound to an engine
func NewMonitor(eng *engine.Engine, opts Options) *Monitor {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:8090"
	}
	if opts.DataPath == "" {
		opts.DataPath = "/"
	}
	return &Monitor{
		engine:  eng,
		opts:    opts,
		logger:  logger.Get().With(zap.String("component", "health")),
		started: time.Now(),
	}
}

// sample refreshes cached resource readings. Readings are cached for a
// second so hot polling stays cheap.
func (m *Monitor) sample() Resources {
	m.mu.RLock()
	if time.Since(m.sampledAt) < time.Second {
		res := m.resources
		m.mu.RUnlock()
		return res
	}
	m.mu.RUnlock()

	var res Resources
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		res.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		res.MemPercent = vm.UsedPercent
		res.MemUsedMB = vm.Used / (1024 * 1024)
	}
	if du, err := disk.Usage(m.opts.DataPath); err == nil {
		res.DiskPercent = du.UsedPercent
	}

	m.mu.Lock()
	m.resources = res
	m.sampledAt = time.Now()
	m.mu.Unlock()
	return res
}

// Report builds the current health payload
func (m *Monitor) Report() Report {
	snap := m.engine.Status()

	status := "ok"
	if !snap.Running {
		status = "stopped"
	} else if !snap.CloudConnected {
		status = "degraded"
	}

	return Report{
		Status:    status,
		Uptime:    time.Since(m.started).Round(time.Second).String(),
		Engine:    snap,
		Resources: m.sample(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Start serves health endpoints until Stop is called
func (m *Monitor) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", m.handleHealth)
	mux.HandleFunc("/readyz", m.handleReady)
	mux.HandleFunc("/livez", m.handleLive)
	mux.Handle("/metrics", promhttp.Handler())

	m.server = &http.Server{
		Addr:         m.opts.Addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		m.logger.Info("health endpoint listening", zap.String("addr", m.opts.Addr))
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("health server error", zap.Error(err))
		}
	}()
}

// Stop shuts the listener down
func (m *Monitor) Stop(ctx context.Context) {
	if m.server == nil {
		return
	}
	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Error("health server shutdown error", zap.Error(err))
	}
}

func (m *Monitor) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := m.Report()

	code := http.StatusOK
	if report.Status == "stopped" {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		m.logger.Error("failed to encode health report", zap.Error(err))
	}
}

// handleReady reports ready only when the engine runs and the cloud link
// is up
func (m *Monitor) handleReady(w http.ResponseWriter, _ *http.Request) {
	snap := m.engine.Status()
	if snap.Running && snap.CloudConnected {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("not ready"))
}

func (m *Monitor) handleLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("alive"))
}
