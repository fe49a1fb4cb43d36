package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/ayoubachak/agentbridge/internal/broker"
	"github.com/ayoubachak/agentbridge/internal/config"
	"github.com/ayoubachak/agentbridge/internal/metrics"
	"github.com/ayoubachak/agentbridge/internal/registry"
	"github.com/ayoubachak/agentbridge/internal/serverstate"
)

// BuildInfo identifies the running binary on the state endpoint.
type BuildInfo struct {
	Version   string `json:"version"`
	SHA       string `json:"sha"`
	Date      string `json:"date"`
	StartedAt time.Time
}

// New constructs the HTTP handler for the bridge server. The metrics
// registry is supplied by the caller so a separately-listening /metrics
// endpoint serves the same collectors.
func New(cfg config.ServerConfig, reg *registry.Registry, bk *broker.Broker, info BuildInfo, preg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	if cfg.Security.CORS && len(cfg.Security.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.Security.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	if preg == nil {
		preg = prometheus.NewRegistry()
	}
	metrics.Register(preg)
	metrics.SetBuildInfo(info.Version, info.SHA, info.Date)

	r.Get("/health", HealthHandler(reg))
	r.Get("/state", StateHandler(reg, info))
	r.Get(cfg.WebSocket.Path, WSHandler(reg, bk, cfg.Logging.LogBodies))

	if cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.WebSocket.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}

	return r
}

// HealthHandler reports liveness and the current connection counts.
func HealthHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"clients": reg.ClientCount(),
			"agents":  reg.AgentCount(),
		})
	}
}

type connSummary struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	SessionID  string    `json:"sessionId,omitempty"`
	LastActive time.Time `json:"lastActiveAt"`
	Functions  int       `json:"functions,omitempty"`
	Components int       `json:"components,omitempty"`
}

type systemSnapshot struct {
	UptimeSec      uint64  `json:"uptime_sec"`
	CPUs           int     `json:"cpus"`
	MemTotalBytes  uint64  `json:"mem_total_bytes"`
	MemUsedPercent float64 `json:"mem_used_percent"`
}

// StateHandler returns a JSON snapshot of the router: status, connections,
// aggregated capability counts, host stats, and build identity.
func StateHandler(reg *registry.Registry, info BuildInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns := []connSummary{}
		for _, c := range reg.SnapshotClients() {
			caps := c.Capabilities()
			conns = append(conns, connSummary{
				ID:         c.ID,
				Role:       string(registry.RoleClient),
				SessionID:  c.Session(),
				LastActive: c.LastActiveAt(),
				Functions:  len(caps.Functions),
				Components: len(caps.Components),
			})
		}
		for _, c := range reg.SnapshotAgents() {
			conns = append(conns, connSummary{
				ID:         c.ID,
				Role:       string(registry.RoleAgent),
				LastActive: c.LastActiveAt(),
			})
		}
		functions, components := reg.Aggregate()

		state := map[string]any{
			"status":      serverstate.Status(),
			"clients":     reg.ClientCount(),
			"agents":      reg.AgentCount(),
			"functions":   len(functions),
			"components":  len(components),
			"connections": conns,
			"system":      systemStats(),
			"build": map[string]string{
				"version": info.Version,
				"sha":     info.SHA,
				"date":    info.Date,
			},
			"started_at": info.StartedAt,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(state)
	}
}

// systemStats collects best-effort host statistics; fields are zero when a
// probe fails on the current platform.
func systemStats() systemSnapshot {
	var s systemSnapshot
	if up, err := host.Uptime(); err == nil {
		s.UptimeSec = up
	}
	if n, err := cpu.Counts(true); err == nil {
		s.CPUs = n
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemTotalBytes = vm.Total
		s.MemUsedPercent = vm.UsedPercent
	}
	return s
}
