package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	Scripts       ScriptMetrics  `json:"scripts"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics describes the event stream.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	DroppedFrames    uint64 `json:"dropped_frames"`
}

// ScriptMetrics summarises the loaded definitions and what is running.
type ScriptMetrics struct {
	Total       int            `json:"total"`
	ByKind      map[string]int `json:"by_kind"`
	Enabled     int            `json:"enabled"`
	Running     int            `json:"running"`
	ActiveRuns  int            `json:"active_runs"`
	ActiveGraph int            `json:"active_routines"`
}

// handleMetrics returns runtime and engine statistics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.relay.count(),
			DroppedFrames:    s.relay.dropped.Load(),
		},
		Scripts: ScriptMetrics{ByKind: make(map[string]int)},
	}

	for _, st := range s.engine.List() {
		metrics.Scripts.Total++
		metrics.Scripts.ByKind[string(st.Kind)]++
		if st.Enabled {
			metrics.Scripts.Enabled++
		}
		if st.Running || len(st.Routines) > 0 {
			metrics.Scripts.Running++
		}
		metrics.Scripts.ActiveRuns += st.CurrentRuns
		metrics.Scripts.ActiveGraph += len(st.Routines)
	}

	writeJSON(w, http.StatusOK, metrics)
}
