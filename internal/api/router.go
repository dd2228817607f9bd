package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// buildRouter wires the middleware stack and the /api/v1 routes. Only
// /health is reachable without a token.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(s.logRequests)
	r.Use(s.recoverPanics)
	r.Use(s.cors)
	r.Use(middleware.RequestSize(maxRequestBodySize))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/metrics", s.handleMetrics)

			r.Route("/scripts", func(r chi.Router) {
				r.Get("/", s.handleListScripts)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetScript)
					r.Post("/run", s.handleRunScript)
					r.Post("/stop", s.handleStopScript)
					r.Post("/enable", s.handleEnableScript)
					r.Post("/disable", s.handleDisableScript)
					r.Get("/runs", s.handleListRuns)
					r.Get("/graph", s.handleGraph)
				})
			})

			r.Route("/runs/{runID}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Post("/stop", s.handleStopRun)
			})

			r.Get("/ws", s.handleEventStream)
		})
	})

	return r
}

// Health is the /health body. Components maps each probe name to "ok" or
// its error text.
type Health struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Components map[string]string `json:"components,omitempty"`
}

// handleHealth runs every probe with a short deadline. Any failure turns
// the answer into 503 "degraded" so a supervisor can restart us.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	h := Health{Status: "ok", Version: s.version}
	if len(s.probes) > 0 {
		h.Components = make(map[string]string, len(s.probes))
	}
	for name, p := range s.probes {
		if err := p.HealthCheck(ctx); err != nil {
			h.Components[name] = err.Error()
			h.Status = "degraded"
			continue
		}
		h.Components[name] = "ok"
	}

	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}
