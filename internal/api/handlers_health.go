package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/remit-analytics/internal/circuitbreaker"
)

const healthCheckTimeout = 2 * time.Second

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status            string                  `json:"status"`
	Time              time.Time               `json:"time"`
	Checks            map[string]string       `json:"checks,omitempty"`
	CircuitBreakers   []*circuitbreaker.Stats `json:"circuitBreakers,omitempty"`
	Endpoints         interface{}             `json:"endpoints,omitempty"`
	LiveSubscriptions int                     `json:"liveSubscriptions"`
}

// handleHealth handles GET /health. A failed dependency check or an open
// circuit reports degraded with 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "healthy",
		Time:   time.Now().UTC(),
	}

	if len(s.checks) > 0 {
		resp.Checks = make(map[string]string, len(s.checks))
		names := make([]string, 0, len(s.checks))
		for name := range s.checks {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			err := s.checks[name](ctx)
			cancel()
			if err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				continue
			}
			resp.Checks[name] = "ok"
		}
	}

	if s.breakers != nil {
		resp.CircuitBreakers = s.breakers.GetAllStats()
		for _, st := range resp.CircuitBreakers {
			if st.State == circuitbreaker.StateOpen {
				resp.Status = "degraded"
			}
		}
	}
	if s.endpoints != nil {
		resp.Endpoints = s.endpoints.Health()
	}
	if s.poller != nil {
		resp.LiveSubscriptions = len(s.poller.Subscriptions())
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}
