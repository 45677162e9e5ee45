package middleware

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthStatus is the /health response body (spec §6.5).
type HealthStatus struct {
	Status  string            `json:"status"`
	Node    string            `json:"node"`
	Uptime  string            `json:"uptime"`
	Checks  map[string]string `json:"checks,omitempty"`
	Degraded []string         `json:"degraded,omitempty"`
}

// HealthChecker aggregates liveness signals from pipeline components
// (replicated log connectivity, Wasm runtime, cache) into one endpoint.
type HealthChecker struct {
	mu        sync.RWMutex
	nodeID    string
	startTime time.Time
	checks    map[string]func() error
}

func NewHealthChecker(nodeID string) *HealthChecker {
	return &HealthChecker{
		nodeID:    nodeID,
		startTime: time.Now(),
		checks:    make(map[string]func() error),
	}
}

// RegisterCheck adds a named liveness probe. A non-nil error marks the
// node degraded for that subsystem without failing the whole health check,
// matching spec §7's degraded-mode philosophy: the node keeps serving.
func (h *HealthChecker) RegisterCheck(name string, check func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

func (h *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		defer h.mu.RUnlock()

		status := HealthStatus{
			Status: "healthy",
			Node:   h.nodeID,
			Uptime: time.Since(h.startTime).String(),
			Checks: make(map[string]string),
		}

		for name, check := range h.checks {
			if err := check(); err != nil {
				status.Status = "degraded"
				status.Checks[name] = err.Error()
				status.Degraded = append(status.Degraded, name)
			} else {
				status.Checks[name] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if status.Status != "healthy" {
			// Still 200: a degraded node continues serving traffic (spec §7).
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(status)
	}
}

func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}
