package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthChecker manages liveness and readiness state.
// /healthz (liveness) always answers if the process runs; /readyz
// (readiness) answers OK only once every registered component reported up.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]bool
	startTime  time.Time
}

// NewHealthChecker creates a health checker tracking the named components
// (e.g. "postgres", "nats"). All components start not-ready.
func NewHealthChecker(components ...string) *HealthChecker {
	hc := &HealthChecker{
		components: make(map[string]bool, len(components)),
		startTime:  time.Now(),
	}
	for _, c := range components {
		hc.components[c] = false
	}
	return hc
}

// SetComponentReady marks one component up or down.
func (h *HealthChecker) SetComponentReady(name string, ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = ready
}

// IsReady reports whether every component is up.
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ready := range h.components {
		if !ready {
			return false
		}
	}
	return true
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 if all components are ready, 503
// otherwise, with per-component detail.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	detail := make(map[string]bool, len(h.components))
	for name, ready := range h.components {
		detail[name] = ready
	}
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if h.IsReady() {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     "ready",
			"components": detail,
		})
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     "not_ready",
		"components": detail,
	})
}
