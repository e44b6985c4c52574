package paygate

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker serves the proxy's liveness and readiness probes.
// Readiness additionally runs every ReadinessCheck, for example a decision
// cache ping or the approval authority's health.
type HealthChecker struct {
	alive atomic.Bool
	ready atomic.Bool

	startTime time.Time

	ReadinessChecks []ReadinessCheck
}

// ReadinessCheck returns nil when its component is ready.
type ReadinessCheck func() error

// HealthResponse is the JSON body of /healthz and /readyz.
type HealthResponse struct {
	Status  string   `json:"status"`
	Uptime  string   `json:"uptime,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Details []string `json:"details,omitempty"`
}

// NewHealthChecker creates a HealthChecker that is neither alive nor ready.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{startTime: time.Now()}
}

func (h *HealthChecker) SetAlive(alive bool) { h.alive.Store(alive) }
func (h *HealthChecker) SetReady(ready bool) { h.ready.Store(ready) }
func (h *HealthChecker) IsAlive() bool       { return h.alive.Load() }

// IsReady reports whether the ready flag is set and every check passes.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load() && len(h.failures()) == 0
}

// AuthorityCheck adapts an Approver's health probe into a ReadinessCheck.
func AuthorityCheck(probe func() bool) ReadinessCheck {
	return func() error {
		if !probe() {
			return fmt.Errorf("approval authority unavailable")
		}
		return nil
	}
}

func (h *HealthChecker) failures() []string {
	var out []string
	for _, check := range h.ReadinessChecks {
		if err := check(); err != nil {
			out = append(out, err.Error())
		}
	}
	return out
}

func (h *HealthChecker) uptime() string {
	return time.Since(h.startTime).Truncate(time.Second).String()
}

// HandleHealthz serves the liveness probe.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: h.uptime()}
	code := http.StatusOK
	if !h.IsAlive() {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, resp)
}

// HandleReadyz serves the readiness probe.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: h.uptime()}
	code := http.StatusOK

	switch {
	case !h.ready.Load():
		resp.Status = "not ready"
		resp.Reason = "proxy not yet ready"
		code = http.StatusServiceUnavailable
	default:
		if failures := h.failures(); len(failures) > 0 {
			resp.Status = "not ready"
			resp.Details = failures
			code = http.StatusServiceUnavailable
		}
	}
	writeHealth(w, code, resp)
}

func writeHealth(w http.ResponseWriter, code int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
