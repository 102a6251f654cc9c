package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/Sentinel-Gate/governor/internal/domain/governance"
	"github.com/Sentinel-Gate/governor/internal/domain/ledger"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Build version
}

// Runtime is the read side of the governance orchestrator used by ops endpoints.
type Runtime interface {
	State() governance.State
	PolicyVersion() string
	LedgerHead() ledger.Head
	VerifyLedgerIntegrity(ctx context.Context) (ledger.VerifyResult, error)
}

// EventQueue reports subscriber channel pressure.
type EventQueue interface {
	Depth() int
	Capacity() int
	Dropped() int64
}

// HealthChecker verifies component health.
type HealthChecker struct {
	runtime Runtime
	events  EventQueue
	version string
}

// NewHealthChecker creates a HealthChecker. events may be nil.
func NewHealthChecker(rt Runtime, events EventQueue, version string) *HealthChecker {
	return &HealthChecker{runtime: rt, events: events, version: version}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if state := h.runtime.State(); state == governance.StateReady {
		checks["runtime"] = "ok"
		checks["policy_version"] = h.runtime.PolicyVersion()
	} else {
		checks["runtime"] = state.String()
		healthy = false
	}

	head := h.runtime.LedgerHead()
	checks["ledger"] = fmt.Sprintf("ok: length %d", head.Length)

	if h.events != nil {
		depth := h.events.Depth()
		capacity := h.events.Capacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}

		if percentFull > 90 {
			// Subscribers cannot keep up with commits.
			checks["events"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["events"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}

		if drops := h.events.Dropped(); drops > 0 {
			checks["event_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["events"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
