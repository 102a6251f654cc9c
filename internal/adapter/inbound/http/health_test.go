package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Sentinel-Gate/governor/internal/domain/governance"
	"github.com/Sentinel-Gate/governor/internal/domain/ledger"
)

// discardLogger returns a logger that discards all output (for tests)
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRuntime is a hand-written Runtime.
type fakeRuntime struct {
	mu         sync.Mutex
	state      governance.State
	version    string
	head       ledger.Head
	result     ledger.VerifyResult
	err        error
	verifies   int
	verifyGate chan struct{}
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		state:   governance.StateReady,
		version: "sha256:abc",
		head:    ledger.Head{Length: 3, Hash: strings.Repeat("a", 64)},
		result:  ledger.VerifyResult{Valid: true, Checked: 3},
	}
}

func (f *fakeRuntime) State() governance.State { return f.state }
func (f *fakeRuntime) PolicyVersion() string   { return f.version }
func (f *fakeRuntime) LedgerHead() ledger.Head { return f.head }

func (f *fakeRuntime) VerifyLedgerIntegrity(ctx context.Context) (ledger.VerifyResult, error) {
	f.mu.Lock()
	f.verifies++
	gate := f.verifyGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return f.result, f.err
}

type fakeQueue struct {
	depth, capacity int
	dropped         int64
}

func (q fakeQueue) Depth() int     { return q.depth }
func (q fakeQueue) Capacity() int  { return q.capacity }
func (q fakeQueue) Dropped() int64 { return q.dropped }

func TestHealthChecker_Healthy(t *testing.T) {
	hc := NewHealthChecker(newFakeRuntime(), fakeQueue{depth: 10, capacity: 100}, "test-version")

	health := hc.Check()

	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	if health.Version != "test-version" {
		t.Errorf("Version = %q, want test-version", health.Version)
	}
	if health.Checks["runtime"] != "ok" || health.Checks["policy_version"] != "sha256:abc" {
		t.Errorf("runtime checks = %v", health.Checks)
	}
	if health.Checks["ledger"] != "ok: length 3" {
		t.Errorf("ledger check = %q", health.Checks["ledger"])
	}
	if health.Checks["events"] != "ok: 10/100 (10%)" {
		t.Errorf("events check = %q", health.Checks["events"])
	}
	if _, ok := health.Checks["event_drops"]; ok {
		t.Error("event_drops reported with no drops")
	}
}

func TestHealthChecker_NotReady(t *testing.T) {
	rt := newFakeRuntime()
	rt.state = governance.StateUninitialized
	health := NewHealthChecker(rt, nil, "").Check()

	if health.Status != "unhealthy" {
		t.Errorf("Status = %q, want unhealthy", health.Status)
	}
	if health.Checks["runtime"] != "UNINITIALIZED" {
		t.Errorf("runtime = %q", health.Checks["runtime"])
	}
	if health.Checks["events"] != "not configured" {
		t.Errorf("events = %q, want 'not configured'", health.Checks["events"])
	}
}

func TestHealthChecker_EventBackpressure(t *testing.T) {
	health := NewHealthChecker(newFakeRuntime(), fakeQueue{depth: 95, capacity: 100, dropped: 4}, "").Check()

	if health.Status != "unhealthy" {
		t.Errorf("Status = %q, want unhealthy", health.Status)
	}
	if !strings.HasPrefix(health.Checks["events"], "degraded") {
		t.Errorf("events = %q, want degraded", health.Checks["events"])
	}
	if health.Checks["event_drops"] != "4 dropped" {
		t.Errorf("event_drops = %q", health.Checks["event_drops"])
	}
}

func TestHealthChecker_Handler(t *testing.T) {
	tests := []struct {
		name       string
		state      governance.State
		wantStatus int
	}{
		{"ready", governance.StateReady, http.StatusOK},
		{"not ready", governance.StateUninitialized, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newFakeRuntime()
			rt.state = tt.state
			rec := httptest.NewRecorder()
			NewHealthChecker(rt, nil, "v1").Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var resp HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Version != "v1" {
				t.Errorf("Version = %q", resp.Version)
			}
		})
	}
}
