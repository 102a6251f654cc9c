package http

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PolicyVersionResponse is returned by GET /v1/policy/version.
type PolicyVersionResponse struct {
	PolicyVersion string `json:"policyVersion"`
	State         string `json:"state"`
}

// LedgerHeadResponse is returned by GET /v1/ledger/head.
type LedgerHeadResponse struct {
	Length uint64 `json:"length"`
	Hash   string `json:"hash"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// opsHandler serves the JSON endpoints.
type opsHandler struct {
	runtime   Runtime
	verifying atomic.Bool
}

// newMux registers every ops route on a fresh mux.
func newMux(h *opsHandler, health *HealthChecker, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /health", health.Handler())
	mux.HandleFunc("GET /v1/policy/version", h.policyVersion)
	mux.HandleFunc("GET /v1/ledger/head", h.ledgerHead)
	mux.HandleFunc("POST /v1/ledger/verify", h.verifyLedger)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (h *opsHandler) policyVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PolicyVersionResponse{
		PolicyVersion: h.runtime.PolicyVersion(),
		State:         h.runtime.State().String(),
	})
}

func (h *opsHandler) ledgerHead(w http.ResponseWriter, r *http.Request) {
	head := h.runtime.LedgerHead()
	writeJSON(w, http.StatusOK, LedgerHeadResponse{Length: head.Length, Hash: head.Hash})
}

// verifyLedger replays the whole chain. Only one verification runs at a time.
func (h *opsHandler) verifyLedger(w http.ResponseWriter, r *http.Request) {
	if !h.verifying.CompareAndSwap(false, true) {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "verification already running"})
		return
	}
	defer h.verifying.Store(false)

	logger := LoggerFromContext(r.Context())
	res, err := h.runtime.VerifyLedgerIntegrity(r.Context())
	if err != nil {
		logger.Error("ledger verification failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "ledger could not be read"})
		return
	}
	if !res.Valid {
		logger.Warn("ledger chain broken",
			"broken_at", derefSeq(res.BrokenAtSequence),
			"reason", res.Reason,
		)
	}
	writeJSON(w, http.StatusOK, res)
}

func derefSeq(p *uint64) any {
	if p == nil {
		return nil
	}
	return *p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
