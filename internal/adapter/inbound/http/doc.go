// Package http provides the operational HTTP surface of the governor runtime.
//
// Agents do not submit requests over this surface; it exists for operators
// and monitoring.
//
// # Endpoints
//
//	GET  /health              - component checks, 503 when not ready or degraded
//	GET  /v1/policy/version   - loaded rule set fingerprint
//	POST /v1/ledger/verify    - replay the hash chain from sequence 0
//	GET  /v1/ledger/head      - committed ledger length and head hash
//	GET  /metrics             - Prometheus metrics
//
// # Middleware Chain
//
// Requests pass through middleware in this order:
//
//  1. RequestIDMiddleware - Extracts or generates X-Request-ID and enriches the logger
//  2. RecoveryMiddleware - Converts handler panics into 500 responses
//  3. DNSRebindingProtection - Validates the Origin header
//  4. MetricsMiddleware - Records duration and status per matched route
//  5. ServeMux - Routes to the endpoint
//
// MetricsMiddleware sits directly outside the mux so it observes the pattern
// the mux matched.
package http
