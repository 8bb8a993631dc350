package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaygrpc/core/connectivity"
)

// stateReporter is whichever balancer (pick-first or round-robin) the demo
// wired up; both satisfy this with their State method.
type stateReporter interface {
	State() connectivity.State
}

// newDebugRouter builds the demo's /debug/* HTTP introspection surface,
// replacing the original agent's REST API (internal/server/rest) with a
// read-only view onto balancer and connectivity state, plus the standard
// /healthz liveness probe and a Prometheus /metrics endpoint. Routing is
// chi, the same router the teacher used for its own REST API.
func newDebugRouter(reporter stateReporter) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/debug/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"balancer_state": reporter.State().String(),
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
