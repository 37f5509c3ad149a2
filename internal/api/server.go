// Package api serves the read-only operator HTTP surface: current
// detour snapshots, per-route evidence, and worker health, routed and
// enveloped the way joeshaw/cota-bus's internal/api serves GTFS
// entities.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/transitops/detourd/internal/detector"
	"github.com/transitops/detourd/internal/worker"
)

// Server is the operator-facing HTTP API.
type Server struct {
	det    *detector.Detector
	worker *worker.Worker
}

// NewServer builds a Server reading from the given detector and
// worker.
func NewServer(det *detector.Detector, w *worker.Worker) *Server {
	return &Server{det: det, worker: w}
}

// Router builds the mux.Router for this server's endpoints.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/detours", s.handleDetours).Methods("GET")
	r.HandleFunc("/detours/{routeId}", s.handleDetour).Methods("GET")
	r.HandleFunc("/detours/{routeId}/evidence", s.handleEvidence).Methods("GET")
	r.HandleFunc("/worker/status", s.handleWorkerStatus).Methods("GET")

	return s.corsMiddleware(r)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
