package api

import "net/http"

// handleWorkerStatus handles GET /worker/status.
func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	status := s.worker.Status()

	transitions := make([]map[string]interface{}, len(status.RecentTransitions))
	for i, t := range status.RecentTransitions {
		transitions[i] = map[string]interface{}{
			"routeId": t.RouteID,
			"state":   t.State,
			"atSec":   t.AtSec,
		}
	}

	resource := Resource{
		Type: "workerStatus",
		ID:   "current",
		Attributes: map[string]interface{}{
			"tickCount":               status.TickCount,
			"lastSuccessfulTick":      status.LastSuccessfulTick,
			"consecutiveFailureCount": status.ConsecutiveFailureCount,
			"publishFailures":         status.PublishFailures,
			"recentTransitions":       transitions,
		},
	}

	s.sendResponse(w, Response{
		Data:  resource,
		Links: map[string]string{"self": "/worker/status"},
	})
}
