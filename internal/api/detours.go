package api

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/transitops/detourd/internal/detector"
	"github.com/transitops/detourd/internal/filter"
)

// handleDetours handles GET /detours, optionally filtered by
// ?filter[state]=active,clear_pending and sorted by ?sort=-detectedAt.
func (s *Server) handleDetours(w http.ResponseWriter, r *http.Request) {
	options := filter.NewOptions(r.URL.Query())
	snapshots := s.det.Snapshot()

	list := make([]detector.DetourSnapshot, 0, len(snapshots))
	for _, snap := range snapshots {
		list = append(list, snap)
	}

	if options.HasFilter("state") {
		var states []string
		for _, value := range options.GetFilter("state") {
			states = append(states, strings.Split(value, ",")...)
		}
		list = filter.Filter(list, func(snap detector.DetourSnapshot) bool {
			for _, wanted := range states {
				if strings.EqualFold(string(snap.State), strings.TrimSpace(wanted)) {
					return true
				}
			}
			return false
		})
	}

	sort.Slice(list, func(i, j int) bool { return list[i].RouteID < list[j].RouteID })
	if options.HasSort() {
		applySort(list, options.GetSort())
	}

	resources := make([]Resource, len(list))
	for i, snap := range list {
		resources[i] = detourToResource(snap)
	}

	s.sendResponse(w, Response{
		Data:  resources,
		Links: map[string]string{"self": "/detours"},
	})
}

// applySort supports the one sort key operators actually use:
// detectedAt, ascending or descending (a leading "-" reverses it).
func applySort(list []detector.DetourSnapshot, fields []string) {
	if len(fields) == 0 {
		return
	}
	field := fields[0]
	desc := false
	if len(field) > 0 && field[0] == '-' {
		desc = true
		field = field[1:]
	}
	if field != "detectedAt" {
		return
	}
	sort.SliceStable(list, func(i, j int) bool {
		if desc {
			return list[i].DetectedAtSec > list[j].DetectedAtSec
		}
		return list[i].DetectedAtSec < list[j].DetectedAtSec
	})
}

// handleDetour handles GET /detours/{routeId}.
func (s *Server) handleDetour(w http.ResponseWriter, r *http.Request) {
	routeID := mux.Vars(r)["routeId"]

	snapshots := s.det.Snapshot()
	snap, ok := snapshots[routeID]
	if !ok {
		s.sendErrorResponse(w, http.StatusNotFound, "no active detour for route "+routeID)
		return
	}

	s.sendResponse(w, Response{
		Data:  detourToResource(snap),
		Links: map[string]string{"self": "/detours/" + routeID},
	})
}

// handleEvidence handles GET /detours/{routeId}/evidence.
func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	routeID := mux.Vars(r)["routeId"]

	snapshots := s.det.Snapshot()
	snap, ok := snapshots[routeID]
	if !ok {
		s.sendErrorResponse(w, http.StatusNotFound, "no active detour for route "+routeID)
		return
	}

	resources := make([]Resource, len(snap.Evidence))
	for i, ev := range snap.Evidence {
		resources[i] = Resource{
			Type: "evidence",
			ID:   routeID + ":" + ev.VehicleID + ":" + strconv.FormatInt(ev.TimestampSec, 10),
			Attributes: map[string]interface{}{
				"vehicleId":      ev.VehicleID,
				"lat":            ev.Coordinate.Lat,
				"lon":            ev.Coordinate.Lon,
				"timestampSec":   ev.TimestampSec,
				"distanceMeters": ev.DistanceMeters,
			},
		}
	}

	s.sendResponse(w, Response{
		Data:  resources,
		Links: map[string]string{"self": "/detours/" + routeID + "/evidence"},
	})
}

func detourToResource(snap detector.DetourSnapshot) Resource {
	return Resource{
		Type: "detour",
		ID:   snap.RouteID,
		Attributes: map[string]interface{}{
			"state":            snap.State,
			"detectedAt":       snap.DetectedAtSec,
			"zone":             snap.Zone,
			"evidenceCount":    len(snap.Evidence),
			"vehicleCount":     snap.VehicleCount,
			"triggerVehicleId": snap.TriggerVehicleID,
		},
		Links: map[string]string{"self": "/detours/" + snap.RouteID},
	}
}
