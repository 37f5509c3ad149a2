package publish

import (
	"time"

	"github.com/transitops/detourd/internal/detector"
	"github.com/transitops/detourd/internal/geo"
	"github.com/transitops/detourd/internal/geosynth"
)

// PublishedSnapshot is the durable record of a route's current
// detour, one document per active route in the activeDetours
// collection.
type PublishedSnapshot struct {
	RouteID                string               `bson:"_id" json:"routeId"`
	State                  detector.DetourState `bson:"state" json:"state"`
	DetectedAt             time.Time            `bson:"detectedAt" json:"detectedAt"`
	Zone                   detector.DetourZone  `bson:"zone" json:"zone"`
	Polyline               []geo.Point          `bson:"polyline,omitempty" json:"polyline,omitempty"`
	SkippedSegmentPolyline []geo.Point          `bson:"skippedSegmentPolyline,omitempty" json:"skippedSegmentPolyline,omitempty"`
	EntryPoint             geo.Point            `bson:"entryPoint" json:"entryPoint"`
	ExitPoint              geo.Point            `bson:"exitPoint" json:"exitPoint"`
	Confidence             geosynth.Confidence  `bson:"confidence" json:"confidence"`
	EvidenceCount          int                  `bson:"evidenceCount" json:"evidenceCount"`
	VehicleCount           int                  `bson:"vehicleCount" json:"vehicleCount"`
	TriggerVehicleID       string               `bson:"triggerVehicleId,omitempty" json:"triggerVehicleId,omitempty"`
	LastSeenAt             time.Time            `bson:"lastSeenAt" json:"lastSeenAt"`
	LastPublishedAt        time.Time            `bson:"lastPublishedAt" json:"lastPublishedAt"`
}

// HistoryEventType names the three kinds of lifecycle event the
// publisher derives by diffing successive snapshots.
type HistoryEventType string

const (
	EventDetourDetected HistoryEventType = "DETOUR_DETECTED"
	EventDetourUpdated  HistoryEventType = "DETOUR_UPDATED"
	EventDetourCleared  HistoryEventType = "DETOUR_CLEARED"
)

// HistoryEvent is one append-only record in the detourHistory
// collection. ID follows "{occurredAt}-{routeId}-{eventType}-{random6}"
// so events sort chronologically by id; the random suffix keeps
// apart events that share the rest of the id.
type HistoryEvent struct {
	ID         string           `bson:"_id" json:"id"`
	RouteID    string           `bson:"routeId" json:"routeId"`
	EventType  HistoryEventType `bson:"eventType" json:"eventType"`
	OccurredAt time.Time        `bson:"occurredAt" json:"occurredAt"`

	TriggerVehicleID string `bson:"triggerVehicleId,omitempty" json:"triggerVehicleId,omitempty"`

	// Populated for DETOUR_UPDATED: how the published fields changed
	// since the previous snapshot. DETOUR_CLEARED also carries
	// PreviousVehicleCount.
	PreviousConfidence   geosynth.Confidence `bson:"previousConfidence,omitempty" json:"previousConfidence,omitempty"`
	PreviousEvidence     int                 `bson:"previousEvidenceCount,omitempty" json:"previousEvidenceCount,omitempty"`
	PreviousVehicleCount int                 `bson:"previousVehicleCount,omitempty" json:"previousVehicleCount,omitempty"`
	ChangedFields        []string            `bson:"changedFields,omitempty" json:"changedFields,omitempty"`

	// Populated for DETOUR_CLEARED only: how long the detour was
	// active before it cleared.
	DurationMs int64 `bson:"durationMs,omitempty" json:"durationMs,omitempty"`

	Confidence    geosynth.Confidence `bson:"confidence" json:"confidence"`
	EvidenceCount int                 `bson:"evidenceCount" json:"evidenceCount"`
	VehicleCount  int                 `bson:"vehicleCount" json:"vehicleCount"`
}
