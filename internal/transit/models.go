// Package transit defines the shared domain types that cross the
// boundary between the GTFS static/realtime collaborators and the
// detour engine: route geometry, route/trip shape mappings, and a
// single GPS fix. Nothing in this package decodes GTFS or
// GTFS-realtime itself; that stays on the other side of
// VehicleFetcher and StaticDataSource.
package transit

import (
	"context"
	"time"

	"github.com/transitops/detourd/internal/geo"
)

// Shape is one point of a GTFS shape polyline, in sequence order.
type Shape struct {
	ShapeID  string
	Sequence int
	Point    geo.Point
}

// RouteShapeMapping resolves a route to the shape id GTFS considers
// its primary/representative shape.
type RouteShapeMapping map[string]string

// TripShapeMapping resolves a trip to its shape id. The detector
// consults it only for a fix whose route id has no shape in
// RouteShapeMapping.
type TripShapeMapping map[string]string

// VehicleFix is a single GPS observation for one vehicle. RouteID and
// TripID are both optional. The detector skips a fix with no RouteID;
// TripID only serves as a fallback when the route id maps to no shape.
type VehicleFix struct {
	VehicleID    string
	RouteID      *string
	TripID       *string
	Coordinate   geo.Point
	TimestampSec int64
}

// StaticData is the baseline GTFS data the detector compares fixes
// against: shapes grouped by id, and the two mappings used to resolve
// a fix to a shape.
type StaticData struct {
	Shapes            map[string][]geo.Point
	RouteShapeMapping RouteShapeMapping
	TripShapeMapping  TripShapeMapping
	LastRefresh       time.Time
}

// VehicleFetcher yields the current set of vehicle fixes. Concrete
// implementations decode GTFS-realtime VehiclePositions feeds; that
// decoding is out of scope here, so implementations receive or
// produce pre-decoded VehicleFix values.
type VehicleFetcher interface {
	FetchVehicles(ctx context.Context) ([]VehicleFix, error)
}

// StaticDataSource yields the current baseline shape/mapping data.
// Implementations poll a GTFS static feed independently of the
// detection tick, since shape data changes far less often than
// vehicle positions.
type StaticDataSource interface {
	GetStaticData(ctx context.Context) (StaticData, error)
}
