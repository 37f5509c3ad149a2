package geo

// Simplify reduces points to a subsequence (always including the first
// and last point) using Douglas-Peucker: if the maximum perpendicular
// distance from any interior point to the segment joining the
// endpoints exceeds toleranceMeters, the polyline is split at that
// point and both halves are simplified recursively; otherwise every
// interior point collapses to the two endpoints.
//
// A tolerance of 0 is the identity transform. A tolerance at or above
// the polyline's diameter returns just the two endpoints.
func Simplify(points []Point, toleranceMeters float64) []Point {
	if len(points) < 3 {
		out := make([]Point, len(points))
		copy(out, points)
		return out
	}

	kept := make([]bool, len(points))
	kept[0] = true
	kept[len(points)-1] = true
	simplifySpan(points, 0, len(points)-1, toleranceMeters, kept)

	out := make([]Point, 0, len(points))
	for i, k := range kept {
		if k {
			out = append(out, points[i])
		}
	}
	return out
}

func simplifySpan(points []Point, start, end int, tolerance float64, kept []bool) {
	if end-start < 2 {
		return
	}

	maxDist := -1.0
	maxIndex := -1
	for i := start + 1; i < end; i++ {
		d := PointToSegment(points[i], points[start], points[end])
		if d > maxDist {
			maxDist = d
			maxIndex = i
		}
	}

	if maxDist <= tolerance {
		return
	}

	kept[maxIndex] = true
	simplifySpan(points, start, maxIndex, tolerance, kept)
	simplifySpan(points, maxIndex, end, tolerance, kept)
}
